package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/raincheck/pkg/config"
	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/observability/metrics"
	"github.com/nimburion/raincheck/pkg/observability/tracing"
	"github.com/nimburion/raincheck/pkg/raincheck"
	"github.com/nimburion/raincheck/pkg/resilience"
	"github.com/nimburion/raincheck/pkg/store"
	"github.com/nimburion/raincheck/pkg/transport"
	"github.com/nimburion/raincheck/pkg/version"
)

// session holds everything a command needs for one run.
type session struct {
	ctx        context.Context
	stop       context.CancelFunc
	cfg        *config.Config
	log        *logger.ZapLogger
	tracer     *tracing.TracerProvider
	backend    store.Backend
	breaker    *resilience.CircuitBreaker
	dispatcher *raincheck.Dispatcher
}

// depth reads the length of key under the configured store timeout.
func (s *session) depth(key string) (int64, error) {
	return resilience.Run(s.ctx, s.cfg.RainCheck.StoreTimeout, func(ctx context.Context) (int64, error) {
		return s.backend.Len(ctx, key)
	})
}

// openSession loads configuration and wires tracing, the store, the transport and the
// dispatcher. Callers must close the session.
func openSession(cmd *cobra.Command, opts CommandOptions, flags *globalFlags) (s *session, err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	s = &session{ctx: ctx, stop: stop}
	defer func() {
		if err != nil {
			_ = s.close()
			s = nil
		}
	}()

	if s.cfg, err = loadConfig(flags); err != nil {
		return s, err
	}
	if s.log, err = newLogger(s.cfg, cmd.ErrOrStderr()); err != nil {
		return s, err
	}

	obs := s.cfg.Observability
	s.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    s.cfg.Service.Name,
		ServiceVersion: version.AppVersion,
		Environment:    s.cfg.Service.Environment,
		Endpoint:       obs.TracingEndpoint,
		SampleRate:     obs.TracingSampleRate,
		Enabled:        obs.TracingEnabled,
		Insecure:       obs.TracingInsecure,
		Attributes:     map[string]string{"raincheck.store.type": s.cfg.Store.Type},
	})
	if err != nil {
		return s, fmt.Errorf("create tracer provider: %w", err)
	}

	if s.backend, err = opts.NewBackend(ctx, s.cfg.Store, s.log.Named("store")); err != nil {
		return s, fmt.Errorf("open store: %w", err)
	}

	client, err := s.newTransport(opts)
	if err != nil {
		return s, err
	}

	rc := s.cfg.RainCheck
	skip := rc.SkipStatusCodes
	if skip == nil {
		// An explicitly empty list from config means queue every failure.
		skip = []int{}
	}
	s.dispatcher, err = raincheck.NewDispatcher(client, s.backend, s.log, raincheck.Config{
		GuaranteedDelivery: rc.GuaranteedDelivery,
		StoreTimeout:       rc.StoreTimeout,
		SkipStatusCodes:    skip,
	}, raincheck.WithStoreSystem(s.cfg.Store.Type))
	if err != nil {
		return s, fmt.Errorf("create dispatcher: %w", err)
	}
	return s, nil
}

func (s *session) newTransport(opts CommandOptions) (*transport.HTTPClient, error) {
	tc := s.cfg.Transport
	var httpOpts []transport.HTTPOption
	if tc.CircuitBreaker.Enabled {
		log := s.log.Named("transport")
		s.breaker = resilience.NewCircuitBreaker(tc.CircuitBreaker.MaxFailures, tc.CircuitBreaker.ResetTimeout,
			resilience.OnStateChange(func(from, to resilience.State) {
				log.Warn("transport circuit breaker changed state", "from", from.String(), "to", to.String())
			}),
		)
		httpOpts = append(httpOpts, transport.WithCircuitBreaker(s.breaker))
	}
	if opts.HTTPClient != nil {
		httpOpts = append(httpOpts, transport.WithHTTPClient(opts.HTTPClient))
	}
	client, err := transport.NewHTTPClient(transport.HTTPClientConfig{
		BaseURL: tc.BaseURL,
		Timeout: tc.Timeout,
		Headers: tc.Headers,
		Retry:   retryConfig(tc.Retry),
	}, s.log.Named("transport"), httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return client, nil
}

func retryConfig(rc config.RetryConfig) *transport.RetryConfig {
	return &transport.RetryConfig{
		MaxAttempts:         rc.MaxAttempts,
		InitialBackoffMsecs: rc.InitialBackoff.Milliseconds(),
		MaxBackoffMsecs:     rc.MaxBackoff.Milliseconds(),
		RetryOnStatus:       rc.RetryOnStatus,
	}
}

// close releases the store, flushes traces and writes the metrics textfile when configured.
func (s *session) close() error {
	var errs []error
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg != nil && s.cfg.Observability.MetricsFile != "" {
		if err := metrics.NewRegistry().WriteToTextfile(s.cfg.Observability.MetricsFile); err != nil {
			errs = append(errs, err)
		}
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
	if s.stop != nil {
		s.stop()
	}
	return errors.Join(errs...)
}

// closeSession closes s and keeps the first error.
func closeSession(s *session, err *error) {
	if closeErr := s.close(); closeErr != nil {
		if *err == nil {
			*err = closeErr
			return
		}
		s.log.Error("failed to close session", "error", closeErr)
	}
}
