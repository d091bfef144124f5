package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/raincheck/pkg/health"
	"github.com/nimburion/raincheck/pkg/raincheck"
	"github.com/nimburion/raincheck/pkg/transport"
)

func newSendCommand(opts CommandOptions, flags *globalFlags) *cobra.Command {
	var (
		queue          string
		id             string
		method         string
		path           string
		body           string
		headers        map[string]string
		query          map[string]string
		expiresIn      time.Duration
		retryIn        time.Duration
		sleepUntilDone bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a request, queueing it for a later drain if it fails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, opts, flags)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if !cmd.Flags().Changed("expires-in") {
				expiresIn = s.cfg.RainCheck.ExpiresIn
			}
			if !cmd.Flags().Changed("retry-in") {
				retryIn = s.cfg.RainCheck.RetryIn
			}
			if id == "" {
				id = uuid.NewString()
			}
			params := raincheck.Params{
				ID:                   id,
				QueueKey:             queue,
				RetryInMsecs:         retryIn.Milliseconds(),
				ExpiresInMsecs:       expiresIn.Milliseconds(),
				SleepUntilSuccessful: sleepUntilDone,
			}
			req := transport.Request{
				Method:  method,
				Path:    path,
				Query:   query,
				Headers: headers,
			}
			if body != "" {
				req.Body = []byte(body)
			}

			result, err := s.dispatcher.Send(s.ctx, req, params, nil, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.OK() {
				fmt.Fprintf(out, "delivered %s: status %d\n", id, result.StatusCode())
				return nil
			}
			if queuedFor(s, result) {
				fmt.Fprintf(out, "queued %s on %s: %v\n", id, queue, result.Err())
				return nil
			}
			return fmt.Errorf("send %s: %w", id, result.Err())
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue the request is parked on when it fails")
	cmd.Flags().StringVar(&id, "id", "", "rain check id; generated when empty")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&path, "path", "p", "/", "request path, relative to transport.base_url")
	cmd.Flags().StringVarP(&body, "body", "d", "", "request body")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "request header as key=value")
	cmd.Flags().StringToStringVar(&query, "query", nil, "query parameter as key=value")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "drop the rain check this long after the first attempt (default raincheck.expires_in)")
	cmd.Flags().DurationVar(&retryIn, "retry-in", 0, "earliest resend after a failure (default raincheck.retry_in)")
	cmd.Flags().BoolVar(&sleepUntilDone, "sleep-until-successful", false, "request blocking redelivery, which is not supported")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

// queuedFor reports whether the dispatcher parked the failed result.
func queuedFor(s *session, result *transport.Result) bool {
	return s.cfg.RainCheck.GuaranteedDelivery && !s.dispatcher.Skips(result.StatusCode())
}

func newDrainCommand(opts CommandOptions, flags *globalFlags) *cobra.Command {
	var (
		queue    string
		maxItems int
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Resend the rain checks queued on a queue",
		Long: `Drain pops rain checks from the head of a queue and resends them. Expired rain
checks are dropped, failures are queued again and values that cannot be decoded are
moved to the dead-letter queue. Without --max-items a drain handles at most the number
of rain checks queued when it started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, opts, flags)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			drainer, err := raincheck.NewDrainer(s.dispatcher, s.log.Named("drain"))
			if err != nil {
				return err
			}

			drainOpts := raincheck.DrainOptions{MaxItems: maxItems}
			if !cmd.Flags().Changed("max-items") {
				drainOpts.MaxItems = s.cfg.Drain.MaxItems
			}
			if drainOpts.MaxItems <= 0 {
				depth, err := s.depth(queue)
				if err != nil {
					return fmt.Errorf("read depth of %s: %w", queue, err)
				}
				if depth == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is empty\n", queue)
					return nil
				}
				drainOpts.MaxItems = int(depth)
			}
			if r := s.cfg.Drain.RatePerSecond; r > 0 {
				drainOpts.Limiter = rate.NewLimiter(rate.Limit(r), max(s.cfg.Drain.Burst, 1))
			}

			onSuccess := func(ctx context.Context, result *transport.Result, params raincheck.Params) error {
				s.log.WithContext(ctx).Info("rain check delivered",
					"queue", params.QueueKey,
					"status_code", result.StatusCode(),
				)
				return nil
			}

			stats, err := drainer.Drain(s.ctx, queue, onSuccess, drainOpts)
			fmt.Fprintf(cmd.OutOrStdout(),
				"drained %s: processed=%d succeeded=%d failed=%d expired=%d malformed=%d\n",
				queue, stats.Processed, stats.Succeeded, stats.Failed, stats.Expired, stats.Malformed,
			)
			return err
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue to drain")
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "stop after this many rain checks (default drain.max_items, then the starting depth)")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func newDepthCommand(opts CommandOptions, flags *globalFlags) *cobra.Command {
	var queues []string

	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Print the number of rain checks queued and dead-lettered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, opts, flags)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			out := cmd.OutOrStdout()
			for _, queue := range queues {
				for _, key := range []string{queue, raincheck.DeadLetterKey(queue)} {
					n, err := s.depth(key)
					if err != nil {
						return fmt.Errorf("read depth of %s: %w", key, err)
					}
					fmt.Fprintf(out, "%s\t%d\n", key, n)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queue to inspect, repeatable")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func newHealthcheckCommand(opts CommandOptions, flags *globalFlags) *cobra.Command {
	var (
		queues    []string
		threshold int64
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the store and report queue backlogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, opts, flags)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			registry := health.NewRegistry(health.WithDeadline(2 * timeout))
			registry.Register(health.NewAdapterChecker("store:"+strings.ToLower(s.cfg.Store.Type), s.backend, timeout))
			if s.breaker != nil {
				registry.Register(health.NewBreakerChecker("transport", s.breaker))
			}
			for _, queue := range queues {
				registry.Register(health.NewQueueDepthChecker(queue, s.backend, threshold))
			}

			result := registry.Check(s.ctx)
			data, err := yaml.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal health result: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("health check failed: %s", strings.Join(result.Failing(health.StatusUnhealthy), ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queue whose backlog is reported, repeatable")
	cmd.Flags().Int64Var(&threshold, "max-depth", 0, "backlog above which a queue is reported degraded; 0 disables")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "timeout of the store check")
	return cmd
}
