// Package cli builds the raincheck command line: send requests with guaranteed delivery,
// drain queues, inspect depth and check the store.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/raincheck/pkg/config"
	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
	"github.com/nimburion/raincheck/pkg/store/factory"
	"github.com/nimburion/raincheck/pkg/version"
)

const redacted = "***"

// BackendFactory opens the list store described by cfg.
type BackendFactory func(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (store.Backend, error)

// CommandOptions configures the root command.
type CommandOptions struct {
	// Name defaults to "raincheck".
	Name string
	// ConfigPath is the default for --config-file.
	ConfigPath string
	// EnvPrefix defaults to config.DefaultEnvPrefix.
	EnvPrefix string
	// NewBackend defaults to factory.NewBackend.
	NewBackend BackendFactory
	// HTTPClient, when set, carries every outbound request.
	HTTPClient *http.Client
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	envPrefix  string
	secretFile string
}

// NewRootCommand creates the raincheck command tree.
func NewRootCommand(opts CommandOptions) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "raincheck"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.NewBackend == nil {
		opts.NewBackend = factory.NewBackend
	}

	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "At-least-once delivery for outbound HTTP requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config-file", "c", opts.ConfigPath, "path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", opts.EnvPrefix, "prefix of environment variable overrides")
	rootCmd.PersistentFlags().StringVar(&flags.secretFile, "secret-file", "", "path to a secrets file merged over the config file")

	rootCmd.AddCommand(
		newSendCommand(opts, flags),
		newDrainCommand(opts, flags),
		newDepthCommand(opts, flags),
		newHealthcheckCommand(opts, flags),
		newVersionCommand(opts),
		newConfigCommand(flags),
	)
	return rootCmd
}

func newVersionCommand(opts CommandOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service: %s\n", info.Service)
			fmt.Fprintf(out, "Version: %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
			return nil
		},
	}
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out, err := formatConfig(redactConfig(cfg))
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	})
	return configCmd
}

// LoadConfigAndLogger loads configuration and builds the logger it describes. Log output
// goes to w so that command output on stdout stays parseable.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath string, w io.Writer) (*config.Config, *logger.ZapLogger, error) {
	cfg, err := loadConfig(&globalFlags{configFile: cfgPath, envPrefix: envPrefix, secretFile: secretFilePath})
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg, w)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := applySecretFileFlag(flags.envPrefix, flags.secretFile); err != nil {
		return nil, err
	}
	cfg, err := config.NewViperLoader(flags.configFile, flags.envPrefix).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*logger.ZapLogger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	logCfg := logger.Config{
		Level:       level,
		Format:      format,
		Service:     cfg.Service.Name,
		Environment: cfg.Service.Environment,
	}
	if w != nil {
		logCfg.Output = w
	}
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	if level == logger.DebugLevel {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", redactConfig(cfg)))
	}
	return log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// redactConfig returns a copy of cfg with the store credentials and header values masked.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Store.URL = redactURL(cfg.Store.URL)
	if cfg.Store.AWS.SecretAccessKey != "" {
		out.Store.AWS.SecretAccessKey = redacted
	}
	if cfg.Store.AWS.SessionToken != "" {
		out.Store.AWS.SessionToken = redacted
	}
	if len(cfg.Transport.Headers) > 0 {
		out.Transport.Headers = make(map[string]string, len(cfg.Transport.Headers))
		for key := range cfg.Transport.Headers {
			out.Transport.Headers[key] = redacted
		}
	}
	return &out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		// DSNs such as user:pass@tcp(host)/db are not URLs.
		if strings.Contains(raw, "@") {
			return redacted
		}
		return raw
	}
	return u.Redacted()
}

func formatConfig(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
