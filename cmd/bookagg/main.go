package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/bookagg/internal/config"
)

const (
	appName = "bookagg"
	version = "v1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange order book aggregator",
		Version: version,
		Long: `bookagg ingests order book snapshots and deltas from many exchanges over one
streaming connection, keeps a normalized book per exchange and serves
statistics and consolidated books over a read-only HTTP API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			level, _ := cmd.Flags().GetString("log-level")
			if !cmd.Flags().Changed("log-level") {
				if v := os.Getenv(config.EnvLogLevel); v != "" {
					level = v
				}
			}
			return setupLogging(level)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(newRunCmd(), newReplayCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the feed and serve the HTTP API",
		Long:  "Connects to the streaming feed, maintains per-exchange books and serves /health, /books, /aggregate, /exchanges and /metrics",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <frames.ndjson>",
		Short: "Replay recorded frames offline and print the aggregated book",
		Long:  "Feeds newline-delimited frames through the same decoder and book logic as the live client, without any network access",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	addReplayFlags(cmd.Flags())
	return cmd
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config file")
	fs.String("url", "", "Streaming feed URL (ws:// or wss://)")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("redis-addr", "", "Redis address for the book mirror (empty disables)")
	fs.StringSlice("exchanges", nil, "Exchanges to request snapshots for after each connect")
}

func addReplayFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config file")
	fs.String("market", "all", "Market filter for the aggregated book")
	fs.String("tick", "", "Price bucket size (overrides config)")
	fs.Int("max-depth", -1, "Levels kept per side (overrides config, 0 = unbounded)")
}

// setupLogging uses a console writer on terminals and JSON otherwise.
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
	}
	return nil
}

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"url":        &cfg.Stream.URL,
		"http-addr":  &cfg.HTTP.Addr,
		"redis-addr": &cfg.Redis.Addr,
		"tick":       &cfg.Aggregate.Tick,
	}
	for name, dst := range overrides {
		if fs.Lookup(name) != nil && fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	if fs.Lookup("exchanges") != nil && fs.Changed("exchanges") {
		cfg.Stream.Exchanges, _ = fs.GetStringSlice("exchanges")
	}
	if fs.Lookup("max-depth") != nil && fs.Changed("max-depth") {
		cfg.Stream.MaxDepth, _ = fs.GetInt("max-depth")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// file and env levels apply unless --log-level was given
	if cfg.LogLevel != "" && fs.Lookup("log-level") != nil && !fs.Changed("log-level") {
		if err := setupLogging(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
