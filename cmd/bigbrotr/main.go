// Package main is the bigbrotr binary. Each subcommand runs one archive
// service in the foreground against the shared PostgreSQL store; migrate
// manages the schema the services expect.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

const name = "bigbrotr"

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagConfig   string
	flagLogLevel string
	flagOnce     bool
)

var rootCmd = &cobra.Command{
	Use:   name,
	Short: "Archive of the Nostr relay ecosystem",
	Long: `BigBrotr archives the Nostr relay ecosystem: it discovers relay URLs,
probes and promotes the reachable ones, observes relay health and
metadata, and synchronizes events into a PostgreSQL archive.

Each service subcommand runs in the foreground until SIGINT or SIGTERM
and exits 0 on clean shutdown, 1 on a fatal configuration error or when
the circuit breaker terminates the loop.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s %s (%s)\n", name, version, commit))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to the service YAML config; defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", config.GetEnvStr("LOG_LEVEL", "info"),
		"log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().BoolVar(&flagOnce, "once", false,
		"run a single cycle and exit")

	rootCmd.AddCommand(
		seederCmd,
		finderCmd,
		validatorCmd,
		monitorCmd,
		synchronizerCmd,
		migrateCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}
