package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries a process exit code for a command that already printed
// its output
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerlink",
	Short: "LedgerLink - integration reconciliation engine",
	Long: `LedgerLink keeps an internal ledger and its external systems of record
in agreement. It queues sync jobs for accounting, time-tracking and
point-of-sale providers, retries and dead-letters failures, audits drift
between the two sides and runs an agent loop that heals what it can.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)
		loaded = &cfg
		return nil
	},
}

// loaded is the configuration resolved by the root command
var loaded *config.Config

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"LedgerLink version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file (LEDGERLINK_* env vars override it)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")
}

// withEngine opens the engine for one command and closes it afterwards.
// The context is cancelled on SIGINT or SIGTERM.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close engine cleanly")
		}
	}()
	return fn(ctx, e)
}
