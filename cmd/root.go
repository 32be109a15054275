package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/app"
	"github.com/JakeFAU/gridfetch/internal/batch"
	"github.com/JakeFAU/gridfetch/internal/config"
	"github.com/JakeFAU/gridfetch/internal/logging"
)

// runner is the part of the orchestrator the commands drive.
type runner interface {
	Run(ctx context.Context, target *time.Time) (batch.Report, error)
	History(ctx context.Context, from, to time.Time, step time.Duration) ([]batch.Report, error)
}

// runnerFactory builds a runner and its cleanup from configuration.
type runnerFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, func(), error)

func newAppRunner(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, func(), error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize application services: %w", err)
	}
	return a.Orchestrator(), a.Close, nil
}

// rootState carries what PersistentPreRunE resolves to the subcommands.
type rootState struct {
	cfgFile   string
	cfg       config.Config
	logger    *zap.Logger
	newRunner runnerFactory
}

func newRootCmd(factory runnerFactory) *cobra.Command {
	state := &rootState{newRunner: factory}

	cmd := &cobra.Command{
		Use:   "gridfetch",
		Short: "Batch collector for electricity market and grid data.",
		Long: `gridfetch runs a list of (source, category) collection jobs on a bounded
worker pool, archives every result in a per-run zip and writes a
tab-separated ledger of what ran.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
				MaxSizeMB:   cfg.Logging.MaxSizeMB,
				MaxBackups:  cfg.Logging.MaxBackups,
				MaxAgeDays:  cfg.Logging.MaxAgeDays,
				Compress:    cfg.Logging.Compress,
			})
			if err != nil {
				return err
			}
			state.cfg = cfg
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newRunCmd(state))
	cmd.AddCommand(newValidateJobsCmd(state))
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := newRootCmd(newAppRunner).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
