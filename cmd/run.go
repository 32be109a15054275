package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/batch"
	"github.com/JakeFAU/gridfetch/internal/ledger"
)

// Run modes.
const (
	ModeCurrent = "current"
	ModeByDate  = "by-date"
)

func newRunCmd(state *rootState) *cobra.Command {
	var mode, from, to string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the job list once (current) or once per hour of a date range (by-date)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode != ModeCurrent && mode != ModeByDate {
				return fmt.Errorf("unknown mode %q (want %s or %s)", mode, ModeCurrent, ModeByDate)
			}
			if from != "" {
				state.cfg.History.From = from
			}
			if to != "" {
				state.cfg.History.To = to
			}

			r, cleanup, err := state.newRunner(cmd.Context(), state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			if mode == ModeCurrent {
				report, err := r.Run(cmd.Context(), nil)
				printReport(out, report)
				return err
			}

			start, end, err := state.cfg.History.Range()
			if err != nil {
				return err
			}
			state.logger.Info("history sweep",
				zap.Time("from", start),
				zap.Time("to", end),
				zap.Duration("step", state.cfg.History.Step),
			)
			reports, err := r.History(cmd.Context(), start, end, state.cfg.History.Step)
			for _, report := range reports {
				printReport(out, report)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&mode, "mode", ModeCurrent, "run mode: current or by-date")
	cmd.Flags().StringVar(&from, "from", "", "by-date range start (RFC 3339, overrides history.from)")
	cmd.Flags().StringVar(&to, "to", "", "by-date range end (RFC 3339, overrides history.to)")
	return cmd
}

func printReport(out io.Writer, report batch.Report) {
	if report.Run.StartedAt.IsZero() {
		return
	}
	fmt.Fprintln(out, ledger.RenderSummary(report.Run, report.Jobs))
	if report.LedgerPath != "" {
		fmt.Fprintf(out, "ledger:  %s\n", report.LedgerPath)
	}
	fmt.Fprintf(out, "archive: %s\n", report.ArchivePath)
	if report.Run.Target != nil {
		fmt.Fprintf(out, "target:  %s\n", report.Run.Target.Format(time.RFC3339))
	}
}
