package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/gridfetch/internal/app"
	"github.com/JakeFAU/gridfetch/internal/joblist"
)

func newValidateJobsCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-jobs",
		Short: "Parses the job list and reports which jobs have a registered source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields := joblist.Fields{Source: state.cfg.Jobs.SourceField, Category: state.cfg.Jobs.CategoryField}
			jobs, err := joblist.ParseFile(state.cfg.Jobs.File, fields)
			if err != nil {
				return err
			}
			registry, err := app.NewRegistry(state.cfg.Sources)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetStyle(table.StyleRounded)
			tw.SetTitle(state.cfg.Jobs.File)
			tw.AppendHeader(table.Row{"#", "Source", "Category", "Known", "Registered"})
			missing := 0
			for _, job := range jobs {
				registered := registry.Has(job.Category, job.SourceID)
				if !registered {
					missing++
				}
				tw.AppendRow(table.Row{job.Index, job.SourceID, string(job.Category), job.Category.Known(), registered})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs, %d without a registered source\n", len(jobs), missing)
			return nil
		},
	}
}
