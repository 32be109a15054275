package ledger

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// RenderSummary draws the run outcome followed by every job that did not succeed.
func RenderSummary(run collector.Run, jobs []collector.Job) string {
	outcome := collector.Tally(jobs)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Footer = text.FormatDefault
	tw.SetTitle(fmt.Sprintf("run %s (%s)", run.ID, collector.RunStamp(run.StartedAt)))
	tw.AppendHeader(table.Row{"#", "Source", "Category", "Status", "Time (ms)", "Error"})
	for _, job := range jobs {
		if job.Success {
			continue
		}
		elapsed := ""
		if d, ok := job.Elapsed(); ok {
			elapsed = strconv.FormatInt(d.Milliseconds(), 10)
		}
		tw.AppendRow(table.Row{job.Index, job.SourceID, string(job.Category), job.Status(), elapsed, job.Error})
	}
	tw.AppendFooter(table.Row{
		"", "total", outcome.Total,
		fmt.Sprintf("%d ok / %d failed / %d skipped", outcome.Succeeded, outcome.Failed, outcome.Skipped),
		"", "",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, WidthMax: 60},
	})
	return tw.Render()
}
