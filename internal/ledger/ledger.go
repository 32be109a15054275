// Package ledger writes the tab-separated execution report of a run and
// renders its console summary.
package ledger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

const (
	// Header is the first line of every ledger.
	Header = "Command\tRan\tSuccess\tStarted\tEnded\tTime"
	// DisplayLayout formats the Started and Ended columns.
	DisplayLayout = "2006/01/02 15:04:05"
	// FilePrefix starts every ledger file name.
	FilePrefix = "Results_"
)

// Path names the ledger of a run started at start. Results are kept flat.
func Path(root string, start time.Time) string {
	return filepath.Join(root, FilePrefix+start.UTC().Format(collector.TargetStampLayout)+".txt")
}

// Write creates the results directory on demand and writes the ledger.
func Write(path string, jobs []collector.Job, loc *time.Location) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	// #nosec G304 -- the path is derived from operator configuration.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close ledger: %w", cerr)
		}
	}()
	if err := Encode(f, jobs, loc); err != nil {
		return err
	}
	return nil
}

// Encode writes the header and one row per job, in the order given.
func Encode(w io.Writer, jobs []collector.Job, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header + "\n"); err != nil {
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, job := range jobs {
		if _, err := bw.WriteString(strings.Join(Row(job, loc), "\t") + "\n"); err != nil {
			return fmt.Errorf("write ledger row %d: %w", job.Index, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return nil
}

// Row renders the ledger columns of one job. Elapsed milliseconds are only
// reported when both timestamps are present.
func Row(job collector.Job, loc *time.Location) []string {
	started := formatTime(job.Started, loc)
	ended := formatTime(job.Ended, loc)
	elapsed := ""
	if d, ok := job.Elapsed(); ok {
		elapsed = strconv.FormatInt(d.Milliseconds(), 10)
	}
	return []string{
		sanitize(job.Command),
		strconv.FormatBool(job.Ran),
		strconv.FormatBool(job.Success),
		started,
		ended,
		elapsed,
	}
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(DisplayLayout)
}

// sanitize keeps a command on one ledger cell.
func sanitize(command string) string {
	command = strings.TrimSpace(command)
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(command)
}
