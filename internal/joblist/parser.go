// Package joblist parses the newline-delimited job list into collector jobs.
package joblist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// MinLineLength is the shortest line, without its newline, that is
// considered a job. Blank and stub lines fall below it.
const MinLineLength = 10

// Fields selects the whitespace-separated token positions holding the source
// id and the category. Tokens after the category are reserved for the source.
type Fields struct {
	Source   int
	Category int
}

// DefaultFields matches lines shaped like "fetch JP-KN production".
var DefaultFields = Fields{Source: 1, Category: 2}

// Validate rejects negative or overlapping positions.
func (f Fields) Validate() error {
	if f.Source < 0 || f.Category < 0 {
		return fmt.Errorf("job field positions must be >= 0")
	}
	if f.Source == f.Category {
		return fmt.Errorf("source and category positions must differ")
	}
	return nil
}

// ParseFile opens path and parses it.
func ParseFile(path string, fields Fields) ([]collector.Job, error) {
	// #nosec G304 -- the job list location is operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	jobs, err := Parse(f, fields)
	if err != nil {
		return nil, fmt.Errorf("parse job list %s: %w", path, err)
	}
	return jobs, nil
}

// Parse reads one job per line. Malformed lines are skipped; the returned
// order matches the input order.
func Parse(r io.Reader, fields Fields) ([]collector.Job, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	var jobs []collector.Job
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		job, ok := parseLine(scanner.Text(), fields)
		if !ok {
			continue
		}
		job.Index = len(jobs)
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan job list: %w", err)
	}
	return jobs, nil
}

func parseLine(line string, fields Fields) (collector.Job, bool) {
	if len(line) < MinLineLength {
		return collector.Job{}, false
	}
	command := strings.TrimSpace(line)
	if command == "" || strings.HasPrefix(command, "#") {
		return collector.Job{}, false
	}
	tokens := strings.Fields(command)
	if fields.Source >= len(tokens) {
		return collector.Job{}, false
	}
	source := tokens[fields.Source]
	var category collector.Category
	if fields.Category < len(tokens) {
		category = collector.Category(tokens[fields.Category])
	}
	if category == "" {
		category = collector.DefaultCategory(source)
	}
	return collector.Job{
		Command:  command,
		SourceID: source,
		Category: category,
	}, true
}
