package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/archive"
	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/joblist"
	"github.com/JakeFAU/gridfetch/internal/ledger"
	"github.com/JakeFAU/gridfetch/internal/metrics"
	"github.com/JakeFAU/gridfetch/internal/publisher/memory"
	"github.com/JakeFAU/gridfetch/internal/validate"
)

const scenarioJobs = "x A SRC1 production\nx B SRC2 exchange\n"

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fetchFunc func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error)

func (f fetchFunc) Fetch(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
	return f(ctx, req)
}

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (u *fakeUploader) UploadFile(_ context.Context, localPath, name, _ string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.names = append(u.names, name)
	return "gs://bucket/" + name, nil
}

type fakeLedgerStore struct {
	runs []collector.Run
	rows int
	err  error
}

func (s *fakeLedgerStore) StoreLedger(_ context.Context, run collector.Run, jobs []collector.Job) error {
	if s.err != nil {
		return s.err
	}
	s.runs = append(s.runs, run)
	s.rows += len(jobs)
	return nil
}

type fixture struct {
	dir   string
	clock *stepClock
	orch  *Orchestrator
}

func newFixture(t *testing.T, jobs string, fetcher collector.Fetcher, deps Deps, concurrency int) fixture {
	t.Helper()

	dir := t.TempDir()
	jobsFile := filepath.Join(dir, "fetchers.txt")
	require.NoError(t, os.WriteFile(jobsFile, []byte(jobs), 0o600))

	clock := &stepClock{now: time.Date(2024, 1, 1, 10, 0, 0, 500_000_000, time.UTC)}
	deps.Fetcher = fetcher
	deps.Clock = clock
	if deps.Validator == nil {
		deps.Validator = validate.New(nil)
	}

	orch, err := New(deps, Config{
		JobsFile:    jobsFile,
		Fields:      joblist.Fields{Source: 2, Category: 3},
		Concurrency: concurrency,
		ArchiveDir:  filepath.Join(dir, "zips"),
		ResultsDir:  filepath.Join(dir, "results"),
		Topic:       "runs",
	}, zap.NewNop())
	require.NoError(t, err)
	orch.sleep = func(_ context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	}
	return fixture{dir: dir, clock: clock, orch: orch}
}

func oneRecord(_ context.Context, req collector.FetchRequest) ([]collector.Record, error) {
	return []collector.Record{{
		"zoneKey":  req.SourceID,
		"datetime": "2024-01-01T09:45:00+00:00",
		"value":    1.0,
	}}, nil
}

func ledgerLines(t *testing.T, path string) []string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	zw, err := archive.Open(path)
	require.NoError(t, err)
	entries, err := zw.Entries()
	require.NoError(t, err)
	return entries
}

func TestRunAllJobsSucceed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scenarioJobs, fetchFunc(oneRecord), Deps{}, 8)
	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, collector.Outcome{Total: 2, Succeeded: 2}, report.Outcome)

	lines := ledgerLines(t, report.LedgerPath)
	require.Len(t, lines, 3)
	assert.Equal(t, ledger.Header, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "x A SRC1 production\ttrue\ttrue\t"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "x B SRC2 exchange\ttrue\ttrue\t"), lines[2])

	entries := archiveEntries(t, report.ArchivePath)
	assert.ElementsMatch(t, []string{
		collector.SentinelEntry,
		"SRC1_production_2024-01-01T10-00-00.txt",
		"SRC2_exchange_2024-01-01T10-00-00.txt",
	}, entries)
	assert.Equal(t, filepath.Join(f.dir, "zips", "2024", "01", "ElectricData_2024-01-01T10-00-00.zip"), report.ArchivePath)
	assert.Equal(t, filepath.Join(f.dir, "results", "Results_2024-01-01 10-00-00.txt"), report.LedgerPath)
}

func TestRunIsolatesFailingSource(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
		if req.SourceID == "SRC1" {
			return nil, errors.New("TimeoutError")
		}
		return oneRecord(ctx, req)
	})
	f := newFixture(t, scenarioJobs, fetcher, Deps{}, 8)
	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	lines := ledgerLines(t, report.LedgerPath)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "x A SRC1 production\ttrue\tfalse\t"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "x B SRC2 exchange\ttrue\ttrue\t"), lines[2])
	assert.Contains(t, report.Jobs[0].Error, "TimeoutError")

	entries := archiveEntries(t, report.ArchivePath)
	assert.ElementsMatch(t, []string{collector.SentinelEntry, "SRC2_exchange_2024-01-01T10-00-00.txt"}, entries)
}

func TestRunRejectsNaiveTimestamps(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
		if req.SourceID == "SRC1" {
			return []collector.Record{{"datetime": "2024-01-01T09:45:00", "value": 1.0}}, nil
		}
		return oneRecord(ctx, req)
	})
	f := newFixture(t, scenarioJobs, fetcher, Deps{}, 2)
	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)

	require.False(t, report.Jobs[0].Success)
	require.Contains(t, report.Jobs[0].Error, collector.ErrNaiveDatetime.Error())
	require.True(t, report.Jobs[1].Success)

	for _, entry := range archiveEntries(t, report.ArchivePath) {
		assert.False(t, strings.HasPrefix(entry, "SRC1_"), entry)
	}
}

func TestRunAbortsWithoutLedgerWhenArchiveUnusable(t *testing.T) {
	t.Parallel()

	var zipDir string
	fetcher := fetchFunc(func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
		_ = os.RemoveAll(zipDir)
		return oneRecord(ctx, req)
	})
	f := newFixture(t, scenarioJobs+"x C SRC3 price\n", fetcher, Deps{}, 1)
	zipDir = filepath.Join(f.dir, "zips")

	report, err := f.orch.Run(context.Background(), nil)
	require.ErrorIs(t, err, archive.ErrUnusable)
	require.Empty(t, report.LedgerPath)
	require.Len(t, report.Jobs, 3)
	require.True(t, report.Jobs[0].Ran)
	require.False(t, report.Jobs[2].Ran)

	_, statErr := os.Stat(filepath.Join(f.dir, "results"))
	require.True(t, os.IsNotExist(statErr), "no ledger directory expected, got %v", statErr)
}

func TestRunSharedRecordsAcrossJobs(t *testing.T) {
	t.Parallel()

	shared := make([]collector.Record, 200)
	for i := range shared {
		shared[i] = collector.Record{
			"datetime":   time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"production": map[string]any{"wind": float64(i)},
		}
	}
	fetcher := fetchFunc(func(context.Context, collector.FetchRequest) ([]collector.Record, error) {
		return shared, nil
	})

	var jobs strings.Builder
	const total = 64
	for i := 0; i < total; i++ {
		fmt.Fprintf(&jobs, "x J SRC%d production\n", i)
	}
	f := newFixture(t, jobs.String(), fetcher, Deps{}, 8)

	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, collector.Outcome{Total: total, Succeeded: total}, report.Outcome)
	assert.Len(t, archiveEntries(t, report.ArchivePath), total+1)

	for _, rec := range shared {
		require.IsType(t, "", rec["datetime"], "source records must not be rewritten")
	}
}

func TestRunMissingJobList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scenarioJobs, fetchFunc(oneRecord), Deps{}, 1)
	f.orch.cfg.JobsFile = filepath.Join(f.dir, "missing.txt")
	_, err := f.orch.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRunDeliversToSinks(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	store := &fakeLedgerStore{}
	pub := memory.New()
	f := newFixture(t, scenarioJobs, fetchFunc(oneRecord), Deps{
		Uploader:  uploader,
		Ledgers:   store,
		Publisher: pub,
		Metrics:   metrics.New(),
	}, 4)

	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, report.SinkErrors)

	assert.Equal(t, []string{
		"archives/2024/01/ElectricData_2024-01-01T10-00-00.zip",
		"results/Results_2024-01-01 10-00-00.txt",
	}, uploader.names)
	assert.Len(t, report.Uploads, 2)

	require.Len(t, store.runs, 1)
	assert.Equal(t, 2, store.rows)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "runs", msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, 2, note.Outcome.Succeeded)
	assert.Equal(t, report.Run.ID, note.RunID)
}

func TestRunSinkFailuresAreBestEffort(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.Err = errors.New("topic not found")
	f := newFixture(t, scenarioJobs, fetchFunc(oneRecord), Deps{
		Uploader:  &fakeUploader{err: errors.New("403")},
		Ledgers:   &fakeLedgerStore{err: errors.New("connection refused")},
		Publisher: pub,
	}, 4)

	report, err := f.orch.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, report.SinkErrors, SinkUpload)
	assert.Contains(t, report.SinkErrors, SinkLedger)
	assert.Contains(t, report.SinkErrors, SinkPublish)
	assert.FileExists(t, report.LedgerPath)
}

func TestHistoryRunsEveryBoundary(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var targets []time.Time
	fetcher := fetchFunc(func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
		mu.Lock()
		targets = append(targets, *req.Target)
		mu.Unlock()
		return []collector.Record{{"datetime": *req.Target, "value": 1.0}}, nil
	})
	f := newFixture(t, "x A SRC1 production\n", fetcher, Deps{}, 1)

	from := time.Date(2023, 12, 31, 10, 30, 0, 0, time.UTC)
	to := time.Date(2023, 12, 31, 13, 0, 0, 0, time.UTC)
	reports, err := f.orch.History(context.Background(), from, to, time.Hour)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	starts := map[time.Time]bool{}
	for i, report := range reports {
		require.NotNil(t, report.Run.Target)
		want := time.Date(2023, 12, 31, 11+i, 0, 0, 0, time.UTC)
		assert.True(t, report.Run.Target.Equal(want), "run %d target %s", i, report.Run.Target)
		assert.False(t, starts[report.Run.StartedAt], "start timestamps must be distinct")
		starts[report.Run.StartedAt] = true
		require.True(t, report.Jobs[0].Success, report.Jobs[0].Error)
		assert.True(t, strings.HasSuffix(report.Jobs[0].Entry, want.Format("_2006-01-02 15-04-05")+".txt"), report.Jobs[0].Entry)
	}
	assert.Len(t, targets, 3)
}

func TestHistoryRejectsReversedRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scenarioJobs, fetchFunc(oneRecord), Deps{}, 1)
	now := time.Now()
	_, err := f.orch.History(context.Background(), now, now.Add(-time.Hour), time.Hour)
	require.Error(t, err)
}

func TestBoundaries(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Boundaries(from, from.Add(2*time.Hour), time.Hour)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(from))

	got = Boundaries(from.Add(time.Minute), from.Add(59*time.Minute), time.Hour)
	assert.Empty(t, got)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{JobsFile: "f", ArchiveDir: "a", ResultsDir: "r", Fields: joblist.DefaultFields}, nil)
	require.Error(t, err)
	_, err = New(Deps{Fetcher: fetchFunc(oneRecord)}, Config{Fields: joblist.DefaultFields}, nil)
	require.Error(t, err)
	_, err = New(Deps{Fetcher: fetchFunc(oneRecord)}, Config{JobsFile: "f", ArchiveDir: "a", ResultsDir: "r", Fields: joblist.Fields{Source: 1, Category: 1}}, nil)
	require.Error(t, err)
}
