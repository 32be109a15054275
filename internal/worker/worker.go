// Package worker executes a single collection job: fetch, check, archive.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/archive"
	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/metrics"
)

// DefaultStaleAfter is how old the newest record of a live fetch may be
// before a warning is logged.
const DefaultStaleAfter = 2 * time.Hour

// ErrSourcePanic marks a fetch that panicked.
var ErrSourcePanic = errors.New("source panicked")

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds a single fetch. Zero disables it.
	Timeout time.Duration
	// StaleAfter overrides DefaultStaleAfter. Negative disables the check.
	StaleAfter time.Duration
}

// Deps bundles the collaborators of a Worker. Validator, Raw, Hasher and
// Metrics are optional.
type Deps struct {
	Fetcher   collector.Fetcher
	Archive   collector.Archive
	Validator collector.Validator
	Raw       collector.BlobStore
	Hasher    collector.Hasher
	Clock     collector.Clock
	Metrics   *metrics.Metrics
}

// Worker runs jobs against one run's archive. It is safe for concurrent use.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Archive == nil {
		return nil, fmt.Errorf("archive is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process executes job and records the outcome on it. Per-job failures are
// logged and stored on the job; only archive.ErrUnusable is returned.
func (w *Worker) Process(ctx context.Context, run collector.Run, job *collector.Job) error {
	started := w.now()
	job.Started = &started
	job.Ended = nil
	job.Ran = true
	job.Success = false
	job.Error = ""

	w.deps.Metrics.IncActiveWorkers()
	defer func() {
		ended := w.now()
		job.Ended = &ended
		w.deps.Metrics.DecActiveWorkers()
		elapsed, _ := job.Elapsed()
		w.deps.Metrics.ObserveJob(string(job.Category), job.Status(), elapsed)
	}()

	logger := w.logger.With(
		zap.String("run_id", run.ID),
		zap.Int("job_index", job.Index),
		zap.String("source_id", job.SourceID),
		zap.String("category", string(job.Category)),
	)

	if err := w.execute(ctx, run, job, logger); err != nil {
		job.Error = err.Error()
		logger.Error("job failed", zap.Error(err))
		if errors.Is(err, archive.ErrUnusable) {
			return err
		}
		return nil
	}

	job.Success = true
	logger.Info("job succeeded",
		zap.String("entry", job.Entry),
		zap.Int("records", job.Records),
	)
	return nil
}

func (w *Worker) execute(ctx context.Context, run collector.Run, job *collector.Job, logger *zap.Logger) error {
	req := collector.FetchRequest{
		SourceID: job.SourceID,
		Category: job.Category,
		Target:   run.Target,
	}
	records, err := w.fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	records, latest, err := collector.NormalizeRecords(records)
	if err != nil {
		return fmt.Errorf("check records: %w", err)
	}
	if run.Target == nil && w.cfg.StaleAfter > 0 {
		if age := w.now().Sub(latest); age > w.cfg.StaleAfter {
			logger.Warn("newest record is stale",
				zap.Time("latest", latest),
				zap.Duration("age", age),
			)
		}
	}
	w.validate(job, records, logger)

	content, err := collector.EncodeRecords(records)
	if err != nil {
		return err
	}
	entry := collector.EntryName(job.SourceID, job.Category, run.StartedAt, run.Target)

	var digest string
	if w.deps.Hasher != nil {
		if digest, err = w.deps.Hasher.Hash(content); err != nil {
			return fmt.Errorf("hash entry: %w", err)
		}
	}

	if w.deps.Raw != nil {
		rawPath := RawPath(job.SourceID, job.Category, entry)
		if _, err := w.deps.Raw.PutObject(ctx, rawPath, "application/json", bytes.NewReader(content)); err != nil {
			return fmt.Errorf("write raw output: %w", err)
		}
	}

	if err := w.deps.Archive.Append(ctx, entry, content); err != nil {
		return fmt.Errorf("archive append: %w", err)
	}
	w.deps.Metrics.ObserveArchiveEntry()

	job.Entry = entry
	job.Digest = digest
	job.Records = len(records)
	return nil
}

func (w *Worker) validate(job *collector.Job, records []collector.Record, logger *zap.Logger) {
	if w.deps.Validator == nil {
		return
	}
	for _, rec := range records {
		if err := w.deps.Validator.Validate(job.Category, job.SourceID, rec); err != nil {
			w.deps.Metrics.ObserveValidationFailure(string(job.Category))
			ts, _ := rec.Datetime()
			logger.Warn("validation failed",
				zap.Time("datetime", ts),
				zap.Error(err),
			)
		}
	}
}

type fetchResult struct {
	records []collector.Record
	err     error
}

func (w *Worker) fetch(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("%w: %v", ErrSourcePanic, r)}
			}
		}()
		records, err := w.deps.Fetcher.Fetch(ctx, req)
		done <- fetchResult{records: records, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", req.SourceID, req.Category, ctx.Err())
	case res := <-done:
		return res.records, res.err
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now().UTC()
}

// RawPath is the object path of a job's raw payload: source/category/entry.
func RawPath(sourceID string, category collector.Category, entry string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_").Replace(sourceID)
	return path.Join(clean, string(category), entry)
}
