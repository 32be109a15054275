// Package dispatcher fans a run's jobs out over a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// DefaultConcurrency is the pool size when none is configured.
const DefaultConcurrency = 8

// ErrJobPanic marks a job whose processor panicked.
var ErrJobPanic = errors.New("job panicked")

// Processor executes one job in place. A returned error is run-fatal.
type Processor interface {
	Process(ctx context.Context, run collector.Run, job *collector.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, run collector.Run, job *collector.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, run collector.Run, job *collector.Job) error {
	return f(ctx, run, job)
}

// Dispatcher runs at most concurrency processors at once.
type Dispatcher struct {
	processor   Processor
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Dispatcher. A non-positive concurrency uses DefaultConcurrency.
func New(processor Processor, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		processor:   processor,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run processes every job and returns them in submission order. When a
// processor returns an error no further jobs start (they stay un-run),
// in-flight jobs complete, and the first such error is returned alongside
// the jobs.
func (d *Dispatcher) Run(ctx context.Context, run collector.Run, jobs []collector.Job) ([]collector.Job, error) {
	results := make([]collector.Job, len(jobs))
	copy(results, jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i := range results {
		if gctx.Err() != nil {
			break
		}
		i := i
		job := results[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := d.process(ctx, run, &job)
			results[i] = job
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("run %s aborted: %w", run.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("run %s canceled: %w", run.ID, err)
	}
	return results, nil
}

func (d *Dispatcher) process(ctx context.Context, run collector.Run, job *collector.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ended := d.now()
			job.Ran = true
			job.Success = false
			job.Ended = &ended
			if job.Started == nil {
				job.Started = &ended
			}
			job.Error = fmt.Sprintf("%v: %v", ErrJobPanic, r)
			d.logger.Error("job panicked",
				zap.Int("job_index", job.Index),
				zap.String("source_id", job.SourceID),
				zap.Any("panic", r),
			)
			err = nil
		}
	}()
	return d.processor.Process(ctx, run, job)
}
