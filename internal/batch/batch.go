// Package batch orchestrates a run: job list, archive, worker pool, ledger
// and the post-run deliveries.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridfetch/internal/archive"
	"github.com/JakeFAU/gridfetch/internal/clock/system"
	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/dispatcher"
	"github.com/JakeFAU/gridfetch/internal/joblist"
	"github.com/JakeFAU/gridfetch/internal/ledger"
	"github.com/JakeFAU/gridfetch/internal/metrics"
	"github.com/JakeFAU/gridfetch/internal/worker"
)

// Sink names used in logs and the sink failure metric.
const (
	SinkUpload  = "gcs"
	SinkLedger  = "postgres"
	SinkPublish = "pubsub"
	SinkMetrics = "pushgateway"
)

// Run statuses reported to metrics.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Uploader copies a finished local file to remote storage.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, name, contentType string) (string, error)
}

// Config controls an Orchestrator.
type Config struct {
	JobsFile    string
	Fields      joblist.Fields
	Concurrency int
	Worker      worker.Config
	ArchiveDir  string
	ResultsDir  string
	// Location renders ledger timestamps. Nil means UTC.
	Location       *time.Location
	Topic          string
	PushgatewayURL string
	MetricsJob     string
}

// Deps bundles the collaborators of an Orchestrator. Everything except
// Fetcher is optional.
type Deps struct {
	Fetcher   collector.Fetcher
	Validator collector.Validator
	Raw       collector.BlobStore
	Uploader  Uploader
	Ledgers   collector.LedgerStore
	Publisher collector.Publisher
	Hasher    collector.Hasher
	Clock     collector.Clock
	IDs       collector.IDGenerator
	Metrics   *metrics.Metrics
}

// Report describes a finished (or aborted) run.
type Report struct {
	Run         collector.Run
	Jobs        []collector.Job
	Outcome     collector.Outcome
	ArchivePath string
	LedgerPath  string
	Uploads     []string
	SinkErrors  map[string]string
}

// Notification is the run-complete message published to Pub/Sub.
type Notification struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	Target    *time.Time        `json:"target,omitempty"`
	Outcome   collector.Outcome `json:"outcome"`
	Archive   string            `json:"archive"`
	Ledger    string            `json:"ledger"`
	Uploads   []string          `json:"uploads,omitempty"`
}

// Orchestrator executes runs. Runs are serialized.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lastStart time.Time
	sleep     func(context.Context, time.Duration) error
}

// New validates deps and cfg and returns an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.JobsFile == "" {
		return nil, fmt.Errorf("jobs file is required")
	}
	if cfg.ArchiveDir == "" || cfg.ResultsDir == "" {
		return nil, fmt.Errorf("archive and results directories are required")
	}
	if err := cfg.Fields.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MetricsJob == "" {
		cfg.MetricsJob = "gridfetch"
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, sleep: sleepCtx}, nil
}

// Run executes one run. A nil target is a live run; otherwise every job
// fetches data for target. Errors are run-level: a failed job never fails
// the run.
func (o *Orchestrator) Run(ctx context.Context, target *time.Time) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	began := time.Now()
	report, err := o.run(ctx, target)
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		o.logger.Error("run failed", zap.String("run_id", report.Run.ID), zap.Error(err))
	}
	o.deps.Metrics.ObserveRun(status, time.Since(began), o.deps.Clock.Now())
	if pushErr := o.deps.Metrics.Push(ctx, o.cfg.PushgatewayURL, o.cfg.MetricsJob); pushErr != nil {
		o.sinkFailed(&report, SinkMetrics, pushErr)
	}
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, target *time.Time) (Report, error) {
	var report Report

	jobs, err := joblist.ParseFile(o.cfg.JobsFile, o.cfg.Fields)
	if err != nil {
		return report, err
	}

	id := ""
	if o.deps.IDs != nil {
		if id, err = o.deps.IDs.NewID(); err != nil {
			return report, fmt.Errorf("run id: %w", err)
		}
	}
	start, err := o.nextStart(ctx)
	if err != nil {
		return report, err
	}
	run := collector.NewRun(id, start, target)
	if run.ID == "" {
		run.ID = collector.RunStamp(run.StartedAt)
	}
	report.Run = run

	logger := o.logger.With(zap.String("run_id", run.ID))
	fields := []zap.Field{zap.Time("started_at", run.StartedAt), zap.Int("jobs", len(jobs))}
	if run.Target != nil {
		fields = append(fields, zap.Time("target", *run.Target))
	}
	logger.Info("run starting", fields...)

	report.ArchivePath = archive.Path(o.cfg.ArchiveDir, run.StartedAt)
	zw, err := archive.Create(report.ArchivePath, run.StartedAt)
	if err != nil {
		return report, err
	}

	w, err := worker.New(worker.Deps{
		Fetcher:   o.deps.Fetcher,
		Archive:   zw,
		Validator: o.deps.Validator,
		Raw:       o.deps.Raw,
		Hasher:    o.deps.Hasher,
		Clock:     o.deps.Clock,
		Metrics:   o.deps.Metrics,
	}, o.cfg.Worker, logger.Named("worker"))
	if err != nil {
		_ = zw.Close()
		return report, err
	}

	results, err := dispatcher.New(w, o.cfg.Concurrency, logger.Named("dispatcher")).Run(ctx, run, jobs)
	report.Jobs = results
	report.Outcome = collector.Tally(results)
	closeErr := zw.Close()
	if err != nil {
		return report, err
	}
	if closeErr != nil {
		return report, fmt.Errorf("close archive: %w", closeErr)
	}

	report.LedgerPath = ledger.Path(o.cfg.ResultsDir, run.StartedAt)
	if err := ledger.Write(report.LedgerPath, results, o.cfg.Location); err != nil {
		report.LedgerPath = ""
		return report, err
	}

	logger.Info("run finished",
		zap.String("archive", report.ArchivePath),
		zap.String("ledger", report.LedgerPath),
		zap.Int("succeeded", report.Outcome.Succeeded),
		zap.Int("failed", report.Outcome.Failed),
	)

	o.deliver(ctx, &report)
	return report, nil
}

// History runs once per step boundary in [from, to], passing each boundary
// as the target. The first run-level error stops the sweep.
func (o *Orchestrator) History(ctx context.Context, from, to time.Time, step time.Duration) ([]Report, error) {
	if step <= 0 {
		step = time.Hour
	}
	if to.Before(from) {
		return nil, fmt.Errorf("history range ends before it starts")
	}
	var reports []Report
	for _, target := range Boundaries(from, to, step) {
		target := target
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := o.Run(ctx, &target)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("history run for %s: %w", target.Format(time.RFC3339), err)
		}
	}
	return reports, nil
}

// Boundaries lists every multiple of step (from the zero time, in UTC) in
// [from, to].
func Boundaries(from, to time.Time, step time.Duration) []time.Time {
	from, to = from.UTC(), to.UTC()
	first := from.Truncate(step)
	if first.Before(from) {
		first = first.Add(step)
	}
	var out []time.Time
	for t := first; !t.After(to); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

func (o *Orchestrator) nextStart(ctx context.Context) (time.Time, error) {
	for {
		now := o.deps.Clock.Now().UTC()
		start := now.Truncate(time.Second)
		if start.After(o.lastStart) {
			o.lastStart = start
			return start, nil
		}
		wait := o.lastStart.Add(time.Second).Sub(now)
		if err := o.sleep(ctx, wait); err != nil {
			return time.Time{}, err
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, report *Report) {
	if o.deps.Uploader != nil {
		prefix := path.Join("archives", report.Run.StartedAt.Format("2006/01"))
		uploads := []struct{ local, name, kind string }{
			{report.ArchivePath, path.Join(prefix, filepath.Base(report.ArchivePath)), "application/zip"},
			{report.LedgerPath, path.Join("results", filepath.Base(report.LedgerPath)), "text/tab-separated-values"},
		}
		for _, u := range uploads {
			uri, err := o.deps.Uploader.UploadFile(ctx, u.local, u.name, u.kind)
			if err != nil {
				o.sinkFailed(report, SinkUpload, err)
				continue
			}
			report.Uploads = append(report.Uploads, uri)
		}
	}

	if o.deps.Ledgers != nil {
		if err := o.deps.Ledgers.StoreLedger(ctx, report.Run, report.Jobs); err != nil {
			o.sinkFailed(report, SinkLedger, err)
		}
	}

	if o.deps.Publisher != nil && o.cfg.Topic != "" {
		msg := Notification{
			RunID:     report.Run.ID,
			StartedAt: report.Run.StartedAt,
			Target:    report.Run.Target,
			Outcome:   report.Outcome,
			Archive:   report.ArchivePath,
			Ledger:    report.LedgerPath,
			Uploads:   report.Uploads,
		}
		if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, msg); err != nil {
			o.sinkFailed(report, SinkPublish, err)
		}
	}
}

func (o *Orchestrator) sinkFailed(report *Report, sink string, err error) {
	if report.SinkErrors == nil {
		report.SinkErrors = make(map[string]string)
	}
	if prev, ok := report.SinkErrors[sink]; ok {
		err = errors.Join(errors.New(prev), err)
	}
	report.SinkErrors[sink] = err.Error()
	o.deps.Metrics.ObserveSinkFailure(sink)
	o.logger.Error("sink failed",
		zap.String("run_id", report.Run.ID),
		zap.String("sink", sink),
		zap.Error(err),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
