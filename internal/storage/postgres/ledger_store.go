// Package postgres persists run ledgers into Postgres for auditing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

const defaultTable = "run_ledger"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerStoreConfig controls the Postgres connection pool used for ledger rows.
type LedgerStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// LedgerStore writes one row per job, inside a single transaction per run.
type LedgerStore struct {
	pool  beginCloser
	table string
}

// NewLedgerStore creates a Postgres-backed LedgerStore using the provided config.
func NewLedgerStore(ctx context.Context, cfg LedgerStoreConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LedgerStore{pool: pool, table: table}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(pool beginCloser, table string) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreLedger inserts every job of the run. Either all rows land or none do.
func (s *LedgerStore) StoreLedger(ctx context.Context, run collector.Run, jobs []collector.Job) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	run_started_at,
	target_at,
	job_index,
	command,
	source_id,
	category,
	ran,
	success,
	started_at,
	ended_at,
	elapsed_ms,
	entry,
	digest,
	records,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)`, s.table)

	for _, job := range jobs {
		if _, err = tx.Exec(ctx, query, rowArgs(run, job)...); err != nil {
			return fmt.Errorf("insert ledger row %d: %w", job.Index, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func rowArgs(run collector.Run, job collector.Job) []any {
	var elapsed *int64
	if d, ok := job.Elapsed(); ok {
		ms := d.Milliseconds()
		elapsed = &ms
	}
	return []any{
		run.ID,
		run.StartedAt,
		run.Target,
		job.Index,
		job.Command,
		job.SourceID,
		string(job.Category),
		job.Ran,
		job.Success,
		job.Started,
		job.Ended,
		elapsed,
		job.Entry,
		job.Digest,
		job.Records,
		job.Error,
	}
}
