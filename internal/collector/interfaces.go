package collector

import (
	"context"
	"io"
	"time"
)

// FetchRequest identifies what a Fetcher should retrieve.
type FetchRequest struct {
	SourceID string
	Category Category
	// Target is nil for live runs.
	Target *time.Time
}

// Fetcher retrieves the records of one source. Implementations may block on
// network I/O and should honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Record, error)
}

// Archive accepts named entries for one run. Implementations must be safe
// for concurrent use.
type Archive interface {
	Append(ctx context.Context, name string, content []byte) error
}

// Validator checks the plausibility of a record. Errors are advisory.
type Validator interface {
	Validate(category Category, sourceID string, record Record) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// LedgerStore persists a run's ledger rows for auditing.
type LedgerStore interface {
	StoreLedger(ctx context.Context, run Run, jobs []Job) error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
