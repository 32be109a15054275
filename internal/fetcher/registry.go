// Package fetcher dispatches fetch requests to the source registered for a
// (category, source id) pair.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// Lookup and capability failures.
var (
	ErrUnknownSource         = errors.New("no source registered")
	ErrHistoricalUnsupported = errors.New("source does not support historical fetches")
	ErrDuplicateRegistration = errors.New("source already registered")
)

// Func retrieves the records of one source.
type Func func(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error)

type key struct {
	category collector.Category
	source   string
}

// Registry maps (category, source id) pairs to fetch functions. Source ids
// are matched case-insensitively; exchange pairs are matched regardless of
// zone order.
type Registry struct {
	mu    sync.RWMutex
	funcs map[key]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[key]Func)}
}

// Register binds fn to the pair.
func (r *Registry) Register(category collector.Category, sourceID string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("register %s %s: nil func", sourceID, category)
	}
	if strings.TrimSpace(sourceID) == "" {
		return fmt.Errorf("register %s: empty source id", category)
	}
	k := key{category: category, source: NormalizeSourceID(sourceID)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[k]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRegistration, sourceID, category)
	}
	r.funcs[k] = fn
	return nil
}

// Has reports whether a function is registered for the pair.
func (r *Registry) Has(category collector.Category, sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[key{category: category, source: NormalizeSourceID(sourceID)}]
	return ok
}

// Pairs lists registered pairs as "source category", sorted.
func (r *Registry) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k.source+" "+string(k.category))
	}
	sort.Strings(out)
	return out
}

// Fetch implements collector.Fetcher. An empty result is reported as
// collector.ErrEmptyResult.
func (r *Registry) Fetch(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
	r.mu.RLock()
	fn, ok := r.funcs[key{category: req.Category, source: NormalizeSourceID(req.SourceID)}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownSource, req.SourceID, req.Category)
	}

	records, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s %s: %w", req.SourceID, req.Category, collector.ErrEmptyResult)
	}
	return records, nil
}

// NormalizeSourceID upper-cases a source id and sorts the zones of an
// exchange pair, so "dk-dk2->DK-DK1" becomes "DK-DK1->DK-DK2".
func NormalizeSourceID(sourceID string) string {
	id := strings.ToUpper(strings.TrimSpace(sourceID))
	if !strings.Contains(id, collector.ExchangeSeparator) {
		return id
	}
	zones := strings.Split(id, collector.ExchangeSeparator)
	for i := range zones {
		zones[i] = strings.TrimSpace(zones[i])
	}
	sort.Strings(zones)
	return strings.Join(zones, collector.ExchangeSeparator)
}

// SplitExchange returns the two zones of an exchange source id.
func SplitExchange(sourceID string) (string, string, error) {
	parts := strings.Split(sourceID, collector.ExchangeSeparator)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("exchange source %q must have the form A%sB", sourceID, collector.ExchangeSeparator)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
