package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DatetimeKey is the field every record must carry.
const DatetimeKey = "datetime"

// Record invariant violations and empty results.
var (
	ErrEmptyResult     = errors.New("source returned no records")
	ErrMissingDatetime = errors.New("record lacks datetime")
	ErrNaiveDatetime   = errors.New("record datetime is not timezone aware")
	ErrInvalidDatetime = errors.New("record datetime is not a timestamp")
)

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Record is one timestamped datum produced by a source. The payload is
// category specific (production mix, exchange flow, price, ...).
type Record map[string]any

// Datetime returns the record timestamp normalized to UTC.
func (r Record) Datetime() (time.Time, error) {
	raw, ok := r[DatetimeKey]
	if !ok || raw == nil {
		return time.Time{}, ErrMissingDatetime
	}
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, ErrMissingDatetime
		}
		return v.UTC(), nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, ErrMissingDatetime
		}
		return v.UTC(), nil
	case string:
		return ParseDatetime(v)
	default:
		return time.Time{}, fmt.Errorf("%w: got %T", ErrInvalidDatetime, raw)
	}
}

// ParseDatetime accepts RFC 3339 timestamps (with either "T" or a space
// between date and time). Timestamps without a UTC offset are rejected with
// ErrNaiveDatetime.
func ParseDatetime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, ErrMissingDatetime
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNaiveDatetime, raw)
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDatetime, raw)
}

// NormalizeRecords enforces the datetime invariant on every record and
// returns copies whose timestamps are UTC time.Time values, plus the newest
// timestamp. The input records are never written: sources may hand the same
// maps to several jobs. One bad record rejects the whole batch.
func NormalizeRecords(records []Record) ([]Record, time.Time, error) {
	if len(records) == 0 {
		return nil, time.Time{}, ErrEmptyResult
	}
	out := make([]Record, len(records))
	var latest time.Time
	for i, rec := range records {
		if rec == nil {
			return nil, time.Time{}, fmt.Errorf("record %d: %w", i, ErrMissingDatetime)
		}
		ts, err := rec.Datetime()
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("record %d: %w", i, err)
		}
		norm := maps.Clone(rec)
		norm[DatetimeKey] = ts
		out[i] = norm
		if ts.After(latest) {
			latest = ts
		}
	}
	return out, latest, nil
}

// EncodeRecords renders records in the archived text form.
func EncodeRecords(records []Record) ([]byte, error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return append(data, '\n'), nil
}

// Float extracts a numeric payload field. JSON numbers arrive as float64;
// in-process sources may hand back ints.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
