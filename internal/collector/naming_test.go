package collector

import (
	"testing"
	"time"
)

func TestEntryName(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	target := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		source   string
		category Category
		target   *time.Time
		want     string
	}{
		{"live", "JP-KN", CategoryProduction, nil, "JP-KN_production_2024-05-06T07-08-09.txt"},
		{"historical", "JP-KN", CategoryProduction, &target, "JP-KN_production_2024-05-06T07-08-09_2024-05-01 13-00-00.txt"},
		{"exchange", "DK-DK1->DK-DK2", CategoryExchange, nil, "DK-DK1->DK-DK2_exchange_2024-05-06T07-08-09.txt"},
		{"path separators", "a/b", CategoryPrice, nil, "a_b_price_2024-05-06T07-08-09.txt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EntryName(tt.source, tt.category, start, tt.target); got != tt.want {
				t.Fatalf("EntryName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntryNameIsDeterministic(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("CET", 3600))
	first := EntryName("SRC1", CategoryProduction, start, nil)
	second := EntryName("SRC1", CategoryProduction, start.UTC(), nil)
	if first != second {
		t.Fatalf("expected identical names, got %q and %q", first, second)
	}
}

func TestSentinelContent(t *testing.T) {
	t.Parallel()

	got := SentinelContent(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	if got != "2024-05-06T07:08:09+00:00" {
		t.Fatalf("unexpected sentinel %q", got)
	}
}

func TestNewRunTruncatesToSeconds(t *testing.T) {
	t.Parallel()

	target := time.Date(2024, 1, 1, 5, 0, 0, 500, time.UTC)
	run := NewRun("id", time.Date(2024, 1, 1, 6, 0, 0, 999, time.UTC), &target)
	if run.StartedAt.Nanosecond() != 0 || run.Target.Nanosecond() != 0 {
		t.Fatalf("expected truncated timestamps, got %v and %v", run.StartedAt, run.Target)
	}
}

func TestDefaultCategory(t *testing.T) {
	t.Parallel()

	if got := DefaultCategory("FR->DE"); got != CategoryExchange {
		t.Fatalf("expected exchange, got %s", got)
	}
	if got := DefaultCategory("FR"); got != CategoryProduction {
		t.Fatalf("expected production, got %s", got)
	}
}

func TestTally(t *testing.T) {
	t.Parallel()

	out := Tally([]Job{{Ran: true, Success: true}, {Ran: true}, {}})
	if out != (Outcome{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}) {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
