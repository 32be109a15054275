// Package validate implements the advisory plausibility checks applied to
// records before they are archived. A failed check never blocks archiving.
package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// MaxPlausibleMW bounds the total production any single zone can report.
const MaxPlausibleMW = 500000

// storageTolerance allows tiny negative readings caused by rounding.
const storageTolerance = -1.0

// Error describes why a record failed its category check.
type Error struct {
	Category collector.Category
	SourceID string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.SourceID, e.Category, e.Reason)
}

// Func checks one record for a source.
type Func func(sourceID string, record collector.Record) error

// Table maps categories to their checks.
type Table map[collector.Category]Func

// DefaultTable covers the categories with known payload shapes.
func DefaultTable() Table {
	return Table{
		collector.CategoryProduction:  Production,
		collector.CategoryConsumption: Consumption,
		collector.CategoryExchange:    Exchange,
	}
}

// Validator dispatches records to the check registered for their category.
type Validator struct {
	table Table
}

// New builds a Validator. A nil table uses DefaultTable.
func New(table Table) *Validator {
	if table == nil {
		table = DefaultTable()
	}
	return &Validator{table: table}
}

// Validate runs the category check; categories without one always pass.
func (v *Validator) Validate(category collector.Category, sourceID string, record collector.Record) error {
	check, ok := v.table[category]
	if !ok {
		return nil
	}
	if err := check(sourceID, record); err != nil {
		return err
	}
	return nil
}

// Production requires a production mix with at least one reading, no
// negative generation outside storage and a plausible total.
func Production(sourceID string, record collector.Record) error {
	fail := failer(collector.CategoryProduction, sourceID)
	raw, ok := record["production"]
	if !ok || raw == nil {
		return fail("missing production mix")
	}
	mix, ok := raw.(map[string]any)
	if !ok {
		return fail(fmt.Sprintf("production mix has type %T", raw))
	}
	var (
		total    float64
		readings int
	)
	for mode, value := range mix {
		if value == nil {
			continue
		}
		mw, ok := collector.Float(value)
		if !ok {
			return fail(fmt.Sprintf("production %s is not numeric", mode))
		}
		if math.IsNaN(mw) || math.IsInf(mw, 0) {
			return fail(fmt.Sprintf("production %s is not finite", mode))
		}
		if mw < storageTolerance && !strings.Contains(mode, "storage") {
			return fail(fmt.Sprintf("production %s is negative (%.1f MW)", mode, mw))
		}
		readings++
		total += mw
	}
	if readings == 0 {
		return fail("production mix has no readings")
	}
	if total > MaxPlausibleMW {
		return fail(fmt.Sprintf("total production %.0f MW exceeds %d MW", total, MaxPlausibleMW))
	}
	return nil
}

// Consumption requires a non-negative consumption value.
func Consumption(sourceID string, record collector.Record) error {
	fail := failer(collector.CategoryConsumption, sourceID)
	value, ok := collector.Float(record["consumption"])
	if !ok {
		return fail("consumption is missing or not numeric")
	}
	if value < 0 {
		return fail(fmt.Sprintf("consumption is negative (%.1f MW)", value))
	}
	return nil
}

// Exchange requires a numeric net flow between the zone pair named by the source.
func Exchange(sourceID string, record collector.Record) error {
	fail := failer(collector.CategoryExchange, sourceID)
	if _, ok := collector.Float(record["netFlow"]); !ok {
		return fail("netFlow is missing or not numeric")
	}
	keys, _ := record["sortedZoneKeys"].(string)
	if !strings.Contains(keys, collector.ExchangeSeparator) {
		return fail(fmt.Sprintf("sortedZoneKeys %q is not a zone pair", keys))
	}
	if strings.Contains(sourceID, collector.ExchangeSeparator) && keys != sourceID {
		return fail(fmt.Sprintf("sortedZoneKeys %q does not match source", keys))
	}
	return nil
}

func failer(category collector.Category, sourceID string) func(string) error {
	return func(reason string) error {
		return &Error{Category: category, SourceID: sourceID, Reason: reason}
	}
}
