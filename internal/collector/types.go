package collector

import (
	"strings"
	"time"
)

// Category classifies the kind of dataset a job requests.
type Category string

// Known categories. Unknown values are carried through untouched.
const (
	CategoryProduction                Category = "production"
	CategoryConsumption               Category = "consumption"
	CategoryExchange                  Category = "exchange"
	CategoryExchangeForecast          Category = "exchangeForecast"
	CategoryPrice                     Category = "price"
	CategoryProductionPerModeForecast Category = "productionPerModeForecast"
	CategoryGenerationForecast        Category = "generationForecast"
	CategoryConsumptionForecast       Category = "consumptionForecast"
)

// ExchangeSeparator joins the two zones of an exchange source id (e.g. "DK-DK1->DK-DK2").
const ExchangeSeparator = "->"

// Known reports whether c is one of the predefined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryProduction, CategoryConsumption, CategoryExchange, CategoryExchangeForecast,
		CategoryPrice, CategoryProductionPerModeForecast, CategoryGenerationForecast,
		CategoryConsumptionForecast:
		return true
	default:
		return false
	}
}

// IsExchange reports whether the category is keyed by a zone pair.
func (c Category) IsExchange() bool {
	return c == CategoryExchange || c == CategoryExchangeForecast
}

// DefaultCategory infers a category for a source when the job list omits it.
func DefaultCategory(sourceID string) Category {
	if strings.Contains(sourceID, ExchangeSeparator) {
		return CategoryExchange
	}
	return CategoryProduction
}

// Job is one (source, category) unit of work within a run.
type Job struct {
	Index    int        `json:"index"`
	Command  string     `json:"command"`
	SourceID string     `json:"source_id"`
	Category Category   `json:"category"`
	Ran      bool       `json:"ran"`
	Success  bool       `json:"success"`
	Started  *time.Time `json:"started_at,omitempty"`
	Ended    *time.Time `json:"ended_at,omitempty"`
	Entry    string     `json:"entry,omitempty"`
	Digest   string     `json:"digest,omitempty"`
	Records  int        `json:"records"`
	Error    string     `json:"error,omitempty"`
}

// Elapsed returns the job's wall time when both timestamps are present.
func (j Job) Elapsed() (time.Duration, bool) {
	if j.Started == nil || j.Ended == nil {
		return 0, false
	}
	return j.Ended.Sub(*j.Started), true
}

// Status collapses the execution flags into a label used by metrics and logs.
func (j Job) Status() string {
	switch {
	case !j.Ran:
		return "skipped"
	case j.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

// Run identifies one execution of the whole job batch.
type Run struct {
	ID        string
	StartedAt time.Time
	Target    *time.Time
}

// NewRun truncates the start to whole seconds so every derived name is stable.
func NewRun(id string, startedAt time.Time, target *time.Time) Run {
	run := Run{
		ID:        id,
		StartedAt: startedAt.UTC().Truncate(time.Second),
	}
	if target != nil {
		t := target.UTC().Truncate(time.Second)
		run.Target = &t
	}
	return run
}

// Outcome tallies a run's jobs.
type Outcome struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Tally counts jobs by status.
func Tally(jobs []Job) Outcome {
	out := Outcome{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status() {
		case "succeeded":
			out.Succeeded++
		case "failed":
			out.Failed++
		default:
			out.Skipped++
		}
	}
	return out
}
