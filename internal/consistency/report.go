package consistency

import (
	"time"

	"github.com/samber/lo"
)

// Severity of a failed check
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Status is the rollup of a report or summary
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusError   Status = "error" // the validation itself could not complete
)

// rank orders statuses from best to worst
func (s Status) rank() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusWarning:
		return 1
	case StatusFailed:
		return 2
	default:
		return 3
	}
}

// Worst returns the most severe of the given statuses, success when none are given
func Worst(statuses ...Status) Status {
	return lo.Reduce(statuses, func(worst, s Status, _ int) Status {
		if s.rank() > worst.rank() {
			return s
		}
		return worst
	}, StatusSuccess)
}

// Check kinds reported in DetailChecks
const (
	KindCount     = "count"
	KindRequired  = "required"
	KindUnique    = "unique"
	KindType      = "type"
	KindReference = "reference"
	KindDomain    = "domain"
)

// CheckResult is the outcome of one set-based check
type CheckResult struct {
	Kind     string   `json:"kind"`
	Name     string   `json:"name"`
	Fields   []string `json:"fields,omitempty"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Count    int64    `json:"count"` // offending rows
	Message  string   `json:"message,omitempty"`
}

// SampleValidation summarizes strict re-mapping of sampled target rows
type SampleValidation struct {
	SampleSize int      `json:"sampleSize"`
	Valid      int      `json:"valid"`
	Invalid    int      `json:"invalid"`
	Errors     []string `json:"errors,omitempty"`
}

// Report is the result of validating one object type. It is never persisted as job state.
type Report struct {
	ObjectType       string           `json:"objectType"`
	Table            string           `json:"table"`
	SchemaVersion    string           `json:"schemaVersion"`
	OriginalCount    int64            `json:"originalCount"`
	MigratedCount    int64            `json:"migratedCount"`
	CountMatches     bool             `json:"countMatches"`
	SampleValidation SampleValidation `json:"sampleValidation"`
	DetailChecks     []CheckResult    `json:"detailChecks"`
	Status           Status           `json:"status"`
	Error            string           `json:"error,omitempty"`
	CheckedAt        time.Time        `json:"checkedAt"`
	DurationMs       int64            `json:"durationMs"`
}

// rollup derives the report status from its checks
func (r *Report) rollup() Status {
	if r.Error != "" {
		return StatusError
	}
	failed := lo.Filter(r.DetailChecks, func(c CheckResult, _ int) bool { return !c.Passed && !c.Skipped })
	switch {
	case lo.SomeBy(failed, func(c CheckResult) bool { return c.Severity == SeverityError }):
		return StatusFailed
	case r.SampleValidation.Invalid > 0:
		return StatusFailed
	case len(failed) > 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// Failed returns the checks that did not pass
func (r *Report) Failed() []CheckResult {
	return lo.Filter(r.DetailChecks, func(c CheckResult, _ int) bool { return !c.Passed && !c.Skipped })
}

// Summary rolls up reports of several object types
type Summary struct {
	Status     Status         `json:"status"`
	Reports    []*Report      `json:"reports"`
	Counts     map[Status]int `json:"counts"`
	CheckedAt  time.Time      `json:"checkedAt"`
	DurationMs int64          `json:"durationMs"`
}

func newSummary(reports []*Report, checkedAt time.Time, elapsed time.Duration) *Summary {
	statuses := lo.Map(reports, func(r *Report, _ int) Status { return r.Status })
	return &Summary{
		Status:     Worst(statuses...),
		Reports:    reports,
		Counts:     lo.CountValues(statuses),
		CheckedAt:  checkedAt,
		DurationMs: elapsed.Milliseconds(),
	}
}
