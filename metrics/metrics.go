// Package metrics accumulates run counters and renders the end-of-run
// report: entry total, successes, errors, and throughput, plus the
// rows_written/rows_skipped figures a refresh run additionally reports.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects the counters an orchestrator run accumulates. All
// fields are updated via atomics so workers can report concurrently
// without a lock.
type Metrics struct {
	total       int64
	completed   int64
	invalid     int64
	errors      int64
	rowsWritten int64
	rowsSkipped int64
	startTime   time.Time
}

// New creates a Metrics instance with the clock started.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) SetTotal(n int)        { atomic.StoreInt64(&m.total, int64(n)) }
func (m *Metrics) RecordCompleted()      { atomic.AddInt64(&m.completed, 1) }
func (m *Metrics) RecordInvalid()        { atomic.AddInt64(&m.invalid, 1) }
func (m *Metrics) RecordError()          { atomic.AddInt64(&m.errors, 1) }
func (m *Metrics) SetRowCounts(written, skipped int64) {
	atomic.StoreInt64(&m.rowsWritten, written)
	atomic.StoreInt64(&m.rowsSkipped, skipped)
}

// Report is the end-of-run summary (spec §7, "User-visible behavior").
type Report struct {
	Total        int64         `json:"total"`
	Completed    int64         `json:"completed"`
	Invalid      int64         `json:"invalid"`
	Errors       int64         `json:"errors"`
	Duration     time.Duration `json:"duration"`
	PerSecond    float64       `json:"per_second"`
	RowsWritten  int64         `json:"rows_written,omitempty"`
	RowsSkipped  int64         `json:"rows_skipped,omitempty"`
	hasRowCounts bool
}

// GenerateReport snapshots the current counters into a Report.
// includeRowCounts should be true for refresh runs, which report
// rows_written/rows_skipped; load runs omit them.
func (m *Metrics) GenerateReport(includeRowCounts bool) Report {
	duration := time.Since(m.startTime)
	completed := atomic.LoadInt64(&m.completed)

	var perSecond float64
	if duration > 0 {
		perSecond = float64(completed) / duration.Seconds()
	}

	r := Report{
		Total:     atomic.LoadInt64(&m.total),
		Completed: completed,
		Invalid:   atomic.LoadInt64(&m.invalid),
		Errors:    atomic.LoadInt64(&m.errors),
		Duration:  duration,
		PerSecond: perSecond,
	}
	if includeRowCounts {
		r.RowsWritten = atomic.LoadInt64(&m.rowsWritten)
		r.RowsSkipped = atomic.LoadInt64(&m.rowsSkipped)
		r.hasRowCounts = true
	}
	return r
}

// MarshalJSON renders Duration as a human string alongside the numeric
// fields, mirroring how the report is also printed to the console.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(&struct {
		alias
		Duration string `json:"duration"`
	}{
		alias:    alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders the console summary.
func (r Report) String() string {
	s := fmt.Sprintf(
		"completed %d/%d entries in %s (%.2f/s), %d invalid, %d errors",
		r.Completed, r.Total, r.Duration, r.PerSecond, r.Invalid, r.Errors,
	)
	if r.hasRowCounts {
		s += fmt.Sprintf(", rows_written=%d rows_skipped=%d", r.RowsWritten, r.RowsSkipped)
	}
	return s
}
