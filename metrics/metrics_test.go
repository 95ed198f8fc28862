package metrics

import (
	"testing"
	"time"
)

func TestGenerateReport_LoadRun(t *testing.T) {
	m := New()
	m.SetTotal(5)
	m.RecordCompleted()
	m.RecordCompleted()
	m.RecordInvalid()
	m.RecordError()

	time.Sleep(10 * time.Millisecond)

	report := m.GenerateReport(false)
	if report.Total != 5 {
		t.Errorf("Total = %d, want 5", report.Total)
	}
	if report.Completed != 2 {
		t.Errorf("Completed = %d, want 2", report.Completed)
	}
	if report.Invalid != 1 {
		t.Errorf("Invalid = %d, want 1", report.Invalid)
	}
	if report.Errors != 1 {
		t.Errorf("Errors = %d, want 1", report.Errors)
	}
	if report.Duration <= 0 {
		t.Error("expected positive duration")
	}
	if report.PerSecond <= 0 {
		t.Error("expected positive per-second rate")
	}

	str := report.String()
	if str == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestGenerateReport_RefreshRunIncludesRowCounts(t *testing.T) {
	m := New()
	m.SetTotal(2)
	m.RecordCompleted()
	m.SetRowCounts(1, 1)

	report := m.GenerateReport(true)
	if report.RowsWritten != 1 || report.RowsSkipped != 1 {
		t.Errorf("RowsWritten/RowsSkipped = %d/%d, want 1/1", report.RowsWritten, report.RowsSkipped)
	}

	str := report.String()
	if str == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestGenerateReport_LoadRunOmitsRowCounts(t *testing.T) {
	m := New()
	m.SetRowCounts(5, 5)

	report := m.GenerateReport(false)
	if report.RowsWritten != 0 || report.RowsSkipped != 0 {
		t.Error("load-run report should not surface row counts even if set")
	}
}
