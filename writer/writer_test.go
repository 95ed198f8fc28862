package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gurre/scrapeengine/checkpointstore"
	"github.com/gurre/scrapeengine/source"
)

func flattenProperty(results []source.Result) map[string][]source.Row {
	rows := make([]source.Row, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.(source.Row))
	}
	return map[string][]source.Row{"property": rows}
}

func TestWriteBatch_StampsRowHashAndScrapedAt(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)
	def := source.Definition{SourceKey: "test", Flatten: flattenProperty}

	results := []source.Result{
		source.Row{"uuid": "t-1", "pid": int64(1), "town": "Test"},
	}
	w.WriteBatch(context.Background(), def, results)

	stats := w.Stats()
	if stats.RowsWritten != 1 {
		t.Fatalf("RowsWritten = %d, want 1", stats.RowsWritten)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "newtown", "property"))
	if err != nil {
		t.Fatalf("reading table dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file written, got %d", len(entries))
	}
}

func TestWriteBatch_EmptyResultsNoop(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)
	def := source.Definition{SourceKey: "test", Flatten: flattenProperty}

	w.WriteBatch(context.Background(), def, nil)

	stats := w.Stats()
	if stats.RowsWritten != 0 || stats.RowsSkipped != 0 {
		t.Errorf("expected no-op on empty batch, got %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(dir, "newtown")); !os.IsNotExist(err) {
		t.Error("expected no scope directory to be created for an empty batch")
	}
}

func TestWriteBatch_ChangeOnlyAfterPreload(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)
	def := source.Definition{SourceKey: "test", Flatten: flattenProperty}

	// First session writes two rows and closes.
	w.WriteBatch(context.Background(), def, []source.Result{
		source.Row{"uuid": "t-1", "pid": int64(1)},
		source.Row{"uuid": "t-2", "pid": int64(2)},
	})
	_ = w.Compact()

	// A fresh writer instance over the same scope preloads hashes, then
	// re-scrapes: the unchanged row is skipped, the changed row is kept.
	w2 := New(dir, "newtown", nil, nil)
	if err := w2.PreloadHashes(); err != nil {
		t.Fatalf("PreloadHashes: %v", err)
	}

	w2.WriteBatch(context.Background(), def, []source.Result{
		source.Row{"uuid": "t-1", "pid": int64(1)},       // unchanged
		source.Row{"uuid": "t-2", "pid": int64(999999)},   // changed
	})

	stats := w2.Stats()
	if stats.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1 (only the changed row)", stats.RowsWritten)
	}
	if stats.RowsSkipped != 1 {
		t.Errorf("RowsSkipped = %d, want 1 (the unchanged row)", stats.RowsSkipped)
	}
}

func TestCompact_MergesSessionFilesOnly(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)
	def := source.Definition{SourceKey: "test", Flatten: flattenProperty}

	w.WriteBatch(context.Background(), def, []source.Result{source.Row{"uuid": "t-1", "pid": int64(1)}})
	w.WriteBatch(context.Background(), def, []source.Result{source.Row{"uuid": "t-2", "pid": int64(2)}})

	tableDir := filepath.Join(dir, "newtown", "property")
	before, _ := os.ReadDir(tableDir)
	if len(before) != 2 {
		t.Fatalf("expected 2 pre-compaction files, got %d", len(before))
	}

	if err := w.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	after, err := os.ReadDir(tableDir)
	if err != nil {
		t.Fatalf("reading table dir: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 post-compaction file, got %d", len(after))
	}
	if after[0].Name() != w.sessionTS+fileExt {
		t.Errorf("compacted file name = %q, want %q", after[0].Name(), w.sessionTS+fileExt)
	}
}

func TestCompact_SingleFileLeftAlone(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)
	def := source.Definition{SourceKey: "test", Flatten: flattenProperty}

	w.WriteBatch(context.Background(), def, []source.Result{source.Row{"uuid": "t-1", "pid": int64(1)}})

	tableDir := filepath.Join(dir, "newtown", "property")
	before, _ := os.ReadDir(tableDir)

	if err := w.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	after, _ := os.ReadDir(tableDir)
	if len(after) != len(before) || after[0].Name() != before[0].Name() {
		t.Error("compaction should leave a single-file table directory untouched")
	}
}

func TestSaveAndLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cp := checkpointstore.NewMemoryStore()
	w := New(dir, "newtown", cp, nil)

	if err := w.SaveCheckpoint(context.Background(), "5", 5); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	state, err := w.LastCheckpoint(context.Background())
	if err != nil {
		t.Fatalf("LastCheckpoint: %v", err)
	}
	if state == nil || state.LastEntryID != "5" || state.TotalScraped != 5 {
		t.Errorf("LastCheckpoint = %+v, want last_entry_id=5 total_scraped=5", state)
	}
}

func TestSaveCheckpoint_NilStoreIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "newtown", nil, nil)

	if err := w.SaveCheckpoint(context.Background(), "1", 1); err != nil {
		t.Fatalf("SaveCheckpoint with nil store should not error, got: %v", err)
	}
	state, err := w.LastCheckpoint(context.Background())
	if err != nil || state != nil {
		t.Errorf("LastCheckpoint with nil store = (%+v, %v), want (nil, nil)", state, err)
	}
}
