package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gurre/scrapeengine/entryid"
)

type testInvalidError struct{ id entryid.ID }

func (e *testInvalidError) Error() string {
	return fmt.Sprintf("entry %s not found", e.id.String())
}

func TestClassify_DefaultSentinel(t *testing.T) {
	d := Definition{SourceKey: "test"}

	wrapped := fmt.Errorf("scrape failed: %w", ErrInvalidEntry)
	if !d.Classify(wrapped) {
		t.Error("Classify should recognize ErrInvalidEntry wrapped with %w")
	}

	if d.Classify(errors.New("some other failure")) {
		t.Error("Classify should not treat an unrelated error as invalid")
	}

	if d.Classify(nil) {
		t.Error("Classify(nil) should be false")
	}
}

func TestClassify_CustomPredicate(t *testing.T) {
	d := Definition{
		SourceKey: "test",
		IsInvalidEntry: func(err error) bool {
			var notFound *testInvalidError
			return errors.As(err, &notFound)
		},
	}

	if !d.Classify(&testInvalidError{id: entryid.FromInt(7)}) {
		t.Error("custom predicate should classify *testInvalidError as invalid")
	}
	if d.Classify(ErrInvalidEntry) {
		t.Error("custom predicate should not fall back to the package sentinel when supplied")
	}
}

func TestSupportsPhotos(t *testing.T) {
	none := Definition{SourceKey: "test"}
	if none.SupportsPhotos() {
		t.Error("SupportsPhotos should be false when neither hook is set")
	}

	onlyItems := Definition{
		SourceKey:  "test",
		PhotoItems: func(Result, string, entryid.ID) []PhotoItem { return nil },
	}
	if onlyItems.SupportsPhotos() {
		t.Error("SupportsPhotos should require both hooks, not just PhotoItems")
	}

	both := Definition{
		SourceKey:  "test",
		PhotoItems: func(Result, string, entryid.ID) []PhotoItem { return nil },
		Download: func(context.Context, PhotoItem, string, entryid.ID, string) (string, error) {
			return "", nil
		},
	}
	if !both.SupportsPhotos() {
		t.Error("SupportsPhotos should be true when both hooks are set")
	}
}

func TestFlatten_Integration(t *testing.T) {
	d := Definition{
		SourceKey: "test",
		Scrape: func(ctx context.Context, baseURL string, id entryid.ID) (Result, error) {
			n, _ := id.Int64()
			return map[string]any{"pid": n}, nil
		},
		Flatten: func(results []Result) map[string][]Row {
			rows := make([]Row, 0, len(results))
			for _, r := range results {
				rows = append(rows, r.(map[string]any))
			}
			return map[string][]Row{"property": rows}
		},
	}

	result, err := d.Scrape(context.Background(), "https://example.test", entryid.FromInt(1))
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	tables := d.Flatten([]Result{result})
	rows, ok := tables["property"]
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one row in table %q, got %v", "property", tables)
	}
	if rows[0]["pid"] != int64(1) {
		t.Errorf("pid = %v, want 1", rows[0]["pid"])
	}
}
