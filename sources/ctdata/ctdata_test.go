package ctdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/gurre/scrapeengine/entryid"
	"github.com/gurre/scrapeengine/source"
)

func socrataServer(t *testing.T, businesses []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if filepath.Base(r.URL.Path) == "n7gp-d28j.json" {
			writeJSON(t, w, businesses)
			return
		}
		writeJSON(t, w, []map[string]any{})
	}))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	enc, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	w.Write(enc)
}

func TestScrape_FoundBusiness(t *testing.T) {
	server := socrataServer(t, []map[string]any{{"business_id": "123", "name": "Acme LLC"}})
	defer server.Close()

	def := New(server.Client())
	res, err := def.Scrape(context.Background(), server.URL+"/", entryid.FromString("123"))
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	r := res.(result)
	if len(r["businesses"]) != 1 {
		t.Fatalf("expected 1 business row, got %d", len(r["businesses"]))
	}
	if r["businesses"][0]["name"] != "Acme LLC" {
		t.Errorf("name = %v, want Acme LLC", r["businesses"][0]["name"])
	}
}

func TestScrape_NotFoundBusiness(t *testing.T) {
	server := socrataServer(t, nil)
	defer server.Close()

	def := New(server.Client())
	_, err := def.Scrape(context.Background(), server.URL+"/", entryid.FromString("999"))
	if !errors.Is(err, source.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	if !def.Classify(err) {
		t.Error("Classify should recognize a missing business")
	}
}

func TestFlatten(t *testing.T) {
	results := []source.Result{
		result{"businesses": []source.Row{{"business_id": "1"}}, "filings": []source.Row{{"business_id": "1"}}},
		result{"businesses": []source.Row{{"business_id": "2"}}},
	}
	tables := flatten(results)
	if len(tables["businesses"]) != 2 {
		t.Errorf("expected 2 business rows, got %d", len(tables["businesses"]))
	}
	if len(tables["filings"]) != 1 {
		t.Errorf("expected 1 filing row, got %d", len(tables["filings"]))
	}
}

func TestKnownEntryIDs_NoDirectory(t *testing.T) {
	ids, err := knownEntryIDs(t.TempDir(), "ct")
	if err != nil {
		t.Fatalf("knownEntryIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no ids, got %d", len(ids))
	}
}

func TestKnownEntryIDs_ReadsBusinessIDColumn(t *testing.T) {
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "ct", "businesses")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	path := filepath.Join(dir, "batch-0001.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	schema := parquet.SchemaOf(businessIDRow{})
	w := parquet.NewGenericWriter[businessIDRow](f, schema)
	if _, err := w.Write([]businessIDRow{{BusinessID: "1"}, {BusinessID: "2"}, {BusinessID: "1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	ids, err := knownEntryIDs(dataDir, "ct")
	if err != nil {
		t.Fatalf("knownEntryIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 deduplicated ids, got %d", len(ids))
	}
}
