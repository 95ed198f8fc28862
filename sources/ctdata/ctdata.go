// Package ctdata implements a source.Definition over data.ct.gov's
// Socrata Open Data API: a JSON dataset source, as opposed to vgsi's
// HTML-scraped one. Each dataset is fetched as a single page of up to
// pageSize rows per business ID; further pages are not requested. It is a
// sample collaborator demonstrating the Source Contract, not part of the
// engine itself.
package ctdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"github.com/gurre/scrapeengine/entryid"
	"github.com/gurre/scrapeengine/source"
)

// SourceKey is this source's stable identifier.
const SourceKey = "ctdata"

// datasets maps the engine's table names to Socrata dataset IDs, per
// Connecticut's Business Registry.
var datasets = map[string]string{
	"businesses":   "n7gp-d28j",
	"filings":      "ah3s-bes7",
	"agents":       "qh2m-n44y",
	"principals":   "ka36-64k6",
	"name_changes": "enwv-52we",
}

const pageSize = 1000

// ErrInvalidBusiness signals a business registration ID absent from the
// registry.
var ErrInvalidBusiness = fmt.Errorf("ctdata: business not found: %w", source.ErrInvalidEntry)

// New builds a source.Definition that queries the Socrata API for one
// business registration ID's rows across every dataset.
func New(client *http.Client) source.Definition {
	if client == nil {
		client = http.DefaultClient
	}
	return source.Definition{
		SourceKey:      SourceKey,
		Scrape:         scrape(client),
		Flatten:        flatten,
		KnownEntryIDs:  knownEntryIDs,
		IsInvalidEntry: func(err error) bool { return errors.Is(err, source.ErrInvalidEntry) },
	}
}

// result is the per-entry scrape output: one row slice per dataset.
type result map[string][]source.Row

func scrape(client *http.Client) func(ctx context.Context, baseURL string, id entryid.ID) (source.Result, error) {
	return func(ctx context.Context, baseURL string, id entryid.ID) (source.Result, error) {
		res := make(result, len(datasets))

		for table, datasetID := range datasets {
			rows, err := fetchDataset(ctx, client, baseURL, datasetID, id.String())
			if err != nil {
				return nil, fmt.Errorf("ctdata: fetch %s: %w", table, err)
			}
			res[table] = rows
		}

		if len(res["businesses"]) == 0 {
			return nil, ErrInvalidBusiness
		}
		return res, nil
	}
}

func fetchDataset(ctx context.Context, client *http.Client, baseURL, datasetID, businessID string) ([]source.Row, error) {
	u, err := url.Parse(fmt.Sprintf("%sresource/%s.json", baseURL, datasetID))
	if err != nil {
		return nil, fmt.Errorf("build dataset url: %w", err)
	}
	q := u.Query()
	q.Set("business_id", businessID)
	q.Set("$limit", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	rows := make([]source.Row, len(records))
	for i, rec := range records {
		rows[i] = source.Row(rec)
	}
	return rows, nil
}

func flatten(results []source.Result) map[string][]source.Row {
	tables := make(map[string][]source.Row)
	for _, r := range results {
		res, ok := r.(result)
		if !ok {
			continue
		}
		for table, rows := range res {
			tables[table] = append(tables[table], rows...)
		}
	}
	return tables
}

type businessIDRow struct {
	BusinessID string `parquet:"business_id"`
}

func knownEntryIDs(dataDir, scopeKey string) ([]entryid.ID, error) {
	dir := filepath.Join(dataDir, scopeKey, "businesses")
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ctdata: list businesses files: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []entryid.ID
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".parquet" {
			continue
		}
		path := filepath.Join(dir, f.Name())
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		info, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, err
		}
		rr := parquet.NewGenericReader[businessIDRow](fh, info.Size())
		buf := make([]businessIDRow, 128)
		for {
			n, rerr := rr.Read(buf)
			for i := 0; i < n; i++ {
				if _, ok := seen[buf[i].BusinessID]; !ok {
					seen[buf[i].BusinessID] = struct{}{}
					ids = append(ids, entryid.FromString(buf[i].BusinessID))
				}
			}
			if rerr != nil {
				break
			}
		}
		rr.Close()
		fh.Close()
	}
	return ids, nil
}
