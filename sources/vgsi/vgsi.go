// Package vgsi implements a source.Definition for VGSI, an HTML-rendered
// municipal property assessment database. It is a sample collaborator
// demonstrating the Source Contract, not part of the engine itself.
package vgsi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/parquet-go/parquet-go"

	"github.com/gurre/scrapeengine/entryid"
	"github.com/gurre/scrapeengine/source"
)

// SourceKey is this source's stable identifier.
const SourceKey = "vgsi"

// ErrInvalidPID signals that a parcel ID doesn't exist on VGSI, reusing
// source.ErrInvalidEntry as its cause so the engine's default Classify
// predicate recognizes it without a custom IsInvalidEntry.
var ErrInvalidPID = fmt.Errorf("vgsi: parcel does not exist: %w", source.ErrInvalidEntry)

// propertyTags maps VGSI's HTML span element IDs to flat field names.
var propertyTags = map[string]string{
	"MainContent_lblPid":                "pid",
	"MainContent_lblAcctNum":            "account_number",
	"MainContent_lblMblu":               "mblu",
	"lblTownName":                       "town_name",
	"MainContent_lblLocation":           "address",
	"MainContent_lblGenOwner":           "owner",
	"MainContent_lblAddr1":              "owner_address",
	"MainContent_lblCoOwner":            "co_owner",
	"MainContent_lblPrice":              "sale_price",
	"MainContent_lblCertificate":        "certificate",
	"MainContent_lblSaleDate":           "sale_date",
	"MainContent_lblGenAssessment":      "assessment_value",
	"MainContent_lblGenAppraisal":       "appraisal_value",
	"MainContent_lblBldCount":           "building_count",
	"MainContent_lblUseCode":            "land_use_code",
	"MainContent_lblUseCodeDescription": "building_use",
	"MainContent_lblZone":               "land_zone",
	"MainContent_lblNbhd":               "land_neighborhood_code",
	"MainContent_lblLndFront":           "land_frontage",
	"MainContent_lblDepth":              "land_depth",
	"MainContent_lblLndAsmt":            "land_assessed_value",
	"MainContent_lblLndAppr":            "land_appraised_value",
	"MainContent_lblZip":                "zip_code",
}

var moneyFields = map[string]struct{}{
	"sale_price": {}, "assessment_value": {}, "appraisal_value": {},
	"land_assessed_value": {}, "land_appraised_value": {},
}

var intFields = map[string]struct{}{"building_count": {}}

const errorAction = "./Error.aspx?Message=There+was+an+error+loading+the+parcel."

// New builds a source.Definition backed by an *http.Client.
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
		PhotoItems:     photoItems,
		Download:       download(client),
	}
}

func scrape(client *http.Client) func(ctx context.Context, baseURL string, id entryid.ID) (source.Result, error) {
	return func(ctx context.Context, baseURL string, id entryid.ID) (source.Result, error) {
		url := fmt.Sprintf("%sParcel.aspx?pid=%s", baseURL, id.String())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("vgsi: build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("vgsi: fetch parcel %s: %w", id.String(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("vgsi: unexpected status %d for parcel %s", resp.StatusCode, id.String())
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("vgsi: parse html: %w", err)
		}

		if action, ok := doc.Find("#form1").Attr("action"); ok && action == errorAction {
			return nil, ErrInvalidPID
		}

		return parseProperty(doc, id.String()), nil
	}
}

func parseProperty(doc *goquery.Document, pid string) source.Row {
	row := make(source.Row, len(propertyTags)+2)

	doc.Find("span").Each(func(_ int, s *goquery.Selection) {
		id, ok := s.Attr("id")
		if !ok {
			return
		}
		field, known := propertyTags[id]
		if !known {
			return
		}
		row[field] = strings.TrimSpace(s.Text())
	})

	for field := range moneyFields {
		if v, ok := row[field]; ok {
			row[field] = parseMoney(v)
		}
	}
	for field := range intFields {
		if v, ok := row[field]; ok {
			row[field] = parseInt(v)
		}
	}

	row["pid"] = pid
	row["uuid"] = deterministicUUID(pid, row)
	return row
}

func parseMoney(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return f
}

func parseInt(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return n
}

// deterministicUUID derives a stable ID from the parcel ID and its
// content, so callers don't need a coordinated primary-key sequence.
func deterministicUUID(pid string, row source.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(pid)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, row[k])
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func flatten(results []source.Result) map[string][]source.Row {
	rows := make([]source.Row, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.(source.Row))
	}
	return map[string][]source.Row{"property": rows}
}

type pidRow struct {
	PID string `parquet:"pid"`
}

func knownEntryIDs(dataDir, scopeKey string) ([]entryid.ID, error) {
	dir := filepath.Join(dataDir, scopeKey, "property")
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vgsi: list property files: %w", err)
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
		rr := parquet.NewGenericReader[pidRow](fh, info.Size())
		buf := make([]pidRow, 128)
		for {
			n, rerr := rr.Read(buf)
			for i := 0; i < n; i++ {
				if _, ok := seen[buf[i].PID]; !ok {
					seen[buf[i].PID] = struct{}{}
					ids = append(ids, entryid.FromString(buf[i].PID))
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

func photoItems(result source.Result, scopeKey string, id entryid.ID) []source.PhotoItem {
	row, ok := result.(source.Row)
	if !ok {
		return nil
	}
	url, ok := row["photo_url"].(string)
	if !ok || url == "" {
		return nil
	}
	return []source.PhotoItem{{URL: url, Name: "front"}}
}

func download(client *http.Client) func(ctx context.Context, item source.PhotoItem, scopeKey string, id entryid.ID, photoDir string) (string, error) {
	return func(ctx context.Context, item source.PhotoItem, scopeKey string, id entryid.ID, photoDir string) (string, error) {
		dir := filepath.Join(photoDir, scopeKey)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("vgsi: create photo dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", id.String(), item.Name))
		if _, err := os.Stat(path); err == nil {
			return path, nil // idempotent: already downloaded
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
		if err != nil {
			return "", fmt.Errorf("vgsi: build photo request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("vgsi: fetch photo: %w", err)
		}
		defer resp.Body.Close()

		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("vgsi: create photo file: %w", err)
		}
		defer f.Close()

		if _, err := io.Copy(f, resp.Body); err != nil {
			return "", fmt.Errorf("vgsi: write photo file: %w", err)
		}
		return path, nil
	}
}
