// Package source defines the contract a scrapeable data source implements
// (spec §4.4, Source Contract / C4). The engine never imports a concrete
// source's internals; every source-specific behavior is routed through
// this small capability surface.
package source

import (
	"context"
	"errors"

	"github.com/gurre/scrapeengine/entryid"
)

// Row is a single record of heterogeneous column values, keyed by column
// name. Values are scalars or nil (spec §9 Design Notes: variant map at
// the engine layer). Column types are inferred by the writer from the
// first non-null value per column in a batch.
type Row = map[string]any

// Result is the opaque value a source's Scrape callback returns for one
// entry. The engine treats it as a black box and only ever passes it back
// into the same source's Flatten.
type Result any

// PhotoItem describes one photo the engine should dispatch to Download
// after a successful scrape, when photo mode is enabled (spec §4.5.3).
type PhotoItem struct {
	URL string
	// Name distinguishes multiple photos for the same entry (e.g. "front",
	// "aerial"); sources without multiple photos per entry may leave it empty.
	Name string
}

// ErrInvalidEntry is the sentinel a source's Scrape should wrap (via
// fmt.Errorf("...: %w", ErrInvalidEntry) or errors.Join) to signal that an
// entry ID does not exist. The engine treats this as "skip silently," not
// as an error (spec §4.4, §4.5.4).
//
// A source may instead supply its own IsInvalidEntry predicate — for
// example to classify a domain-specific "not found" exception kind — in
// which case ErrInvalidEntry need not be used at all.
var ErrInvalidEntry = errors.New("source: entry does not exist")

// Definition is the polymorphic value a concrete source provides. It has
// no inheritance hierarchy — each source constructs one of these as a
// plain value with method-like function fields (spec §9 Design Notes).
type Definition struct {
	// SourceKey is this source's stable identifier (e.g. "vgsi").
	SourceKey string

	// Scrape fetches one entry. It must return an error satisfying
	// IsInvalidEntry when the entry does not exist; any other error is
	// counted as a transient scrape error by the orchestrator.
	Scrape func(ctx context.Context, baseURL string, id entryid.ID) (Result, error)

	// Flatten explodes a batch of results into per-table rows. It is a
	// pure function; within one invocation the source may deduplicate
	// rows on a natural key.
	Flatten func(results []Result) map[string][]Row

	// KnownEntryIDs queries existing output files for IDs already
	// present, for use by refresh mode. May return an empty slice.
	KnownEntryIDs func(dataDir, scopeKey string) ([]entryid.ID, error)

	// IsInvalidEntry classifies a Scrape error as "this entry does not
	// exist." If nil, the engine falls back to errors.Is(err,
	// ErrInvalidEntry).
	IsInvalidEntry func(err error) bool

	// PhotoItems and Download are optional; both must be set for photo
	// dispatch to occur (spec §4.5.3). PhotoItems lists what to fetch for
	// one scraped result; Download performs one fetch and returns the
	// local path, or "" if nothing was written. Download must be
	// idempotent on an existing file.
	PhotoItems func(result Result, scopeKey string, id entryid.ID) []PhotoItem
	Download   func(ctx context.Context, item PhotoItem, scopeKey string, id entryid.ID, photoDir string) (string, error)
}

// Classify reports whether err represents an invalid (nonexistent) entry,
// using the source's own predicate when supplied and falling back to the
// package sentinel otherwise.
func (d Definition) Classify(err error) bool {
	if err == nil {
		return false
	}
	if d.IsInvalidEntry != nil {
		return d.IsInvalidEntry(err)
	}
	return errors.Is(err, ErrInvalidEntry)
}

// SupportsPhotos reports whether this source defines both photo hooks.
func (d Definition) SupportsPhotos() bool {
	return d.PhotoItems != nil && d.Download != nil
}
