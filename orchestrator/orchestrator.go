// Package orchestrator drives a worker pool over a source's scrape
// callback, batching results into the writer, checkpointing progress,
// and tripping a circuit breaker on sustained failure. It exposes the
// two run modes: RunLoad iterates fresh entries; RunRefresh re-scrapes
// entries already on disk, writing only what changed.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gurre/scrapeengine/entryid"
	"github.com/gurre/scrapeengine/metrics"
	"github.com/gurre/scrapeengine/ratelimiter"
	"github.com/gurre/scrapeengine/source"
	"github.com/gurre/scrapeengine/writer"
)

// TooManyErrorsError signals that consecutive scrape failures crossed
// MaxConsecutiveErrors; the orchestrator cancels remaining work and
// returns this error alongside the partial completed count.
type TooManyErrorsError struct {
	Consecutive int
}

func (e *TooManyErrorsError) Error() string {
	return fmt.Sprintf("orchestrator: %d consecutive scrape errors, aborting run", e.Consecutive)
}

// defaultMaxConsecutiveErrors is the circuit-breaker threshold used when a
// config leaves MaxConsecutiveErrors at zero.
const defaultMaxConsecutiveErrors = 50

// IterEntriesFunc materializes the sequence of entry IDs a load run
// should process, given the base URL, data directory, and scope key.
type IterEntriesFunc func(ctx context.Context, baseURL, dataDir, scopeKey string) ([]entryid.ID, error)

// LoadConfig configures RunLoad.
type LoadConfig struct {
	ScopeKey             string
	BaseURL              string
	DataDir              string
	IterEntries          IterEntriesFunc
	MaxWorkers           int
	RequestsPerSecond    float64
	BatchSize            int
	CheckpointEvery      int
	ResumeFromCheckpoint bool
	DownloadPhotos       bool
	PhotoDir             string
	// MaxConsecutiveErrors is the circuit-breaker threshold. The zero
	// value selects the default of 50, so 0 does not disable the breaker;
	// only a negative number disables it.
	MaxConsecutiveErrors int
	Logger               *zap.Logger
}

type scrapeOutcome struct {
	id      entryid.ID
	result  source.Result
	err     error
	invalid bool
}

// RunLoad materializes entry IDs, optionally resumes from the last
// checkpoint, and scrapes every remaining ID over a bounded worker pool,
// batching and checkpointing as it goes (spec §4.5.1).
func RunLoad(ctx context.Context, cfg LoadConfig, def source.Definition, w *writer.Writer, m *metrics.Metrics) (int, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConsecutiveErrors := cfg.MaxConsecutiveErrors
	if maxConsecutiveErrors == 0 {
		maxConsecutiveErrors = defaultMaxConsecutiveErrors
	} else if maxConsecutiveErrors < 0 {
		maxConsecutiveErrors = 0
	}

	ids, err := cfg.IterEntries(ctx, cfg.BaseURL, cfg.DataDir, cfg.ScopeKey)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: materialize entries: %w", err)
	}
	m.SetTotal(len(ids))

	resumedCount := 0
	var lastOverallID entryid.ID
	hasLastOverallID := len(ids) > 0
	if hasLastOverallID {
		lastOverallID = ids[len(ids)-1]
	}

	if cfg.ResumeFromCheckpoint {
		if state, lerr := w.LastCheckpoint(ctx); lerr == nil && state != nil {
			idx := -1
			for i, id := range ids {
				if id.String() == state.LastEntryID {
					idx = i
					break
				}
			}
			if idx >= 0 {
				ids = ids[idx+1:]
				resumedCount = state.TotalScraped
			} else {
				logger.Warn("checkpoint entry not found in current iterator, starting from the beginning",
					zap.String("last_entry_id", state.LastEntryID))
			}
		}
	}

	limiter := ratelimiter.New(cfg.MaxWorkers, cfg.RequestsPerSecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan entryid.ID)
	results := make(chan scrapeOutcome)
	var wg sync.WaitGroup

	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range tasks {
				lease, lerr := limiter.Acquire()
				if lerr != nil {
					results <- scrapeOutcome{id: id, err: lerr}
					continue
				}

				res, serr := def.Scrape(runCtx, cfg.BaseURL, id)
				if serr == nil && cfg.DownloadPhotos && def.SupportsPhotos() {
					dispatchPhotos(runCtx, def, res, cfg.ScopeKey, id, cfg.PhotoDir, logger)
				}
				lease.Release()

				if serr != nil {
					results <- scrapeOutcome{id: id, err: serr, invalid: def.Classify(serr)}
					continue
				}
				results <- scrapeOutcome{id: id, result: res}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, id := range ids {
			select {
			case tasks <- id:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var batch []source.Result
	completed := 0
	consecutiveErrors := 0
	var breakErr error

	for r := range results {
		switch {
		case r.err != nil && r.invalid:
			m.RecordInvalid()
		case r.err != nil:
			m.RecordError()
			consecutiveErrors++
			logger.Warn("scrape failed", zap.String("entry_id", r.id.String()), zap.Error(r.err))
		default:
			completed++
			consecutiveErrors = 0
			m.RecordCompleted()
			batch = append(batch, r.result)
			if len(batch) >= cfg.BatchSize {
				w.WriteBatch(runCtx, def, batch)
				batch = batch[:0]
			}
			if cfg.CheckpointEvery > 0 && completed%cfg.CheckpointEvery == 0 {
				if cerr := w.SaveCheckpoint(runCtx, r.id.String(), completed+resumedCount); cerr != nil {
					logger.Warn("checkpoint save failed", zap.Error(cerr))
				}
			}
		}

		if maxConsecutiveErrors > 0 && consecutiveErrors >= maxConsecutiveErrors {
			breakErr = &TooManyErrorsError{Consecutive: consecutiveErrors}
			cancel()
			break
		}
	}
	if breakErr != nil {
		for range results {
		}
	}

	if len(batch) > 0 {
		w.WriteBatch(ctx, def, batch)
	}
	if hasLastOverallID {
		if cerr := w.SaveCheckpoint(ctx, lastOverallID.String(), completed+resumedCount); cerr != nil {
			logger.Warn("final checkpoint save failed", zap.Error(cerr))
		}
	}
	if cerr := w.Compact(); cerr != nil {
		logger.Error("compaction failed", zap.Error(cerr))
	}
	_ = w.Close()

	return completed, breakErr
}

// RefreshConfig configures RunRefresh.
type RefreshConfig struct {
	ScopeKey          string
	BaseURL           string
	DataDir           string
	MaxWorkers        int
	RequestsPerSecond float64
	BatchSize         int
	DownloadPhotos    bool
	PhotoDir          string
	MaxConsecutiveErrors int
	Logger            *zap.Logger
}

// RunRefresh re-scrapes every entry the writer already knows about,
// relying on the preloaded hash cache so only changed rows are written.
// It never checkpoints: refresh has no resumption semantics (spec
// §4.5.2).
func RunRefresh(ctx context.Context, cfg RefreshConfig, def source.Definition, w *writer.Writer, m *metrics.Metrics) (int, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConsecutiveErrors := cfg.MaxConsecutiveErrors
	if maxConsecutiveErrors == 0 {
		maxConsecutiveErrors = defaultMaxConsecutiveErrors
	} else if maxConsecutiveErrors < 0 {
		maxConsecutiveErrors = 0
	}

	ids, err := def.KnownEntryIDs(cfg.DataDir, cfg.ScopeKey)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list known entry ids: %w", err)
	}
	if len(ids) == 0 {
		_ = w.Close()
		return 0, nil
	}
	m.SetTotal(len(ids))

	if err := w.PreloadHashes(); err != nil {
		return 0, fmt.Errorf("orchestrator: preload hashes: %w", err)
	}

	limiter := ratelimiter.New(cfg.MaxWorkers, cfg.RequestsPerSecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan entryid.ID)
	results := make(chan scrapeOutcome)
	var wg sync.WaitGroup

	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range tasks {
				lease, lerr := limiter.Acquire()
				if lerr != nil {
					results <- scrapeOutcome{id: id, err: lerr}
					continue
				}

				res, serr := def.Scrape(runCtx, cfg.BaseURL, id)
				if serr == nil && cfg.DownloadPhotos && def.SupportsPhotos() {
					dispatchPhotos(runCtx, def, res, cfg.ScopeKey, id, cfg.PhotoDir, logger)
				}
				lease.Release()

				if serr != nil {
					results <- scrapeOutcome{id: id, err: serr, invalid: def.Classify(serr)}
					continue
				}
				results <- scrapeOutcome{id: id, result: res}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, id := range ids {
			select {
			case tasks <- id:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var batch []source.Result
	completed := 0
	consecutiveErrors := 0
	var breakErr error

	for r := range results {
		switch {
		case r.err != nil && r.invalid:
			m.RecordInvalid()
		case r.err != nil:
			m.RecordError()
			consecutiveErrors++
			logger.Warn("scrape failed", zap.String("entry_id", r.id.String()), zap.Error(r.err))
		default:
			completed++
			consecutiveErrors = 0
			m.RecordCompleted()
			batch = append(batch, r.result)
			if len(batch) >= cfg.BatchSize {
				w.WriteBatch(runCtx, def, batch)
				batch = batch[:0]
			}
		}

		if maxConsecutiveErrors > 0 && consecutiveErrors >= maxConsecutiveErrors {
			breakErr = &TooManyErrorsError{Consecutive: consecutiveErrors}
			cancel()
			break
		}
	}
	if breakErr != nil {
		for range results {
		}
	}

	if len(batch) > 0 {
		w.WriteBatch(ctx, def, batch)
	}

	stats := w.Stats()
	m.SetRowCounts(stats.RowsWritten, stats.RowsSkipped)

	if cerr := w.Compact(); cerr != nil {
		logger.Error("compaction failed", zap.Error(cerr))
	}
	_ = w.Close()

	return completed, breakErr
}

// dispatchPhotos downloads every photo item the source reports for a
// freshly-scraped result. Failures are logged, never counted as scrape
// errors (spec §4.5.3).
func dispatchPhotos(ctx context.Context, def source.Definition, res source.Result, scopeKey string, id entryid.ID, photoDir string, logger *zap.Logger) {
	for _, item := range def.PhotoItems(res, scopeKey, id) {
		if _, derr := def.Download(ctx, item, scopeKey, id, photoDir); derr != nil {
			logger.Warn("photo download failed",
				zap.String("entry_id", id.String()), zap.String("url", item.URL), zap.Error(derr))
		}
	}
}
