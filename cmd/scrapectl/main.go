// Package main implements the scrapectl command-line interface: the
// collaborator that parses flags, resolves a source by key, and invokes
// the orchestrator's load or refresh operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gurre/scrapeengine/checkpointstore"
	"github.com/gurre/scrapeengine/config"
	"github.com/gurre/scrapeengine/entryid"
	"github.com/gurre/scrapeengine/metrics"
	"github.com/gurre/scrapeengine/orchestrator"
	"github.com/gurre/scrapeengine/source"
	"github.com/gurre/scrapeengine/sources/ctdata"
	"github.com/gurre/scrapeengine/sources/vgsi"
	"github.com/gurre/scrapeengine/writer"
)

// exit codes per the CLI surface: 0 success, 1 user error, 2 fatal
// internal error.
const (
	exitOK          = 0
	exitUserError   = 1
	exitInternalErr = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scrapectl <load|refresh> [flags] <source_key> [scope_key] (flags after the positional arguments are ignored)")
		return exitUserError
	}

	switch args[0] {
	case "load":
		return runLoad(args[1:])
	case "refresh":
		return runRefresh(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, expected load or refresh\n", args[0])
		return exitUserError
	}
}

// registry maps source keys to constructors. Both sample sources ship
// with the engine; a real deployment would register its own.
var registry = map[string]func(*http.Client) source.Definition{
	vgsi.SourceKey:   vgsi.New,
	ctdata.SourceKey: ctdata.New,
}

func resolveSource(key string) (source.Definition, error) {
	ctor, ok := registry[key]
	if !ok {
		return source.Definition{}, fmt.Errorf("unknown source key %q", key)
	}
	return ctor(http.DefaultClient), nil
}

func newLogger(quiet bool) *zap.Logger {
	if quiet {
		return zap.NewNop()
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// rangeIterator walks [entryMin, entryMax] inclusive as integer entry
// IDs; a CLI-owned convenience for sources that don't expose their own
// discovery mechanism.
func rangeIterator(entryMin, entryMax int64) orchestrator.IterEntriesFunc {
	return func(ctx context.Context, baseURL, dataDir, scopeKey string) ([]entryid.ID, error) {
		if entryMax < entryMin {
			return nil, fmt.Errorf("entry-max (%d) must be >= entry-min (%d)", entryMax, entryMin)
		}
		ids := make([]entryid.ID, 0, entryMax-entryMin+1)
		for i := entryMin; i <= entryMax; i++ {
			ids = append(ids, entryid.FromInt(i))
		}
		return ids, nil
	}
}

func runLoad(args []string) int {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	scopeKey := fs.String("scope", "", "scope key namespacing this collection")
	baseURL := fs.String("base-url", "", "base URL the source fetches against")
	dataDir := fs.String("data-dir", "./data", "root data directory")
	workers := fs.Int("workers", 10, "maximum concurrent workers")
	rate := fs.Float64("rate", 0, "requests per second across all workers (0 disables spacing)")
	batchSize := fs.Int("batch-size", 100, "scrape results flushed to the writer per batch")
	checkpointEvery := fs.Int("checkpoint-every", 50, "entries between checkpoint saves (0 disables)")
	noResume := fs.Bool("no-resume", false, "ignore any existing checkpoint")
	quiet := fs.Bool("quiet", false, "suppress structured logging")
	downloadPhotos := fs.Bool("download-photos", false, "download photo assets the source reports")
	photoDir := fs.String("photo-dir", "", "directory photos are written to")
	entryMin := fs.Int64("entry-min", 1, "first entry id in a range-based load")
	entryMax := fs.Int64("entry-max", 0, "last entry id in a range-based load")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scrapectl load --workers N --rate R ... <source_key> [scope_key] (flags after the positional arguments are ignored)")
		return exitUserError
	}
	sourceKey := rest[0]
	scope := *scopeKey
	if scope == "" && len(rest) > 1 {
		scope = rest[1]
	}

	cfg := &config.Config{
		SourceKey:         sourceKey,
		ScopeKey:          scope,
		DataDir:           *dataDir,
		BaseURL:           *baseURL,
		MaxWorkers:        *workers,
		RequestsPerSecond: *rate,
		BatchSize:         *batchSize,
		CheckpointEvery:   *checkpointEvery,
		NoResume:          *noResume,
		DownloadPhotos:    *downloadPhotos,
		PhotoDir:          *photoDir,
		Quiet:             *quiet,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUserError
	}
	if *entryMax < *entryMin {
		fmt.Fprintln(os.Stderr, "invalid configuration: entry-max must be >= entry-min")
		return exitUserError
	}

	def, err := resolveSource(cfg.SourceKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUserError
	}

	logger := newLogger(cfg.Quiet)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cp, err := checkpointstore.NewFileStore(cfg.DataDir, cfg.ScopeKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open checkpoint store: %v\n", err)
		return exitInternalErr
	}
	w := writer.New(cfg.DataDir, cfg.ScopeKey, cp, logger)
	m := metrics.New()

	loadCfg := orchestrator.LoadConfig{
		ScopeKey:             cfg.ScopeKey,
		BaseURL:              cfg.BaseURL,
		DataDir:              cfg.DataDir,
		IterEntries:          rangeIterator(*entryMin, *entryMax),
		MaxWorkers:           cfg.MaxWorkers,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		BatchSize:            cfg.BatchSize,
		CheckpointEvery:      cfg.CheckpointEvery,
		ResumeFromCheckpoint: !cfg.NoResume,
		DownloadPhotos:       cfg.DownloadPhotos,
		PhotoDir:             cfg.PhotoDir,
		Logger:               logger,
	}

	completed, runErr := orchestrator.RunLoad(ctx, loadCfg, def, w, m)
	report := m.GenerateReport(false)
	logger.Info("load run finished", zap.Any("report", report), zap.Int("completed", completed))

	var tooMany *orchestrator.TooManyErrorsError
	if runErr != nil {
		if isTooManyErrors(runErr, &tooMany) {
			logger.Error("aborting: too many consecutive errors", zap.Int("consecutive", tooMany.Consecutive))
			return exitUserError
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", runErr)
		return exitInternalErr
	}
	return exitOK
}

func runRefresh(args []string) int {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	scopeKey := fs.String("scope", "", "scope key namespacing this collection")
	baseURL := fs.String("base-url", "", "base URL the source fetches against")
	dataDir := fs.String("data-dir", "./data", "root data directory")
	workers := fs.Int("workers", 10, "maximum concurrent workers")
	rate := fs.Float64("rate", 0, "requests per second across all workers (0 disables spacing)")
	batchSize := fs.Int("batch-size", 100, "scrape results flushed to the writer per batch")
	quiet := fs.Bool("quiet", false, "suppress structured logging")
	downloadPhotos := fs.Bool("download-photos", false, "download photo assets the source reports")
	photoDir := fs.String("photo-dir", "", "directory photos are written to")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scrapectl refresh --workers N --rate R ... <source_key> [scope_key] (flags after the positional arguments are ignored)")
		return exitUserError
	}
	sourceKey := rest[0]
	scope := *scopeKey
	if scope == "" && len(rest) > 1 {
		scope = rest[1]
	}

	cfg := &config.Config{
		SourceKey:         sourceKey,
		ScopeKey:          scope,
		DataDir:           *dataDir,
		BaseURL:           *baseURL,
		MaxWorkers:        *workers,
		RequestsPerSecond: *rate,
		BatchSize:         *batchSize,
		CheckpointEvery:   1, // unused by refresh; kept > 0 to pass validation
		DownloadPhotos:    *downloadPhotos,
		PhotoDir:          *photoDir,
		Quiet:             *quiet,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUserError
	}

	def, err := resolveSource(cfg.SourceKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUserError
	}

	logger := newLogger(cfg.Quiet)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := writer.New(cfg.DataDir, cfg.ScopeKey, checkpointstore.NewMemoryStore(), logger)
	m := metrics.New()

	refreshCfg := orchestrator.RefreshConfig{
		ScopeKey:          cfg.ScopeKey,
		BaseURL:           cfg.BaseURL,
		DataDir:           cfg.DataDir,
		MaxWorkers:        cfg.MaxWorkers,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BatchSize:         cfg.BatchSize,
		DownloadPhotos:    cfg.DownloadPhotos,
		PhotoDir:          cfg.PhotoDir,
		Logger:            logger,
	}

	completed, runErr := orchestrator.RunRefresh(ctx, refreshCfg, def, w, m)
	report := m.GenerateReport(true)
	logger.Info("refresh run finished", zap.Any("report", report), zap.Int("completed", completed))

	var tooMany *orchestrator.TooManyErrorsError
	if runErr != nil {
		if isTooManyErrors(runErr, &tooMany) {
			logger.Error("aborting: too many consecutive errors", zap.Int("consecutive", tooMany.Consecutive))
			return exitUserError
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", runErr)
		return exitInternalErr
	}
	return exitOK
}

func isTooManyErrors(err error, target **orchestrator.TooManyErrorsError) bool {
	te, ok := err.(*orchestrator.TooManyErrorsError)
	if !ok {
		return false
	}
	*target = te
	return true
}
