// Package writer appends batched rows to per-table columnar files, tracks
// a content-hash cache for change-only writes, and compacts a session's
// files into one per table when Compact is called.
package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/gurre/scrapeengine/checkpointstore"
	"github.com/gurre/scrapeengine/rowhash"
	"github.com/gurre/scrapeengine/source"
)

const fileExt = ".parquet"

// Stats reports the change-only write counters accumulated since the
// writer was created.
type Stats struct {
	RowsWritten int64
	RowsSkipped int64
}

// Writer is the columnar append-only store for one scope. It is safe for
// concurrent use; a single mutex serializes file creation, the batch
// counter, and hash-cache mutations.
type Writer struct {
	dataDir   string
	scopeKey  string
	sessionTS string
	logger    *zap.Logger
	cp        checkpointstore.Store

	mu              sync.Mutex
	batchNum        map[string]int
	hashCache       map[string]map[string]struct{}
	hashCacheActive bool
	rowsWritten     int64
	rowsSkipped     int64
	closed          bool
}

// New creates a Writer for scopeKey rooted at dataDir. cp may be nil, in
// which case SaveCheckpoint/LastCheckpoint are no-ops (used by refresh,
// which never checkpoints).
func New(dataDir, scopeKey string, cp checkpointstore.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	sessionTS := fmt.Sprintf("%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
	return &Writer{
		dataDir:   dataDir,
		scopeKey:  scopeKey,
		sessionTS: sessionTS,
		logger:    logger,
		cp:        cp,
		batchNum:  make(map[string]int),
	}
}

func (w *Writer) scopeDir() string {
	return filepath.Join(w.dataDir, w.scopeKey)
}

func (w *Writer) tableDir(table string) string {
	return filepath.Join(w.scopeDir(), table)
}

// WriteBatch flattens results through the source, stamps scraped_at and
// row_hash onto every row, drops rows already present in the hash cache
// (when PreloadHashes has been called), and appends survivors to a new
// file per table. A batch write failure is logged and swallowed so a
// transient disk problem does not lose already-scraped results.
func (w *Writer) WriteBatch(ctx context.Context, def source.Definition, results []source.Result) {
	if len(results) == 0 {
		return
	}
	tables := def.Flatten(results)
	scrapedAt := time.Now().UTC()

	for table, rows := range tables {
		survivors := make([]source.Row, 0, len(rows))

		w.mu.Lock()
		for _, row := range rows {
			row["scraped_at"] = scrapedAt
			row["row_hash"] = rowhash.Hash(row, nil)

			if w.hashCacheActive {
				set := w.hashCache[table]
				if set == nil {
					set = make(map[string]struct{})
					w.hashCache[table] = set
				}
				hash := row["row_hash"].(string)
				if _, seen := set[hash]; seen {
					w.rowsSkipped++
					continue
				}
				set[hash] = struct{}{}
			}
			w.rowsWritten++
			survivors = append(survivors, row)
		}
		w.mu.Unlock()

		if len(survivors) == 0 {
			continue
		}

		if err := w.writeTableFile(table, survivors); err != nil {
			w.logger.Error("batch write failed, continuing", zap.String("table", table), zap.Error(err))
		}
	}
}

// writeTableFile serializes rows to a new session-prefixed file under the
// table directory, inferring a schema from the rows in this batch.
func (w *Writer) writeTableFile(table string, rows []source.Row) error {
	dir := w.tableDir(table)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("writer: create table dir: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.batchNum[table]
	w.batchNum[table] = batch + 1

	path := filepath.Join(dir, fmt.Sprintf("%s_%04d%s", w.sessionTS, batch, fileExt))
	return writeRows(path, rows)
}

// schemaFromRows infers one parquet column per distinct key seen across
// rows, typing each column from the first non-null value encountered for
// that key — the inference the engine delegates to the writer (columnar
// format is agnostic to any particular source's schema).
func schemaFromRows(rows []source.Row) (*parquet.Schema, []string) {
	columns := make(map[string]parquet.Node)
	order := make([]string, 0)
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := columns[k]; seen {
				continue
			}
			v := row[k]
			if v == nil {
				continue
			}
			columns[k] = parquet.Optional(leafNode(v))
			order = append(order, k)
		}
	}
	// Any column that never saw a non-null value across the whole batch
	// still needs a slot; default it to an optional string.
	for _, row := range rows {
		for k, v := range row {
			if _, has := columns[k]; !has && v == nil {
				columns[k] = parquet.Optional(parquet.String())
				order = append(order, k)
			}
		}
	}
	sort.Strings(order)

	group := make(parquet.Group, len(columns))
	for k, node := range columns {
		group[k] = node
	}
	return parquet.NewSchema("row", group), order
}

func leafNode(v any) parquet.Node {
	switch v.(type) {
	case string:
		return parquet.String()
	case bool:
		return parquet.Leaf(parquet.BooleanType)
	case int, int32, int64:
		return parquet.Leaf(parquet.Int64Type)
	case float32, float64:
		return parquet.Leaf(parquet.DoubleType)
	case time.Time:
		return parquet.Timestamp(parquet.Microsecond)
	default:
		return parquet.String()
	}
}

func toParquetRow(schema *parquet.Schema, columns []string, row source.Row) parquet.Row {
	values := make(parquet.Row, 0, len(columns))
	for i, name := range columns {
		v, ok := row[name]
		if !ok || v == nil {
			values = append(values, parquet.ValueOf(nil).Level(0, 0, i))
			continue
		}
		if t, isTime := v.(time.Time); isTime {
			values = append(values, parquet.ValueOf(t.UnixMicro()).Level(0, 1, i))
			continue
		}
		values = append(values, parquet.ValueOf(v).Level(0, 1, i))
	}
	return values
}

func writeRows(path string, rows []source.Row) error {
	schema, columns := schemaFromRows(rows)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writer: create file: %w", err)
	}
	defer f.Close()

	pw := parquet.NewGenericWriter[any](f, schema, parquet.Compression(&parquet.Zstd))
	prows := make([]parquet.Row, len(rows))
	for i, row := range rows {
		prows[i] = toParquetRow(schema, columns, row)
	}
	if _, err := pw.WriteRows(prows); err != nil {
		return fmt.Errorf("writer: write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("writer: close parquet writer: %w", err)
	}
	return nil
}

// PreloadHashes populates the hash cache from every file currently in the
// scope's table directories, activating change-only writes for the rest
// of this writer's lifetime.
func (w *Writer) PreloadHashes() error {
	w.mu.Lock()
	w.hashCacheActive = true
	if w.hashCache == nil {
		w.hashCache = make(map[string]map[string]struct{})
	}
	w.mu.Unlock()

	entries, err := os.ReadDir(w.scopeDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writer: list scope dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		table := entry.Name()
		hashes, err := readRowHashes(w.tableDir(table))
		if err != nil {
			return fmt.Errorf("writer: preload hashes for %s: %w", table, err)
		}
		w.mu.Lock()
		set := w.hashCache[table]
		if set == nil {
			set = make(map[string]struct{})
			w.hashCache[table] = set
		}
		for _, h := range hashes {
			set[h] = struct{}{}
		}
		w.mu.Unlock()
	}
	return nil
}

// readRowHashes projects just the row_hash column out of every file in
// dir, avoiding a full row decode.
func readRowHashes(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type hashRow struct {
		RowHash string `parquet:"row_hash"`
	}

	var hashes []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != fileExt {
			continue
		}
		path := filepath.Join(dir, f.Name())
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		info, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, err
		}
		rr := parquet.NewGenericReader[hashRow](fh, info.Size())
		buf := make([]hashRow, 128)
		for {
			n, rerr := rr.Read(buf)
			for i := 0; i < n; i++ {
				hashes = append(hashes, buf[i].RowHash)
			}
			if rerr != nil {
				break
			}
		}
		rr.Close()
		fh.Close()
	}
	return hashes, nil
}

// Compact merges the files in each table directory whose name carries
// this writer's session prefix into a single <session_ts>.parquet file
// when there is more than one of them; a lone session file keeps its
// name. Files from other sessions are left untouched.
func (w *Writer) Compact() error {
	entries, err := os.ReadDir(w.scopeDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writer: list scope dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.compactTable(w.tableDir(entry.Name())); err != nil {
			w.logger.Error("compaction failed", zap.String("table", entry.Name()), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) compactTable(dir string) error {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	prefix := w.sessionTS + "_"
	var sessionFiles []string
	for _, f := range files {
		if !f.IsDir() && strings.HasPrefix(f.Name(), prefix) {
			sessionFiles = append(sessionFiles, f.Name())
		}
	}
	if len(sessionFiles) <= 1 {
		return nil
	}
	sort.Strings(sessionFiles)

	merged := make([]source.Row, 0)
	for _, name := range sessionFiles {
		rows, err := readAllRows(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		merged = append(merged, rows...)
	}

	outPath := filepath.Join(dir, w.sessionTS+fileExt)
	if err := writeRows(outPath, merged); err != nil {
		return fmt.Errorf("write compacted file: %w", err)
	}

	for _, name := range sessionFiles {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("remove constituent %s: %w", name, err)
		}
	}
	return nil
}

// readAllRows decodes every row of a parquet file back into the engine's
// variant-map representation, used only by compaction's read-and-rewrite.
func readAllRows(path string) ([]source.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	schema := pf.Schema()
	columns := schema.Columns()
	names := make([]string, len(columns))
	for i, path := range columns {
		names[i] = path[0]
	}

	rawReader := parquet.NewReader(f, schema)
	defer rawReader.Close()

	var rows []source.Row
	buf := make([]parquet.Row, 128)
	for {
		n, rerr := rawReader.ReadRows(buf)
		for i := 0; i < n; i++ {
			row := make(source.Row, len(names))
			for col, v := range buf[i] {
				if col >= len(names) {
					continue
				}
				if v.IsNull() {
					row[names[col]] = nil
					continue
				}
				row[names[col]] = parquetValueToGo(v)
			}
			rows = append(rows, row)
		}
		if rerr != nil {
			break
		}
	}
	return rows, nil
}

func parquetValueToGo(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32, parquet.Int64:
		return v.Int64()
	case parquet.Float, parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	default:
		return v.String()
	}
}

// Stats returns the rows-written/rows-skipped counters accumulated over
// this writer's lifetime so far.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{RowsWritten: w.rowsWritten, RowsSkipped: w.rowsSkipped}
}

// SaveCheckpoint records progress for scopeKey. A nil checkpoint store
// (used by refresh, which never resumes) makes this a no-op.
func (w *Writer) SaveCheckpoint(ctx context.Context, lastEntryID string, totalScraped int) error {
	if w.cp == nil {
		return nil
	}
	return w.cp.Save(ctx, checkpointstore.State{
		ScopeKey:       w.scopeKey,
		LastEntryID:    lastEntryID,
		TotalScraped:   totalScraped,
		CheckpointTime: time.Now().UTC(),
	})
}

// LastCheckpoint returns the most recent checkpoint for this writer's
// scope, or nil if none exists or the checkpoint store is disabled.
func (w *Writer) LastCheckpoint(ctx context.Context) (*checkpointstore.State, error) {
	if w.cp == nil {
		return nil, nil
	}
	return w.cp.Load(ctx)
}

// Close marks the writer closed. Idempotent; releases no resources
// itself since every file handle is already scoped to a single write.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
