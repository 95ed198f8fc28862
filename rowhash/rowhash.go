// Package rowhash computes the canonical content hash the writer uses for
// change detection (spec §4.1, Row Hasher / C1).
package rowhash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultExclude is the engine's fixed set of metadata columns that never
// participate in the content hash, per spec §4.1 step 1.
var DefaultExclude = map[string]struct{}{
	"id":               {},
	"version":          {},
	"row_hash":         {},
	"effective_from":   {},
	"effective_to":     {},
	"is_current":       {},
	"loaded_at":        {},
	"updated_at":       {},
	"created_at":       {},
	"scraped_at":       {},
	"city_id":          {},
	"vgsi_url":         {},
	"photo_paths":      {},
	"photo_local_path": {},
}

// Hash computes the MD5 content hash of row, excluding DefaultExclude plus
// any caller-supplied extra exclusions, and dropping null values. The
// result is deterministic regardless of the map's iteration order because
// every remaining value is stringified and re-serialized with sorted keys
// (spec §4.1 steps 2-5).
func Hash(row map[string]any, extraExclude map[string]struct{}) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		if _, excluded := DefaultExclude[k]; excluded {
			continue
		}
		if extraExclude != nil {
			if _, excluded := extraExclude[k]; excluded {
				continue
			}
		}
		if row[k] == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make(map[string]string, len(keys))
	for _, k := range keys {
		canonical[k] = canonicalize(row[k])
	}

	// goccy/go-json marshals map[string]string keys in sorted order, same
	// as the standard library, giving the insertion-order-independent
	// serialization the hash depends on.
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonical is a map[string]string; marshaling cannot fail.
		panic(fmt.Sprintf("rowhash: unexpected marshal failure: %v", err))
	}

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize renders a single row value using the conversion spec §4.1
// step 3 calls for: decimal rendering for numbers, ISO-8601 for timestamps,
// and the value's natural text form for booleans and strings.
func canonicalize(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", val)
	}
}
