// Package checkpointstore persists and resumes per-scope progress markers
// (spec §4.3.2, part of the Columnar Writer / C3). It is adapted from the
// teacher's checkpoint package: same Store interface and per-backend
// split, reshaped around the engine's State document and its tolerance
// for truncated files on read.
package checkpointstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
)

// State is the checkpoint document described in spec §3 and §6: the four
// keys listed there must be present whenever a checkpoint is readable.
type State struct {
	ScopeKey       string    `json:"scope_key"`
	LastEntryID    string    `json:"last_entry_id"`
	TotalScraped   int       `json:"total_scraped"`
	CheckpointTime time.Time `json:"checkpoint_time"`
}

// Store is the checkpoint persistence contract (spec §4.3.2).
//
// Load returns (nil, nil) both when no checkpoint exists yet and when an
// existing one is malformed or truncated — per spec, a bad checkpoint is
// tolerated, not fatal, and callers treat it the same as "no checkpoint."
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
}

// FileStore is the default backend: one JSON file per scope under
// <data_dir>/_checkpoints/<scope_key>.json (spec §6).
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore builds the default on-disk path for scopeKey under dataDir
// and ensures the containing directory exists.
func NewFileStore(dataDir, scopeKey string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "_checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpointstore: create checkpoint dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, scopeKey+".json")}, nil
}

// Load reads the checkpoint file. A missing file or one that fails to
// unmarshal (e.g. truncated by a crash mid-write) is tolerated: both
// return (nil, nil), matching spec §4.3.2's "(nil, 0) if missing or
// malformed."
func (f *FileStore) Load(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpointstore: read %s: %w", f.path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save writes the checkpoint through a temp file and rename, giving
// best-effort atomicity: a reader never observes a partially-written
// file, though a crash between the temp write and the rename can still
// leave the previous checkpoint in place (spec §4.3.2).
func (f *FileStore) Save(ctx context.Context, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpointstore: encode checkpoint: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("checkpointstore: write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("checkpointstore: rename checkpoint into place: %w", err)
	}
	return nil
}

// s3Client is the narrow S3 surface S3Store needs; satisfied by
// *s3.Client from aws-sdk-go-v2.
type s3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is an optional remote-durability backend for checkpoints,
// kept from the teacher's design for deployments where the data
// directory itself is ephemeral. It is not wired by default; callers
// opt in by constructing one explicitly.
type S3Store struct {
	client s3Client
	bucket string
	key    string
}

// NewS3Store builds an S3-backed checkpoint store for one scope.
func NewS3Store(client s3Client, bucket, keyPrefix, scopeKey string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		key:    filepath.ToSlash(filepath.Join(keyPrefix, scopeKey+".json")),
	}
}

// Load fetches the checkpoint object, tolerating both a missing object
// and a malformed body the same way FileStore does.
func (s *S3Store) Load(ctx context.Context) (*State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpointstore: get checkpoint object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save uploads the checkpoint document, overwriting any prior object.
func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpointstore: encode checkpoint: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("checkpointstore: put checkpoint object: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests, mirroring the teacher's
// MemoryStore.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := state
	m.state = &cp
	return nil
}
