// Package state persists Python namespace state blobs: a hot KV tier for
// active sessions and a cold blob tier for archived ones.
package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/pystate"
	"github.com/runbox/runbox/internal/storage"
)

// ErrNotFound is returned when neither tier has the state.
var ErrNotFound = errors.New("state not found")

func hotKey(sid string) string        { return "state:" + sid }
func hashKey(h string) string         { return "state:by_hash:" + h }
func markerKey(sid string) string     { return "state:upload_marker:" + sid }
func coldKey(sid string) string       { return "states/" + sid + "/state.dat" }
func coldHashKey(hash16 string) string { return "states/by_hash/" + hash16 + ".dat" }

// Store combines the two tiers. Reads prefer hot; cold hits are written
// back so the next execution stays fast.
type Store struct {
	kv        kv.Store
	blobs     storage.BlobStore
	ttl       time.Duration
	markerTTL time.Duration
	log       *zap.Logger
}

// New wires a Store. ttl governs the hot tier; markerTTL the upload marker.
func New(kvs kv.Store, blobs storage.BlobStore, ttl, markerTTL time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if markerTTL <= 0 {
		markerTTL = time.Minute
	}
	return &Store{kv: kvs, blobs: blobs, ttl: ttl, markerTTL: markerTTL, log: logging.L().Named("state")}
}

// Save writes the blob to the hot tier under both the session key and its
// content hash, and returns the hash.
func (s *Store) Save(ctx context.Context, sessionID string, blob []byte) (string, error) {
	hash := pystate.Hash16(blob)
	if err := s.kv.Set(ctx, hotKey(sessionID), string(blob), s.ttl); err != nil {
		return "", fmt.Errorf("save state %s: %w", sessionID, err)
	}
	if err := s.kv.Set(ctx, hashKey(hash), string(blob), s.ttl); err != nil {
		return "", fmt.Errorf("save state hash %s: %w", hash, err)
	}
	return hash, nil
}

// Load reads the hot tier only.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	val, err := s.kv.Get(ctx, hotKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}
	return []byte(val), nil
}

// LoadByHash reads the hot tier by content hash.
func (s *Store) LoadByHash(ctx context.Context, hash16 string) ([]byte, error) {
	val, err := s.kv.Get(ctx, hashKey(hash16))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state by hash %s: %w", hash16, err)
	}
	return []byte(val), nil
}

// MarkUploaded records that a client just pushed state for this session,
// so the next execution must read the hot tier even when the session
// metadata lags behind.
func (s *Store) MarkUploaded(ctx context.Context, sessionID string) error {
	return s.kv.Set(ctx, markerKey(sessionID), "1", s.markerTTL)
}

// HasRecentUpload reports whether the upload marker is still live.
func (s *Store) HasRecentUpload(ctx context.Context, sessionID string) bool {
	ok, err := s.kv.Exists(ctx, markerKey(sessionID))
	return err == nil && ok
}

// Archive writes the blob to the cold tier under the session and hash keys.
func (s *Store) Archive(ctx context.Context, sessionID string, blob []byte) error {
	if err := s.blobs.Upload(ctx, coldKey(sessionID), bytes.NewReader(blob)); err != nil {
		return fmt.Errorf("archive state %s: %w", sessionID, err)
	}
	hash := pystate.Hash16(blob)
	if err := s.blobs.Upload(ctx, coldHashKey(hash), bytes.NewReader(blob)); err != nil {
		return fmt.Errorf("archive state hash %s: %w", hash, err)
	}
	return nil
}

// restoreCold fetches a cold object and writes it back to the hot tier.
func (s *Store) restoreCold(ctx context.Context, key, hotK string) ([]byte, error) {
	blob, err := storage.ReadAll(ctx, s.blobs, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, hotK, string(blob), s.ttl); err != nil {
		s.log.Warn("hot write-back failed", zap.String("key", hotK), zap.Error(err))
	}
	return blob, nil
}

// Fetch resolves session state: hot tier, then cold with write-back.
func (s *Store) Fetch(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := s.Load(ctx, sessionID)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.restoreCold(ctx, coldKey(sessionID), hotKey(sessionID))
}

// FetchByHash resolves state by content hash: hot tier, then cold with
// write-back.
func (s *Store) FetchByHash(ctx context.Context, hash16 string) ([]byte, error) {
	blob, err := s.LoadByHash(ctx, hash16)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.restoreCold(ctx, coldHashKey(hash16), hashKey(hash16))
}

// Delete removes the session's hot state and marker. The by-hash entries
// expire on their own; other sessions may share them.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.kv.Del(ctx, hotKey(sessionID), markerKey(sessionID))
}
