// Package files manages per-session files: metadata in the KV tier,
// content in the blob store.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/storage"
)

// ErrNotFound is returned for unknown file IDs or names.
var ErrNotFound = errors.New("file not found")

// File sources.
const (
	SourceUpload = "upload"
	SourceOutput = "output"
	SourceAgent  = "agent"
)

// File is session file metadata.
type File struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Source      string    `json:"source"`
	Writable    bool      `json:"writable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// StateHash links the file to the namespace state produced by the
	// execution that most recently used it; a mount with restore_state set
	// loads that state by this hash.
	StateHash string `json:"state_hash,omitempty"`
	// ExecutionID identifies that execution.
	ExecutionID string    `json:"execution_id,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`

	blobKey string
}

// BlobKey is the object key holding the file content.
func (f *File) BlobKey() string { return f.blobKey }

func metaKey(sid, fid string) string { return "files:" + sid + ":" + fid }
func indexKey(sid string) string     { return "files:index:" + sid }
func blobKey(sid, fid, name string) string {
	return "sessions/" + sid + "/files/" + fid + "/" + name
}

// Service is the session file store.
type Service struct {
	kv            kv.Store
	blobs         storage.BlobStore
	ttl           time.Duration
	presignExpiry time.Duration
	log           *zap.Logger
}

// New wires a Service. ttl bounds metadata life, matching the session TTL.
func New(kvs kv.Store, blobs storage.BlobStore, ttl, presignExpiry time.Duration) *Service {
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &Service{
		kv: kvs, blobs: blobs, ttl: ttl, presignExpiry: presignExpiry,
		log: logging.L().Named("files"),
	}
}

// Store saves a new file. Agent-sourced files are read-only for payloads.
func (s *Service) Store(ctx context.Context, sid, name string, content []byte, source string) (*File, error) {
	now := time.Now()
	f := &File{
		ID:          uuid.NewString(),
		SessionID:   sid,
		Name:        name,
		Size:        int64(len(content)),
		ContentType: detectContentType(name, content),
		Source:      source,
		Writable:    source != SourceAgent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.blobKey = blobKey(sid, f.ID, name)

	if err := s.blobs.Upload(ctx, f.blobKey, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("store file %s: %w", name, err)
	}
	if err := s.writeMeta(ctx, f); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, indexKey(sid), f.ID); err != nil {
		return nil, fmt.Errorf("index file %s: %w", f.ID, err)
	}
	_ = s.kv.Expire(ctx, indexKey(sid), s.ttl)
	s.log.Debug("file stored",
		zap.String("session", sid), zap.String("file", f.ID),
		zap.String("name", name), zap.Int64("size", f.Size))
	return f, nil
}

// Get loads file metadata by ID.
func (s *Service) Get(ctx context.Context, sid, fid string) (*File, error) {
	fields, err := s.kv.HGetAll(ctx, metaKey(sid, fid))
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fid, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fromFields(sid, fid, fields), nil
}

// GetByName finds a file by name within the session. With duplicate names
// the most recently updated wins.
func (s *Service) GetByName(ctx context.Context, sid, name string) (*File, error) {
	all, err := s.List(ctx, sid)
	if err != nil {
		return nil, err
	}
	var best *File
	for _, f := range all {
		if f.Name != name {
			continue
		}
		if best == nil || f.UpdatedAt.After(best.UpdatedAt) {
			best = f
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// List returns the session's files, pruning dangling index entries.
func (s *Service) List(ctx context.Context, sid string) ([]*File, error) {
	ids, err := s.kv.SMembers(ctx, indexKey(sid))
	if err != nil {
		return nil, fmt.Errorf("list files %s: %w", sid, err)
	}
	out := make([]*File, 0, len(ids))
	for _, fid := range ids {
		f, err := s.Get(ctx, sid, fid)
		if errors.Is(err, ErrNotFound) {
			_ = s.kv.SRem(ctx, indexKey(sid), fid)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Content fetches the file bytes.
func (s *Service) Content(ctx context.Context, f *File) ([]byte, error) {
	data, err := storage.ReadAll(ctx, s.blobs, f.blobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// UpdateContent replaces the file bytes in place, keeping the ID.
func (s *Service) UpdateContent(ctx context.Context, f *File, content []byte) error {
	if err := s.blobs.Upload(ctx, f.blobKey, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("update file %s: %w", f.ID, err)
	}
	f.Size = int64(len(content))
	f.UpdatedAt = time.Now()
	return s.writeMeta(ctx, f)
}

// MarkUsed stamps the file with the state hash and execution that just
// used it, so a later mount with restore_state can seed the interpreter
// from that exact namespace.
func (s *Service) MarkUsed(ctx context.Context, f *File, stateHash, executionID string) error {
	f.StateHash = stateHash
	f.ExecutionID = executionID
	f.LastUsedAt = time.Now()
	return s.writeMeta(ctx, f)
}

// Delete removes the file. Deleting a missing file succeeds.
func (s *Service) Delete(ctx context.Context, sid, fid string) error {
	f, err := s.Get(ctx, sid, fid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, f.blobKey); err != nil {
		return fmt.Errorf("delete file blob %s: %w", fid, err)
	}
	if err := s.kv.Del(ctx, metaKey(sid, fid)); err != nil {
		return fmt.Errorf("delete file meta %s: %w", fid, err)
	}
	return s.kv.SRem(ctx, indexKey(sid), fid)
}

// DownloadURL returns a presigned URL, or "" when the backend cannot
// presign and the caller should stream instead.
func (s *Service) DownloadURL(ctx context.Context, f *File) string {
	url, err := s.blobs.PresignDownload(ctx, f.blobKey, s.presignExpiry)
	if err != nil {
		return ""
	}
	return url
}

func (s *Service) writeMeta(ctx context.Context, f *File) error {
	fields := map[string]string{
		"name":         f.Name,
		"size":         strconv.FormatInt(f.Size, 10),
		"content_type": f.ContentType,
		"source":       f.Source,
		"writable":     boolField(f.Writable),
		"created_at":   strconv.FormatInt(f.CreatedAt.UnixNano(), 10),
		"updated_at":   strconv.FormatInt(f.UpdatedAt.UnixNano(), 10),
		"blob_key":     f.blobKey,
		"state_hash":   f.StateHash,
		"execution_id": f.ExecutionID,
	}
	if !f.LastUsedAt.IsZero() {
		fields["last_used_at"] = strconv.FormatInt(f.LastUsedAt.UnixNano(), 10)
	}
	if err := s.kv.HSet(ctx, metaKey(f.SessionID, f.ID), fields); err != nil {
		return fmt.Errorf("write file meta %s: %w", f.ID, err)
	}
	return s.kv.Expire(ctx, metaKey(f.SessionID, f.ID), s.ttl)
}

func fromFields(sid, fid string, fields map[string]string) *File {
	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	f := &File{
		ID:          fid,
		SessionID:   sid,
		Name:        fields["name"],
		Size:        size,
		ContentType: fields["content_type"],
		Source:      fields["source"],
		Writable:    fields["writable"] == "1",
		CreatedAt:   time.Unix(0, created),
		UpdatedAt:   time.Unix(0, updated),
		StateHash:   fields["state_hash"],
		ExecutionID: fields["execution_id"],
		blobKey:     fields["blob_key"],
	}
	if lastUsed, _ := strconv.ParseInt(fields["last_used_at"], 10, 64); lastUsed != 0 {
		f.LastUsedAt = time.Unix(0, lastUsed)
	}
	return f
}

func detectContentType(name string, content []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
