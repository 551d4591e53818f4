// Package session tracks execution sessions: the unit of state and file
// continuity across requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/logging"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Session is one tenant execution context.
type Session struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	HasState   bool      `json:"has_state"`
	StateSize  int       `json:"state_size,omitempty"`
	StateHash  string    `json:"state_hash,omitempty"`
}

func key(sid string) string        { return "sessions:" + sid }
func entityKey(eid string) string  { return "sessions:by_entity:" + eid }

// Service stores sessions in the KV tier with a sliding TTL.
type Service struct {
	kv  kv.Store
	ttl time.Duration
	log *zap.Logger
}

// New wires a Service.
func New(kvs kv.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{kv: kvs, ttl: ttl, log: logging.L().Named("session")}
}

// Create allocates a session, indexed by entity when one is given.
func (s *Service) Create(ctx context.Context, entityID, userID string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	if entityID != "" {
		if err := s.kv.SAdd(ctx, entityKey(entityID), sess.ID); err != nil {
			return nil, fmt.Errorf("index session by entity: %w", err)
		}
		_ = s.kv.Expire(ctx, entityKey(entityID), s.ttl)
	}
	s.log.Debug("session created", zap.String("id", sess.ID), zap.String("entity", entityID))
	return sess, nil
}

// Get loads a session by ID.
func (s *Service) Get(ctx context.Context, sid string) (*Session, error) {
	fields, err := s.kv.HGetAll(ctx, key(sid))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sid, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fromFields(sid, fields), nil
}

// FindByEntity returns the entity's most recently used live session, and
// prunes index entries whose sessions have expired.
func (s *Service) FindByEntity(ctx context.Context, entityID string) (*Session, error) {
	ids, err := s.kv.SMembers(ctx, entityKey(entityID))
	if err != nil {
		return nil, fmt.Errorf("list sessions for entity %s: %w", entityID, err)
	}
	var best *Session
	for _, sid := range ids {
		sess, err := s.Get(ctx, sid)
		if errors.Is(err, ErrNotFound) {
			_ = s.kv.SRem(ctx, entityKey(entityID), sid)
			continue
		}
		if err != nil {
			return nil, err
		}
		if best == nil || sess.LastUsedAt.After(best.LastUsedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// Touch refreshes last-used and the TTL.
func (s *Service) Touch(ctx context.Context, sid string) error {
	if err := s.kv.HSet(ctx, key(sid), map[string]string{
		"last_used_at": strconv.FormatInt(time.Now().UnixNano(), 10),
	}); err != nil {
		return fmt.Errorf("touch session %s: %w", sid, err)
	}
	return s.kv.Expire(ctx, key(sid), s.ttl)
}

// SetState records the session's current state blob size and hash.
func (s *Service) SetState(ctx context.Context, sid string, size int, hash string) error {
	return s.kv.HSet(ctx, key(sid), map[string]string{
		"has_state":  "1",
		"state_size": strconv.Itoa(size),
		"state_hash": hash,
	})
}

// Delete removes a session and its entity index entry.
func (s *Service) Delete(ctx context.Context, sid string) error {
	sess, err := s.Get(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.EntityID != "" {
		_ = s.kv.SRem(ctx, entityKey(sess.EntityID), sid)
	}
	return s.kv.Del(ctx, key(sid))
}

func (s *Service) write(ctx context.Context, sess *Session) error {
	fields := map[string]string{
		"entity_id":    sess.EntityID,
		"user_id":      sess.UserID,
		"created_at":   strconv.FormatInt(sess.CreatedAt.UnixNano(), 10),
		"last_used_at": strconv.FormatInt(sess.LastUsedAt.UnixNano(), 10),
		"has_state":    boolField(sess.HasState),
		"state_size":   strconv.Itoa(sess.StateSize),
		"state_hash":   sess.StateHash,
	}
	if err := s.kv.HSet(ctx, key(sess.ID), fields); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return s.kv.Expire(ctx, key(sess.ID), s.ttl)
}

func fromFields(sid string, f map[string]string) *Session {
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)
	lastUsed, _ := strconv.ParseInt(f["last_used_at"], 10, 64)
	size, _ := strconv.Atoi(f["state_size"])
	return &Session{
		ID:         sid,
		EntityID:   f["entity_id"],
		UserID:     f["user_id"],
		CreatedAt:  time.Unix(0, created),
		LastUsedAt: time.Unix(0, lastUsed),
		HasState:   f["has_state"] == "1",
		StateSize:  size,
		StateHash:  f["state_hash"],
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
