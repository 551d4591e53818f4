package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store with Redis-compatible semantics, used in
// tests and Redis-less development.
type Memory struct {
	mu     sync.RWMutex
	vals   map[string]entry
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	exp    map[string]time.Time
}

type entry struct {
	value string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vals:   make(map[string]entry),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		exp:    make(map[string]time.Time),
	}
}

// expired reports and lazily removes a dead key. Caller holds the write
// lock.
func (m *Memory) expired(key string) bool {
	t, ok := m.exp[key]
	if !ok || time.Now().Before(t) {
		return false
	}
	delete(m.vals, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.exp, key)
	return true
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.exp[key] = time.Now().Add(ttl)
	} else {
		delete(m.exp, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNotFound
	}
	e, ok := m.vals[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = entry{value: value}
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		if _, ok := m.vals[key]; ok {
			return false, nil
		}
	}
	m.vals[key] = entry{value: value}
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.vals, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.exp, key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if _, ok := m.vals[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	_, ok := m.sets[key]
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
