package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 20*time.Millisecond))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := m.Get(ctx, "k")
	assert.Equal(t, "first", got)
}

func TestMemoryHash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	empty, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, m.HSet(ctx, "h", map[string]string{"b": "3"}))

	got, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, got)
}

func TestMemorySet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "x", "y", "x"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	require.NoError(t, m.SRem(ctx, "s", "x"))
	members, _ = m.SMembers(ctx, "s")
	assert.Equal(t, []string{"y"}, members)
}

func TestMemoryExpireOnHash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1"}))
	require.NoError(t, m.Expire(ctx, "h", 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	got, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, got)
}
