package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTouchAndActive(t *testing.T) {
	m := NewMemory(90 * time.Second)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Touch(ctx, "event-1", "alpha"))
	require.NoError(t, m.Touch(ctx, "event-1", "bravo"))
	require.NoError(t, m.Touch(ctx, "event-2", "charlie"))

	users, err := m.Active(ctx, "event-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "bravo"}, users)

	ok, err := m.IsActive(ctx, "event-1", "alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsActive(ctx, "event-1", "charlie")
	require.NoError(t, err)
	assert.False(t, ok, "presence is event-scoped")
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(90 * time.Second)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Touch(ctx, "event-1", "alpha"))

	now = now.Add(60 * time.Second)
	ok, err := m.IsActive(ctx, "event-1", "alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(60 * time.Second)
	ok, err = m.IsActive(ctx, "event-1", "alpha")
	require.NoError(t, err)
	assert.False(t, ok)

	users, err := m.Active(ctx, "event-1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemoryTouchRestartsTTL(t *testing.T) {
	m := NewMemory(90 * time.Second)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Touch(ctx, "event-1", "alpha"))
	now = now.Add(80 * time.Second)
	require.NoError(t, m.Touch(ctx, "event-1", "alpha"))
	now = now.Add(80 * time.Second)

	ok, err := m.IsActive(ctx, "event-1", "alpha")
	require.NoError(t, err)
	assert.True(t, ok, "a touch inside the window restarts the TTL")
}

func TestNewFallsBackWithoutRedis(t *testing.T) {
	tracker := New(context.Background(), nil, 0, nil)
	_, ok := tracker.(*Memory)
	assert.True(t, ok)
}
