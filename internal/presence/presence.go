// Package presence tracks which users are actively reporting positions,
// keyed per event with a sliding TTL. Roster retirement is driven by a
// user falling out of presence.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records and queries liveness per (event, user).
type Tracker interface {
	// Touch marks the user active now, restarting their TTL.
	Touch(ctx context.Context, eventID, userID string) error
	// Active lists users currently inside their TTL for the event.
	Active(ctx context.Context, eventID string) ([]string, error)
	// IsActive reports whether the user is inside their TTL.
	IsActive(ctx context.Context, eventID, userID string) (bool, error)
}

// New returns a Redis-backed tracker when the client is reachable and an
// in-memory one otherwise.
func New(ctx context.Context, client *redis.Client, ttl time.Duration, logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			logger.Info("Using Redis presence tracker", "ttl", ttl)
			return &redisTracker{client: client, ttl: ttl}
		} else {
			logger.Warn("Redis unreachable, using in-memory presence", "error", err)
		}
	}
	return NewMemory(ttl)
}

type redisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func presenceKey(eventID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", eventID, userID)
}

func (t *redisTracker) Touch(ctx context.Context, eventID, userID string) error {
	if err := t.client.Set(ctx, presenceKey(eventID, userID), "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}
	return nil
}

func (t *redisTracker) Active(ctx context.Context, eventID string) ([]string, error) {
	prefix := fmt.Sprintf("presence:%s:", eventID)
	var users []string

	iter := t.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	return users, nil
}

func (t *redisTracker) IsActive(ctx context.Context, eventID, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, presenceKey(eventID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return n > 0, nil
}

// Memory is the single-process fallback tracker.
type Memory struct {
	ttl   time.Duration
	clock func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory creates an in-memory tracker.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		clock: func() time.Time { return time.Now().UTC() },
		seen:  make(map[string]time.Time),
	}
}

func (m *Memory) Touch(ctx context.Context, eventID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[presenceKey(eventID, userID)] = m.clock()
	return nil
}

func (m *Memory) Active(ctx context.Context, eventID string) ([]string, error) {
	prefix := fmt.Sprintf("presence:%s:", eventID)
	cutoff := m.clock().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var users []string
	for key, at := range m.seen {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if at.Before(cutoff) {
			delete(m.seen, key)
			continue
		}
		users = append(users, strings.TrimPrefix(key, prefix))
	}
	return users, nil
}

func (m *Memory) IsActive(ctx context.Context, eventID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[presenceKey(eventID, userID)]
	if !ok {
		return false, nil
	}
	if at.Before(m.clock().Add(-m.ttl)) {
		delete(m.seen, presenceKey(eventID, userID))
		return false, nil
	}
	return true, nil
}
