// Package changefeed fans out row-level location change notifications to
// event-scoped subscribers. The store publishes into the hub after every
// committed upsert; feeds and websocket connections subscribe.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Type classifies a change notification.
type Type string

const (
	Insert Type = "INSERT"
	Update Type = "UPDATE"
)

// Change is one row-level notification carrying the full updated record.
type Change struct {
	Type   Type
	Record core.PositionRecord
}

// Subscription is one consumer's buffered view of the feed.
type Subscription struct {
	id      string
	eventID string
	ch      chan Change
	hub     *Hub
	once    sync.Once
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string {
	return s.id
}

// EventID returns the event scope, or "" for an unscoped subscription.
func (s *Subscription) EventID() string {
	return s.eventID
}

// Changes returns the channel of notifications. The channel is closed when
// the subscription or the hub is closed; consumers must treat closure as a
// dropped stream.
func (s *Subscription) Changes() <-chan Change {
	return s.ch
}

// Close detaches the subscription from the hub and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub routes changes to subscriptions whose event scope matches.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewHub creates a hub. Uses the global OTel meter for counters (no-op if
// no metric provider is configured).
func NewHub(logger *slog.Logger) (*Hub, error) {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}

	m := meter()

	var err error
	h.published, err = m.Int64Counter(
		"changefeed.changes.published",
		metric.WithDescription("Total change notifications published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating published counter: %w", err)
	}

	h.dropped, err = m.Int64Counter(
		"changefeed.changes.dropped",
		metric.WithDescription("Total change notifications dropped due to slow subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return h, nil
}

// Subscribe registers a consumer for changes scoped to eventID. An empty
// eventID receives every change. buffer bounds how far the consumer may
// lag before notifications are dropped.
func (h *Hub) Subscribe(eventID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		eventID: eventID,
		ch:      make(chan Change, buffer),
		hub:     h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the change to every matching subscription. Sends never
// block: a subscriber with a full buffer loses the notification and the
// drop is counted.
func (h *Hub) Publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	attrs := metric.WithAttributes(attribute.String("event_id", c.Record.EventID))
	h.published.Add(context.Background(), 1, attrs)

	for sub := range h.subs {
		if sub.eventID != "" && sub.eventID != c.Record.EventID {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			h.dropped.Add(context.Background(), 1, attrs)
			h.logger.Warn("Subscriber buffer full, dropping change",
				"subscription", sub.id, "user", c.Record.UserID)
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches and closes every subscription. Publishes after Close are
// discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			close(sub.ch)
		})
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}
