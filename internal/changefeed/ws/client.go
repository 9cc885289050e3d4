package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/feed"
	"github.com/opsgrid/livetrack/pkg/core"
	"github.com/opsgrid/livetrack/pkg/streaming"
)

// Client subscribes to the server's feed protocol. It implements the
// feed's Source: Subscribe dials and captures the wire snapshot, Snapshot
// hands that capture back. Because the server registers the subscription
// before taking the snapshot, no change can fall between the two reads.
//
// The client never reconnects on its own; a dropped stream signals Done
// and the feed owns the resync.
type Client struct {
	wsURL  string
	token  string
	logger *slog.Logger

	mu        sync.Mutex
	snapshots map[string][]core.PositionRecord
}

// NewClient creates a feed client for the given websocket URL.
func NewClient(wsURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		wsURL:     wsURL,
		token:     token,
		logger:    logger,
		snapshots: make(map[string][]core.PositionRecord),
	}
}

// Subscribe dials the server, performs the subscribe handshake, and
// returns a live stream once the snapshot envelope has arrived.
func (c *Client) Subscribe(ctx context.Context, eventID string) (feed.Stream, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	conn, _, err := gws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	subscribe, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{EventID: eventID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(gws.TextMessage, subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscribe: %w", err)
	}

	records, err := c.awaitSnapshot(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[eventID] = records
	c.mu.Unlock()

	s := &stream{
		conn:    conn,
		changes: make(chan changefeed.Change, changeBufSize),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(gws.PongMessage, []byte(appData))
	})
	go s.readLoop()
	return s, nil
}

// Snapshot returns the bulk read captured by the most recent Subscribe
// for the event.
func (c *Client) Snapshot(ctx context.Context, eventID string) ([]core.PositionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, ok := c.snapshots[eventID]
	if !ok {
		return nil, fmt.Errorf("no subscription for event %s", eventID)
	}
	return append([]core.PositionRecord(nil), records...), nil
}

func (c *Client) awaitSnapshot(conn *gws.Conn) ([]core.PositionRecord, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	var env streaming.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	switch env.Type {
	case streaming.TypeSnapshot:
		var payload streaming.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid snapshot payload: %w", err)
		}
		return payload.Records, nil
	case streaming.TypeError:
		var payload streaming.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			return nil, fmt.Errorf("server rejected subscribe: %s", payload.Message)
		}
		return nil, fmt.Errorf("server rejected subscribe")
	default:
		return nil, fmt.Errorf("expected snapshot, got %q", env.Type)
	}
}

type stream struct {
	conn    *gws.Conn
	changes chan changefeed.Change
	done    chan struct{}
	logger  *slog.Logger

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *stream) Changes() <-chan changefeed.Change { return s.changes }
func (s *stream) Done() <-chan struct{}             { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. Safe to call more than once.
func (s *stream) Close() {
	s.terminate(nil)
}

func (s *stream) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
		s.conn.Close()
		close(s.done)
	})
}

func (s *stream) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		var env streaming.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				s.terminate(nil)
			} else {
				s.terminate(fmt.Errorf("stream read failed: %w", err))
			}
			return
		}

		switch env.Type {
		case streaming.TypeChange:
			var payload streaming.ChangePayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				s.logger.Warn("Invalid change payload", "error", err)
				continue
			}
			select {
			case s.changes <- changefeed.Change{
				Type:   changefeed.Type(payload.EventType),
				Record: payload.Record,
			}:
			case <-s.done:
				return
			}
		case streaming.TypeAck:
			// Publishing over this socket is not used; acks are noise.
		default:
			s.logger.Debug("Ignoring envelope", "type", env.Type)
		}
	}
}
