// Package ws carries the change feed over websockets: the server fans the
// hub out to connected viewers, the client turns a connection back into a
// feed stream.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/dispatcher"
	"github.com/opsgrid/livetrack/internal/httpapi"
	"github.com/opsgrid/livetrack/internal/presence"
	"github.com/opsgrid/livetrack/internal/store"
	"github.com/opsgrid/livetrack/pkg/core"
	"github.com/opsgrid/livetrack/pkg/streaming"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 45 * time.Second
	sendChSize    = 256
	changeBufSize = 256
)

// Handler upgrades authenticated requests and serves the feed protocol:
// the client sends a subscribe envelope, receives a snapshot, then a
// change envelope per committed upsert. Publish envelopes flow the other
// way and become store upserts.
type Handler struct {
	hub      *changefeed.Hub
	store    store.Store
	presence presence.Tracker
	logger   *slog.Logger
	upgrader gws.Upgrader
}

// NewHandler creates a websocket feed handler.
func NewHandler(hub *changefeed.Hub, st store.Store, tracker presence.Tracker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		store:    st,
		presence: tracker,
		logger:   logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := httpapi.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	eventID, err := h.readSubscribe(conn)
	if err != nil {
		h.logger.Warn("Subscribe handshake failed", "user", user.ID, "error", err)
		h.sendError(conn, err.Error())
		return
	}

	// Subscribe before the snapshot read so no change falls between them.
	sub := h.hub.Subscribe(eventID, changeBufSize)
	defer sub.Close()

	records, err := h.store.ListLocations(r.Context(), eventID)
	if err != nil {
		h.logger.Error("Snapshot read failed", "event", eventID, "error", err)
		h.sendError(conn, "snapshot failed")
		return
	}

	snapshot, err := streaming.Marshal(streaming.TypeSnapshot, streaming.SnapshotPayload{
		EventID: eventID,
		Records: records,
	})
	if err != nil {
		h.logger.Error("Snapshot marshal failed", "error", err)
		return
	}
	// The snapshot must be the first frame on the wire. Changes committed
	// during the snapshot read are already buffered on the subscription, so
	// write it here rather than racing the two channels in writeLoop.
	if err := h.write(conn, gws.TextMessage, snapshot); err != nil {
		h.logger.Warn("Snapshot write failed", "event", eventID, "error", err)
		return
	}

	sendCh := make(chan []byte, sendChSize)
	writeDone := make(chan struct{})
	go h.writeLoop(conn, sub, sendCh, writeDone)

	h.logger.Info("Feed subscriber connected", "user", user.ID, "event", eventID)
	h.readLoop(r.Context(), conn, user, sendCh)
	<-writeDone
	h.logger.Info("Feed subscriber disconnected", "user", user.ID, "event", eventID)
}

// readSubscribe expects the first envelope to scope the subscription.
func (h *Handler) readSubscribe(conn *gws.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	var env streaming.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("failed to read subscribe: %w", err)
	}
	if env.Type != streaming.TypeSubscribe {
		return "", fmt.Errorf("expected subscribe, got %q", env.Type)
	}

	var payload streaming.SubscribePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid subscribe payload: %w", err)
	}
	if payload.EventID == "" {
		return "", fmt.Errorf("subscribe requires an eventId")
	}
	return payload.EventID, nil
}

// writeLoop owns all writes: the snapshot, hub changes, acks queued by the
// read side, and pings.
func (h *Handler) writeLoop(conn *gws.Conn, sub *changefeed.Subscription, sendCh chan []byte, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			if err := h.write(conn, gws.TextMessage, data); err != nil {
				return
			}
		case change, ok := <-sub.Changes():
			if !ok {
				// Hub closed; tell the client the stream is over.
				h.write(conn, gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseGoingAway, "stream closed"))
				return
			}
			data, err := streaming.Marshal(streaming.TypeChange, streaming.ChangePayload{
				EventType: string(change.Type),
				Record:    change.Record,
			})
			if err != nil {
				h.logger.Error("Change marshal failed", "error", err)
				continue
			}
			if err := h.write(conn, gws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(conn, gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *gws.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// readLoop routes inbound envelopes through a per-connection dispatcher.
func (h *Handler) readLoop(ctx context.Context, conn *gws.Conn, user core.User, sendCh chan []byte) {
	defer close(sendCh)

	d, err := dispatcher.New(h.logger)
	if err != nil {
		h.logger.Error("Failed to create dispatcher", "error", err)
		return
	}
	d.Register(streaming.TypePublish, func(e dispatcher.Event) (any, error) {
		return nil, h.handlePublish(ctx, e, sendCh)
	}, dispatcher.Logged())
	d.Register(streaming.TypePing, func(e dispatcher.Event) (any, error) {
		h.queueAck(sendCh, streaming.TypePing)
		return nil, nil
	})

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		var env streaming.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				h.logger.Warn("Websocket read error", "user", user.ID, "error", err)
			}
			return
		}

		if _, err := d.Dispatch(dispatcher.Event{
			Type:       env.Type,
			Payload:    env.Payload,
			UserID:     user.ID,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			h.logger.Warn("Message rejected", "user", user.ID, "type", env.Type, "error", err)
		}
	}
}

func (h *Handler) handlePublish(ctx context.Context, e dispatcher.Event, sendCh chan []byte) error {
	var payload streaming.PublishPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("invalid publish payload: %w", err)
	}

	rec := payload.Record
	// Owner is always the connected user.
	rec.UserID = e.UserID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if err := h.store.UpsertLocation(ctx, rec); err != nil {
		return err
	}
	if h.presence != nil {
		if err := h.presence.Touch(ctx, rec.EventID, e.UserID); err != nil {
			h.logger.Warn("Failed to touch presence", "user", e.UserID, "error", err)
		}
	}

	h.queueAck(sendCh, streaming.TypePublish)
	return nil
}

func (h *Handler) queueAck(sendCh chan []byte, forType string) {
	data, err := json.Marshal(streaming.AckMessage{Type: streaming.TypeAck, For: forType})
	if err != nil {
		return
	}
	select {
	case sendCh <- data:
	default:
	}
}

func (h *Handler) sendError(conn *gws.Conn, msg string) {
	data, err := streaming.Marshal(streaming.TypeError, streaming.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	h.write(conn, gws.TextMessage, data)
}
