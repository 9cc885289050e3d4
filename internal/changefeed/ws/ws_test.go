package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/database"
	"github.com/opsgrid/livetrack/internal/feed"
	"github.com/opsgrid/livetrack/internal/httpapi"
	"github.com/opsgrid/livetrack/internal/model"
	"github.com/opsgrid/livetrack/internal/presence"
	"github.com/opsgrid/livetrack/internal/store"
	"github.com/opsgrid/livetrack/pkg/core"
	"github.com/opsgrid/livetrack/pkg/streaming"
)

var wsDBCounter int

type wsFixture struct {
	store    *store.Gorm
	hub      *changefeed.Hub
	presence *presence.Memory
	server   *httptest.Server
	wsURL    string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	wsDBCounter++
	db, err := database.GetSqliteDB(fmt.Sprintf("file:wstest%d?mode=memory&cache=shared", wsDBCounter))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))

	hub, err := changefeed.NewHub(slog.Default())
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	st := store.NewGorm(db, hub, nil)
	tracker := presence.NewMemory(90 * time.Second)
	handler := NewHandler(hub, st, tracker, nil)

	// Stand-in for the bearer middleware: the token names the user.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		user := core.User{ID: token, Email: token + "@example.org"}
		handler.ServeHTTP(w, r.WithContext(httpapi.ContextWithUser(r.Context(), user)))
	}))
	t.Cleanup(srv.Close)

	return &wsFixture{
		store:    st,
		hub:      hub,
		presence: tracker,
		server:   srv,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func waitChange(t *testing.T, s feed.Stream) changefeed.Change {
	t.Helper()
	select {
	case c := <-s.Changes():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return changefeed.Change{}
	}
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	fx := newWSFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, fx.store.UpsertLocation(ctx, core.PositionRecord{
		UserID: "alpha", EventID: "event-1", Lat: 31.78, Lng: 35.21, UpdatedAt: base,
	}))

	client := NewClient(fx.wsURL, "viewer", nil)
	stream, err := client.Subscribe(ctx, "event-1")
	require.NoError(t, err)
	defer stream.Close()

	snapshot, err := client.Snapshot(ctx, "event-1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "alpha", snapshot[0].UserID)

	require.NoError(t, fx.store.UpsertLocation(ctx, core.PositionRecord{
		UserID: "alpha", EventID: "event-1", Lat: 31.80, Lng: 35.22, UpdatedAt: base.Add(5 * time.Second),
	}))

	change := waitChange(t, stream)
	assert.Equal(t, changefeed.Update, change.Type)
	assert.Equal(t, 31.80, change.Record.Lat)
}

// raceStore commits an upsert while a snapshot read is in flight, so a
// change is already buffered on the hub subscription before the server
// writes its first frame.
type raceStore struct {
	*store.Gorm
	late core.PositionRecord
}

func (s *raceStore) ListLocations(ctx context.Context, eventID string) ([]core.PositionRecord, error) {
	records, err := s.Gorm.ListLocations(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := s.Gorm.UpsertLocation(ctx, s.late); err != nil {
		return nil, err
	}
	return records, nil
}

func TestSnapshotPrecedesBufferedChange(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	wsDBCounter++
	db, err := database.GetSqliteDB(fmt.Sprintf("file:wstest%d?mode=memory&cache=shared", wsDBCounter))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))

	hub, err := changefeed.NewHub(slog.Default())
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	inner := store.NewGorm(db, hub, nil)
	require.NoError(t, inner.UpsertLocation(ctx, core.PositionRecord{
		UserID: "alpha", EventID: "event-1", Lat: 31.78, Lng: 35.21, UpdatedAt: base,
	}))

	st := &raceStore{Gorm: inner, late: core.PositionRecord{
		UserID: "bravo", EventID: "event-1", Lat: 31.80, Lng: 35.22, UpdatedAt: base.Add(time.Second),
	}}
	handler := NewHandler(hub, st, presence.NewMemory(90*time.Second), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := core.User{ID: r.URL.Query().Get("token")}
		handler.ServeHTTP(w, r.WithContext(httpapi.ContextWithUser(r.Context(), user)))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?token=viewer", nil)
	require.NoError(t, err)
	defer conn.Close()

	subscribe, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{EventID: "event-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, subscribe))

	var env streaming.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, streaming.TypeSnapshot, env.Type, "first frame must be the snapshot")

	var snap streaming.SnapshotPayload
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "alpha", snap.Records[0].UserID)

	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, streaming.TypeChange, env.Type)
	var change streaming.ChangePayload
	require.NoError(t, json.Unmarshal(env.Payload, &change))
	assert.Equal(t, "bravo", change.Record.UserID, "change buffered during the snapshot read follows it")
}

func TestSubscribeScopedToEvent(t *testing.T) {
	fx := newWSFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	client := NewClient(fx.wsURL, "viewer", nil)
	stream, err := client.Subscribe(ctx, "event-1")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, fx.store.UpsertLocation(ctx, core.PositionRecord{
		UserID: "other", EventID: "event-2", Lat: 32.0, Lng: 34.8, UpdatedAt: base,
	}))
	require.NoError(t, fx.store.UpsertLocation(ctx, core.PositionRecord{
		UserID: "alpha", EventID: "event-1", Lat: 31.78, Lng: 35.21, UpdatedAt: base,
	}))

	change := waitChange(t, stream)
	assert.Equal(t, "alpha", change.Record.UserID, "changes from other events must not leak")
}

func TestPublishOverSocket(t *testing.T) {
	fx := newWSFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	// Raw connection so we can drive the publish side of the protocol.
	conn, _, err := gws.DefaultDialer.Dial(fx.wsURL+"?token=responder", nil)
	require.NoError(t, err)
	defer conn.Close()

	subscribe, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{EventID: "event-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, subscribe))

	var env streaming.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, streaming.TypeSnapshot, env.Type)

	publish, err := streaming.Marshal(streaming.TypePublish, streaming.PublishPayload{
		Record: core.PositionRecord{
			UserID:  "spoofed",
			EventID: "event-1",
			Lat:     31.78, Lng: 35.21,
			UpdatedAt: base,
		},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, publish))

	// The upsert comes back as our own change notification.
	deadline := time.Now().Add(2 * time.Second)
	var got core.PositionRecord
	for time.Now().Before(deadline) {
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == streaming.TypeChange {
			var payload streaming.ChangePayload
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			got = payload.Record
			break
		}
	}
	assert.Equal(t, "responder", got.UserID, "publish owner is the connected user")

	records, err := fx.store.ListLocations(ctx, "event-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "responder", records[0].UserID)

	active, err := fx.presence.IsActive(ctx, "event-1", "responder")
	require.NoError(t, err)
	assert.True(t, active, "publishing refreshes presence")
}

func TestStreamSignalsDoneOnServerClose(t *testing.T) {
	fx := newWSFixture(t)

	client := NewClient(fx.wsURL, "viewer", nil)
	stream, err := client.Subscribe(context.Background(), "event-1")
	require.NoError(t, err)
	defer stream.Close()

	fx.server.CloseClientConnections()

	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not signal done after drop")
	}
}

func TestSubscribeRequiresEventID(t *testing.T) {
	fx := newWSFixture(t)

	conn, _, err := gws.DefaultDialer.Dial(fx.wsURL+"?token=viewer", nil)
	require.NoError(t, err)
	defer conn.Close()

	subscribe, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, subscribe))

	var env streaming.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, streaming.TypeError, env.Type)
}

