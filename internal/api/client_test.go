package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/livetrack/pkg/core"
)

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthcheck", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	require.NoError(t, c.Healthcheck(context.Background()))
}

func TestUpsertLocation(t *testing.T) {
	var got core.PositionRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/v1/locations/self", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(got)
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	rec := core.PositionRecord{
		UserID: "u1", EventID: "e1",
		Lat: 31.78, Lng: 35.21,
		UpdatedAt: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.UpsertLocation(context.Background(), rec))
	assert.Equal(t, rec.EventID, got.EventID)
	assert.Equal(t, rec.Lat, got.Lat)
}

func TestUpsertLocationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "eventId is required"})
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	err := c.UpsertLocation(context.Background(), core.PositionRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eventId is required")
}

func TestListLocations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/locations", r.URL.Path)
		require.Equal(t, "e1", r.URL.Query().Get("eventId"))
		json.NewEncoder(w).Encode([]core.PositionRecord{
			{UserID: "u1", EventID: "e1", Lat: 31.78, Lng: 35.21},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	records, err := c.Snapshot(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].UserID)
}

func TestEventOperations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/events" && r.Method == http.MethodPost:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(core.Event{ID: "e1", Title: body["title"], Status: core.EventOpen})
		case r.URL.Path == "/api/v1/events/active":
			json.NewEncoder(w).Encode(core.Event{ID: "e1", Status: core.EventOpen})
		case r.URL.Path == "/api/v1/events/e1/close":
			json.NewEncoder(w).Encode(core.Event{ID: "e1", Status: core.EventClosed})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	ctx := context.Background()

	event, err := c.CreateEvent(ctx, "drill")
	require.NoError(t, err)
	assert.Equal(t, "drill", event.Title)

	active, err := c.ActiveEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", active.ID)

	closed, err := c.CloseEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.EventClosed, closed.Status)
}

func TestEnsureSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/session/ensure", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"profile":       core.Profile{ID: "u1", Email: "medic@example.org", Role: core.RoleResponder},
			"activeEventId": "e1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "token-1")
	profile, eventID, err := c.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RoleResponder, profile.Role)
	assert.Equal(t, "e1", eventID)
}
