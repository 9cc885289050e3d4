// Package httpapi exposes the livetrackd REST and websocket surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/opsgrid/livetrack/internal/presence"
	"github.com/opsgrid/livetrack/internal/session"
	"github.com/opsgrid/livetrack/internal/store"
	"github.com/opsgrid/livetrack/pkg/core"
)

// TokenVerifier resolves a bearer token to a user. The auth client
// satisfies it; tests inject fakes.
type TokenVerifier interface {
	GetUser(ctx context.Context, accessToken string) (core.User, error)
}

type ctxKey int

const userKey ctxKey = 0

// ContextWithUser attaches the authenticated user to ctx. Exposed for the
// websocket handler and tests.
func ContextWithUser(ctx context.Context, user core.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user placed by the auth
// middleware.
func UserFromContext(ctx context.Context) (core.User, bool) {
	user, ok := ctx.Value(userKey).(core.User)
	return user, ok
}

// Server wires the store, role gate, and change stream into HTTP routes.
type Server struct {
	store    store.Store
	gate     *session.RoleGate
	verifier TokenVerifier
	presence presence.Tracker
	ws       http.Handler
	logger   *slog.Logger
}

// New creates a server. ws may be nil when the websocket feed is served
// elsewhere.
func New(st store.Store, gate *session.RoleGate, verifier TokenVerifier, tracker presence.Tracker, ws http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		gate:     gate,
		verifier: verifier,
		presence: tracker,
		ws:       ws,
		logger:   logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleCreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/active", s.handleActiveEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}/close", s.handleCloseEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}/presence", s.handleEventPresence).Methods(http.MethodGet)
	api.HandleFunc("/locations", s.handleListLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations/self", s.handleUpsertLocation).Methods(http.MethodPut)
	api.HandleFunc("/session/ensure", s.handleEnsureSession).Methods(http.MethodPost)

	if s.ws != nil {
		r.Handle("/ws", s.authMiddleware(s.ws)).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := s.verifier.GetUser(r.Context(), token)
		if err != nil {
			s.logger.Warn("Token verification failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func requestUser(r *http.Request) core.User {
	user, _ := UserFromContext(r.Context())
	return user
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

func (s *Server) requireCommander(w http.ResponseWriter, r *http.Request) (core.User, bool) {
	user := requestUser(r)
	profile, err := s.gate.EnsureProfile(r.Context(), user)
	if err != nil {
		s.logger.Error("Failed to ensure profile", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "profile lookup failed")
		return user, false
	}
	if profile.Role != core.RoleCommander {
		writeError(w, http.StatusForbidden, "commander role required")
		return user, false
	}
	return user, true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context())
	if err != nil {
		s.logger.Error("Failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireCommander(w, r)
	if !ok {
		return
	}

	var body struct {
		Title    string          `json:"title"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	event, err := s.store.CreateEvent(r.Context(), strings.TrimSpace(body.Title), user.ID, body.Metadata)
	if err != nil {
		s.logger.Error("Failed to create event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleActiveEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.ActiveEvent(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no active event")
		return
	}
	if err != nil {
		s.logger.Error("Failed to resolve active event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve active event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleCloseEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCommander(w, r); !ok {
		return
	}

	id := mux.Vars(r)["id"]
	event, err := s.store.CloseEvent(r.Context(), id, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to close event", "event", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to close event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleEventPresence reports which users have a live presence lease for
// the event. Users drop off the list once their lease TTL lapses without a
// position write renewing it.
func (s *Server) handleEventPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var users []string
	if s.presence != nil {
		var err error
		users, err = s.presence.Active(r.Context(), id)
		if err != nil {
			s.logger.Error("Failed to list presence", "event", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list presence")
			return
		}
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"userIds": users})
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "eventId is required")
		return
	}

	records, err := s.store.ListLocations(r.Context(), eventID)
	if err != nil {
		s.logger.Error("Failed to list locations", "event", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list locations")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleUpsertLocation(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var rec core.PositionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	// The owning writer is always the caller; a client can never write
	// another user's record.
	rec.UserID = user.ID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.EventID == "" {
		writeError(w, http.StatusBadRequest, "eventId is required")
		return
	}

	if err := s.store.UpsertLocation(r.Context(), rec); err != nil {
		if errors.Is(err, core.ErrInvalidCoordinates) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to upsert location", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to upsert location")
		return
	}

	if s.presence != nil {
		if err := s.presence.Touch(r.Context(), rec.EventID, user.ID); err != nil {
			s.logger.Warn("Failed to touch presence", "user", user.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	profile, err := s.gate.EnsureProfile(r.Context(), user)
	if err != nil {
		s.logger.Error("Failed to ensure profile", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ensure profile")
		return
	}

	resp := struct {
		Profile       core.Profile `json:"profile"`
		ActiveEventID string       `json:"activeEventId,omitempty"`
	}{Profile: profile}

	eventID, err := s.gate.ActiveEventID(r.Context())
	if err != nil && !errors.Is(err, session.ErrNoActiveEvent) {
		s.logger.Error("Failed to resolve active event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve active event")
		return
	}
	resp.ActiveEventID = eventID

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late to change the status; nothing useful to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
