// Package session resolves the caller's role and the active event scope
// that the publisher, feed, and reconciler operate under.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsgrid/livetrack/internal/store"
	"github.com/opsgrid/livetrack/pkg/core"
)

// ErrNoActiveEvent reports that no event is currently OPEN. Callers must
// treat this as a distinct idle state, not a failure.
var ErrNoActiveEvent = errors.New("no active event")

// ProfileStore is the slice of the store the gate needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (core.Profile, error)
	CreateProfile(ctx context.Context, p core.Profile) error
	UpdateProfile(ctx context.Context, id string, role core.Role, email string) error
	ActiveEvent(ctx context.Context) (core.Event, error)
}

// RoleGate assigns roles from a commander allow-list and ensures a profile
// row exists for every signed-in user.
type RoleGate struct {
	store      ProfileStore
	commanders map[string]struct{}
	logger     *slog.Logger
}

// NewRoleGate creates a gate. commanderEmails is the allow-list; matching
// is case-insensitive.
func NewRoleGate(st ProfileStore, commanderEmails []string, logger *slog.Logger) *RoleGate {
	if logger == nil {
		logger = slog.Default()
	}
	commanders := make(map[string]struct{}, len(commanderEmails))
	for _, email := range commanderEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			commanders[email] = struct{}{}
		}
	}
	return &RoleGate{store: st, commanders: commanders, logger: logger}
}

// DesiredRole returns COMMANDER for allow-listed emails, RESPONDER
// otherwise.
func (g *RoleGate) DesiredRole(email string) core.Role {
	if _, ok := g.commanders[strings.ToLower(strings.TrimSpace(email))]; ok {
		return core.RoleCommander
	}
	return core.RoleResponder
}

// EnsureProfile makes the stored profile for user match the allow-list:
// created on first sign-in, role corrected when the list changed, left
// untouched when already converged. The untouched path performs no write,
// so calling this on every session resume is free.
func (g *RoleGate) EnsureProfile(ctx context.Context, user core.User) (core.Profile, error) {
	desired := g.DesiredRole(user.Email)

	existing, err := g.store.GetProfile(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		profile := core.Profile{ID: user.ID, Email: user.Email, Role: desired}
		if err := g.store.CreateProfile(ctx, profile); err != nil {
			return core.Profile{}, fmt.Errorf("failed to create profile: %w", err)
		}
		g.logger.Info("Created profile", "user", user.ID, "role", desired)
		return profile, nil
	}
	if err != nil {
		return core.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}

	if existing.Role == desired {
		return existing, nil
	}

	if err := g.store.UpdateProfile(ctx, user.ID, desired, user.Email); err != nil {
		return core.Profile{}, fmt.Errorf("failed to update profile role: %w", err)
	}
	g.logger.Info("Updated profile role", "user", user.ID, "from", existing.Role, "to", desired)
	existing.Role = desired
	existing.Email = user.Email
	return existing, nil
}

// ActiveEventID resolves the id of the OPEN event scoping reads and
// writes.
func (g *RoleGate) ActiveEventID(ctx context.Context) (string, error) {
	event, err := g.store.ActiveEvent(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoActiveEvent
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve active event: %w", err)
	}
	return event.ID, nil
}
