// Package marker projects a position roster onto a map surface, keeping
// exactly one visual marker per user.
package marker

import (
	"log/slog"
	"sync"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Handle is one placed marker. Moving an existing handle instead of
// re-adding it is what keeps the map free of flicker.
type Handle interface {
	SetLngLat(lng, lat float64)
}

// Surface is the map the reconciler draws on.
type Surface interface {
	AddMarker(lng, lat float64) Handle
	RemoveMarker(h Handle)
}

// Reconciler maintains the marker-per-user projection of a roster. Apply
// is idempotent: replaying an unchanged roster performs no surface
// operations.
type Reconciler struct {
	surface Surface
	logger  *slog.Logger

	mu        sync.Mutex
	markers   map[string]Handle
	positions map[string]core.PositionRecord
}

// NewReconciler creates a reconciler over the given surface.
func NewReconciler(surface Surface, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		surface:   surface,
		logger:    logger,
		markers:   make(map[string]Handle),
		positions: make(map[string]core.PositionRecord),
	}
}

// Apply reconciles the surface against roster: creates markers for new
// users, moves markers whose position changed, retires markers for users
// no longer present.
func (r *Reconciler) Apply(roster map[string]core.PositionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, rec := range roster {
		handle, ok := r.markers[userID]
		if !ok {
			r.markers[userID] = r.surface.AddMarker(rec.Lng, rec.Lat)
			r.positions[userID] = rec
			continue
		}
		prev := r.positions[userID]
		if prev.Lat != rec.Lat || prev.Lng != rec.Lng {
			handle.SetLngLat(rec.Lng, rec.Lat)
		}
		r.positions[userID] = rec
	}

	for userID, handle := range r.markers {
		if _, ok := roster[userID]; ok {
			continue
		}
		r.surface.RemoveMarker(handle)
		delete(r.markers, userID)
		delete(r.positions, userID)
		r.logger.Debug("Retired marker", "user", userID)
	}
}

// Count returns the number of placed markers.
func (r *Reconciler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

// Clear retires every marker.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, handle := range r.markers {
		r.surface.RemoveMarker(handle)
		delete(r.markers, userID)
		delete(r.positions, userID)
	}
}
