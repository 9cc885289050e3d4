// Package roster holds a viewer's converged in-memory view of current
// positions for one event.
//
// The store does not reject stale writes, and change notifications can
// arrive out of order relative to when they were issued, so the roster is
// where last-write-wins is enforced: a record only lands if its UpdatedAt
// is strictly newer than what is already held for that user.
package roster

import (
	"sync"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Roster maps userID to the freshest observed PositionRecord. A user
// missing from the roster is not necessarily offline; no record has been
// observed for them yet within the current scope.
type Roster struct {
	mu      sync.RWMutex
	records map[string]core.PositionRecord
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{records: make(map[string]core.PositionRecord)}
}

// Apply merges one record under last-write-wins and reports whether it was
// stored. Records older than (or concurrent with) the held one are
// discarded even if they arrive later over the wire.
func (r *Roster) Apply(rec core.PositionRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[rec.UserID]
	if ok && !rec.Supersedes(existing) {
		return false
	}
	r.records[rec.UserID] = rec
	return true
}

// Get returns the held record for userID.
func (r *Roster) Get(userID string) (core.PositionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	return rec, ok
}

// Len returns the number of users with an observed position.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns a copy of the current state.
func (r *Roster) Snapshot() map[string]core.PositionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]core.PositionRecord, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// Remove drops a user's record, reporting whether one was held.
func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[userID]
	delete(r.records, userID)
	return ok
}

// Expire removes every record whose UpdatedAt is before cutoff and returns
// the affected user ids. Drives marker retirement for users that stopped
// reporting.
func (r *Roster) Expire(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for userID, rec := range r.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(r.records, userID)
			expired = append(expired, userID)
		}
	}
	return expired
}

// Reset clears the roster.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]core.PositionRecord)
}
