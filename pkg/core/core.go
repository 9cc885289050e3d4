// Package core defines the domain types shared between the livetrack
// server, the agent, and the storage/transport layers.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role is the access level of a participant.
type Role string

const (
	RoleCommander Role = "COMMANDER"
	RoleResponder Role = "RESPONDER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCommander || r == RoleResponder
}

// EventStatus is the lifecycle state of an incident event.
type EventStatus string

const (
	EventOpen   EventStatus = "OPEN"
	EventClosed EventStatus = "CLOSED"
)

// ErrInvalidCoordinates is returned when a latitude/longitude pair is out of range.
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// PositionSample is a single device fix. Samples are immutable once
// emitted; they have no lifecycle beyond being forwarded to a publisher.
type PositionSample struct {
	UserID     string    `json:"userId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy,omitempty"` // meters, 0 when unknown
	CapturedAt time.Time `json:"capturedAt"`
}

// Validate checks coordinate ranges and the user identity.
func (s PositionSample) Validate() error {
	if s.UserID == "" {
		return errors.New("sample has no user id")
	}
	if err := ValidateLatLng(s.Lat, s.Lng); err != nil {
		return err
	}
	return nil
}

// PositionRecord is the shared "current position" row for one user.
// There is exactly one record per user; the owning writer is always the
// user identified by UserID. Conflicts resolve last-write-wins on UpdatedAt.
type PositionRecord struct {
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Supersedes reports whether r should replace other under last-write-wins.
// Equal timestamps keep the already-applied record so repeated delivery of
// the same row is a no-op.
func (r PositionRecord) Supersedes(other PositionRecord) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

// Validate checks coordinate ranges on the record.
func (r PositionRecord) Validate() error {
	if r.UserID == "" {
		return errors.New("record has no user id")
	}
	return ValidateLatLng(r.Lat, r.Lng)
}

// ValidateLatLng checks that lat is within [-90,90] and lng within [-180,180].
func ValidateLatLng(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %f out of range: %w", lat, ErrInvalidCoordinates)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %f out of range: %w", lng, ErrInvalidCoordinates)
	}
	return nil
}

// Event is a bounded incident window. Exactly one OPEN event is treated as
// the active scope for position writes and reads; zero OPEN events means
// tracking is disabled.
type Event struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Status    EventStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	ClosedAt  *time.Time  `json:"closedAt,omitempty"`
	CreatedBy string      `json:"createdBy,omitempty"`

	// Metadata carries free-form incident details (severity, staging
	// location) supplied at creation time. Opaque to the server.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Open reports whether the event accepts position writes.
func (e Event) Open() bool {
	return e.Status == EventOpen
}

// Profile is the stored identity/role row for a signed-in user.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// User is the identity handed back by the external auth collaborator.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
