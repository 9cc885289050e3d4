// Package model defines the GORM schema for the livetrack store.
package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/opsgrid/livetrack/pkg/core"
)

// DatabaseModels lists every struct migrated into the database schema.
var DatabaseModels = []interface{}{
	&Profile{},
	&Event{},
	&Location{},
}

// Profile is the identity/role row ensured on first sign-in.
type Profile struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	Email     string    `json:"email" gorm:"size:255;uniqueIndex:idx_profiles_email"`
	Role      string    `json:"role" gorm:"size:32"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is a bounded incident window. At most one row has status OPEN.
type Event struct {
	ID        string         `json:"id" gorm:"type:uuid;primaryKey"`
	Title     string         `json:"title" gorm:"size:200"`
	Status    string         `json:"status" gorm:"size:16;index:idx_events_status"`
	CreatedAt time.Time      `json:"createdAt" gorm:"index:idx_events_created_at"`
	ClosedAt  *time.Time     `json:"closedAt"`
	CreatedBy string         `json:"createdBy" gorm:"type:uuid"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
}

// Location is the single current-position row per user. The unique index
// on user_id is what makes publisher upserts idempotent: the same
// (user, lat, lng) applied twice can never produce two rows.
type Location struct {
	UserID    string    `json:"userId" gorm:"type:uuid;primaryKey;uniqueIndex:idx_locations_user_id"`
	EventID   string    `json:"eventId" gorm:"type:uuid;index:idx_locations_event_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"index:idx_locations_updated_at"`
}

// ToCore converts a Location row to the shared record type.
func (l Location) ToCore() core.PositionRecord {
	return core.PositionRecord{
		UserID:    l.UserID,
		EventID:   l.EventID,
		Lat:       l.Lat,
		Lng:       l.Lng,
		UpdatedAt: l.UpdatedAt,
	}
}

// LocationFromCore converts a shared record to its row form.
func LocationFromCore(r core.PositionRecord) Location {
	return Location{
		UserID:    r.UserID,
		EventID:   r.EventID,
		Lat:       r.Lat,
		Lng:       r.Lng,
		UpdatedAt: r.UpdatedAt,
	}
}

// ToCore converts an Event row to the shared event type.
func (e Event) ToCore() core.Event {
	return core.Event{
		ID:        e.ID,
		Title:     e.Title,
		Status:    core.EventStatus(e.Status),
		CreatedAt: e.CreatedAt,
		ClosedAt:  e.ClosedAt,
		CreatedBy: e.CreatedBy,
		Metadata:  json.RawMessage(e.Metadata),
	}
}

// ToCore converts a Profile row to the shared profile type.
func (p Profile) ToCore() core.Profile {
	return core.Profile{
		ID:    p.ID,
		Email: p.Email,
		Role:  core.Role(p.Role),
	}
}
