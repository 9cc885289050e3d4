// Package store defines the relational store contract for livetrack and
// its GORM implementation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full persistence contract used by the server.
//
// Every location upsert is independently atomic at single-record
// granularity; no operation spans multiple position records.
type Store interface {
	// UpsertLocation creates or overwrites the caller's single current
	// position row, keyed by user id. Idempotent: the same record applied
	// twice leaves one row. Stale writes are not rejected here; ordering
	// is resolved by consumers (last-write-wins on UpdatedAt).
	UpsertLocation(ctx context.Context, rec core.PositionRecord) error

	// ListLocations returns all position rows scoped to eventID.
	ListLocations(ctx context.Context, eventID string) ([]core.PositionRecord, error)

	// CreateEvent inserts a new OPEN event. metadata is an optional JSON
	// object carrying details the schema does not column-ize (severity,
	// staging location); nil stores none.
	CreateEvent(ctx context.Context, title, createdBy string, metadata json.RawMessage) (core.Event, error)
	CloseEvent(ctx context.Context, id string, at time.Time) (core.Event, error)
	ListEvents(ctx context.Context) ([]core.Event, error)

	// ActiveEvent returns the most recently created OPEN event, or
	// ErrNotFound when no event is open.
	ActiveEvent(ctx context.Context) (core.Event, error)

	GetProfile(ctx context.Context, id string) (core.Profile, error)
	CreateProfile(ctx context.Context, p core.Profile) error
	UpdateProfile(ctx context.Context, id string, role core.Role, email string) error
}
