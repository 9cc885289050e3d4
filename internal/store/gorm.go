package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/geo"
	"github.com/opsgrid/livetrack/internal/model"
	"github.com/opsgrid/livetrack/pkg/core"
)

// Gorm implements Store over a GORM connection. When a hub is attached,
// committed location upserts are published to it as change notifications.
type Gorm struct {
	db     *gorm.DB
	hub    *changefeed.Hub
	logger *slog.Logger
	clock  func() time.Time
}

// NewGorm creates a GORM-backed store. hub may be nil when no change feed
// is wanted (CLI tools, tests).
func NewGorm(db *gorm.DB, hub *changefeed.Hub, logger *slog.Logger) *Gorm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gorm{
		db:     db,
		hub:    hub,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// UpsertLocation writes the single position row for rec.UserID via
// upsert-on-conflict over the user_id uniqueness constraint.
func (s *Gorm) UpsertLocation(ctx context.Context, rec core.PositionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	// Distinguish insert from update for the change feed before writing.
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Location{}).
		Where("user_id = ?", rec.UserID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check existing location: %w", err)
	}

	row := model.LocationFromCore(rec)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id", "lat", "lng", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert location: %w", err)
	}

	s.logger.Debug("Upserted location",
		"user", rec.UserID,
		"event", rec.EventID,
		"point", geo.Point(rec.Lat, rec.Lng).AsText())

	if s.hub != nil {
		changeType := changefeed.Update
		if count == 0 {
			changeType = changefeed.Insert
		}
		s.hub.Publish(changefeed.Change{Type: changeType, Record: rec})
	}
	return nil
}

// ListLocations returns all position rows for the event.
func (s *Gorm) ListLocations(ctx context.Context, eventID string) ([]core.PositionRecord, error) {
	var rows []model.Location
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	records := make([]core.PositionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.ToCore())
	}
	return records, nil
}

// CreateEvent inserts a new OPEN event.
func (s *Gorm) CreateEvent(ctx context.Context, title, createdBy string, metadata json.RawMessage) (core.Event, error) {
	row := model.Event{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    string(core.EventOpen),
		CreatedAt: s.clock(),
		CreatedBy: createdBy,
	}
	if len(metadata) > 0 {
		row.Metadata = datatypes.JSON(metadata)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Event{}, fmt.Errorf("failed to create event: %w", err)
	}
	s.logger.Info("Created event", "id", row.ID, "title", row.Title)
	return row.ToCore(), nil
}

// CloseEvent marks the event CLOSED and stamps closed_at.
func (s *Gorm) CloseEvent(ctx context.Context, id string, at time.Time) (core.Event, error) {
	res := s.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    string(core.EventClosed),
			"closed_at": at,
		})
	if res.Error != nil {
		return core.Event{}, fmt.Errorf("failed to close event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.Event{}, ErrNotFound
	}

	var row model.Event
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return core.Event{}, fmt.Errorf("failed to reload event: %w", err)
	}
	s.logger.Info("Closed event", "id", row.ID)
	return row.ToCore(), nil
}

// ListEvents returns all events, newest first.
func (s *Gorm) ListEvents(ctx context.Context) ([]core.Event, error) {
	var rows []model.Event
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]core.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ToCore())
	}
	return events, nil
}

// ActiveEvent returns the most recently created OPEN event.
func (s *Gorm) ActiveEvent(ctx context.Context) (core.Event, error) {
	var row model.Event
	err := s.db.WithContext(ctx).
		Where("status = ?", string(core.EventOpen)).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.Event{}, ErrNotFound
	}
	if err != nil {
		return core.Event{}, fmt.Errorf("failed to find active event: %w", err)
	}
	return row.ToCore(), nil
}

// GetProfile returns the stored profile for id.
func (s *Gorm) GetProfile(ctx context.Context, id string) (core.Profile, error) {
	var row model.Profile
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.Profile{}, ErrNotFound
	}
	if err != nil {
		return core.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return row.ToCore(), nil
}

// CreateProfile inserts a new profile row.
func (s *Gorm) CreateProfile(ctx context.Context, p core.Profile) error {
	row := model.Profile{
		ID:        p.ID,
		Email:     p.Email,
		Role:      string(p.Role),
		CreatedAt: s.clock(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// UpdateProfile overwrites the stored role (and refreshes the email) for id.
func (s *Gorm) UpdateProfile(ctx context.Context, id string, role core.Role, email string) error {
	res := s.db.WithContext(ctx).Model(&model.Profile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"role":  string(role),
			"email": email,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
