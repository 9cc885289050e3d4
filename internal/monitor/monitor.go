// Package monitor periodically samples runtime stats and ships them to
// InfluxDB and the structured log.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"gorm.io/gorm"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/influx"
	"github.com/opsgrid/livetrack/internal/model"
)

// Dependencies holds everything the monitor samples from. Influx may be
// nil when stats shipping is disabled.
type Dependencies struct {
	DB              *gorm.DB
	Hub             *changefeed.Hub
	Influx          *influx.Manager
	Logger          *slog.Logger
	Interval        time.Duration
	IsDatabaseValid func() bool
}

// Stats is one sampled snapshot.
type Stats struct {
	Time        time.Time
	Goroutines  int
	Subscribers int
	Locations   int64
	OpenEvents  int64
}

// Service runs the sampling loop.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
}

// NewService creates a monitor service.
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the monitor loop is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample collects one stats snapshot.
func (s *Service) Sample() Stats {
	stats := Stats{
		Time:       time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.deps.Hub != nil {
		stats.Subscribers = s.deps.Hub.SubscriberCount()
	}

	if s.deps.IsDatabaseValid != nil && s.deps.IsDatabaseValid() {
		if err := s.deps.DB.Model(&model.Location{}).Count(&stats.Locations).Error; err != nil {
			s.deps.Logger.Error("Failed to count locations", "error", err)
		}
		if err := s.deps.DB.Model(&model.Event{}).
			Where("status = ?", "OPEN").Count(&stats.OpenEvents).Error; err != nil {
			s.deps.Logger.Error("Failed to count open events", "error", err)
		}
	}
	return stats
}

// Start starts the sampling goroutine.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		s.deps.Logger.Debug("Starting stats monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.report(s.Sample())
			}
		}
	}()

	return nil
}

// Stop stops the sampling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		close(s.stopChan)
	}
}

func (s *Service) report(stats Stats) {
	s.deps.Logger.Debug("Runtime stats",
		"goroutines", stats.Goroutines,
		"subscribers", stats.Subscribers,
		"locations", stats.Locations,
		"openEvents", stats.OpenEvents,
	)

	if s.deps.Influx == nil {
		return
	}

	point := influxdb2.NewPointWithMeasurement("runtime").
		AddField("goroutines", stats.Goroutines).
		AddField("subscribers", stats.Subscribers).
		AddField("locations", stats.Locations).
		AddField("open_events", stats.OpenEvents).
		SetTime(stats.Time)

	if err := s.deps.Influx.WritePoint(context.Background(), influx.BucketRuntime, point); err != nil {
		s.deps.Logger.Error("Failed to write stats point", "error", err)
	}
}
