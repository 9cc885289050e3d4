package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opsgrid/livetrack/internal/api"
	"github.com/opsgrid/livetrack/internal/changefeed/ws"
	"github.com/opsgrid/livetrack/internal/config"
	"github.com/opsgrid/livetrack/internal/feed"
	"github.com/opsgrid/livetrack/internal/logging"
	"github.com/opsgrid/livetrack/internal/marker"
	"github.com/opsgrid/livetrack/internal/publisher"
	"github.com/opsgrid/livetrack/internal/source"
	"github.com/opsgrid/livetrack/pkg/core"
)

// consoleMarker is one marker drawn on the console surface.
type consoleMarker struct {
	id     int64
	logger *slog.Logger
}

func (m *consoleMarker) SetLngLat(lng, lat float64) {
	m.logger.Info("Marker moved", "marker", m.id, "lng", lng, "lat", lat)
}

// consoleSurface renders marker operations as log lines. It stands in for
// a real map surface when running headless.
type consoleSurface struct {
	logger *slog.Logger
	nextID atomic.Int64
}

func (s *consoleSurface) AddMarker(lng, lat float64) marker.Handle {
	id := s.nextID.Add(1)
	s.logger.Info("Marker placed", "marker", id, "lng", lng, "lat", lat)
	return &consoleMarker{id: id, logger: s.logger}
}

func (s *consoleSurface) RemoveMarker(h marker.Handle) {
	if m, ok := h.(*consoleMarker); ok {
		s.logger.Info("Marker retired", "marker", m.id)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	replayPath := flag.String("replay", "", "replay fixture with one JSON fix per line; reads stdin when empty")
	flag.Parse()

	_ = godotenv.Load()

	slogManager := logging.NewManager()
	slogManager.Setup(nil, "info", nil, nil)
	logger := slogManager.Logger()

	if err := config.Load("."); err != nil {
		logger.Warn("Failed to load config, using defaults", "error", err)
	}
	slogManager.Setup(nil, viper.GetString("logLevel"), nil, nil)
	logger = slogManager.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token := viper.GetString("api.token")
	if token == "" {
		return fmt.Errorf("api.token is not set")
	}
	apiClient := api.New(viper.GetString("api.serverUrl"), token)

	if err := apiClient.Healthcheck(ctx); err != nil {
		return fmt.Errorf("server unreachable at %s: %w", viper.GetString("api.serverUrl"), err)
	}

	profile, eventID, err := apiClient.EnsureSession(ctx)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	logger.Info("Signed in", "user", profile.ID, "email", profile.Email, "role", profile.Role)
	if eventID == "" {
		logger.Info("No open event, tracking is disabled")
		return nil
	}
	logger.Info("Tracking for event", "event", eventID)

	var fixReader io.Reader = os.Stdin
	if *replayPath != "" {
		f, err := os.Open(*replayPath)
		if err != nil {
			return fmt.Errorf("open replay fixture: %w", err)
		}
		defer f.Close()
		fixReader = f
	}

	pub, err := publisher.New(eventID, apiClient, publisher.Config{
		FlushInterval: viper.GetDuration("tracker.flushInterval"),
		MinMoveMeters: viper.GetFloat64("tracker.minMoveMeters"),
	}, logger, func(err error) {
		logger.Warn("Publish failed, will retry", "error", err)
	})
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	pub.Start()
	defer pub.Stop()

	watcher := source.NewWatcher(profile.ID, source.NewReplayDevice(fixReader), source.Config{
		HighAccuracy: viper.GetBool("tracker.highAccuracy"),
		MaxSampleAge: viper.GetDuration("tracker.maxSampleAge"),
		Timeout:      viper.GetDuration("tracker.timeout"),
	}, logger)

	sourceDone := make(chan error, 1)
	err = watcher.Start(
		func(s core.PositionSample) { pub.Offer(s) },
		func(err error) { sourceDone <- err },
	)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()

	wsURL := viper.GetString("feed.url")
	if wsURL == "" {
		wsURL = deriveFeedURL(viper.GetString("api.serverUrl"))
	}
	wsClient := ws.NewClient(wsURL, token, logger)

	surface := &consoleSurface{logger: logger}
	markers := marker.NewReconciler(surface, logger)

	liveFeed := feed.New(wsClient, feed.Config{}, logger)
	liveFeed.OnInitial(func(roster map[string]core.PositionRecord) {
		logger.Info("Roster loaded", "participants", len(roster))
		markers.Apply(roster)
	})
	liveFeed.OnUpdate(func(roster map[string]core.PositionRecord) {
		markers.Apply(roster)
	})
	liveFeed.OnError(func(err error) {
		logger.Warn("Feed interrupted, resyncing", "error", err)
	})
	liveFeed.Start(ctx, eventID)
	defer liveFeed.Close()

	// Retire roster entries whose owner stopped reporting.
	presenceTTL := viper.GetDuration("presence.ttl")
	expireTicker := time.NewTicker(presenceTTL / 3)
	defer expireTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			pub.Flush(flushCtx)
			cancel()
			return nil
		case err := <-sourceDone:
			return fmt.Errorf("position source stopped: %w", err)
		case <-expireTicker.C:
			stale := liveFeed.ExpireStale(time.Now().UTC().Add(-presenceTTL))
			if len(stale) > 0 {
				markers.Apply(liveFeed.Roster())
				logger.Info("Expired stale participants", "users", stale)
			}
		}
	}
}

// deriveFeedURL maps the REST base URL to its websocket endpoint.
func deriveFeedURL(serverURL string) string {
	u := strings.Replace(serverURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/") + "/ws"
}
