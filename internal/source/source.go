// Package source produces continuous position samples from a device fix
// provider, with cached-fix reuse and per-fix timeouts.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

var (
	// ErrPermissionDenied is returned by a Device when the platform refuses
	// location access. The watcher stops on it and must be restarted.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrFixTimeout reports that a single fix attempt exceeded the
	// configured timeout.
	ErrFixTimeout = errors.New("position fix timed out")

	ErrAlreadyStarted = errors.New("watcher already started")
)

// Device acquires one position fix. Implementations may block up to the
// context deadline; a fix older than the caller's freshness bound is still
// a valid return value.
type Device interface {
	NextFix(ctx context.Context, highAccuracy bool) (Reading, error)
}

// Reading is one raw device fix.
type Reading struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	At       time.Time
}

// Config controls fix acquisition.
type Config struct {
	// HighAccuracy requests the precise positioning mode, trading battery
	// for precision.
	HighAccuracy bool
	// MaxSampleAge permits reuse of a cached fix younger than the bound
	// instead of forcing a new reading.
	MaxSampleAge time.Duration
	// Timeout bounds how long a single fix attempt may take.
	Timeout time.Duration
	// Interval is the emission cadence.
	Interval time.Duration
}

// Watcher emits position samples for one user at a fixed cadence until
// stopped or until the device fails. There is no internal retry: after an
// error the watcher stops emitting and must be explicitly restarted.
type Watcher struct {
	userID string
	device Device
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	lastFix Reading
	hasFix  bool
}

// NewWatcher creates a watcher for the given user and device.
func NewWatcher(userID string, device Device, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		userID: userID,
		device: device,
		cfg:    cfg,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Start begins continuous observation. onSample receives each emitted
// sample; onError receives the terminal failure when the device times out
// or denies permission, after which no further callbacks fire.
func (w *Watcher) Start(onSample func(core.PositionSample), onError func(error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}
	w.running = true
	w.stopChan = make(chan struct{})

	w.wg.Add(1)
	go w.watchLoop(w.stopChan, onSample, onError)
	w.logger.Info("Started position watcher", "user", w.userID, "interval", w.cfg.Interval)
	return nil
}

// Stop ends observation. It blocks until the watch loop has exited, so no
// callback fires after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Stopped position watcher", "user", w.userID)
}

func (w *Watcher) watchLoop(stop chan struct{}, onSample func(core.PositionSample), onError func(error)) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// Emit an initial sample immediately rather than waiting a full tick.
	if !w.observe(onSample, onError) {
		w.markStopped()
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !w.observe(onSample, onError) {
				w.markStopped()
				return
			}
		}
	}
}

// observe emits one sample, reusing the cached fix when it is younger than
// MaxSampleAge. Returns false when the loop must stop.
func (w *Watcher) observe(onSample func(core.PositionSample), onError func(error)) bool {
	now := w.clock()

	fix := w.lastFix
	if !w.hasFix || w.cfg.MaxSampleAge <= 0 || now.Sub(fix.At) > w.cfg.MaxSampleAge {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		fresh, err := w.device.NextFix(ctx, w.cfg.HighAccuracy)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", ErrFixTimeout, w.cfg.Timeout)
			}
			w.logger.Error("Position fix failed", "user", w.userID, "error", err)
			if onError != nil {
				onError(err)
			}
			return false
		}
		fix = fresh
		w.lastFix = fresh
		w.hasFix = true
	}

	onSample(core.PositionSample{
		UserID:     w.userID,
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		Accuracy:   fix.Accuracy,
		CapturedAt: fix.At,
	})
	return true
}

func (w *Watcher) markStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}
