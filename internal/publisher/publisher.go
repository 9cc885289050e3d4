// Package publisher turns raw position samples into debounced, idempotent
// upserts of the per-user current-position record.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/livetrack/internal/geo"
	"github.com/opsgrid/livetrack/internal/queue"
	"github.com/opsgrid/livetrack/pkg/core"
)

var ErrNoEventScope = errors.New("publisher requires an event scope")

// Writer performs one idempotent upsert of a position record. The GORM
// store and the REST client both satisfy it.
type Writer interface {
	UpsertLocation(ctx context.Context, rec core.PositionRecord) error
}

// Config controls flush cadence and movement debouncing.
type Config struct {
	// FlushInterval is how often pending records are written out.
	FlushInterval time.Duration
	// MinMoveMeters drops samples closer than this to the last written
	// position for the same user. Zero disables the debounce.
	MinMoveMeters float64
	// WriteTimeout bounds each upsert call.
	WriteTimeout time.Duration
}

// Publisher coalesces samples per user and flushes the newest one per user
// as an upsert each interval. Failed writes are re-queued unless a newer
// sample is already pending.
type Publisher struct {
	eventID string
	writer  Writer
	cfg     Config
	logger  *slog.Logger
	onError func(error)

	pending  *queue.Latest[string, core.PositionRecord]
	lastSent map[string]core.PositionRecord

	mu       sync.Mutex
	running  bool
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a publisher scoped to eventID. onError may be nil; it
// receives validation and write failures, none of which stop the loop.
func New(eventID string, writer Writer, cfg Config, logger *slog.Logger, onError func(error)) (*Publisher, error) {
	if eventID == "" {
		return nil, ErrNoEventScope
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		eventID:  eventID,
		writer:   writer,
		cfg:      cfg,
		logger:   logger,
		onError:  onError,
		pending:  queue.NewLatest[string, core.PositionRecord](),
		lastSent: make(map[string]core.PositionRecord),
	}, nil
}

// Start launches the flush loop.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopped = false
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.flushLoop(p.stopChan)
}

// Stop halts the flush loop. After Stop returns no further writes are
// issued; anything still pending is discarded.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stopped = true
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	if n := p.pending.Len(); n > 0 {
		p.logger.Info("Discarding pending positions on stop", "count", n)
	}
}

// Offer accepts a sample for publication. Invalid samples and samples that
// moved less than MinMoveMeters since the last write are dropped. Samples
// offered after Stop are ignored.
func (p *Publisher) Offer(sample core.PositionSample) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	if err := sample.Validate(); err != nil {
		p.logger.Warn("Dropping invalid sample", "user", sample.UserID, "error", err)
		p.fail(err)
		return
	}

	if p.cfg.MinMoveMeters > 0 {
		if last, ok := p.lastSentFor(sample.UserID); ok {
			moved := geo.DistanceMeters(last.Lat, last.Lng, sample.Lat, sample.Lng)
			if moved < p.cfg.MinMoveMeters {
				return
			}
		}
	}

	p.pending.Put(sample.UserID, core.PositionRecord{
		UserID:    sample.UserID,
		EventID:   p.eventID,
		Lat:       sample.Lat,
		Lng:       sample.Lng,
		UpdatedAt: sample.CapturedAt,
	})
}

// Flush writes out everything pending immediately. Useful for tests and
// for a final write before shutdown.
func (p *Publisher) Flush(ctx context.Context) {
	for userID, rec := range p.pending.GetAndEmpty() {
		p.write(ctx, userID, rec)
	}
}

func (p *Publisher) flushLoop(stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for userID, rec := range p.pending.GetAndEmpty() {
				ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
				p.write(ctx, userID, rec)
				cancel()
			}
		}
	}
}

func (p *Publisher) write(ctx context.Context, userID string, rec core.PositionRecord) {
	if err := p.writer.UpsertLocation(ctx, rec); err != nil {
		p.logger.Error("Failed to upsert position", "user", userID, "error", err)
		// Keep the failed record for the next cycle unless a newer sample
		// arrived in the meantime.
		p.pending.PutIfAbsent(userID, rec)
		p.fail(err)
		return
	}

	p.mu.Lock()
	p.lastSent[userID] = rec
	p.mu.Unlock()
}

func (p *Publisher) lastSentFor(userID string) (core.PositionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.lastSent[userID]
	return rec, ok
}

func (p *Publisher) fail(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
