// Package feed reconciles a bulk snapshot with a continuous change stream
// into a converged roster of per-user positions for one event.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/queue"
	"github.com/opsgrid/livetrack/internal/roster"
	"github.com/opsgrid/livetrack/pkg/core"
)

var errStreamDropped = errors.New("change stream dropped")

// Source provides the two reads a feed needs: a bulk snapshot and a
// change-stream subscription, both scoped to an event.
type Source interface {
	Snapshot(ctx context.Context, eventID string) ([]core.PositionRecord, error)
	Subscribe(ctx context.Context, eventID string) (Stream, error)
}

// Stream is one live change-stream subscription. Changes is closed, or
// Done signalled, when the stream drops; Err reports why. Close releases
// the subscription.
type Stream interface {
	Changes() <-chan changefeed.Change
	Done() <-chan struct{}
	Err() error
	Close()
}

// Config controls resync behavior.
type Config struct {
	// ResyncBackoff is the pause before re-subscribing after a drop.
	ResyncBackoff time.Duration
}

// Feed maintains the roster for one event. The roster converges on the
// newest record per user regardless of delivery order: every applied
// change goes through a last-write-wins merge on UpdatedAt.
//
// On stream drop the feed resubscribes and takes a fresh snapshot before
// resuming incremental merges, so changes missed during the outage are
// recovered.
type Feed struct {
	source Source
	cfg    Config
	logger *slog.Logger

	onInitial func(map[string]core.PositionRecord)
	onUpdate  func(map[string]core.PositionRecord)
	onError   func(error)

	roster      *roster.Roster
	initialOnce sync.Once

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a feed. onInitial fires exactly once, after the first
// snapshot merge and before any change is applied. onUpdate fires with the
// full roster after every applied mutation. Either callback may be nil.
func New(source Source, cfg Config, logger *slog.Logger) *Feed {
	if cfg.ResyncBackoff <= 0 {
		cfg.ResyncBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		source: source,
		cfg:    cfg,
		logger: logger,
		roster: roster.New(),
	}
}

// OnInitial sets the first-snapshot callback. Must be called before Start.
func (f *Feed) OnInitial(fn func(map[string]core.PositionRecord)) { f.onInitial = fn }

// OnUpdate sets the per-mutation callback. Must be called before Start.
func (f *Feed) OnUpdate(fn func(map[string]core.PositionRecord)) { f.onUpdate = fn }

// OnError sets the callback for snapshot/subscribe failures. Must be
// called before Start.
func (f *Feed) OnError(fn func(error)) { f.onError = fn }

// Roster returns a copy of the current roster.
func (f *Feed) Roster() map[string]core.PositionRecord {
	return f.roster.Snapshot()
}

// Start begins the subscribe/snapshot/merge loop for eventID.
func (f *Feed) Start(ctx context.Context, eventID string) {
	ctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.closed = false
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx, eventID)
}

// Close tears the feed down. It blocks until the loop has exited; no
// roster mutation or callback happens after Close returns, even if change
// deliveries are already in flight.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

// ExpireStale drops roster entries not updated since cutoff and reports
// the removal. Presence tracking drives the cutoff.
func (f *Feed) ExpireStale(cutoff time.Time) []string {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	removed := f.roster.Expire(cutoff)
	var snap map[string]core.PositionRecord
	if len(removed) > 0 && f.onUpdate != nil {
		snap = f.roster.Snapshot()
	}
	f.mu.Unlock()

	if snap != nil {
		f.onUpdate(snap)
	}
	if len(removed) > 0 {
		f.logger.Info("Expired stale roster entries", "count", len(removed))
	}
	return removed
}

func (f *Feed) run(ctx context.Context, eventID string) {
	defer f.wg.Done()

	for {
		err := f.syncOnce(ctx, eventID)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, errStreamDropped) {
			f.logger.Error("Feed sync failed", "event", eventID, "error", err)
			if f.onError != nil {
				f.onError(err)
			}
		} else {
			f.logger.Warn("Change stream dropped, resyncing", "event", eventID)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.ResyncBackoff):
		}
	}
}

// syncOnce runs one subscription lifetime: subscribe, snapshot, merge the
// snapshot, then apply live changes until the stream drops or ctx ends.
// Subscribing before the snapshot read means no change can fall between
// them; changes arriving during the snapshot are buffered and applied
// after the merge.
func (f *Feed) syncOnce(ctx context.Context, eventID string) error {
	stream, err := f.source.Subscribe(ctx, eventID)
	if err != nil {
		return err
	}
	defer stream.Close()

	buffered := queue.New[changefeed.Change]()
	collectDone := make(chan struct{})
	stopCollect := make(chan struct{})
	go func() {
		defer close(collectDone)
		for {
			select {
			case <-stopCollect:
				return
			case c, ok := <-stream.Changes():
				if !ok {
					return
				}
				buffered.Push(c)
			}
		}
	}()

	records, err := f.source.Snapshot(ctx, eventID)
	close(stopCollect)
	<-collectDone
	if err != nil {
		return err
	}

	f.mergeSnapshot(records)
	for _, c := range buffered.GetAndEmpty() {
		f.applyChange(c)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.Done():
			if err := stream.Err(); err != nil {
				return err
			}
			return errStreamDropped
		case c, ok := <-stream.Changes():
			if !ok {
				return errStreamDropped
			}
			f.applyChange(c)
		}
	}
}

func (f *Feed) mergeSnapshot(records []core.PositionRecord) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	for _, rec := range records {
		f.roster.Apply(rec)
	}
	snap := f.roster.Snapshot()
	f.mu.Unlock()

	f.initialOnce.Do(func() {
		if f.onInitial != nil {
			f.onInitial(snap)
		}
	})
	if f.onUpdate != nil {
		f.onUpdate(snap)
	}
}

// applyChange merges one change. The closed check under the mutex is what
// makes Close a hard stop: a delivery racing with Close can never touch
// the roster after Close returns.
func (f *Feed) applyChange(c changefeed.Change) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	changed := f.roster.Apply(c.Record)
	var snap map[string]core.PositionRecord
	if changed && f.onUpdate != nil {
		snap = f.roster.Snapshot()
	}
	f.mu.Unlock()

	if snap != nil {
		f.onUpdate(snap)
	}
}
