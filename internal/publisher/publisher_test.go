package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/livetrack/pkg/core"
)

type recordingWriter struct {
	mu      sync.Mutex
	records []core.PositionRecord
	failN   int
}

func (w *recordingWriter) UpsertLocation(ctx context.Context, rec core.PositionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return errors.New("store unavailable")
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *recordingWriter) all() []core.PositionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.PositionRecord(nil), w.records...)
}

func sample(user string, lat, lng float64, at time.Time) core.PositionSample {
	return core.PositionSample{UserID: user, Lat: lat, Lng: lng, CapturedAt: at}
}

func TestPublisherRequiresEventScope(t *testing.T) {
	_, err := New("", &recordingWriter{}, Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoEventScope)
}

func TestPublisherCoalescesBurst(t *testing.T) {
	w := &recordingWriter{}
	p, err := New("event-1", w, Config{}, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.Offer(sample("user-1", 31.78, 35.21, base))
	p.Offer(sample("user-1", 31.79, 35.21, base.Add(time.Second)))
	p.Offer(sample("user-1", 31.80, 35.22, base.Add(2*time.Second)))

	p.Flush(context.Background())

	records := w.all()
	require.Len(t, records, 1, "a burst for one user collapses to one upsert")
	assert.Equal(t, 31.80, records[0].Lat)
	assert.Equal(t, 35.22, records[0].Lng)
	assert.Equal(t, "event-1", records[0].EventID)
	assert.True(t, records[0].UpdatedAt.Equal(base.Add(2*time.Second)))
}

func TestPublisherSequentialUpserts(t *testing.T) {
	w := &recordingWriter{}
	p, err := New("event-1", w, Config{}, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.Offer(sample("user-1", 31.78, 35.21, base))
	p.Flush(context.Background())
	p.Offer(sample("user-1", 31.80, 35.22, base.Add(5*time.Second)))
	p.Flush(context.Background())

	records := w.all()
	require.Len(t, records, 2)
	assert.Equal(t, 31.78, records[0].Lat)
	assert.Equal(t, 31.80, records[1].Lat)
	assert.Equal(t, records[0].UserID, records[1].UserID, "both writes target the same keyed record")
}

func TestPublisherMinMoveDebounce(t *testing.T) {
	w := &recordingWriter{}
	p, err := New("event-1", w, Config{MinMoveMeters: 50}, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.Offer(sample("user-1", 31.7800, 35.2100, base))
	p.Flush(context.Background())

	// A meter or so of drift stays below the 50m debounce.
	p.Offer(sample("user-1", 31.78001, 35.21001, base.Add(time.Second)))
	p.Flush(context.Background())
	require.Len(t, w.all(), 1)

	// A real move passes.
	p.Offer(sample("user-1", 31.7900, 35.2100, base.Add(2*time.Second)))
	p.Flush(context.Background())
	require.Len(t, w.all(), 2)
}

func TestPublisherDropsInvalidSamples(t *testing.T) {
	w := &recordingWriter{}
	var got error
	p, err := New("event-1", w, Config{}, nil, func(err error) { got = err })
	require.NoError(t, err)

	p.Offer(sample("user-1", 120, 35.21, time.Now().UTC()))
	p.Flush(context.Background())

	assert.Empty(t, w.all())
	assert.ErrorIs(t, got, core.ErrInvalidCoordinates)
}

func TestPublisherRequeuesFailedWrite(t *testing.T) {
	w := &recordingWriter{failN: 1}
	var errCount int
	p, err := New("event-1", w, Config{}, nil, func(error) { errCount++ })
	require.NoError(t, err)

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.Offer(sample("user-1", 31.78, 35.21, base))
	p.Flush(context.Background())
	assert.Empty(t, w.all())
	assert.Equal(t, 1, errCount)

	// Next flush retries the kept record.
	p.Flush(context.Background())
	records := w.all()
	require.Len(t, records, 1)
	assert.Equal(t, 31.78, records[0].Lat)
}

func TestPublisherNewerSampleWinsOverRequeue(t *testing.T) {
	w := &recordingWriter{failN: 1}
	p, err := New("event-1", w, Config{}, nil, nil)
	require.NoError(t, err)

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.Offer(sample("user-1", 31.78, 35.21, base))
	p.Flush(context.Background())

	p.Offer(sample("user-1", 31.80, 35.22, base.Add(time.Second)))
	p.Flush(context.Background())

	records := w.all()
	require.Len(t, records, 1)
	assert.Equal(t, 31.80, records[0].Lat, "requeued record must not clobber the newer sample")
}

func TestPublisherStopPreventsWrites(t *testing.T) {
	w := &recordingWriter{}
	p, err := New("event-1", w, Config{FlushInterval: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	p.Start()
	base := time.Now().UTC()
	p.Offer(sample("user-1", 31.78, 35.21, base))

	deadline := time.After(2 * time.Second)
	for len(w.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for flush")
		case <-time.After(time.Millisecond):
		}
	}

	p.Stop()
	p.Offer(sample("user-1", 31.90, 35.30, base.Add(time.Minute)))
	time.Sleep(20 * time.Millisecond)

	records := w.all()
	require.Len(t, records, 1)
	assert.Equal(t, 31.78, records[0].Lat)
}
