package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// ReplayDevice serves fixes from a JSON-lines stream, one object per line:
//
//	{"lat": 31.78, "lng": 35.21, "accuracy": 12}
//
// Used by the agent binary for canned routes and by tests. Returns io.EOF
// when the stream is exhausted.
type ReplayDevice struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	clock   func() time.Time
}

type replayFix struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

// NewReplayDevice wraps r as a fix provider.
func NewReplayDevice(r io.Reader) *ReplayDevice {
	return &ReplayDevice{
		scanner: bufio.NewScanner(r),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// NextFix returns the next fix from the stream, stamped at read time.
func (d *ReplayDevice) NextFix(ctx context.Context, _ bool) (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Reading{}, fmt.Errorf("failed to read replay line: %w", err)
		}
		return Reading{}, io.EOF
	}

	var fix replayFix
	if err := json.Unmarshal(d.scanner.Bytes(), &fix); err != nil {
		return Reading{}, fmt.Errorf("failed to parse replay line: %w", err)
	}

	return Reading{
		Lat:      fix.Lat,
		Lng:      fix.Lng,
		Accuracy: fix.Accuracy,
		At:       d.clock(),
	}, nil
}
