package media

import (
	"context"
	"sync"
)

// NullDevice is a capture device with no hardware behind it. It hands
// out tracks that record enable state and nothing else. Used when the
// process runs headless and for tests.
type NullDevice struct {
	// Err, when set, is returned from every Acquire call.
	Err error

	mu       sync.Mutex
	acquired int
}

// Acquire implements Device.
func (d *NullDevice) Acquire(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.Lock()
	d.acquired++
	d.mu.Unlock()
	return &nullTrack{enabled: true}, nil
}

// Acquired reports how many tracks the device has handed out.
func (d *NullDevice) Acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

type nullTrack struct {
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *nullTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return nil
}

func (t *nullTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
