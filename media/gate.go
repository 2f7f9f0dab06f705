// Package media owns local audio capture for the softphone. The Gate is
// the exclusive owner of the microphone track for the lifetime of one
// call session; a new session always re-acquires, so a stale stream is
// never reused.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPermissionDenied is returned by devices that refuse capture access.
var ErrPermissionDenied = errors.New("media: permission denied")

// ErrNotAcquired is returned when mute is toggled with no track held.
var ErrNotAcquired = errors.New("media: no track acquired")

// Track is one live local audio track.
type Track interface {
	// SetEnabled enables or disables the track without releasing the
	// underlying device.
	SetEnabled(enabled bool) error

	// Close releases the device.
	Close() error
}

// Device produces audio tracks. Capture is host-specific, so the
// embedding application supplies the implementation; a pipe-backed
// device for tests ships in this package.
type Device interface {
	Acquire(ctx context.Context) (Track, error)
}

// Gate mediates access to the local audio track. All methods are safe
// for concurrent use.
type Gate struct {
	device Device
	logger *slog.Logger

	mu    sync.Mutex
	track Track
	muted bool
}

// NewGate creates a gate over the given capture device.
func NewGate(device Device, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		device: device,
		logger: logger.With("subsystem", "media-gate"),
	}
}

// Acquire requests a fresh track from the device. Any previously held
// track is released first so two sessions can never share a stream.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.track != nil {
		g.releaseLocked()
	}

	track, err := g.device.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("acquiring audio track: %w", err)
	}
	g.track = track
	g.muted = false
	g.logger.Debug("audio track acquired")
	return nil
}

// SetMuted flips the held track's enabled flag. Valid only while a
// track is held.
func (g *Gate) SetMuted(muted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.track == nil {
		return ErrNotAcquired
	}
	if g.muted == muted {
		return nil
	}
	if err := g.track.SetEnabled(!muted); err != nil {
		return fmt.Errorf("toggling audio track: %w", err)
	}
	g.muted = muted
	return nil
}

// Muted reports whether the held track is muted. False with no track.
func (g *Gate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.track != nil && g.muted
}

// Release drops the held track. Calling it with nothing held is a no-op,
// so repeated teardown (unmount after hang-up) is safe.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked()
}

func (g *Gate) releaseLocked() {
	if g.track == nil {
		return
	}
	if err := g.track.Close(); err != nil {
		g.logger.Warn("closing audio track", "error", err)
	}
	g.track = nil
	g.muted = false
	g.logger.Debug("audio track released")
}
