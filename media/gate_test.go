package media

import (
	"context"
	"errors"
	"testing"
)

type trackingDevice struct {
	err    error
	tracks []*nullTrack
}

func (d *trackingDevice) Acquire(ctx context.Context) (Track, error) {
	if d.err != nil {
		return nil, d.err
	}
	t := &nullTrack{enabled: true}
	d.tracks = append(d.tracks, t)
	return t, nil
}

func TestGateAcquireReplacesHeldTrack(t *testing.T) {
	dev := &trackingDevice{}
	g := NewGate(dev, nil)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(dev.tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(dev.tracks))
	}
	if !dev.tracks[0].closed {
		t.Error("first track should be closed when a new one is acquired")
	}
	if dev.tracks[1].closed {
		t.Error("second track should still be open")
	}
}

func TestGatePermissionDenied(t *testing.T) {
	dev := &trackingDevice{err: ErrPermissionDenied}
	g := NewGate(dev, nil)

	err := g.Acquire(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestGateMuteRequiresTrack(t *testing.T) {
	g := NewGate(&trackingDevice{}, nil)

	if err := g.SetMuted(true); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.SetMuted(true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if !g.Muted() {
		t.Error("gate should report muted")
	}
	if err := g.SetMuted(false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if g.Muted() {
		t.Error("gate should report unmuted")
	}
}

func TestGateReleaseIdempotent(t *testing.T) {
	dev := &trackingDevice{}
	g := NewGate(dev, nil)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.SetMuted(true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	g.Release()
	g.Release()

	if !dev.tracks[0].closed {
		t.Error("track should be closed after release")
	}
	if g.Muted() {
		t.Error("mute state should reset on release")
	}
	if err := g.SetMuted(true); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired after release, got %v", err)
	}
}

func TestGateMuteStateFreshAfterReacquire(t *testing.T) {
	dev := &trackingDevice{}
	g := NewGate(dev, nil)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.SetMuted(true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if g.Muted() {
		t.Error("fresh track should start unmuted")
	}
	if !dev.tracks[1].enabled {
		t.Error("fresh track should start enabled")
	}
}
