package backoff

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := New(1*time.Second, 8*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next()
		// With ±20% jitter the delay must stay within 80%-120% of the
		// nominal doubling sequence 1s, 2s, 4s, 8s.
		nominal := 1 * time.Second << i
		low := time.Duration(float64(nominal) * 0.8)
		high := time.Duration(float64(nominal) * 1.2)
		if d < low || d > high {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i, d, low, high)
		}
		if d < prev/2 {
			t.Errorf("attempt %d: delay %v shrank unexpectedly from %v", i, d, prev)
		}
		prev = d
	}

	// Past the cap the nominal delay stays at max.
	for i := 0; i < 5; i++ {
		d := b.Next()
		if d > time.Duration(float64(8*time.Second)*1.2) {
			t.Errorf("capped delay %v exceeds max plus jitter", d)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(time.Second, time.Minute)
	b.Next()
	b.Next()
	if b.Attempt() != 2 {
		t.Fatalf("expected 2 attempts, got %d", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", b.Attempt())
	}
	d := b.Current()
	if d > time.Duration(float64(time.Second)*1.2) {
		t.Errorf("delay after reset %v should be near base", d)
	}
}
