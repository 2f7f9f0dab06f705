package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradeworks/softphone/call"
)

type scriptedRegistrar struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (r *scriptedRegistrar) Register(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.calls < len(r.results) {
		err = r.results[r.calls]
	}
	r.calls++
	if err != nil {
		return 0, err
	}
	return 300, nil
}

func (r *scriptedRegistrar) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type eventSink struct {
	mu     sync.Mutex
	events []call.Event
}

func (s *eventSink) deliver(ev call.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) snapshot() []call.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.Event(nil), s.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorRetriesThenRegisters(t *testing.T) {
	reg := &scriptedRegistrar{results: []error{
		errors.New("registrar unreachable"),
		errors.New("registrar unreachable"),
		nil,
	}}
	sink := &eventSink{}
	sup := NewSupervisor(reg, sink.deliver, nil, SupervisorOptions{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool {
		for _, ev := range sink.snapshot() {
			if _, ok := ev.(call.Registered); ok {
				return true
			}
		}
		return false
	})
}

func TestSupervisorStopsAfterAttemptCap(t *testing.T) {
	reg := &scriptedRegistrar{results: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	sink := &eventSink{}
	sup := NewSupervisor(reg, sink.deliver, nil, SupervisorOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool { return reg.callCount() >= 3 })

	// No further attempts without a manual retry.
	time.Sleep(50 * time.Millisecond)
	if got := reg.callCount(); got != 3 {
		t.Fatalf("expected attempts to stop at 3, got %d", got)
	}

	sup.RetryNow()
	waitFor(t, func() bool { return reg.callCount() >= 4 })
}

func TestSupervisorRefreshDoesNotFlapState(t *testing.T) {
	reg := &scriptedRegistrar{}
	sink := &eventSink{}
	sup := NewSupervisor(reg, sink.deliver, nil, SupervisorOptions{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	registrations := func() int {
		n := 0
		for _, ev := range sink.snapshot() {
			if _, ok := ev.(call.Registered); ok {
				n++
			}
		}
		return n
	}
	waitFor(t, func() bool { return registrations() >= 1 })

	// Force a pre-expiry refresh. It succeeds again, so the connection
	// state must never pass through pending.
	sup.RetryNow()
	waitFor(t, func() bool { return registrations() >= 2 })

	pending := 0
	for _, ev := range sink.snapshot() {
		if _, ok := ev.(call.RegistrationPending); ok {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected a single pending event across refreshes, got %d", pending)
	}
}

func TestSupervisorEmitsLostOnFailure(t *testing.T) {
	regErr := errors.New("credentials expired")
	reg := &scriptedRegistrar{results: []error{regErr, nil}}
	sink := &eventSink{}
	sup := NewSupervisor(reg, sink.deliver, nil, SupervisorOptions{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool { return reg.callCount() >= 2 })

	var sawPending, sawLost bool
	for _, ev := range sink.snapshot() {
		switch e := ev.(type) {
		case call.RegistrationPending:
			sawPending = true
		case call.RegistrationLost:
			sawLost = true
			if !errors.Is(e.Err, regErr) {
				t.Errorf("lost event should carry the registration error, got %v", e.Err)
			}
		}
	}
	if !sawPending || !sawLost {
		t.Fatalf("expected pending and lost events, got %v", sink.snapshot())
	}
}
