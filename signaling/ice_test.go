package signaling

import (
	"sync"
	"testing"
	"time"
)

type fatalRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fatalRecorder) onFatal(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestICEMonitorSustainedFailureFires(t *testing.T) {
	rec := &fatalRecorder{}
	m := NewICEMonitor(20*time.Millisecond, rec.onFatal, nil)
	m.Watch("sess-1")

	m.Report(ICEFailed)

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("expected 1 fatal callback, got %d", got)
	}
}

func TestICEMonitorRecoveryCancelsTimer(t *testing.T) {
	rec := &fatalRecorder{}
	m := NewICEMonitor(30*time.Millisecond, rec.onFatal, nil)
	m.Watch("sess-1")

	m.Report(ICEDisconnected)
	m.Report(ICEConnected)

	time.Sleep(80 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("expected no fatal callback after recovery, got %d", got)
	}
}

func TestICEMonitorDisconnectThenFailedKeepsOneTimer(t *testing.T) {
	rec := &fatalRecorder{}
	m := NewICEMonitor(30*time.Millisecond, rec.onFatal, nil)
	m.Watch("sess-1")

	m.Report(ICEDisconnected)
	m.Report(ICEFailed)

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("expected exactly 1 fatal callback, got %d", got)
	}
}

func TestICEMonitorStopPreventsLateFire(t *testing.T) {
	rec := &fatalRecorder{}
	m := NewICEMonitor(20*time.Millisecond, rec.onFatal, nil)
	m.Watch("sess-1")

	m.Report(ICEFailed)
	m.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("expected no fatal callback after stop, got %d", got)
	}
}

func TestICEMonitorWatchResetsForNewSession(t *testing.T) {
	rec := &fatalRecorder{}
	m := NewICEMonitor(20*time.Millisecond, rec.onFatal, nil)

	m.Watch("sess-1")
	m.Report(ICEFailed)
	m.Watch("sess-2")

	time.Sleep(60 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("old session timer should not fire after rebind, got %d", got)
	}

	m.Report(ICEFailed)
	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || rec.calls[0] != "sess-2" {
		t.Fatalf("expected one callback for sess-2, got %v", rec.calls)
	}
}
