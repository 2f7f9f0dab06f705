package signaling

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ICEState mirrors the connectivity-negotiation states reported by the
// media layer.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// defaultICEGrace tolerates transient network blips before a degraded
// ICE state is treated as fatal to the call.
const defaultICEGrace = 5 * time.Second

// ICEMonitor watches connectivity state for one call leg. A sustained
// disconnected or failed state past the grace period fires onFatal
// exactly once; recovery inside the grace period cancels the timer.
type ICEMonitor struct {
	grace   time.Duration
	onFatal func(sessionID string, err error)
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
	degraded  ICEState
	timer     *time.Timer
	fired     bool
}

// NewICEMonitor creates a monitor. grace <= 0 selects the default.
func NewICEMonitor(grace time.Duration, onFatal func(sessionID string, err error), logger *slog.Logger) *ICEMonitor {
	if grace <= 0 {
		grace = defaultICEGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ICEMonitor{
		grace:   grace,
		onFatal: onFatal,
		logger:  logger.With("subsystem", "ice-monitor"),
	}
}

// Watch binds the monitor to a session. Any running grace timer from a
// previous session is cancelled.
func (m *ICEMonitor) Watch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.sessionID = sessionID
	m.degraded = ""
	m.fired = false
}

// Stop unbinds the monitor. Called on session teardown so a late timer
// cannot fire against a dead session.
func (m *ICEMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.sessionID = ""
	m.degraded = ""
}

// Report feeds a connectivity state change from the media layer.
func (m *ICEMonitor) Report(state ICEState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID == "" || m.fired {
		return
	}

	switch state {
	case ICEDisconnected, ICEFailed:
		// failed escalates a running disconnected timer but never
		// restarts the countdown.
		if m.timer != nil {
			m.degraded = state
			return
		}
		m.degraded = state
		sessionID := m.sessionID
		m.logger.Warn("ice degraded, grace timer started",
			"session_id", sessionID,
			"state", string(state),
			"grace", m.grace.String(),
		)
		m.timer = time.AfterFunc(m.grace, func() {
			m.fire(sessionID)
		})

	case ICEConnected, ICECompleted:
		if m.timer != nil {
			m.logger.Info("ice recovered within grace period",
				"session_id", m.sessionID,
			)
		}
		m.stopTimerLocked()
		m.degraded = ""
	}
}

func (m *ICEMonitor) fire(sessionID string) {
	m.mu.Lock()
	if m.sessionID != sessionID || m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	state := m.degraded
	m.timer = nil
	m.mu.Unlock()

	m.logger.Error("ice failure sustained past grace period",
		"session_id", sessionID,
		"state", string(state),
	)
	m.onFatal(sessionID, fmt.Errorf("ice %s sustained for %s", state, m.grace))
}

func (m *ICEMonitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
