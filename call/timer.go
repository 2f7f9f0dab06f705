package call

import (
	"sync"
	"time"
)

// sessionTimer is the owned 1 Hz duration timer. It runs only while the
// session is in active or muted and is guaranteed stopped on any exit
// from that pair of states and on controller close. Stop is idempotent.
type sessionTimer struct {
	interval time.Duration
	tick     func()

	once sync.Once
	stop chan struct{}
}

func newSessionTimer(interval time.Duration, tick func()) *sessionTimer {
	t := &sessionTimer{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *sessionTimer) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// Stop halts the timer. Safe to call more than once.
func (t *sessionTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
}
