package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradeworks/softphone/call"
	"github.com/tradeworks/softphone/internal/backoff"
)

// registrar is the slice of the transport the supervisor drives.
type registrar interface {
	// Register performs one registration attempt and returns the
	// granted expiry in seconds.
	Register(ctx context.Context) (int, error)
}

const defaultMaxAttempts = 6

// Supervisor keeps the transport registered: initial registration,
// refresh before expiry, and retry with capped exponential backoff on
// failure. After the attempt cap it stops retrying and waits for a
// manual RetryNow, so a dead network never produces a reconnection
// storm.
type Supervisor struct {
	reg         registrar
	deliver     func(call.Event)
	logger      *slog.Logger
	maxAttempts int
	backoff     *backoff.Backoff
	retryNow    chan struct{}
}

// SupervisorOptions tunes retry behavior. Zero values select defaults.
type SupervisorOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewSupervisor creates a supervisor over the given transport. deliver
// receives connection-state events; it must not block.
func NewSupervisor(reg registrar, deliver func(call.Event), logger *slog.Logger, opts SupervisorOptions) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	return &Supervisor{
		reg:         reg,
		deliver:     deliver,
		logger:      logger.With("subsystem", "reconnection-supervisor"),
		maxAttempts: opts.MaxAttempts,
		backoff:     backoff.New(opts.BaseDelay, opts.MaxDelay),
		retryNow:    make(chan struct{}, 1),
	}
}

// RetryNow requests an immediate registration attempt, resetting the
// backoff. Safe to call from any goroutine; coalesces if one is already
// queued.
func (s *Supervisor) RetryNow() {
	select {
	case s.retryNow <- struct{}{}:
	default:
	}
}

// Run drives the registration lifecycle until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	registered := false
	for {
		// A pre-expiry refresh is not a state change: pending is only
		// reported while the transport is actually unregistered, so a
		// healthy refresh never flaps the connection state.
		if !registered {
			s.deliver(call.RegistrationPending{})
		}

		granted, err := s.reg.Register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			registered = false
			s.deliver(call.RegistrationLost{Err: err})

			attempt := s.backoff.Attempt() + 1
			if attempt >= s.maxAttempts {
				s.logger.Error("registration failed, waiting for manual retry",
					"error", err,
					"attempts", attempt,
				)
				if !s.waitRetry(ctx) {
					return
				}
				s.backoff.Reset()
				continue
			}

			delay := s.backoff.Next()
			s.logger.Warn("registration failed",
				"error", err,
				"attempt", attempt,
				"retry_in", delay.String(),
			)

			select {
			case <-ctx.Done():
				return
			case <-s.retryNow:
				s.backoff.Reset()
			case <-time.After(delay):
			}
			continue
		}

		s.backoff.Reset()
		registered = true
		s.deliver(call.Registered{})
		s.logger.Info("registered", "expires_in", granted)

		// Refresh at 80% of the granted expiry to absorb network delay.
		refresh := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-s.retryNow:
			s.logger.Info("manual re-registration requested")
		case <-time.After(refresh):
			s.logger.Debug("re-registering before expiry")
		}
	}
}

// waitRetry blocks until a manual retry arrives or ctx ends. Reports
// false on cancellation.
func (s *Supervisor) waitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.retryNow:
		return true
	}
}
