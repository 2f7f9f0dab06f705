package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeworks/softphone/e164"
)

const (
	// defaultInviteWindow bounds how long the signaling path may go
	// without provider acknowledgment before the server-relay path is
	// engaged alongside it.
	defaultInviteWindow = 8 * time.Second

	// teardownTimeout bounds best-effort remote teardown after local
	// state has already been forced to idle.
	teardownTimeout = 10 * time.Second
)

// Options configures a Controller. Zero values get sensible defaults.
type Options struct {
	Logger     *slog.Logger
	FromNumber string

	// Recorder receives final session snapshots for local call history.
	// Optional.
	Recorder Recorder

	// Notify receives one-shot user-visible notices. Optional.
	Notify func(Notice)

	// InviteWindow overrides the signaling acknowledgment window.
	InviteWindow time.Duration

	// TickInterval overrides the duration-timer period.
	TickInterval time.Duration

	// Now and NewID exist for tests.
	Now   func() time.Time
	NewID func() string
}

// Controller is the call-session state machine. It owns at most one live
// Session, validates every user operation against the current state, and
// folds events from all three producers (signaling, relay, bridge)
// through a single reducer guarded by one mutex, so mutation is
// serialized onto one logical thread and out-of-order or duplicate
// events collapse into no-ops.
type Controller struct {
	logger   *slog.Logger
	signaler Signaler
	relay    Relay
	gate     MediaGate
	recorder Recorder
	notify   func(Notice)

	fromNumber   string
	inviteWindow time.Duration
	tickInterval time.Duration
	now          func() time.Time
	newID        func() string

	mu          sync.Mutex
	conn        ConnectionState
	sess        *Session
	handle      Handle
	offerSID    string // call SID of a pending inbound signaling offer
	accepting   bool
	sigProgress bool
	// pendingBridge holds bridge events that arrived before the session
	// learned its provider identifiers; see stashBridgeLocked.
	pendingBridge []Event
	timer       *sessionTimer
	dialCancel  context.CancelFunc
	closed      bool

	subs    map[int]chan Snapshot
	nextSub int

	// counters for metrics
	dials     int64
	fallbacks int64
	completed int64
}

// New creates a Controller wired to the given collaborators. Any of them
// may be nil for a path the embedding app does not use; operations that
// need a missing path fail with ErrUnsupported.
func New(signaler Signaler, relay Relay, gate MediaGate, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InviteWindow <= 0 {
		opts.InviteWindow = defaultInviteWindow
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Controller{
		logger:       opts.Logger.With("subsystem", "call-controller"),
		signaler:     signaler,
		relay:        relay,
		gate:         gate,
		recorder:     opts.Recorder,
		notify:       opts.Notify,
		fromNumber:   opts.FromNumber,
		inviteWindow: opts.InviteWindow,
		tickInterval: opts.TickInterval,
		now:          opts.Now,
		newID:        opts.NewID,
		conn:         ConnDisconnected,
		subs:         make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers a state-change listener. The returned cancel
// function must be called when the listener goes away; calling it twice
// is safe. Slow listeners drop snapshots rather than block the reducer.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 16)
	c.subs[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Dial places an outbound call. Preconditions: no live session, and a
// registered transport or a configured relay path; otherwise
// ErrNotReady. With the transport unregistered the dial goes straight to
// the relay, so a relay-only deployment can still place calls. The
// number is normalized to E.164 before dialing; validation beyond that
// is the provider's problem. The signaling and server-relay paths race
// per the rules in the package comment and the first to report progress
// sets the session's transport.
func (c *Controller) Dial(ctx context.Context, name, number, contactID string) (Session, error) {
	target := e164.Normalize(number)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrNotReady
	}
	if c.sess.live() {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: a call is already in progress", ErrNotReady)
	}
	if c.conn != ConnRegistered && c.relay == nil {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: transport is %s", ErrNotReady, c.conn)
	}

	sess := &Session{
		ID:        c.newID(),
		Direction: DirectionOutbound,
		Remote:    RemoteParty{DisplayName: name, Number: target, ContactID: contactID},
		State:     StateConnecting,
		Transport: TransportUnknown,
		StartedAt: c.now(),
	}
	c.sess = sess
	c.sigProgress = false
	c.handle = nil
	c.offerSID = ""
	c.pendingBridge = nil
	c.dials++

	// The race outlives the caller's context: once a dial is accepted
	// only hangup or a terminal event should cancel it.
	raceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.dialCancel = cancel

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("dial requested",
		"session_id", sess.ID,
		"to", target,
		"contact_id", contactID,
	)
	c.publish(snap)

	go c.runDial(raceCtx, sess.ID, target, contactID)
	return *sess, nil
}

// runDial drives the outbound race: the attempt is always logged through
// the backend, the signaling invite gets a bounded window, and the relay
// path engages if signaling cannot carry the call.
func (c *Controller) runDial(ctx context.Context, sessionID, target, contactID string) {
	if c.relay != nil {
		go func() {
			recordID, err := c.relay.LogCall(ctx, c.fromNumber, target, contactID)
			if err != nil {
				// Audit logging failure never blocks the call itself.
				c.logger.Warn("failed to log call attempt", "session_id", sessionID, "error", err)
				return
			}
			c.Deliver(CallLogged{SessionID: sessionID, RecordID: recordID})
		}()
	}

	if !c.tryInvite(ctx, sessionID, target) {
		c.engageFallback(ctx, sessionID, target, contactID)
		return
	}

	// Signaling invite is in flight. Give it the bounded window; if no
	// acknowledgment lands, engage the relay path so the call is never
	// silently dropped.
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.inviteWindow):
	}

	c.mu.Lock()
	stalled := c.sess != nil && c.sess.ID == sessionID && !c.sigProgress
	c.mu.Unlock()
	if stalled {
		c.logger.Warn("signaling did not acknowledge within window, engaging server relay",
			"session_id", sessionID,
			"window", c.inviteWindow.String(),
		)
		c.engageFallback(ctx, sessionID, target, contactID)
	}
}

// tryInvite attempts the WebRTC/SIP path. It returns false when that
// path cannot be used at all (transport missing or not registered, media
// permission denied, invite send failure) so the caller falls back.
func (c *Controller) tryInvite(ctx context.Context, sessionID, target string) bool {
	if c.signaler == nil || !c.signaler.Ready() {
		return false
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			c.logger.Warn("media acquisition failed, falling back to server relay",
				"session_id", sessionID,
				"error", err,
			)
			return false
		}
	}

	handle, err := c.signaler.Invite(ctx, sessionID, target)
	if err != nil {
		c.logger.Warn("signaling invite failed, falling back to server relay",
			"session_id", sessionID,
			"error", err,
		)
		if c.gate != nil {
			c.gate.Release()
		}
		return false
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.ID == sessionID {
		c.handle = handle
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	// Session ended while the invite was being sent.
	tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer tcancel()
	_ = handle.Terminate(tctx)
	return false
}

// engageFallback places the call through the server-relay path.
func (c *Controller) engageFallback(ctx context.Context, sessionID, target, contactID string) {
	if c.relay == nil {
		c.Deliver(RelayFailed{SessionID: sessionID, Err: fmt.Errorf("%w: no relay path configured", ErrUnsupported)})
		return
	}

	c.mu.Lock()
	recordID := ""
	if c.sess != nil && c.sess.ID == sessionID {
		recordID = c.sess.Refs.BackendRecordID
	}
	c.fallbacks++
	c.mu.Unlock()

	refs, err := c.relay.PlaceCall(ctx, c.fromNumber, target, contactID, recordID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.Deliver(RelayFailed{SessionID: sessionID, Err: err})
		return
	}
	c.Deliver(RelayAccepted{SessionID: sessionID, CallSID: refs.CallSID, RecordID: refs.RecordID})
}

// AcceptIncoming answers the ringing inbound call. It acquires the
// microphone first (mapping denial to ErrPermissionDenied) and then asks
// the signaling transport to answer; the media-confirmed event drives
// the session to active. Server-routed inbound calls have no local leg
// to answer and report ErrUnsupported.
func (c *Controller) AcceptIncoming(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.sess == nil || c.sess.Direction != DirectionInbound || c.sess.State != StateDialing || c.accepting {
		c.mu.Unlock()
		return Session{}, ErrNotReady
	}
	if c.offerSID == "" || c.signaler == nil {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: inbound call has no local signaling leg", ErrUnsupported)
	}
	c.accepting = true
	sessionID := c.sess.ID
	offerSID := c.offerSID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			c.Deliver(Terminated{
				Source:    SourceSignaling,
				SessionID: sessionID,
				Reason:    ReasonFailed,
				Err:       wrapped,
			})
			return Session{}, wrapped
		}
	}

	handle, err := c.signaler.Answer(ctx, sessionID, offerSID)
	if err != nil {
		if c.gate != nil {
			c.gate.Release()
		}
		wrapped := fmt.Errorf("%w: %v", ErrProviderRejected, err)
		c.Deliver(Terminated{
			Source:    SourceSignaling,
			SessionID: sessionID,
			Reason:    ReasonFailed,
			Err:       wrapped,
		})
		return Session{}, wrapped
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.ID == sessionID {
		c.handle = handle
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	if snap.Session != nil {
		return *snap.Session, nil
	}
	return Session{}, ErrNotReady
}

// HangUp ends the current call from any non-idle state. It is
// idempotent: with no live session it is a silent no-op. Local state is
// forced to idle unconditionally; remote teardown (signaling
// bye/cancel/reject or provider REST hangup) is best effort so the UI
// can never get stuck on a failed teardown call.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	if !c.sess.live() {
		c.mu.Unlock()
		return nil
	}
	hadHandle := c.handle != nil
	callSID := c.sess.Refs.CallSID
	// endSessionLocked posts the signaling bye/cancel/reject itself when
	// a handle exists.
	eff := c.endSessionLocked(ReasonHangup, nil)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.finish(eff, snap)

	if !hadHandle && callSID != "" && c.relay != nil {
		go func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
			defer cancel()
			if err := c.relay.Hangup(tctx, callSID); err != nil {
				c.logger.Warn("relay hangup failed", "call_sid", callSID, "error", err)
			}
		}()
	}
	return nil
}

// ToggleMute flips the local audio track. Allowed only while active or
// muted; server-relay calls cannot be muted locally and report
// ErrUnsupported without changing state.
func (c *Controller) ToggleMute() error {
	c.mu.Lock()

	if c.sess == nil || (c.sess.State != StateActive && c.sess.State != StateMuted) {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.sess.Transport != TransportWebRTC || c.gate == nil {
		c.mu.Unlock()
		return ErrUnsupported
	}

	mute := c.sess.State == StateActive
	if err := c.gate.SetMuted(mute); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("setting mute: %w", err)
	}
	c.sess.MediaMuted = mute
	if mute {
		c.sess.State = StateMuted
	} else {
		c.sess.State = StateActive
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// SendDigit sends one DTMF digit during a live call: in-band over the
// signaling path when available, otherwise via the provider REST API
// keyed by the call SID. Failures are reported to the caller and never
// change call state.
func (c *Controller) SendDigit(ctx context.Context, digit string) error {
	c.mu.Lock()
	if c.sess == nil || (c.sess.State != StateActive && c.sess.State != StateMuted) {
		c.mu.Unlock()
		return ErrNotReady
	}
	handle := c.handle
	callSID := c.sess.Refs.CallSID
	c.mu.Unlock()

	if handle != nil {
		if err := handle.SendDigits(ctx, digit); err != nil {
			return fmt.Errorf("sending dtmf via signaling: %w", err)
		}
		return nil
	}
	if callSID != "" && c.relay != nil {
		if err := c.relay.SendDTMF(ctx, callSID, digit); err != nil {
			return fmt.Errorf("sending dtmf via relay: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: no dtmf path for this call", ErrUnsupported)
}

// Close tears the controller down: cancels any in-flight dial, stops the
// timer, releases media and drops subscribers. Repeated calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	eff := effects{}
	if c.sess.live() {
		eff = c.endSessionLocked(ReasonCancelled, nil)
	}
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	for _, fn := range eff.post {
		fn()
	}
	c.logger.Info("call controller closed")
}

// Deliver feeds one event into the reducer. It is safe to call from any
// goroutine; all three producers funnel through here.
func (c *Controller) Deliver(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	eff := c.apply(ev)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if eff.changed {
		c.finish(eff, snap)
	} else {
		for _, fn := range eff.post {
			fn()
		}
	}
}

// Stats is a point-in-time counter snapshot for metrics.
type Stats struct {
	Conn       ConnectionState
	ActiveCall bool
	Dials      int64
	Fallbacks  int64
	Completed  int64
}

// CurrentStats returns counters for the metrics collector.
func (c *Controller) CurrentStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Conn:       c.conn,
		ActiveCall: c.sess.live(),
		Dials:      c.dials,
		Fallbacks:  c.fallbacks,
		Completed:  c.completed,
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{Conn: c.conn, Now: c.now()}
	if c.sess != nil {
		s := *c.sess
		snap.Session = &s
	}
	return snap
}

// publish fans a snapshot out to subscribers without blocking the
// reducer; slow subscribers lose intermediate snapshots.
func (c *Controller) publish(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Controller) emit(n Notice) {
	if c.notify != nil {
		c.notify(n)
	}
}

func (c *Controller) finish(eff effects, snap Snapshot) {
	for _, fn := range eff.post {
		fn()
	}
	if eff.changed {
		c.publish(snap)
	}
	for _, n := range eff.notices {
		c.emit(n)
	}
}

// tick republishes the snapshot once per second while a call is live so
// observers see the duration advance.
func (c *Controller) tick() {
	c.mu.Lock()
	if c.sess == nil || (c.sess.State != StateActive && c.sess.State != StateMuted) {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}
