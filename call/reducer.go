package call

import (
	"context"
	"fmt"
)

// effects is what a reducer step asks the caller to do after the mutex
// is released: fan out a snapshot, emit notices, run side effects that
// must not hold the lock (remote teardown, history writes).
type effects struct {
	changed bool
	notices []Notice
	post    []func()
}

// apply is the single dispatcher every event goes through. It runs with
// the controller mutex held. Re-entrant transitions to the current state
// are no-ops, which is what makes duplicate and out-of-order terminal
// events safe.
func (c *Controller) apply(ev Event) effects {
	switch e := ev.(type) {
	case RegistrationPending:
		if c.conn == ConnConnecting {
			return effects{}
		}
		c.conn = ConnConnecting
		return effects{changed: true}

	case Registered:
		if c.conn == ConnRegistered {
			return effects{}
		}
		c.conn = ConnRegistered
		return effects{changed: true}

	case RegistrationLost:
		target := ConnDisconnected
		if e.Err != nil {
			target = ConnError
		}
		if c.conn == target {
			return effects{}
		}
		// Losing registration is not fatal to a call in progress: the
		// media path is independent and the call survives unless media
		// also fails.
		c.conn = target
		if c.sess.live() {
			c.logger.Warn("registration lost during call, call continues",
				"session_id", c.sess.ID,
				"error", e.Err,
			)
		}
		return effects{changed: true}

	case CallLogged:
		if !matches(c.sess, e.SessionID, "", "") {
			return effects{}
		}
		if c.sess.Refs.BackendRecordID == "" && e.RecordID != "" {
			c.sess.Refs.BackendRecordID = e.RecordID
			return c.replayPendingLocked(effects{changed: true})
		}
		return effects{}

	case InviteRinging:
		if !matches(c.sess, e.SessionID, e.CallSID, e.RecordID) {
			c.stashBridgeLocked(e.Source, ev)
			return effects{}
		}
		eff := effects{}
		if e.Source == SourceSignaling {
			c.sigProgress = true
			// If the relay path already won the race, the signaling
			// attempt is surplus: tear it down rather than ring the
			// callee twice.
			if c.sess.Transport == TransportServerRelay && c.handle != nil {
				eff.post = append(eff.post, c.teardownHandleFn())
			}
		}
		c.mergeRefs(e.CallSID, e.RecordID)
		if c.sess.Transport == TransportUnknown {
			c.sess.Transport = transportForSource(e.Source)
			eff.changed = true
		}
		if c.sess.State == StateConnecting {
			c.sess.State = StateDialing
			eff.changed = true
		}
		return eff

	case InviteReceived:
		if c.sess.live() {
			// At most one non-terminal session per client; a competing
			// offer while busy is dropped.
			c.logger.Warn("inbound call ignored, session already in progress",
				"from", e.From,
				"call_sid", e.CallSID,
			)
			return effects{}
		}
		name := e.DisplayName
		if name == "" {
			name = "Incoming Call"
		}
		c.sess = &Session{
			ID:        c.newID(),
			Direction: DirectionInbound,
			Remote:    RemoteParty{DisplayName: name, Number: e.From, ContactID: e.ContactID},
			State:     StateDialing,
			Transport: TransportUnknown,
			StartedAt: c.now(),
			Refs:      ProviderRefs{CallSID: e.CallSID, BackendRecordID: e.RecordID},
		}
		c.sigProgress = e.Source == SourceSignaling
		c.accepting = false
		c.handle = nil
		c.offerSID = ""
		c.pendingBridge = nil
		if e.Source == SourceSignaling {
			c.offerSID = e.CallSID
		}
		return effects{changed: true, notices: []Notice{{Kind: NoticeIncoming}}}

	case MediaConnected:
		if !matches(c.sess, e.SessionID, e.CallSID, e.RecordID) {
			c.stashBridgeLocked(e.Source, ev)
			return effects{}
		}
		c.mergeRefs(e.CallSID, e.RecordID)
		if c.sess.State != StateConnecting && c.sess.State != StateDialing {
			// Already active (or muted): a second confirmation from the
			// other channel merges identifiers and nothing else.
			return effects{}
		}
		if e.Source == SourceSignaling {
			c.sigProgress = true
		}
		if c.sess.Transport == TransportUnknown {
			c.sess.Transport = transportForSource(e.Source)
		}
		if c.sess.ConnectedAt == nil {
			now := c.now()
			c.sess.ConnectedAt = &now
		}
		c.sess.State = StateActive
		c.startTimerLocked()
		return effects{changed: true, notices: []Notice{{Kind: NoticeConnected}}}

	case MediaFailed:
		if c.sess == nil {
			return effects{}
		}
		if e.SessionID != "" && e.SessionID != c.sess.ID {
			return effects{}
		}
		err := e.Err
		if err == nil {
			err = ErrMediaNegotiationFailed
		} else {
			err = fmt.Errorf("%w: %v", ErrMediaNegotiationFailed, err)
		}
		return c.endSessionLocked(ReasonMediaFailed, err)

	case RelayAccepted:
		if !matches(c.sess, e.SessionID, e.CallSID, e.RecordID) {
			return effects{}
		}
		c.mergeRefs(e.CallSID, e.RecordID)
		eff := effects{changed: true}
		if c.sess.Transport == TransportUnknown {
			c.sess.Transport = TransportServerRelay
		}
		if c.sess.State == StateConnecting {
			c.sess.State = StateDialing
		}
		return c.replayPendingLocked(eff)

	case RelayFailed:
		if !matches(c.sess, e.SessionID, "", "") {
			return effects{}
		}
		if c.sess.Transport == TransportUnknown && !c.sigProgress {
			// Neither path made progress: the call is dead.
			return c.endSessionLocked(ReasonFailed, fmt.Errorf("%w: %v", ErrProviderRejected, e.Err))
		}
		c.logger.Warn("server relay failed, signaling path carries the call",
			"session_id", c.sess.ID,
			"error", e.Err,
		)
		return effects{}

	case Terminated:
		if c.sess == nil {
			// A terminal event for a call that already ended; dropping it
			// here is what keeps the ended notice single-shot.
			return effects{}
		}
		if !matches(c.sess, e.SessionID, e.CallSID, e.RecordID) {
			c.stashBridgeLocked(e.Source, ev)
			return effects{}
		}
		c.mergeRefs(e.CallSID, e.RecordID)
		return c.endSessionLocked(e.Reason, e.Err)
	}

	return effects{}
}

// maxPendingBridge bounds how many unmatched bridge events are held
// while the session's provider identifiers are still in flight.
const maxPendingBridge = 8

// stashBridgeLocked holds an unmatched bridge event when the live
// session has not learned its call SID yet. The status bridge can report
// a row before PlaceCall's response or the call-log write delivers the
// identifiers; the event is replayed once they merge in.
func (c *Controller) stashBridgeLocked(src Source, ev Event) {
	if src != SourceBridge || !c.sess.live() || c.sess.Refs.CallSID != "" {
		return
	}
	if len(c.pendingBridge) >= maxPendingBridge {
		return
	}
	c.pendingBridge = append(c.pendingBridge, ev)
}

// replayPendingLocked re-applies stashed bridge events after new
// correlation identifiers arrive. Events that still do not match go back
// into the stash.
func (c *Controller) replayPendingLocked(eff effects) effects {
	if len(c.pendingBridge) == 0 {
		return eff
	}
	pending := c.pendingBridge
	c.pendingBridge = nil
	for _, ev := range pending {
		sub := c.apply(ev)
		eff.changed = eff.changed || sub.changed
		eff.notices = append(eff.notices, sub.notices...)
		eff.post = append(eff.post, sub.post...)
	}
	return eff
}

// mergeRefs fills in correlation identifiers without overwriting ones
// already known.
func (c *Controller) mergeRefs(callSID, recordID string) {
	if c.sess == nil {
		return
	}
	if c.sess.Refs.CallSID == "" && callSID != "" {
		c.sess.Refs.CallSID = callSID
	}
	if c.sess.Refs.BackendRecordID == "" && recordID != "" {
		c.sess.Refs.BackendRecordID = recordID
	}
}

func transportForSource(src Source) Transport {
	if src == SourceSignaling {
		return TransportWebRTC
	}
	return TransportServerRelay
}

// startTimerLocked starts the duration timer if it is not running.
func (c *Controller) startTimerLocked() {
	if c.timer == nil {
		c.timer = newSessionTimer(c.tickInterval, c.tick)
	}
}

// endSessionLocked performs the one and only transition to idle: stop
// the timer, freeze timestamps, hand the final snapshot to the history
// recorder, release media and drop the session. Exactly one ended or
// failed notice is produced per call.
func (c *Controller) endSessionLocked(reason Reason, err error) effects {
	if c.sess == nil {
		return effects{}
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}

	now := c.now()
	c.sess.EndedAt = &now
	if err != nil {
		c.sess.LastError = err
	}
	c.sess.State = StateIdle
	final := *c.sess

	c.sess = nil
	c.offerSID = ""
	c.accepting = false
	c.sigProgress = false
	c.pendingBridge = nil
	c.completed++

	eff := effects{changed: true}
	if err != nil {
		eff.notices = []Notice{{Kind: NoticeFailed, Err: err}}
	} else {
		eff.notices = []Notice{{Kind: NoticeEnded}}
	}

	if c.handle != nil {
		eff.post = append(eff.post, c.teardownHandleFn())
	}
	if c.gate != nil {
		gate := c.gate
		eff.post = append(eff.post, func() { gate.Release() })
	}
	if c.recorder != nil && (final.ConnectedAt != nil || final.Refs != (ProviderRefs{})) {
		rec := c.recorder
		eff.post = append(eff.post, func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			rec.Record(ctx, final)
		})
	}

	c.logger.Info("call ended",
		"session_id", final.ID,
		"reason", string(reason),
		"transport", string(final.Transport),
		"duration_s", final.DurationSeconds(now),
		"error", err,
	)
	return eff
}

// teardownHandleFn detaches the current signaling handle and returns a
// best-effort terminator for it.
func (c *Controller) teardownHandleFn() func() {
	h := c.handle
	c.handle = nil
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := h.Terminate(ctx); err != nil {
			c.logger.Debug("signaling handle teardown failed", "error", err)
		}
	}
}
