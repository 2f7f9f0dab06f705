package call

import (
	"context"
	"time"
)

// Handle controls one signaling-path call after an invite or answer has
// been issued.
type Handle interface {
	// Terminate ends the call leg with whatever is appropriate for its
	// phase: CANCEL before answer, BYE after, reject for an unanswered
	// inbound invite.
	Terminate(ctx context.Context) error

	// SendDigits transmits DTMF in-band over the signaling path.
	SendDigits(ctx context.Context, digits string) error
}

// Signaler is the browser signaling path (SIP over WebSocket). Call
// progress arrives as events delivered to the controller, not through
// these return values.
type Signaler interface {
	// Ready reports whether the transport is registered and able to
	// place WebRTC calls.
	Ready() bool

	// Invite starts an outbound call toward target. The returned handle
	// is valid until the session terminates.
	Invite(ctx context.Context, sessionID, target string) (Handle, error)

	// Answer accepts the pending inbound offer identified by callSID.
	Answer(ctx context.Context, sessionID, callSID string) (Handle, error)
}

// RelayRefs are the correlation identifiers returned by the server-relay
// dialing path.
type RelayRefs struct {
	CallSID  string
	RecordID string
}

// Relay is the server-relay calling path: REST calls against the
// telephony provider, mediated by the backend so every attempt lands in
// the call-log.
type Relay interface {
	// LogCall creates the backend call-log row for an attempt and
	// returns its record ID. Used so WebRTC-path calls are audited even
	// when the relay never dials.
	LogCall(ctx context.Context, from, to, contactID string) (string, error)

	// PlaceCall dials via the provider REST API. recordID, when known,
	// ties the provider call to an existing call-log row.
	PlaceCall(ctx context.Context, from, to, contactID, recordID string) (RelayRefs, error)

	// SendDTMF sends digits via the provider REST API.
	SendDTMF(ctx context.Context, callSID, digits string) error

	// Hangup terminates a provider call by SID.
	Hangup(ctx context.Context, callSID string) error
}

// MediaGate owns the local audio stream for the lifetime of one session.
type MediaGate interface {
	// Acquire requests microphone access. A fresh track is acquired per
	// session; stale streams are never reused.
	Acquire(ctx context.Context) error

	// SetMuted flips the local audio track. Only valid while acquired.
	SetMuted(muted bool) error

	// Release tears the stream down. Safe to call repeatedly.
	Release()
}

// Recorder receives a final session snapshot when a call that reached the
// provider ends, for local call history.
type Recorder interface {
	Record(ctx context.Context, s Session)
}

// NoticeKind classifies user-visible notifications emitted by the
// controller.
type NoticeKind string

const (
	NoticeIncoming  NoticeKind = "incoming-call"
	NoticeConnected NoticeKind = "call-connected"
	NoticeEnded     NoticeKind = "call-ended"
	NoticeFailed    NoticeKind = "call-failed"
)

// Notice is a one-shot user-visible notification. Failed notices carry
// the error kind for a dismissible message.
type Notice struct {
	Kind NoticeKind
	Err  error
}

// Snapshot is the observable state published to subscribers on every
// change and once per second while a call is live. Session is nil when
// no call exists.
type Snapshot struct {
	Session *Session
	Conn    ConnectionState
	Now     time.Time
}
