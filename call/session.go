// Package call implements the softphone call-session state machine.
//
// A Controller owns at most one live Session at a time and is the single
// authority for the externally observed call state. It consumes events
// from the SIP signaling transport, the server-relay dialer and the
// backend status bridge, and reconciles them into one consistent state.
package call

import "time"

// State is the lifecycle state of a call session.
//
// Transitions are monotonic toward idle except for the active ⇄ muted
// cycle: idle → connecting → dialing → active ⇄ muted → idle, with a
// direct jump to idle on hangup or any fatal error. Inbound calls enter
// at dialing.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateDialing    State = "dialing"
	StateActive     State = "active"
	StateMuted      State = "muted"
)

// Direction indicates who originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Transport is the path that carries a call. It is set once, by the
// first path to report progress, and never changes for the session.
type Transport string

const (
	TransportUnknown     Transport = "unknown"
	TransportWebRTC      Transport = "webrtc"
	TransportServerRelay Transport = "server-relay"
)

// ConnectionState is the registration state of the signaling transport,
// independent of any call.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnRegistered   ConnectionState = "registered"
	ConnError        ConnectionState = "error"
)

// RemoteParty identifies the far end of a call.
type RemoteParty struct {
	DisplayName string
	Number      string
	ContactID   string
}

// ProviderRefs holds correlation identifiers assigned by the telephony
// provider and the backend call-log once they are known.
type ProviderRefs struct {
	CallSID         string
	BackendRecordID string
}

// Session is the unit of work for one phone call. Sessions are created
// when a dial is requested or an inbound invite arrives and discarded
// once they return to idle; the backend call-log row they reference
// outlives them.
type Session struct {
	ID         string
	Direction  Direction
	Remote     RemoteParty
	State      State
	Transport  Transport
	MediaMuted bool

	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time

	LastError error
	Refs      ProviderRefs
}

// DurationSeconds returns the connected call duration: now − ConnectedAt
// while the call is live, frozen at EndedAt − ConnectedAt once ended.
// Zero before the media path is confirmed.
func (s *Session) DurationSeconds(now time.Time) int {
	if s.ConnectedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// live reports whether the session still occupies the controller.
func (s *Session) live() bool {
	return s != nil && s.State != StateIdle
}
