package call

// Source identifies which producer emitted an event. The controller uses
// it for the tie-break rule: when signaling and the status bridge both
// report progress or termination for the same session, the first matched
// event wins and duplicates are ignored.
type Source string

const (
	SourceSignaling Source = "signaling"
	SourceRelay     Source = "relay"
	SourceBridge    Source = "bridge"
)

// Reason is the terminal cause carried by a Terminated event. The
// backend status vocabulary (completed, failed, cancelled) maps onto it
// directly.
type Reason string

const (
	ReasonHangup      Reason = "hangup"
	ReasonBye         Reason = "bye"
	ReasonRejected    Reason = "rejected"
	ReasonCompleted   Reason = "completed"
	ReasonFailed      Reason = "failed"
	ReasonCancelled   Reason = "cancelled"
	ReasonNoAnswer    Reason = "no-answer"
	ReasonMediaFailed Reason = "media-failed"
)

// Event is the closed set of internal events the controller consumes.
// Small adapters in the signaling, relay and bridge packages translate
// provider-specific shapes into these, so the state machine never depends
// on a signaling library's event names.
type Event interface {
	event()
}

// RegistrationPending reports a registration attempt in flight.
type RegistrationPending struct{}

// Registered reports the signaling transport completing registration.
type Registered struct{}

// RegistrationLost reports the transport losing its registration. It is
// not fatal to a call already in progress.
type RegistrationLost struct {
	Err error
}

// InviteRinging reports provider acknowledgment of an outbound attempt
// (SIP 180/183, or a ringing call-log row) before media is up.
type InviteRinging struct {
	Source    Source
	SessionID string
	CallSID   string
	RecordID  string
}

// InviteReceived reports an inbound call offer, either a SIP INVITE or a
// ringing inbound call-log row for a server-routed call.
type InviteReceived struct {
	Source      Source
	From        string
	DisplayName string
	ContactID   string
	CallSID     string
	RecordID    string
}

// MediaConnected reports a confirmed media path: the call is live.
type MediaConnected struct {
	Source    Source
	SessionID string
	CallSID   string
	RecordID  string
}

// MediaFailed reports a fatal media-path failure (sustained ICE failure).
type MediaFailed struct {
	SessionID string
	Err       error
}

// CallLogged reports that the backend call-log row for an attempt has
// been created. It carries correlation only, not call progress.
type CallLogged struct {
	SessionID string
	RecordID  string
}

// RelayAccepted reports the server-relay path successfully placing the
// call with the provider.
type RelayAccepted struct {
	SessionID string
	CallSID   string
	RecordID  string
}

// RelayFailed reports the server-relay path failing to place the call.
// Fatal only if no other path has made progress.
type RelayFailed struct {
	SessionID string
	Err       error
}

// Terminated reports a terminal event for the session from any source.
type Terminated struct {
	Source    Source
	SessionID string
	CallSID   string
	RecordID  string
	Reason    Reason
	Err       error
}

func (RegistrationPending) event() {}

func (Registered) event()       {}
func (RegistrationLost) event() {}
func (InviteRinging) event()    {}
func (InviteReceived) event()   {}
func (MediaConnected) event()   {}
func (MediaFailed) event()      {}
func (CallLogged) event()       {}
func (RelayAccepted) event()    {}
func (RelayFailed) event()      {}
func (Terminated) event()       {}

// matches reports whether an event's correlation identifiers refer to the
// given session. Local events carry the session ID; bridge events carry
// the provider call SID or the backend record ID.
func matches(s *Session, sessionID, callSID, recordID string) bool {
	if s == nil {
		return false
	}
	if sessionID != "" && sessionID == s.ID {
		return true
	}
	if callSID != "" && callSID == s.Refs.CallSID {
		return true
	}
	if recordID != "" && recordID == s.Refs.BackendRecordID {
		return true
	}
	return false
}
