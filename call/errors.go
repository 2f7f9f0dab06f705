package call

import "errors"

// Sentinel errors forming the failure taxonomy of the subsystem.
// Transport and provider failures are delivered as events and recorded on
// Session.LastError; these values are what operations return directly and
// what LastError wraps.
var (
	// ErrNotReady is returned when an operation is attempted in a state
	// that does not allow it (dial while busy, mute while idle, ...).
	ErrNotReady = errors.New("call: not ready")

	// ErrPermissionDenied indicates the microphone could not be acquired.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrRegistrationFailed indicates the signaling transport could not
	// register with the provider.
	ErrRegistrationFailed = errors.New("call: registration failed")

	// ErrMediaNegotiationFailed indicates a sustained ICE failure killed
	// the media path.
	ErrMediaNegotiationFailed = errors.New("call: media negotiation failed")

	// ErrProviderRejected indicates the provider refused an invite or a
	// REST call.
	ErrProviderRejected = errors.New("call: provider rejected request")

	// ErrUnsupported indicates the operation is not achievable on the
	// session's transport (e.g. local mute on a server-relay call).
	ErrUnsupported = errors.New("call: operation unsupported on this transport")
)
