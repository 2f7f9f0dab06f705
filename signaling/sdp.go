package signaling

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// buildSDP produces a minimal audio session description offering PCMU,
// PCMA and telephone-event. The media address is a placeholder; the
// WebRTC layer replaces it with ICE candidates before the description
// reaches the wire.
func buildSDP(username, host string) []byte {
	sessID := rand.Uint32()

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=%s %d %d IN IP4 %s\r\n", username, sessID, sessID, host)
	fmt.Fprintf(&b, "s=call\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", host)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio 9 UDP/TLS/RTP/SAVPF 0 8 101\r\n")
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}
