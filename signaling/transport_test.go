package signaling

import (
	"errors"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/tradeworks/softphone/call"
)

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name    string
		contact string
		want    int
	}{
		{"with expires", "<sip:alice@host>;expires=3600", 3600},
		{"expires then params", "<sip:alice@host>;expires=120;q=0.5", 120},
		{"no expires", "<sip:alice@host>", 0},
		{"uppercase", "<sip:alice@host>;EXPIRES=60", 60},
		{"malformed", "<sip:alice@host>;expires=abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.contact); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.contact, got, tt.want)
			}
		})
	}
}

func TestMapInviteFailure(t *testing.T) {
	tests := []struct {
		status     int
		wantReason call.Reason
		wantReject bool
	}{
		{480, call.ReasonNoAnswer, false},
		{408, call.ReasonNoAnswer, false},
		{487, call.ReasonCancelled, false},
		{486, call.ReasonRejected, true},
		{603, call.ReasonRejected, true},
		{403, call.ReasonFailed, true},
		{500, call.ReasonFailed, true},
	}

	for _, tt := range tests {
		reason, err := mapInviteFailure(tt.status, "x")
		if reason != tt.wantReason {
			t.Errorf("status %d: reason = %q, want %q", tt.status, reason, tt.wantReason)
		}
		if tt.wantReject != errors.Is(err, call.ErrProviderRejected) {
			t.Errorf("status %d: rejection error = %v, want rejection %v", tt.status, err, tt.wantReject)
		}
	}
}

func TestBuildCANCELCopiesInviteIdentity(t *testing.T) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:+15551234567@sip.example.com", &recipient); err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	invite := sip.NewRequest(sip.INVITE, recipient)
	invite.AppendHeader(sip.NewHeader("Via", "SIP/2.0/WSS host;branch=z9hG4bK776asdhds"))
	invite.AppendHeader(sip.NewHeader("From", "<sip:agent@sip.example.com>;tag=abc"))
	invite.AppendHeader(sip.NewHeader("To", "<sip:+15551234567@sip.example.com>"))
	invite.AppendHeader(sip.NewHeader("Call-ID", "call-1"))
	invite.AppendHeader(sip.NewHeader("CSeq", "1 INVITE"))

	cancel := buildCANCEL(invite)

	if cancel.Method != sip.CANCEL {
		t.Errorf("method = %s", cancel.Method)
	}
	if via := cancel.Via(); via == nil || !strings.Contains(via.Value(), "z9hG4bK776asdhds") {
		t.Error("cancel must reuse the invite's top via branch")
	}
	if cid := cancel.CallID(); cid == nil || cid.Value() != "call-1" {
		t.Error("cancel must carry the invite's call-id")
	}
	cseq := cancel.CSeq()
	if cseq == nil || cseq.SeqNo != 1 || cseq.MethodName != sip.CANCEL {
		t.Errorf("cseq = %v, want 1 CANCEL", cseq)
	}
}

func TestBuildSDPShape(t *testing.T) {
	body := string(buildSDP("agent", "10.0.0.1"))

	for _, want := range []string{"v=0", "m=audio", "PCMU/8000", "telephone-event/8000", "a=sendrecv"} {
		if !strings.Contains(body, want) {
			t.Errorf("sdp missing %q:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "\r\n") {
		t.Error("sdp lines must be CRLF terminated")
	}
}
