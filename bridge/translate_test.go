package bridge

import (
	"errors"
	"testing"

	"github.com/tradeworks/softphone/call"
)

func TestTranslateRinging(t *testing.T) {
	ev, ok := translate(RowChange{
		ID:        "rec-1",
		CallSID:   "CA1",
		Status:    "ringing",
		Direction: "outbound",
	})
	if !ok {
		t.Fatal("expected an event")
	}
	ringing, isRinging := ev.(call.InviteRinging)
	if !isRinging {
		t.Fatalf("expected InviteRinging, got %T", ev)
	}
	if ringing.Source != call.SourceBridge || ringing.RecordID != "rec-1" || ringing.CallSID != "CA1" {
		t.Errorf("event = %+v", ringing)
	}
}

func TestTranslateInboundRinging(t *testing.T) {
	ev, ok := translate(RowChange{
		ID:         "rec-2",
		CallSID:    "CA2",
		Status:     "ringing",
		Direction:  "inbound",
		FromNumber: "+15551234567",
		ContactID:  "contact-3",
	})
	if !ok {
		t.Fatal("expected an event")
	}
	received, isReceived := ev.(call.InviteReceived)
	if !isReceived {
		t.Fatalf("expected InviteReceived, got %T", ev)
	}
	if received.From != "+15551234567" || received.ContactID != "contact-3" {
		t.Errorf("event = %+v", received)
	}
}

func TestTranslateActive(t *testing.T) {
	ev, ok := translate(RowChange{ID: "rec-3", CallSID: "CA3", Status: "active"})
	if !ok {
		t.Fatal("expected an event")
	}
	if _, isConnected := ev.(call.MediaConnected); !isConnected {
		t.Fatalf("expected MediaConnected, got %T", ev)
	}
}

func TestTranslateTerminal(t *testing.T) {
	tests := []struct {
		status     string
		wantReason call.Reason
		wantErr    bool
	}{
		{"completed", call.ReasonCompleted, false},
		{"failed", call.ReasonFailed, true},
		{"busy", call.ReasonFailed, true},
		{"cancelled", call.ReasonCancelled, false},
		{"canceled", call.ReasonCancelled, false},
		{"no-answer", call.ReasonNoAnswer, false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev, ok := translate(RowChange{ID: "rec", CallSID: "CA", Status: tt.status})
			if !ok {
				t.Fatal("expected an event")
			}
			term, isTerm := ev.(call.Terminated)
			if !isTerm {
				t.Fatalf("expected Terminated, got %T", ev)
			}
			if term.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", term.Reason, tt.wantReason)
			}
			if tt.wantErr != errors.Is(term.Err, call.ErrProviderRejected) {
				t.Errorf("err = %v, want provider rejection %v", term.Err, tt.wantErr)
			}
		})
	}
}

func TestTranslateUnknownStatusDropped(t *testing.T) {
	for _, status := range []string{"queued", "initiated", ""} {
		if ev, ok := translate(RowChange{ID: "rec", Status: status}); ok {
			t.Errorf("status %q should be dropped, got %T", status, ev)
		}
	}
}
