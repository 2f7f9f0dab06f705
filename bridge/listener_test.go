package bridge

import (
	"testing"

	"github.com/tradeworks/softphone/call"
)

func TestHandlePayloadTenantScoping(t *testing.T) {
	sink := &capturingSink{}
	l := NewListener("", "tenant-1", sink.deliver, nil)

	l.handlePayload(`{"id":"rec-1","tenant_id":"tenant-2","call_sid":"CA1","status":"completed"}`)
	if got := len(sink.all()); got != 0 {
		t.Fatalf("other tenant's row should be dropped, got %d events", got)
	}

	l.handlePayload(`{"id":"rec-2","tenant_id":"tenant-1","call_sid":"CA2","status":"completed"}`)
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	term, ok := events[0].(call.Terminated)
	if !ok || term.RecordID != "rec-2" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestHandlePayloadMalformed(t *testing.T) {
	sink := &capturingSink{}
	l := NewListener("", "tenant-1", sink.deliver, nil)

	l.handlePayload(`{not json`)
	l.handlePayload(``)

	if got := len(sink.all()); got != 0 {
		t.Fatalf("expected no events from malformed payloads, got %d", got)
	}
}
