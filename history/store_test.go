package history

import (
	"errors"
	"testing"
	"time"

	"github.com/tradeworks/softphone/call"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	connected := started.Add(2 * time.Second)
	ended := connected.Add(37 * time.Second)

	s.Record(t.Context(), call.Session{
		ID:        "sess-1",
		Direction: call.DirectionOutbound,
		Remote: call.RemoteParty{
			DisplayName: "Dana Plumbing",
			Number:      "+15551234567",
			ContactID:   "contact-4",
		},
		State:       call.StateIdle,
		Transport:   call.TransportWebRTC,
		StartedAt:   started,
		ConnectedAt: &connected,
		EndedAt:     &ended,
		Refs: call.ProviderRefs{
			CallSID:         "CA1",
			BackendRecordID: "rec-1",
		},
	})

	entries, err := s.List(t.Context(), 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.SessionID != "sess-1" || e.RemoteNumber != "+15551234567" || e.CallSID != "CA1" {
		t.Errorf("entry = %+v", e)
	}
	if e.DurationSeconds != 37 {
		t.Errorf("duration = %d, want 37", e.DurationSeconds)
	}
	if e.ConnectedAt == nil || e.EndedAt == nil {
		t.Error("timestamps should round-trip")
	}
}

func TestRecordUpsertsBySession(t *testing.T) {
	s := openTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	sess := call.Session{
		ID:        "sess-1",
		Direction: call.DirectionInbound,
		StartedAt: started,
	}
	s.Record(t.Context(), sess)

	ended := started.Add(5 * time.Second)
	sess.EndedAt = &ended
	sess.LastError = errors.New("media path failed")
	s.Record(t.Context(), sess)

	entries, err := s.List(t.Context(), 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert, got %d", len(entries))
	}
	if entries[0].LastError != "media path failed" {
		t.Errorf("last_error = %q", entries[0].LastError)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.Record(t.Context(), call.Session{
			ID:        id,
			Direction: call.DirectionOutbound,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	entries, err := s.List(t.Context(), 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SessionID != "c" || entries[1].SessionID != "b" {
		t.Errorf("order = %s, %s", entries[0].SessionID, entries[1].SessionID)
	}

	n, err := s.Count(t.Context())
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
