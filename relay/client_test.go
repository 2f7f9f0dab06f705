package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tradeworks/softphone/call"
)

var testKey = []byte("test-signing-key")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tenant-1", "user-7", testKey, nil)
}

func writeData(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	json.NewEncoder(w).Encode(map[string]json.RawMessage{"data": raw})
}

func TestPlaceCallSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/calls/start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req placeCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ToNumber != "+15551234567" {
			t.Errorf("to_number = %q", req.ToNumber)
		}
		if req.RecordID != "rec-1" {
			t.Errorf("record_id = %q", req.RecordID)
		}
		writeData(t, w, placeCallResponse{CallSID: "CA123", RecordID: "rec-1"})
	})

	refs, err := c.PlaceCall(t.Context(), "+15550001111", "+15551234567", "contact-9", "rec-1")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if refs.CallSID != "CA123" || refs.RecordID != "rec-1" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestPlaceCallProviderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "insufficient balance"})
	})

	_, err := c.PlaceCall(t.Context(), "+15550001111", "+15551234567", "", "")
	if !errors.Is(err, call.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient balance") {
		t.Errorf("error should carry backend message, got %v", err)
	}
}

func TestPlaceCallServerErrorNotRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PlaceCall(t.Context(), "+15550001111", "+15551234567", "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, call.ErrProviderRejected) {
		t.Error("5xx should not map to a provider rejection")
	}
}

func TestLogCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/calls/log" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeData(t, w, logCallResponse{RecordID: "rec-42"})
	})

	id, err := c.LogCall(t.Context(), "+15550001111", "+15551234567", "contact-9")
	if err != nil {
		t.Fatalf("LogCall: %v", err)
	}
	if id != "rec-42" {
		t.Errorf("record id = %q", id)
	}
}

func TestRequestAuthHeaders(t *testing.T) {
	var gotAuth, gotTenant string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTenant = r.Header.Get("X-Tenant-ID")
		writeData(t, w, struct{}{})
	})

	if err := c.Hangup(t.Context(), "CA123"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	if gotTenant != "tenant-1" {
		t.Errorf("X-Tenant-ID = %q", gotTenant)
	}
	raw, ok := strings.CutPrefix(gotAuth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return testKey, nil
	})
	if err != nil {
		t.Fatalf("parsing bearer token: %v", err)
	}
	if claims["sub"] != "user-7" || claims["tid"] != "tenant-1" {
		t.Errorf("claims = %v", claims)
	}
}

func TestVoiceToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voice/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeData(t, w, VoiceCredentials{
			SIPUsername:     "agent-7",
			SIPPassword:     "secret",
			SIPDomain:       "tenant-1.sip.tradeworks.io",
			WebsocketServer: "wss://tenant-1.sip.tradeworks.io",
			ICEServers:      []string{"stun:stun.tradeworks.io:3478"},
		})
	})

	creds, err := c.VoiceToken(t.Context())
	if err != nil {
		t.Fatalf("VoiceToken: %v", err)
	}
	if creds.SIPUsername != "agent-7" || creds.WebsocketServer == "" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestSendDTMF(t *testing.T) {
	var got dtmfRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeData(t, w, struct{}{})
	})

	if err := c.SendDTMF(t.Context(), "CA123", "5"); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	if got.CallSID != "CA123" || got.Digits != "5" {
		t.Errorf("request = %+v", got)
	}
}
