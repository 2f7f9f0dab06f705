// Package relay is the HTTP client for the backend calling API. Every
// dialing attempt goes through the backend, which writes the call-log
// row and brokers the telephony provider, so the client never talks to
// the provider directly.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tradeworks/softphone/call"
)

const (
	tokenTTL      = 2 * time.Minute
	maxBodyBytes  = 64 * 1024
	clientTimeout = 15 * time.Second
)

// envelope is the standard backend response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// logCallRequest creates a call-log row without dialing.
type logCallRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	ContactID  string `json:"contact_id,omitempty"`
}

type logCallResponse struct {
	RecordID string `json:"record_id"`
}

// placeCallRequest asks the backend to dial via the provider REST API.
type placeCallRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	ContactID  string `json:"contact_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
}

type placeCallResponse struct {
	CallSID  string `json:"call_sid"`
	RecordID string `json:"record_id"`
}

type dtmfRequest struct {
	CallSID string `json:"call_sid"`
	Digits  string `json:"digits"`
}

type controlRequest struct {
	CallSID string `json:"call_sid"`
	Action  string `json:"action"`
}

// VoiceCredentials is the per-user signaling credential set minted by
// the backend. The SIP password is short-lived.
type VoiceCredentials struct {
	SIPUsername     string   `json:"sip_username"`
	SIPPassword     string   `json:"sip_password"`
	SIPDomain       string   `json:"sip_domain"`
	WebsocketServer string   `json:"websocket_server"`
	ICEServers      []string `json:"ice_servers"`
	ExpiresAt       int64    `json:"expires_at"`
}

// Client calls the backend over HTTPS with short-lived HS256 bearer
// tokens identifying the tenant and user. It satisfies the controller's
// server-relay dependency.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tenantID   string
	userID     string
	signingKey []byte
	logger     *slog.Logger
	now        func() time.Time
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNow replaces the clock used for token issue times.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a backend API client.
// baseURL is the backend endpoint (e.g. "https://api.tradeworks.io").
func NewClient(baseURL, tenantID, userID string, signingKey []byte, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: clientTimeout},
		baseURL:    baseURL,
		tenantID:   tenantID,
		userID:     userID,
		signingKey: signingKey,
		logger:     logger.With("subsystem", "relay"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the client has a base URL and signing key.
func (c *Client) Configured() bool {
	return c.baseURL != "" && len(c.signingKey) > 0
}

// LogCall implements the controller's relay dependency. It creates the
// call-log row for an attempt without dialing.
func (c *Client) LogCall(ctx context.Context, from, to, contactID string) (string, error) {
	var resp logCallResponse
	err := c.post(ctx, "/v1/calls/log", logCallRequest{
		FromNumber: from,
		ToNumber:   to,
		ContactID:  contactID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RecordID, nil
}

// PlaceCall dials to the given number via the backend. A recordID from
// an earlier LogCall ties the provider call to the existing row.
func (c *Client) PlaceCall(ctx context.Context, from, to, contactID, recordID string) (call.RelayRefs, error) {
	var resp placeCallResponse
	err := c.post(ctx, "/v1/calls/start", placeCallRequest{
		FromNumber: from,
		ToNumber:   to,
		ContactID:  contactID,
		RecordID:   recordID,
	}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			return call.RelayRefs{}, fmt.Errorf("%w: %v", call.ErrProviderRejected, err)
		}
		return call.RelayRefs{}, err
	}
	c.logger.Debug("relay call placed", "call_sid", resp.CallSID, "record_id", resp.RecordID)
	return call.RelayRefs{CallSID: resp.CallSID, RecordID: resp.RecordID}, nil
}

// SendDTMF sends digits on an active provider call.
func (c *Client) SendDTMF(ctx context.Context, callSID, digits string) error {
	return c.post(ctx, "/v1/calls/dtmf", dtmfRequest{CallSID: callSID, Digits: digits}, nil)
}

// Hangup terminates a provider call by SID.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	return c.post(ctx, "/v1/calls/control", controlRequest{CallSID: callSID, Action: "hangup"}, nil)
}

// VoiceToken fetches signaling credentials for the current user.
func (c *Client) VoiceToken(ctx context.Context) (VoiceCredentials, error) {
	var creds VoiceCredentials
	if err := c.post(ctx, "/v1/voice/token", struct{}{}, &creds); err != nil {
		return VoiceCredentials{}, err
	}
	return creds, nil
}

// statusError is a non-2xx backend response.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("relay: backend error (status %d): %s", e.code, e.message)
	}
	return fmt.Sprintf("relay: backend returned status %d", e.code)
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("relay: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: creating request: %w", err)
	}

	token, err := c.bearerToken()
	if err != nil {
		return fmt.Errorf("relay: signing token: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("relay: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("relay: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &statusError{code: resp.StatusCode}
		var env envelope
		if json.Unmarshal(respBody, &env) == nil {
			se.message = env.Error
		}
		return se
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("relay: decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("relay: decoding response data: %w", err)
	}
	return nil
}

// bearerToken mints a short-lived HS256 token scoped to the tenant and
// user. A fresh token per request keeps clock handling simple.
func (c *Client) bearerToken() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"sub": c.userID,
		"tid": c.tenantID,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingKey)
}
