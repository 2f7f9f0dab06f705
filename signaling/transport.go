// Package signaling is the SIP-over-WebSocket calling path. It owns
// registration against the provider's edge, places and answers calls,
// and translates SIP responses into controller events. Call progress is
// always reported through events, never through return values, so the
// controller reacts to registration loss, rejection and teardown the
// same way regardless of which path produced them.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/tradeworks/softphone/call"
)

const defaultExpiry = 300

// Config carries the per-user credentials minted by the backend.
type Config struct {
	Username string
	Password string
	// AuthUsername overrides Username in the digest exchange when set.
	AuthUsername string
	// Domain is the SIP domain calls are addressed to.
	Domain string
	// Server is the provider edge in host:port form.
	Server string
	// Transport is the SIP transport name, normally "ws" or "wss".
	Transport string
	// Expiry is the requested registration lifetime in seconds.
	Expiry int
}

// Transport is the SIP user agent. One Transport serves one registered
// user and at most one call leg at a time; the controller enforces the
// single-session rule above it.
type Transport struct {
	cfg     Config
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	server  *sipgo.Server
	deliver func(call.Event)
	logger  *slog.Logger

	mu         sync.RWMutex
	registered bool
	offers     map[string]*inboundOffer // keyed by Call-ID
}

// inboundOffer is a received INVITE waiting for the user to answer.
type inboundOffer struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// NewTransport creates the SIP stack. deliver receives translated
// events; it must not block.
func NewTransport(cfg Config, deliver func(call.Event), logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = "wss"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("tradeworks-softphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	t := &Transport{
		cfg:     cfg,
		ua:      ua,
		client:  client,
		server:  srv,
		deliver: deliver,
		logger:  logger.With("subsystem", "signaling"),
		offers:  make(map[string]*inboundOffer),
	}

	srv.OnInvite(t.handleInvite)
	srv.OnAck(t.handleAck)
	srv.OnBye(t.handleBye)
	srv.OnCancel(t.handleCancel)
	srv.OnOptions(t.handleOptions)
	srv.OnInfo(t.handleInfo)

	return t, nil
}

// Ready reports whether the transport can place calls.
func (t *Transport) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registered
}

// Close tears the SIP stack down. Best-effort un-register first.
func (t *Transport) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if t.Ready() {
		if err := t.Unregister(ctx); err != nil {
			t.logger.Warn("un-register on close failed", "error", err)
		}
	}
	t.client.Close()
	t.server.Close()
	t.ua.Close()
}

// Register sends a REGISTER with digest auth handling and returns the
// server-granted expiry in seconds. The supervisor drives retries; a
// single call here is one attempt.
func (t *Transport) Register(ctx context.Context) (int, error) {
	granted, err := t.sendRegister(ctx, t.cfg.Expiry)
	if err != nil {
		t.setRegistered(false)
		return 0, err
	}
	t.setRegistered(true)
	return granted, nil
}

// Unregister sends a REGISTER with Expires: 0.
func (t *Transport) Unregister(ctx context.Context) error {
	_, err := t.sendRegister(ctx, 0)
	t.setRegistered(false)
	return err
}

func (t *Transport) setRegistered(v bool) {
	t.mu.Lock()
	t.registered = v
	t.mu.Unlock()
}

// sendRegister sends one REGISTER exchange. On a 401/407 challenge it
// computes the digest and re-sends with authorization. On success it
// returns the server-granted expiry, which the registrar may shorten
// from the requested value.
func (t *Transport) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s", t.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(t.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", t.cfg.Username, t.cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s>", t.cfg.Username, t.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := t.authorize(req, res, recipientStr)
		if err != nil {
			return 0, err
		}

		tx2, err := t.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("%w: register failed with status %d %s",
			call.ErrRegistrationFailed, res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// handleInvite processes an inbound INVITE: ring, stash the offer, and
// tell the controller. The user answers or rejects through the handle
// returned by Answer, or by letting the remote side cancel.
func (t *Transport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	fromNumber := ""
	displayName := ""
	if from := req.From(); from != nil {
		fromNumber = from.Address.User
		displayName = from.DisplayName
	}

	t.logger.Info("inbound invite",
		"call_id", callID,
		"from", fromNumber,
	)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		t.logger.Error("failed to send ringing", "call_id", callID, "error", err)
		return
	}

	t.mu.Lock()
	t.offers[callID] = &inboundOffer{req: req, tx: tx}
	t.mu.Unlock()

	t.deliver(call.InviteReceived{
		Source:      call.SourceSignaling,
		From:        fromNumber,
		DisplayName: displayName,
		CallSID:     callID,
	})
}

// handleAck confirms the dialog after we answer an inbound call. ACK is
// not transactional; receipt only needs logging.
func (t *Transport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	t.logger.Debug("ack received", "call_id", callID)
}

// handleBye tears down the dialog on a remote hang-up.
func (t *Transport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	t.deliver(call.Terminated{
		Source:  call.SourceSignaling,
		CallSID: callID,
		Reason:  call.ReasonBye,
	})
}

// handleCancel covers the remote side abandoning an unanswered inbound
// invite.
func (t *Transport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	t.mu.Lock()
	offer, ok := t.offers[callID]
	delete(t.offers, callID)
	t.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	if ok {
		terminated := sip.NewResponseFromRequest(offer.req, 487, "Request Terminated", nil)
		if err := offer.tx.Respond(terminated); err != nil {
			t.logger.Debug("failed to terminate cancelled invite", "call_id", callID, "error", err)
		}
	}

	t.deliver(call.Terminated{
		Source:  call.SourceSignaling,
		CallSID: callID,
		Reason:  call.ReasonCancelled,
	})
}

// handleOptions answers keepalive pings from the provider edge.
func (t *Transport) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo acknowledges in-dialog INFO. Inbound DTMF is not acted on.
func (t *Transport) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("failed to respond to info", "error", err)
	}
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact
// header value such as <sip:user@host>;expires=3600. Returns 0 if the
// parameter is absent or malformed.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}
