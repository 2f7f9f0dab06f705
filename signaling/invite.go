package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/tradeworks/softphone/call"
)

// Invite places an outbound call to target (an E.164 number). Progress
// arrives as events: provisional responses deliver InviteRinging, a 2xx
// delivers MediaConnected, a final failure delivers Terminated. The
// returned handle stays valid until the session ends.
func (t *Transport) Invite(ctx context.Context, sessionID, target string) (call.Handle, error) {
	if !t.Ready() {
		return nil, fmt.Errorf("%w: transport not registered", call.ErrNotReady)
	}

	recipientStr := fmt.Sprintf("sip:%s@%s", target, t.cfg.Domain)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing invite uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(t.cfg.Transport))

	body := buildSDP(t.cfg.Username, t.ua.Hostname())
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	contactURI := fmt.Sprintf("<sip:%s@%s>", t.cfg.Username, t.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	l := &leg{
		t:         t,
		sessionID: sessionID,
		callID:    callID,
		inviteReq: req,
	}
	l.setTx(tx)

	t.logger.Info("outbound invite sent",
		"call_id", callID,
		"target", target,
	)

	go t.collectInviteResponses(ctx, l, req, tx, recipientStr)

	return l, nil
}

// collectInviteResponses drains the INVITE transaction and translates
// responses into controller events. One digest challenge re-send is
// handled inline; a second challenge is treated as a rejection.
func (t *Transport) collectInviteResponses(ctx context.Context, l *leg, req *sip.Request, tx sip.ClientTransaction, recipientStr string) {
	authRetried := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			tx.Terminate()
			if l.isCancelled() {
				return
			}
			t.deliver(call.Terminated{
				Source:    call.SourceSignaling,
				SessionID: l.sessionID,
				CallSID:   l.callID,
				Reason:    call.ReasonFailed,
				Err:       fmt.Errorf("invite transaction ended without final response"),
			})
			return
		case res = <-tx.Responses():
		}

		t.logger.Debug("invite response",
			"call_id", l.callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			t.deliver(call.InviteRinging{
				Source:    call.SourceSignaling,
				SessionID: l.sessionID,
				CallSID:   l.callID,
			})

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetried {
				t.deliver(call.Terminated{
					Source:    call.SourceSignaling,
					SessionID: l.sessionID,
					CallSID:   l.callID,
					Reason:    call.ReasonRejected,
					Err:       fmt.Errorf("%w: repeated auth challenge", call.ErrProviderRejected),
				})
				return
			}
			authRetried = true

			authReq, err := t.authorize(req, res, recipientStr)
			if err != nil {
				t.deliver(call.Terminated{
					Source:    call.SourceSignaling,
					SessionID: l.sessionID,
					CallSID:   l.callID,
					Reason:    call.ReasonFailed,
					Err:       err,
				})
				return
			}

			authTx, err := t.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				t.deliver(call.Terminated{
					Source:    call.SourceSignaling,
					SessionID: l.sessionID,
					CallSID:   l.callID,
					Reason:    call.ReasonFailed,
					Err:       fmt.Errorf("sending authenticated invite: %w", err),
				})
				return
			}
			req = authReq
			tx = authTx
			l.setTx(authTx)

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := t.client.WriteRequest(ack); err != nil {
				t.logger.Error("failed to send ack", "call_id", l.callID, "error", err)
				tx.Terminate()
				t.deliver(call.Terminated{
					Source:    call.SourceSignaling,
					SessionID: l.sessionID,
					CallSID:   l.callID,
					Reason:    call.ReasonFailed,
					Err:       fmt.Errorf("sending ack: %w", err),
				})
				return
			}

			l.markAnswered(req, res)
			t.deliver(call.MediaConnected{
				Source:    call.SourceSignaling,
				SessionID: l.sessionID,
				CallSID:   l.callID,
			})

		case res.StatusCode >= 300:
			tx.Terminate()
			if l.isCancelled() {
				return
			}
			reason, err := mapInviteFailure(res.StatusCode, res.Reason)
			t.deliver(call.Terminated{
				Source:    call.SourceSignaling,
				SessionID: l.sessionID,
				CallSID:   l.callID,
				Reason:    reason,
				Err:       err,
			})
			return
		}
	}
}

// Answer accepts the pending inbound offer identified by callSID.
func (t *Transport) Answer(ctx context.Context, sessionID, callSID string) (call.Handle, error) {
	t.mu.Lock()
	offer, ok := t.offers[callSID]
	delete(t.offers, callSID)
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no pending offer for call %s", callSID)
	}

	body := buildSDP(t.cfg.Username, t.ua.Hostname())
	res := sip.NewResponseFromRequest(offer.req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	contactURI := fmt.Sprintf("<sip:%s@%s>", t.cfg.Username, t.ua.Hostname())
	res.AppendHeader(sip.NewHeader("Contact", contactURI))

	if to := res.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}

	if err := offer.tx.Respond(res); err != nil {
		return nil, fmt.Errorf("answering invite: %w", err)
	}

	l := &leg{
		t:         t,
		sessionID: sessionID,
		callID:    callSID,
	}
	l.markAnsweredUAS(offer.req, res)

	t.logger.Info("inbound call answered", "call_id", callSID)

	t.deliver(call.MediaConnected{
		Source:    call.SourceSignaling,
		SessionID: sessionID,
		CallSID:   callSID,
	})

	return l, nil
}

// authorize computes the digest credential for a 401/407 challenge and
// returns a clone of req carrying the authorization header.
func (t *Transport) authorize(req *sip.Request, res *sip.Response, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := res.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	authUser := t.cfg.Username
	if t.cfg.AuthUsername != "" {
		authUser = t.cfg.AuthUsername
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: authUser,
		Password: t.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// mapInviteFailure maps final SIP failure codes to a terminal reason and
// error for the controller.
func mapInviteFailure(statusCode int, reasonText string) (call.Reason, error) {
	switch statusCode {
	case 480, 408:
		return call.ReasonNoAnswer, nil
	case 487:
		return call.ReasonCancelled, nil
	case 486, 600, 603:
		return call.ReasonRejected, fmt.Errorf("%w: busy or declined (%d %s)",
			call.ErrProviderRejected, statusCode, reasonText)
	default:
		return call.ReasonFailed, fmt.Errorf("%w: invite failed with status %d %s",
			call.ErrProviderRejected, statusCode, reasonText)
	}
}

// leg is one SIP call leg. It implements the controller's call handle:
// Terminate ends the leg with whatever is appropriate for its phase and
// SendDigits carries DTMF via in-dialog INFO.
type leg struct {
	t         *Transport
	sessionID string
	callID    string

	mu        sync.Mutex
	answered  bool
	cancelled bool
	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction
	// Dialog state for in-dialog requests after answer.
	remoteTarget *sip.Uri
	localHeader  sip.Header
	remoteHeader sip.Header
	cseq         uint32
}

func (l *leg) setTx(tx sip.ClientTransaction) {
	l.mu.Lock()
	l.inviteTx = tx
	l.mu.Unlock()
}

func (l *leg) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// markAnswered captures UAC dialog state from the 2xx response.
func (l *leg) markAnswered(req *sip.Request, res *sip.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = true
	l.inviteReq = req
	if from := req.From(); from != nil {
		l.localHeader = sip.NewHeader("From", from.Value())
	}
	if to := res.To(); to != nil {
		l.remoteHeader = sip.NewHeader("To", to.Value())
	}
	if contact := res.Contact(); contact != nil {
		l.remoteTarget = contact.Address.Clone()
	} else {
		l.remoteTarget = req.Recipient.Clone()
	}
	if cseq := req.CSeq(); cseq != nil {
		l.cseq = cseq.SeqNo
	}
}

// markAnsweredUAS captures dialog state for an answered inbound call.
// Local and remote swap: our To (with tag) is the local identity.
func (l *leg) markAnsweredUAS(req *sip.Request, res *sip.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = true
	if to := res.To(); to != nil {
		l.localHeader = sip.NewHeader("From", to.Value())
	}
	if from := req.From(); from != nil {
		l.remoteHeader = sip.NewHeader("To", from.Value())
	}
	if contact := req.Contact(); contact != nil {
		l.remoteTarget = contact.Address.Clone()
	}
	l.cseq = 1
}

// Terminate ends the leg: CANCEL while the invite is unanswered, BYE
// once a dialog exists.
func (l *leg) Terminate(ctx context.Context) error {
	l.mu.Lock()
	answered := l.answered
	l.cancelled = !answered
	inviteReq := l.inviteReq
	inviteTx := l.inviteTx
	l.mu.Unlock()

	if !answered {
		if inviteReq == nil {
			return nil
		}
		cancel := buildCANCEL(inviteReq)
		if err := l.t.client.WriteRequest(cancel); err != nil {
			if inviteTx != nil {
				inviteTx.Terminate()
			}
			return fmt.Errorf("sending cancel: %w", err)
		}
		return nil
	}

	bye, err := l.inDialogRequest(sip.BYE, nil, "")
	if err != nil {
		return err
	}

	tx, err := l.t.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("bye returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// SendDigits transmits DTMF via in-dialog INFO, one request per digit.
func (l *leg) SendDigits(ctx context.Context, digits string) error {
	l.mu.Lock()
	answered := l.answered
	l.mu.Unlock()
	if !answered {
		return fmt.Errorf("%w: call not answered", call.ErrNotReady)
	}

	for _, d := range digits {
		body := fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", d)
		info, err := l.inDialogRequest(sip.INFO, []byte(body), "application/dtmf-relay")
		if err != nil {
			return err
		}

		tx, err := l.t.client.TransactionRequest(ctx, info, sipgo.ClientRequestAddVia)
		if err != nil {
			return fmt.Errorf("sending info: %w", err)
		}

		res, err := getResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return fmt.Errorf("waiting for info response: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("info returned status %d %s", res.StatusCode, res.Reason)
		}
	}
	return nil
}

// inDialogRequest builds a request inside the established dialog with
// the next CSeq number.
func (l *leg) inDialogRequest(method sip.RequestMethod, body []byte, contentType string) (*sip.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remoteTarget == nil {
		return nil, fmt.Errorf("no dialog state for %s", method)
	}
	l.cseq++

	req := sip.NewRequest(method, *l.remoteTarget.Clone())
	req.SetTransport(strings.ToUpper(l.t.cfg.Transport))

	if l.localHeader != nil {
		req.AppendHeader(sip.HeaderClone(l.localHeader))
	}
	if l.remoteHeader != nil {
		req.AppendHeader(sip.HeaderClone(l.remoteHeader))
	}
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", l.cseq, method)))

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	return req, nil
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// ACK for a 2xx is generated by the UAC core, not the transaction layer.
// The Request-URI comes from the Contact header in the response when
// present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// buildCANCEL creates the CANCEL for an unanswered INVITE. Per RFC 3261
// §9.1 it copies the INVITE's top Via, From, To, Call-ID and CSeq
// number so the provider can match the pending transaction.
func buildCANCEL(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(inviteReq.Transport())
	return cancel
}
