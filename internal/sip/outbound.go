package sip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/media"
)

// inviteResult is the outcome of one INVITE transaction.
type inviteResult struct {
	answered   bool
	req        *sip.Request // the request that got the final response
	res        *sip.Response
	statusCode int
	reason     string
	err        error
}

// Dial starts an outbound call from lineID to number. It returns once the
// media socket is allocated; the INVITE runs in the background and its
// outcome is reported through Events.
func (a *Agent) Dial(ctx context.Context, lineID int, callID, number string) error {
	if a.events == nil {
		return fmt.Errorf("sip agent not started")
	}
	if a.ctx.Err() != nil {
		return fmt.Errorf("sip agent stopped")
	}

	pair, err := a.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocating rtp ports: %w", err)
	}
	offer, err := media.BuildSDP(a.cfg.MediaIP(), pair.Ports.RTP, a.nextSessionID(), media.SupportedPayloadTypes, media.DirectionRecvOnly)
	if err != nil {
		a.ports.Release(pair)
		return err
	}

	inviteCtx, cancel := context.WithCancel(a.ctx)
	c := &call{
		id:        callID,
		lineID:    lineID,
		direction: line.DirectionOutbound,
		cancel:    cancel,
		pair:      pair,
	}
	if !a.calls.add(c) {
		cancel()
		a.ports.Release(pair)
		return fmt.Errorf("call %s already in progress", callID)
	}

	a.logger.Info("dialing", "line", lineID, "call_id", callID, "number", number, "rtp_port", pair.Ports.RTP)
	a.goRequest(func() {
		defer cancel()
		a.placeCall(inviteCtx, c, number, offer)
	})
	return nil
}

// placeCall runs the INVITE transaction for c and reports the outcome.
func (a *Agent) placeCall(ctx context.Context, c *call, number string, offer []byte) {
	result := a.sendInvite(ctx, c, number, offer)

	switch {
	case result.err != nil:
		if a.calls.remove(c.id) == nil {
			// Hung up locally while the INVITE was in flight.
			return
		}
		a.releaseMedia(c)
		if errors.Is(result.err, context.Canceled) {
			return
		}
		// The client transaction already retransmitted the INVITE until
		// Timer B, so an error here is persistent.
		a.logger.Warn("outbound call failed", "line", c.lineID, "call_id", c.id, "error", result.err)
		a.events.CallFailed(c.id, result.err)

	case !result.answered:
		if a.calls.remove(c.id) == nil {
			return
		}
		a.releaseMedia(c)
		a.logger.Info("outbound call rejected",
			"line", c.lineID,
			"call_id", c.id,
			"status", result.statusCode,
			"reason", result.reason,
		)
		a.events.RemoteRejected(c.id, result.statusCode, result.reason)

	default:
		a.completeAnswer(c, result)
	}
}

// completeAnswer acknowledges a 2xx and brings the call up. If the call was
// hung up in the meantime the new dialog is torn down immediately.
func (a *Agent) completeAnswer(c *call, result *inviteResult) {
	ack := buildACKFor2xx(result.req, result.res)
	if err := a.client.WriteRequest(ack); err != nil {
		a.logger.Error("failed to send ack", "call_id", c.id, "error", err)
	}

	c.mu.Lock()
	c.state = callAnswered
	c.invite = result.req
	c.answer = result.res
	if cseq := result.req.CSeq(); cseq != nil {
		c.localCSeq = cseq.SeqNo
	}
	hungUp := c.hungUp
	c.mu.Unlock()

	if remote, err := media.ParseSDP(result.res.Body()); err != nil {
		a.logger.Debug("answer without usable sdp", "call_id", c.id, "error", err)
	} else if pt, ok := media.Negotiate(remote.PayloadTypes); ok {
		c.mu.Lock()
		c.remote = remote
		c.payloadType = pt
		c.mu.Unlock()
	}

	if hungUp || a.calls.get(c.id) != c {
		a.logger.Info("call answered after local hangup, sending bye", "call_id", c.id)
		a.sendBye(c)
		a.releaseMedia(c)
		return
	}

	a.startMedia(c)
	if err := a.events.RemoteAnswered(c.id); err != nil {
		a.logger.Warn("engine refused answered call, hanging up", "call_id", c.id, "error", err)
		if a.calls.remove(c.id) != nil {
			a.sendBye(c)
			a.releaseMedia(c)
		}
	}
}

// sendInvite sends the INVITE, answering one digest challenge, and waits
// for a final response.
func (a *Agent) sendInvite(ctx context.Context, c *call, number string, offer []byte) *inviteResult {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, a.cfg.SIPServer, a.cfg.SIPServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return &inviteResult{err: fmt.Errorf("parsing destination uri: %w", err)}
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.SIPTransport))

	from := &sip.FromHeader{
		DisplayName: fmt.Sprintf("Line %d", c.lineID),
		Address: sip.Uri{
			Scheme: "sip",
			User:   a.cfg.SIPUsername,
			Host:   a.cfg.SIPServer,
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(a.contactHeader())
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	c.mu.Lock()
	c.invite = req
	c.mu.Unlock()

	inviteTx, err := a.client.TransactionRequest(a.ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return &inviteResult{err: fmt.Errorf("sending invite: %w", err)}
	}

	res, result := a.awaitFinal(ctx, c, req, inviteTx)
	if result != nil {
		return result
	}

	// Digest challenge: resend once with credentials.
	authReq, err := a.authorize(req, res, recipientStr)
	if err != nil {
		return &inviteResult{err: err}
	}
	a.logger.Debug("re-sending invite with auth", "call_id", c.id)

	c.mu.Lock()
	c.invite = authReq
	c.mu.Unlock()

	authTx, err := a.client.TransactionRequest(a.ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return &inviteResult{err: fmt.Errorf("sending authenticated invite: %w", err)}
	}

	res, result = a.awaitFinal(ctx, c, authReq, authTx)
	if result != nil {
		return result
	}
	return &inviteResult{statusCode: res.StatusCode, reason: res.Reason}
}

// awaitFinal collects responses on an INVITE transaction. It returns the
// response with a nil result for a digest challenge, and a result for
// anything final. Cancelling ctx sends CANCEL and waits a bounded time for
// the transaction to end; the transaction itself runs on the agent context.
func (a *Agent) awaitFinal(ctx context.Context, c *call, req *sip.Request, tx sip.ClientTransaction) (*sip.Response, *inviteResult) {
	defer tx.Terminate()

	cancelled := false
	done := ctx.Done()
	var giveUp <-chan time.Time
	for {
		var res *sip.Response
		select {
		case <-done:
			// Stop selecting on ctx; the peer still owes a final response.
			done = nil
			cancelled = true
			giveUp = time.After(requestTimeout)
			a.sendCancel(req)
			continue
		case <-giveUp:
			return nil, &inviteResult{err: context.Canceled}
		case <-tx.Done():
			if cancelled {
				return nil, &inviteResult{err: context.Canceled}
			}
			if txErr := tx.Err(); txErr != nil {
				return nil, &inviteResult{err: fmt.Errorf("invite transaction error: %w", txErr)}
			}
			return nil, &inviteResult{err: fmt.Errorf("invite transaction ended without final response")}
		case r, ok := <-tx.Responses():
			if !ok {
				return nil, &inviteResult{err: fmt.Errorf("invite transaction closed without final response")}
			}
			res = r
		}

		a.logger.Debug("invite response",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 200:
			// 100 Trying, 180 Ringing and 183 Session Progress need no action;
			// the line is already DIALING.
			continue

		case res.StatusCode < 300:
			return res, &inviteResult{answered: true, req: req, res: res}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !cancelled && req.GetHeader("Authorization") == nil && req.GetHeader("Proxy-Authorization") == nil:
			return res, nil

		case cancelled && res.StatusCode == 487:
			return nil, &inviteResult{err: context.Canceled}

		default:
			return res, &inviteResult{statusCode: res.StatusCode, reason: res.Reason}
		}
	}
}

// sendCancel abandons a pending INVITE.
func (a *Agent) sendCancel(invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cancelTx, err := a.client.TransactionRequest(ctx, buildCancel(invite))
	if err != nil {
		a.logger.Debug("failed to send cancel", "error", err)
		return
	}
	defer cancelTx.Terminate()

	res, err := getResponse(ctx, cancelTx)
	if err != nil {
		a.logger.Debug("no response to cancel", "error", err)
		return
	}
	a.logger.Debug("cancel response", "status", res.StatusCode)
}
