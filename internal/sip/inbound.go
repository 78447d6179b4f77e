package sip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/media"
)

// handleInvite offers an inbound call to the engine and leaves it ringing
// until the engine answers or hangs up, or the caller gives up.
func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.User
	}

	a.logger.Info("invite received",
		"call_id", callID,
		"from", from,
		"to", req.Recipient.User,
		"source", req.Source(),
	)

	if a.guard.muted(req.Source()) {
		return
	}
	if !a.acl.allows(req.Source()) {
		a.logger.Warn("rejecting invite from disallowed source", "call_id", callID, "source", req.Source())
		a.guard.reject(req.Source())
		a.respondError(req, tx, 403, "Forbidden")
		return
	}

	// Re-INVITE or retransmission for a call we already track.
	if a.calls.get(callID) != nil {
		a.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	if a.events == nil || a.ctx.Err() != nil {
		a.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		a.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	remote, err := media.ParseSDP(req.Body())
	if err != nil {
		a.logger.Warn("rejecting invite without usable sdp", "call_id", callID, "error", err)
		a.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}
	pt, ok := media.Negotiate(remote.PayloadTypes)
	if !ok {
		a.logger.Warn("rejecting invite with no common codec", "call_id", callID, "offered", remote.PayloadTypes)
		a.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	c := &call{
		id:          callID,
		direction:   line.DirectionInbound,
		invite:      req,
		tx:          tx,
		remote:      remote,
		payloadType: pt,
	}
	if !a.calls.add(c) {
		a.respondError(req, tx, 482, "Loop Detected")
		return
	}

	lineID, err := a.events.IncomingCall(callID, parseLineHint(req.Recipient.User), from)
	if err != nil {
		a.calls.remove(callID)
		if errors.Is(err, line.ErrLineBusy) {
			a.respondError(req, tx, 486, "Busy Here")
		} else {
			a.respondError(req, tx, 480, "Temporarily Unavailable")
		}
		return
	}
	c.mu.Lock()
	c.lineID = lineID
	c.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	a.tagResponse(c, ringing)
	if err := tx.Respond(ringing); err != nil {
		a.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
	}
	a.logger.Info("inbound call ringing", "call_id", callID, "line", lineID)

	// The transaction ends on CANCEL, timeout or after the final response.
	// A call still pending at that point was abandoned by the caller.
	a.goRequest(func() {
		select {
		case <-tx.Done():
		case <-a.ctx.Done():
			return
		}
		c.mu.Lock()
		pending := c.state == callPending
		c.mu.Unlock()
		if !pending || a.calls.remove(callID) == nil {
			return
		}
		a.logger.Info("inbound call abandoned", "call_id", callID, "line", lineID)
		a.releaseMedia(c)
		a.events.RemoteHangup(callID)
	})
}

// Answer accepts a ringing inbound call with a 200 OK and starts receiving
// its audio.
func (a *Agent) Answer(ctx context.Context, callID string) error {
	c := a.calls.get(callID)
	if c == nil {
		return fmt.Errorf("call %s not found", callID)
	}
	if c.direction != line.DirectionInbound {
		return fmt.Errorf("call %s is not inbound", callID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callPending || c.hungUp {
		return fmt.Errorf("call %s is no longer ringing", callID)
	}

	pair, err := a.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocating rtp ports: %w", err)
	}
	body, err := media.BuildSDP(a.cfg.MediaIP(), pair.Ports.RTP, a.nextSessionID(), []uint8{c.payloadType}, media.DirectionRecvOnly)
	if err != nil {
		a.ports.Release(pair)
		return err
	}

	res := sip.NewResponseFromRequest(c.invite, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(a.contactHeader())
	a.tagResponseLocked(c, res)

	if err := c.tx.Respond(res); err != nil {
		a.ports.Release(pair)
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	c.state = callAnswered
	c.answer = res
	c.pair = pair
	if err := a.startMediaLocked(c); err != nil {
		a.logger.Error("failed to start media", "call_id", callID, "error", err)
	}
	a.logger.Info("inbound call answered", "call_id", callID, "line", c.lineID, "rtp_port", pair.Ports.RTP)
	return nil
}

// Hangup ends the call whatever its state. The outcome is not reported back
// through Events; the engine already knows.
func (a *Agent) Hangup(ctx context.Context, callID string) error {
	c := a.calls.remove(callID)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == callAnswered:
		a.goRequest(func() {
			a.sendBye(c)
			a.releaseMedia(c)
		})
		return nil

	case c.direction == line.DirectionOutbound:
		// placeCall notices the cancelled context, sends CANCEL and, if a
		// 2xx still arrives, tears the dialog down with BYE.
		c.abort()
		return nil

	default:
		c.abort()
		a.respondError(c.invite, c.tx, 603, "Decline")
		a.releaseMedia(c)
		return nil
	}
}

// handleBye ends an established call from the far end.
func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := a.calls.remove(callID)
	if c == nil {
		a.logger.Debug("bye for unknown call", "call_id", callID)
		a.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	c.abort()
	a.releaseMedia(c)
	a.logger.Info("remote hangup", "call_id", callID, "line", c.lineID)
	a.events.RemoteHangup(callID)
}

// handleCancel abandons a ringing inbound call.
func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := a.calls.get(callID)
	if c == nil || c.direction != line.DirectionInbound {
		a.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	pending := c.state == callPending
	c.mu.Unlock()
	if !pending {
		// Too late; the 2xx already went out and the caller must BYE.
		a.respondError(req, tx, 200, "OK")
		return
	}
	if a.calls.remove(callID) == nil {
		a.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	a.respondError(req, tx, 200, "OK")
	terminated := sip.NewResponseFromRequest(c.invite, 487, "Request Terminated", nil)
	if err := c.tx.Respond(terminated); err != nil {
		a.logger.Debug("failed to send 487 on cancel", "call_id", callID, "error", err)
	}

	c.abort()
	a.releaseMedia(c)
	a.logger.Info("inbound call cancelled by caller", "call_id", callID, "line", c.lineID)
	a.events.RemoteHangup(callID)
}

// tagResponse gives every response on an inbound dialog the same To tag.
func (a *Agent) tagResponse(c *call, res *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.tagResponseLocked(c, res)
}

func (a *Agent) tagResponseLocked(c *call, res *sip.Response) {
	to := c.invite.To()
	if to == nil {
		return
	}
	if c.localTag == "" {
		c.localTag = sip.GenerateTagN(16)
	}

	params := to.Params.Clone()
	if params == nil {
		params = sip.NewParams()
	}
	params.Add("tag", c.localTag)

	res.RemoveHeader("To")
	res.AppendHeader(&sip.ToHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      params,
	})
}

// parseLineHint reads a line number from a Request-URI user such as
// "line3" or "3". It returns 0 when the user names no line.
func parseLineHint(user string) int {
	s := strings.ToLower(strings.TrimSpace(user))
	s = strings.TrimPrefix(s, "line")
	s = strings.TrimPrefix(s, "-")
	n, err := strconv.Atoi(s)
	if err != nil || !line.ValidLineID(n) {
		return 0
	}
	return n
}

// startMedia begins receiving the call's RTP into the audio router.
func (a *Agent) startMedia(c *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.startMediaLocked(c); err != nil {
		a.logger.Error("failed to start media", "call_id", c.id, "error", err)
	}
}

func (a *Agent) startMediaLocked(c *call) error {
	if c.pair == nil {
		return fmt.Errorf("call %s has no media socket", c.id)
	}
	if c.recv != nil {
		return nil
	}
	pts := media.SupportedPayloadTypes
	if c.remote != nil {
		pts = []uint8{c.payloadType}
	}
	c.recv = media.NewReceiver(c.lineID, c.pair.RTPConn, a.sink, pts, a.logger)
	c.recv.Start()
	return nil
}

// releaseMedia stops the receiver and returns the call's ports to the pool.
// Safe to call more than once.
func (a *Agent) releaseMedia(c *call) {
	c.mu.Lock()
	recv, pair := c.recv, c.pair
	c.recv, c.pair = nil, nil
	c.mu.Unlock()

	if recv != nil {
		recv.Stop()
		stats := recv.Stats()
		a.logger.Debug("media stopped",
			"call_id", c.id,
			"line", c.lineID,
			"packets", stats.Packets,
			"bytes", stats.Bytes,
			"dropped", stats.Dropped,
		)
	}
	a.ports.Release(pair)
}

// sendBye ends an established dialog and waits briefly for the response.
func (a *Agent) sendBye(c *call) {
	c.mu.Lock()
	ready := c.invite != nil && c.answer != nil
	c.mu.Unlock()
	if !ready {
		return
	}

	bye := buildBye(c, a.contactHeader())

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		a.logger.Warn("failed to send bye", "call_id", c.id, "error", err)
		return
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		a.logger.Debug("no response to bye", "call_id", c.id, "error", err)
		return
	}
	a.logger.Debug("bye response", "call_id", c.id, "status", res.StatusCode)
}
