package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/media"
)

// callState is the SIP-side lifecycle of a call.
type callState int

const (
	callPending  callState = iota // INVITE sent or received, no final answer
	callAnswered                  // 2xx exchanged, dialog established
)

// call is the SIP state of one line's call. The engine's call id is also
// the SIP Call-ID.
type call struct {
	id        string
	lineID    int
	direction line.Direction

	mu        sync.Mutex
	state     callState
	hungUp    bool // local hangup requested
	confirmed bool // ACK seen for an inbound 2xx
	localCSeq uint32
	localTag  string // To tag on responses we send for an inbound call

	// invite is our INVITE as sent (outbound) or the peer's (inbound).
	invite *sip.Request
	// answer is the 2xx received (outbound) or sent (inbound).
	answer *sip.Response
	// tx is the inbound INVITE server transaction.
	tx sip.ServerTransaction
	// cancel stops the outbound INVITE transaction loop.
	cancel context.CancelFunc

	remote      *media.Description
	payloadType uint8
	pair        *media.SocketPair
	recv        *media.Receiver
}

func (c *call) abort() {
	c.mu.Lock()
	c.hungUp = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *call) confirm() {
	c.mu.Lock()
	c.confirmed = true
	c.mu.Unlock()
}

func (c *call) nextCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCSeq++
	return c.localCSeq
}

// callTable tracks live calls by Call-ID. Whoever removes a call from the
// table owns reporting its end.
type callTable struct {
	mu     sync.Mutex
	calls  map[string]*call
	logger *slog.Logger
}

func newCallTable(logger *slog.Logger) *callTable {
	return &callTable{
		calls:  make(map[string]*call),
		logger: logger.With("subsystem", "dialog"),
	}
}

// add registers c. It returns false if the Call-ID is already tracked.
func (t *callTable) add(c *call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[c.id]; exists {
		return false
	}
	t.calls[c.id] = c
	t.logger.Debug("call added", "call_id", c.id, "line", c.lineID, "direction", c.direction)
	return true
}

func (t *callTable) get(callID string) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callID]
}

// remove deletes and returns the call, or nil if it was already gone.
func (t *callTable) remove(callID string) *call {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[callID]
	if !ok {
		return nil
	}
	delete(t.calls, callID)
	t.logger.Debug("call removed", "call_id", callID, "line", c.lineID)
	return c
}

// drain removes and returns every call.
func (t *callTable) drain() []*call {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*call, 0, len(t.calls))
	for id, c := range t.calls {
		out = append(out, c)
		delete(t.calls, id)
	}
	return out
}

func (t *callTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
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
	// To comes from the response so it carries the remote tag.
	if h := inviteResp.To(); h != nil {
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

// buildCancel creates a CANCEL for a pending INVITE. Via, From, To and
// Call-ID match the INVITE; CSeq keeps its number (RFC 3261 §9.1).
func buildCancel(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())

	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("Route", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)

	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}

// buildBye creates a BYE for an established dialog. For calls we placed,
// From/To follow our INVITE and the target is the peer's 2xx Contact. For
// calls we answered, From/To are swapped and the target is the INVITE's
// Contact.
func buildBye(c *call, contact *sip.ContactHeader) *sip.Request {
	invite, answer := c.invite, c.answer

	var recipient sip.Uri
	if c.direction == line.DirectionOutbound {
		if ct := answer.Contact(); ct != nil {
			recipient = *ct.Address.Clone()
		} else {
			recipient = *invite.Recipient.Clone()
		}
	} else {
		if ct := invite.Contact(); ct != nil {
			recipient = *ct.Address.Clone()
		} else {
			recipient = *invite.From().Address.Clone()
		}
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(invite.Transport())

	if c.direction == line.DirectionOutbound {
		if from := invite.From(); from != nil {
			bye.AppendHeader(sip.HeaderClone(from))
		}
		if to := answer.To(); to != nil {
			bye.AppendHeader(sip.HeaderClone(to))
		}
	} else {
		if to := answer.To(); to != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := invite.From(); from != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		// Send back to where the INVITE came from.
		bye.SetDestination(invite.Source())
	}

	if cid := invite.CallID(); cid != nil {
		bye.AppendHeader(sip.HeaderClone(cid))
	}
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.nextCSeq(),
		MethodName: sip.BYE,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	if contact != nil {
		bye.AppendHeader(contact)
	}
	return bye
}
