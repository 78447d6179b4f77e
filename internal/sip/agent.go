// Package sip is the bridge's signaling transport. It registers with the
// upstream peer, places and receives calls with sipgo, and reports call
// outcomes to the call engine.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/procomm/phonebridge/internal/config"
	"github.com/procomm/phonebridge/internal/media"
)

// Events receives call outcomes from the wire. The call engine implements
// it.
type Events interface {
	IncomingCall(callID string, lineHint int, from string) (int, error)
	RemoteAnswered(callID string) error
	RemoteRejected(callID string, code int, reason string)
	RemoteHangup(callID string)
	CallFailed(callID string, cause error)
}

const (
	userAgent = "phonebridge"

	// requestTimeout bounds CANCEL, BYE and OPTIONS transactions.
	requestTimeout = 5 * time.Second

	allowMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"
)

// Agent is the SIP user agent for all eight lines.
type Agent struct {
	cfg    *config.Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ports  *media.PortPool
	sink   media.Sink
	logger *slog.Logger

	events     Events
	calls      *callTable
	acl        *sourceACL
	guard      *scanGuard
	registered atomic.Bool
	sessionID  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // listeners
	reqWG  sync.WaitGroup // in-flight INVITE, CANCEL and BYE work
}

// NewAgent creates the user agent, server and client. Nothing is sent or
// bound until Start.
func NewAgent(cfg *config.Config, ports *media.PortPool, sink media.Sink, logger *slog.Logger) (*Agent, error) {
	logger = logger.With("component", "sip")
	enableTracing(logger, ParseTraceLevel(cfg.SIPTrace))

	acl, err := newSourceACL(cfg.SIPAllow, logger)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(userAgent),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		ports:  ports,
		sink:   sink,
		logger: logger,
		calls:  newCallTable(logger),
		acl:    acl,
		guard:  newScanGuard(logger),
		ctx:    ctx,
		cancel: cancel,
	}
	a.sessionID.Store(uint64(time.Now().Unix()))

	a.srv.OnInvite(a.handleInvite)
	a.srv.OnAck(a.handleACK)
	a.srv.OnBye(a.handleBye)
	a.srv.OnCancel(a.handleCancel)
	a.srv.OnOptions(a.handleOptions)
	return a, nil
}

// Start begins listening and reporting call outcomes to events. It must be
// called before the engine places calls.
func (a *Agent) Start(ctx context.Context, events Events) error {
	if events == nil {
		return fmt.Errorf("sip agent: events receiver is required")
	}
	a.events = events

	resolveCtx, resolveCancel := context.WithTimeout(ctx, requestTimeout)
	if err := a.acl.resolvePeer(resolveCtx, a.cfg.SIPServer); err != nil {
		a.logger.Warn("peer address lookup failed, inbound calls from the peer will be refused", "error", err)
	}
	resolveCancel()

	addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.SIPPort)
	listenCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-a.ctx.Done()
		cancel()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "transport", a.cfg.SIPTransport, "addr", addr)
		if err := a.srv.ListenAndServe(listenCtx, a.cfg.SIPTransport, addr); err != nil && listenCtx.Err() == nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	if a.acl.enabled() {
		a.wg.Add(1)
		go a.pruneLoop(listenCtx)
	}

	a.logger.Info("sip agent started",
		"mode", a.cfg.SIPMode,
		"server", a.cfg.SIPServer,
		"server_port", a.cfg.SIPServerPort,
	)
	return nil
}

// Stop abandons in-flight calls, un-registers and closes the stack. The
// engine should have hung up its lines first.
func (a *Agent) Stop() {
	a.logger.Info("stopping sip agent")

	for _, c := range a.calls.drain() {
		c.abort()
		a.releaseMedia(c)
	}
	a.reqWG.Wait()

	if a.cfg.SIPMode == config.ModeRegister && a.registered.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if _, err := a.sendRegister(ctx, 0); err != nil {
			a.logger.Warn("failed to un-register", "error", err)
		}
		cancel()
	}

	a.cancel()
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip agent stopped")
}

// pruneLoop forgets stale scan guard records.
func (a *Agent) pruneLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.guard.prune(); n > 0 {
				a.logger.Debug("scan guard pruned", "records", n)
			}
		}
	}
}

// ActiveCalls returns the number of calls with live SIP state.
func (a *Agent) ActiveCalls() int {
	return a.calls.count()
}

// handleACK confirms inbound dialogs. ACK has no response.
func (a *Agent) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if c := a.calls.get(callID); c != nil {
		c.confirm()
	}
	a.logger.Debug("sip ack received", "call_id", callID, "source", req.Source())
}

// handleOptions responds to SIP OPTIONS requests (keepalive pings from the
// peer).
func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	a.logger.Debug("sip options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowMethods))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}

func (a *Agent) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// contactHeader is our Contact for dialog-creating requests and responses.
func (a *Agent) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   a.cfg.SIPUsername,
			Host:   a.cfg.MediaIP(),
			Port:   a.cfg.SIPPort,
		},
	}
}

// nextSessionID returns a fresh SDP session id.
func (a *Agent) nextSessionID() uint64 {
	return a.sessionID.Add(1)
}

// goRequest runs fn as tracked request work.
func (a *Agent) goRequest(fn func()) {
	a.reqWG.Add(1)
	go func() {
		defer a.reqWG.Done()
		fn()
	}()
}
