package sip

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/procomm/phonebridge/internal/config"
)

// minRefresh keeps a tiny granted expiry from turning into a REGISTER storm.
const minRefresh = 10 * time.Second

// Register performs one registration or keepalive exchange with the peer
// and returns when the next one is due. In register mode this is a
// REGISTER refreshed at 80% of the granted expiry; in peer mode an OPTIONS
// ping; with no peer it always succeeds.
func (a *Agent) Register(ctx context.Context) (time.Duration, error) {
	switch a.cfg.SIPMode {
	case config.ModeRegister:
		granted, err := a.sendRegister(ctx, a.cfg.SIPExpiry)
		if err != nil {
			a.registered.Store(false)
			return 0, err
		}
		a.registered.Store(true)
		if granted != a.cfg.SIPExpiry {
			a.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", a.cfg.SIPExpiry,
				"granted_expiry", granted,
			)
		}
		return refreshInterval(granted), nil

	case config.ModePeer:
		if err := a.sendOptions(ctx); err != nil {
			a.registered.Store(false)
			return 0, err
		}
		a.registered.Store(true)
		return a.cfg.SIPKeepalive, nil

	default:
		a.registered.Store(true)
		return a.cfg.SIPKeepalive, nil
	}
}

// refreshInterval re-registers before expiry: 80% of the server-granted
// expiry, to account for network delays.
func refreshInterval(grantedSeconds int) time.Duration {
	d := time.Duration(float64(grantedSeconds)*0.8) * time.Second
	if d < minRefresh {
		d = minRefresh
	}
	return d
}

// serverURI is the REGISTER and OPTIONS Request-URI.
func (a *Agent) serverURI() (sip.Uri, string, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", a.cfg.SIPServer, a.cfg.SIPServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return sip.Uri{}, "", fmt.Errorf("parsing server uri: %w", err)
	}
	return recipient, recipientStr, nil
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry (from the 200 OK response).
// If the server does not include an expiry, the requested expiry is returned.
// An expiry of zero un-registers.
func (a *Agent) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipient, recipientStr, err := a.serverURI()
	if err != nil {
		return 0, err
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.SIPTransport))

	aor := fmt.Sprintf("<sip:%s@%s>", a.cfg.SIPUsername, a.cfg.SIPServer)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(a.contactHeader())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := a.authorize(req, res, recipientStr)
		if err != nil {
			return 0, err
		}

		tx2, err := a.client.TransactionRequest(ctx, authReq,
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
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4, the registrar may shorten the requested expiry.
	// Check Contact header expires param first, then Expires header.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// sendOptions pings the peer. Any 2xx counts as reachable.
func (a *Agent) sendOptions(ctx context.Context) error {
	recipient, _, err := a.serverURI()
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.SIPTransport))

	pingCtx, pingCancel := context.WithTimeout(ctx, requestTimeout)
	defer pingCancel()

	tx, err := a.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// authorize answers a 401/407 digest challenge to req with a cloned,
// credentialed request ready to resend.
func (a *Agent) authorize(req *sip.Request, challenge *sip.Response, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: a.cfg.AuthUser(),
		Password: a.cfg.SIPPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
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

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
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

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
