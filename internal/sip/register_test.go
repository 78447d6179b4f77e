package sip

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/procomm/phonebridge/internal/config"
)

func newTestAgent(t *testing.T, mode string) *Agent {
	t.Helper()
	cfg := &config.Config{
		SIPMode:       mode,
		SIPServer:     "pbx.example.com",
		SIPServerPort: 5060,
		SIPTransport:  "udp",
		SIPUsername:   "bridge",
		SIPPassword:   "secret",
		SIPExpiry:     300,
		SIPKeepalive:  30 * time.Second,
		SIPPort:       5062,
		ExternalIP:    "192.0.2.10",
	}
	a, err := NewAgent(cfg, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	t.Cleanup(func() {
		a.cancel()
		a.client.Close()
		a.srv.Close()
		a.ua.Close()
	})
	return a
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"<sip:user@host>;expires=3600", 3600},
		{"<sip:user@host>;Expires=120", 120},
		{"<sip:user@host>", 0},
		{"<sip:user@host>;expires=0", 0},
		{"<sip:user@host>;expires=60;q=0.5", 60},
		{"", 0},
	}

	for _, tt := range tests {
		got := parseContactExpires(tt.input)
		if got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseExpiresHeader(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"3600", 3600},
		{" 120 ", 120},
		{"", 0},
		{"abc", 0},
	}

	for _, tt := range tests {
		got := parseExpiresHeader(tt.input)
		if got != tt.want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestRefreshInterval(t *testing.T) {
	tests := []struct {
		granted int
		want    time.Duration
	}{
		{300, 240 * time.Second},
		{3600, 2880 * time.Second},
		{60, 48 * time.Second},
		{5, minRefresh},
		{0, minRefresh},
	}

	for _, tt := range tests {
		if got := refreshInterval(tt.granted); got != tt.want {
			t.Errorf("refreshInterval(%d) = %s, want %s", tt.granted, got, tt.want)
		}
	}
}

func TestRegisterWithoutPeer(t *testing.T) {
	a := newTestAgent(t, config.ModeNone)

	next, err := a.Register(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if next != 30*time.Second {
		t.Errorf("next = %s, want keepalive interval", next)
	}
	if !a.registered.Load() {
		t.Error("registered = false after successful exchange")
	}
}

func TestAuthorize(t *testing.T) {
	a := newTestAgent(t, config.ModeRegister)

	uri := "sip:pbx.example.com:5060"
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.10",
		Port:            5062,
		Params:          sip.NewParams(),
	})

	t.Run("www-authenticate", func(t *testing.T) {
		challenge := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="pbx", nonce="abc123", algorithm=MD5`))

		authReq, err := a.authorize(req, challenge, uri)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		h := authReq.GetHeader("Authorization")
		if h == nil {
			t.Fatal("no Authorization header")
		}
		if !strings.Contains(h.Value(), `username="bridge"`) {
			t.Errorf("Authorization = %q, want username bridge", h.Value())
		}
		if authReq.GetHeader("Via") != nil {
			t.Error("Via should be stripped for the resend")
		}
		if req.GetHeader("Authorization") != nil {
			t.Error("original request was modified")
		}
	})

	t.Run("proxy-authenticate", func(t *testing.T) {
		challenge := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
		challenge.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="pbx", nonce="xyz"`))

		authReq, err := a.authorize(req, challenge, uri)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if authReq.GetHeader("Proxy-Authorization") == nil {
			t.Error("no Proxy-Authorization header")
		}
	})

	t.Run("missing challenge", func(t *testing.T) {
		challenge := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		if _, err := a.authorize(req, challenge, uri); err == nil {
			t.Error("expected error without WWW-Authenticate")
		}
	})
}
