package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line, _, _ := strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	entry := decodeLogLine(t, &buf)
	if entry["method"] != "GET" {
		t.Errorf("expected method GET, got %v", entry["method"])
	}
	if entry["path"] != "/api/v1/lines" {
		t.Errorf("expected path /api/v1/lines, got %v", entry["path"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Errorf("expected status 200, got %v", entry["status"])
	}
	if entry["bytes"] != float64(2) {
		t.Errorf("expected 2 bytes, got %v", entry["bytes"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("expected request_id in log output")
	}
}

func TestRequestLoggerExplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lines/9", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLogLine(t, &buf); entry["status"] != float64(404) {
		t.Errorf("expected status 404, got %v", entry["status"])
	}
}

func TestRequestLoggerScrapesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if buf.Len() != 0 {
		t.Errorf("expected no info log for /metrics, got %q", buf.String())
	}
}

func TestRecovererPanicReturns500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recoverer(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "internal server error" {
		t.Errorf("expected error 'internal server error', got %v", resp["error"])
	}

	entry := decodeLogLine(t, &buf)
	if entry["panic"] != "something went wrong" {
		t.Errorf("expected panic value in log, got %v", entry["panic"])
	}
	if stack, _ := entry["stack"].(string); stack == "" {
		t.Error("expected stack trace in log")
	}
}

func TestRecovererPassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Recoverer(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}
}

func TestClientLimiterAllow(t *testing.T) {
	l := NewClientLimiter(rate.Limit(2), 2, time.Hour)

	// Burst of two, then limited.
	if !l.Allow("192.168.1.1") || !l.Allow("192.168.1.1") {
		t.Fatal("expected the burst to be allowed")
	}
	if l.Allow("192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}

	// Different IP should still be allowed.
	if !l.Allow("192.168.1.2") {
		t.Fatal("expected request from different IP to be allowed")
	}
}

func TestClientLimiterPrune(t *testing.T) {
	l := NewClientLimiter(rate.Limit(10), 10, time.Minute)
	l.Allow("10.0.0.1")

	if n := l.Prune(time.Now()); n != 0 {
		t.Fatalf("pruned %d fresh clients, want 0", n)
	}
	if n := l.Prune(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("pruned %d idle clients, want 1", n)
	}

	l.mu.Lock()
	remaining := len(l.clients)
	l.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected 0 clients after prune, got %d", remaining)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewClientLimiter(rate.Limit(1), 1, time.Hour)

	handler := RateLimit(l, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
	req.RemoteAddr = "10.0.0.5:40000"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rr.Header().Get("Retry-After"))
	}
}
