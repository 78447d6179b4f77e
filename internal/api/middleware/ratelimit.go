package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter rate limits requests per client IP.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows each client limit requests per second with the
// given burst. Clients idle for longer than idle are forgotten by Prune.
func NewClientLimiter(limit rate.Limit, burst int, idle time.Duration) *ClientLimiter {
	return &ClientLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*clientEntry),
	}
}

// Allow reports whether a request from ip may proceed now.
func (l *ClientLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.clients[ip]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Prune forgets clients not seen since now minus the idle window and
// returns how many were removed.
func (l *ClientLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.idle)
	removed := 0
	for ip, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

// Run prunes idle clients every interval until ctx is cancelled.
func (l *ClientLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Prune(now)
		}
	}
}

// RateLimit answers 429 with Retry-After once a client exceeds its limit.
// chi's RealIP should run first when the server sits behind a proxy.
func RateLimit(l *ClientLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.Allow(ip) {
				logger.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
