package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/procomm/phonebridge/internal/line"
)

// RegistrationStatus is the engine's view of the signaling peer.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
)

// Registration holds the runtime state of the peer relationship.
type Registration struct {
	Status        RegistrationStatus `json:"status"`
	Registered    bool               `json:"registered"`
	LastKeepalive *time.Time         `json:"last_keepalive,omitempty"`
	NextRefresh   *time.Time         `json:"next_refresh,omitempty"`
	FailedAt      *time.Time         `json:"failed_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	RetryAttempt  int                `json:"retry_attempt"`
}

// Registration returns a copy of the current registration state.
func (e *Engine) Registration() Registration {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	return e.reg
}

func (e *Engine) setRegistration(fn func(*Registration)) {
	e.regMu.Lock()
	fn(&e.reg)
	e.regMu.Unlock()
}

// registrationLoop keeps the peer relationship alive. Failures are retried
// with backoff and only mark the engine unregistered; connected calls are
// left alone.
func (e *Engine) registrationLoop(ctx context.Context) {
	b := newBackoff()
	if e.retryBase > 0 {
		b.baseDelay = e.retryBase
		if b.maxDelay < e.retryBase {
			b.maxDelay = e.retryBase
		}
	}

	for {
		refresh, err := e.sig.Register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := b.next()
			e.logger.Error("registration failed",
				"error", err,
				"attempt", b.attempt,
				"retry_in", retryDelay.String(),
			)

			now := e.now()
			e.setRegistration(func(r *Registration) {
				r.Status = StatusFailed
				r.Registered = false
				r.LastError = err.Error()
				r.RetryAttempt = b.attempt
				r.NextRefresh = nil
				if r.FailedAt == nil {
					r.FailedAt = &now
				}
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		b.reset()
		now := e.now()
		next := now.Add(refresh)
		var wasRegistered bool
		e.setRegistration(func(r *Registration) {
			wasRegistered = r.Registered
			r.Status = StatusRegistered
			r.Registered = true
			r.LastError = ""
			r.RetryAttempt = 0
			r.FailedAt = nil
			r.LastKeepalive = &now
			r.NextRefresh = &next
		})

		if !wasRegistered {
			e.logger.Info("registered with signaling peer", "refresh_in", refresh.String())
		} else {
			e.logger.Debug("registration refreshed", "refresh_in", refresh.String())
		}
		e.resetFailedLines()

		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// resetFailedLines returns every line in ERROR to IDLE after a successful
// registration exchange.
func (e *Engine) resetFailedLines() {
	for id := 1; id <= line.NumLines; id++ {
		s := e.slots[id]
		s.mu.Lock()
		if s.line.State() == line.StateError {
			if err := s.line.Reset(); err != nil {
				e.logger.Error("resetting failed line", "line", id, "error", err)
			} else {
				e.logger.Info("line recovered after registration", "line", id)
			}
		}
		s.mu.Unlock()
	}
}

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
