package sip

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// maxRejectedInvites within rejectWindow gets a source muted.
	maxRejectedInvites = 10
	rejectWindow       = 10 * time.Minute

	// muteDuration doubles on each repeat offence, up to maxMuteDuration.
	muteDuration    = 5 * time.Minute
	maxMuteDuration = 24 * time.Hour
)

// sourceRecord tracks rejected INVITEs for one source address.
type sourceRecord struct {
	rejects []time.Time
	muted   bool
	mutedAt time.Time
	muteFor time.Duration
}

// scanGuard mutes sources that keep sending INVITEs the ACL refuses, the
// usual pattern of SIP scanners. Muted sources get no response at all.
type scanGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	now     func() time.Time
	logger  *slog.Logger
}

func newScanGuard(logger *slog.Logger) *scanGuard {
	return &scanGuard{
		records: make(map[string]*sourceRecord),
		now:     time.Now,
		logger:  logger.With("subsystem", "scan-guard"),
	}
}

// muted reports whether source is currently muted. source may carry a port.
func (g *scanGuard) muted(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.muted {
		return false
	}
	if g.now().Sub(rec.mutedAt) > rec.muteFor {
		rec.muted = false
		rec.rejects = nil
		return false
	}
	return true
}

// reject records a refused INVITE from source and mutes it once the
// threshold is reached.
func (g *scanGuard) reject(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{muteFor: muteDuration}
		g.records[ip] = rec
	}
	if rec.muted {
		return
	}

	now := g.now()
	rec.rejects = append(pruneBefore(rec.rejects, now.Add(-rejectWindow)), now)
	if len(rec.rejects) < maxRejectedInvites {
		return
	}

	rec.muted = true
	rec.mutedAt = now
	rec.rejects = nil
	g.logger.Warn("muting source after repeated rejected invites",
		"ip", ip,
		"duration", rec.muteFor.String(),
	)
	rec.muteFor = min(rec.muteFor*2, maxMuteDuration)
}

// prune drops expired mutes and records with nothing left to track. It
// returns the number of records removed.
func (g *scanGuard) prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for ip, rec := range g.records {
		if rec.muted && now.Sub(rec.mutedAt) > rec.muteFor {
			rec.muted = false
			rec.rejects = nil
		}
		rec.rejects = pruneBefore(rec.rejects, now.Add(-rejectWindow))
		// A record that was muted before keeps its longer mute duration
		// until it has been quiet for the maximum.
		if !rec.muted && len(rec.rejects) == 0 && (rec.muteFor == muteDuration || now.Sub(rec.mutedAt) > maxMuteDuration) {
			delete(g.records, ip)
			removed++
		}
	}
	return removed
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	addr, err := parseAddr(source)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// pruneBefore returns only times after cutoff.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
