package sip

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock is a settable time source for the guard.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard() (*scanGuard, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := newScanGuard(discardLogger())
	g.now = clock.now
	return g, clock
}

func TestScanGuardNotMutedInitially(t *testing.T) {
	g, _ := newTestGuard()
	if g.muted("192.168.1.1:5060") {
		t.Fatal("new source should not be muted")
	}
}

func TestScanGuardMutesAfterThreshold(t *testing.T) {
	g, _ := newTestGuard()
	source := "10.0.0.1:5060"

	for i := 0; i < maxRejectedInvites-1; i++ {
		g.reject(source)
	}
	if g.muted(source) {
		t.Fatalf("muted after %d rejects", maxRejectedInvites-1)
	}

	g.reject(source)
	if !g.muted(source) {
		t.Fatal("should be muted after reaching threshold")
	}
	// The port does not matter.
	if !g.muted("10.0.0.1:5099") {
		t.Fatal("mute should apply to the address, not the port")
	}
}

func TestScanGuardSourcesIndependent(t *testing.T) {
	g, _ := newTestGuard()
	for i := 0; i < maxRejectedInvites; i++ {
		g.reject("10.0.0.1:5060")
	}
	if !g.muted("10.0.0.1:5060") {
		t.Fatal("10.0.0.1 should be muted")
	}
	if g.muted("10.0.0.2:5060") {
		t.Fatal("10.0.0.2 should not be muted")
	}
}

func TestScanGuardRejectsOutsideWindow(t *testing.T) {
	g, clock := newTestGuard()
	source := "10.0.0.1:5060"

	for i := 0; i < maxRejectedInvites-1; i++ {
		g.reject(source)
	}
	clock.advance(rejectWindow + time.Second)
	g.reject(source)
	if g.muted(source) {
		t.Fatal("rejects older than the window should not count")
	}
}

func TestScanGuardMuteExpiresAndDoubles(t *testing.T) {
	g, clock := newTestGuard()
	source := "10.0.0.1:5060"

	for i := 0; i < maxRejectedInvites; i++ {
		g.reject(source)
	}
	clock.advance(muteDuration + time.Second)
	if g.muted(source) {
		t.Fatal("mute should expire after muteDuration")
	}

	// The second offence lasts twice as long.
	for i := 0; i < maxRejectedInvites; i++ {
		g.reject(source)
	}
	clock.advance(muteDuration + time.Second)
	if !g.muted(source) {
		t.Fatal("second mute should outlast the base duration")
	}
	clock.advance(muteDuration)
	if g.muted(source) {
		t.Fatal("second mute should expire after twice the base duration")
	}
}

func TestScanGuardMuteCapped(t *testing.T) {
	g, clock := newTestGuard()
	source := "10.0.0.1:5060"

	for round := 0; round < 12; round++ {
		for i := 0; i < maxRejectedInvites; i++ {
			g.reject(source)
		}
		clock.advance(maxMuteDuration + time.Second)
		if g.muted(source) {
			t.Fatalf("round %d: mute exceeded maxMuteDuration", round)
		}
	}
}

func TestScanGuardPrune(t *testing.T) {
	g, clock := newTestGuard()
	for i := 0; i < 5; i++ {
		g.reject(fmt.Sprintf("10.0.0.%d:5060", i+1))
	}
	if len(g.records) != 5 {
		t.Fatalf("records = %d, want 5", len(g.records))
	}

	if n := g.prune(); n != 0 {
		t.Errorf("prune removed %d fresh records", n)
	}

	clock.advance(rejectWindow + time.Second)
	if n := g.prune(); n != 5 {
		t.Errorf("prune removed %d records, want 5", n)
	}
	if len(g.records) != 0 {
		t.Errorf("records = %d after prune, want 0", len(g.records))
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:5060", "192.168.1.1"},
		{"192.168.1.1", "192.168.1.1"},
		{"[::1]:5060", "::1"},
		{"", ""},
		{"not-an-ip", ""},
	}
	for _, tt := range tests {
		if got := extractIP(tt.input); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
