// ghostline/rate_limiter_test.go
package ghostline

import (
	"testing"
	"time"
)

// fakeClock provides a controllable time source for guard tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T, mutate func(*Config)) (*RequestGuard, *fakeClock) {
	t.Helper()
	cfg := getDefaultConfig()
	cfg.MinRequestIntervalMs = 0 // interval limit off unless a test opts in
	cfg.deriveDurations()
	if mutate != nil {
		mutate(&cfg)
		cfg.deriveDurations()
	}
	g := NewRequestGuard(cfg, testLogger())
	clock := newFakeClock()
	g.now = clock.Now
	return g, clock
}

func TestSlidingWindowBlocksRequestOverCap(t *testing.T) {
	g, clock := newTestGuard(t, nil)

	// 30 requests inside one second all pass; the 31st is rejected.
	for i := 0; i < 30; i++ {
		if g.IsRateLimited() {
			t.Fatalf("request %d unexpectedly rate limited", i+1)
		}
		g.RecordRequest()
		clock.Advance(30 * time.Millisecond)
	}
	if !g.IsRateLimited() {
		t.Fatal("31st request within the window was not rate limited")
	}

	// Once the earliest timestamps age out of the window, capacity returns.
	clock.Advance(rateWindow)
	if g.IsRateLimited() {
		t.Fatal("still rate limited after the window elapsed")
	}
	if got := g.WindowCount(); got != 0 {
		t.Fatalf("WindowCount after expiry = %d, want 0", got)
	}
}

func TestIsRateLimitedDoesNotConsumeCapacity(t *testing.T) {
	g, _ := newTestGuard(t, func(c *Config) { c.MaxRequestsPerMinute = 1 })

	for i := 0; i < 5; i++ {
		if g.IsRateLimited() {
			t.Fatalf("probe %d consumed capacity", i)
		}
	}
	g.RecordRequest()
	if !g.IsRateLimited() {
		t.Fatal("recorded request did not count against the window")
	}
}

func TestAcceptanceCooldown(t *testing.T) {
	g, clock := newTestGuard(t, nil)

	if g.IsInCooldown() {
		t.Fatal("fresh guard should not be in cooldown")
	}
	g.StartAcceptance("return nil")
	if !g.IsAccepting() || !g.IsInCooldown() {
		t.Fatal("acceptance in progress should suppress triggering")
	}
	g.FinishAcceptance()
	if g.IsAccepting() {
		t.Fatal("FinishAcceptance left accepting flag set")
	}
	if !g.IsInCooldown() {
		t.Fatal("cooldown should be active immediately after acceptance")
	}
	clock.Advance(defaultAcceptCooldownMs*time.Millisecond + time.Millisecond)
	if g.IsInCooldown() {
		t.Fatal("cooldown did not expire")
	}
}

func TestAbortAcceptanceSkipsCooldown(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	g.StartAcceptance("x")
	g.AbortAcceptance()
	if g.IsAccepting() {
		t.Fatal("AbortAcceptance left accepting flag set")
	}
	if g.IsInCooldown() {
		t.Fatal("aborted acceptance must not start a cooldown")
	}
}

func TestStuckAcceptanceRecovery(t *testing.T) {
	g, clock := newTestGuard(t, nil)

	g.StartAcceptance("stuck text")
	if g.CheckAndFixStuckState() {
		t.Fatal("acceptance below the threshold reported as stuck")
	}
	clock.Advance(defaultStuckAcceptanceMs*time.Millisecond + time.Millisecond)
	if !g.CheckAndFixStuckState() {
		t.Fatal("stuck acceptance was not recovered")
	}
	if g.IsAccepting() {
		t.Fatal("recovery left accepting flag set")
	}
	if g.CheckAndFixStuckState() {
		t.Fatal("second check after recovery should be a no-op")
	}
}
