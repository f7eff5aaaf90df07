// ghostline/rate_limiter.go
// Request guard: network request rate limiting plus acceptance bookkeeping.
package ghostline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RequestGuard throttles completion requests and tracks acceptance state.
// Two independent limits apply to requests: a minimum inter-request interval
// and a sliding one-minute window with a hard request cap. Either alone is
// sufficient to block. Acceptance state suppresses triggering while an
// insertion is in progress and during the cooldown that follows it.
type RequestGuard struct {
	logger *slog.Logger

	mu             sync.Mutex
	interval       *rate.Limiter // nil when the min interval is disabled
	history        []time.Time   // request timestamps inside the sliding window
	window         time.Duration
	maxInWindow    int
	cooldown       time.Duration
	stuckThreshold time.Duration

	accepting     atomic.Bool
	acceptingText string
	acceptStarted time.Time
	lastAccept    time.Time

	now func() time.Time // injectable for tests
}

// NewRequestGuard builds a guard from cfg. Limits follow later config updates
// via UpdateConfig.
func NewRequestGuard(cfg Config, logger *slog.Logger) *RequestGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &RequestGuard{
		logger: logger.With("component", "request_guard"),
		window: rateWindow,
		now:    time.Now,
	}
	g.UpdateConfig(cfg)
	return g
}

// UpdateConfig applies new limits. The request history is preserved so a
// config change cannot reset the sliding window.
func (g *RequestGuard) UpdateConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxInWindow = cfg.MaxRequestsPerMinute
	g.cooldown = cfg.AcceptCooldown
	g.stuckThreshold = cfg.StuckThreshold
	if cfg.MinRequestInterval > 0 {
		g.interval = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	} else {
		g.interval = nil
	}
}

// IsRateLimited reports whether a request started now would exceed a limit.
// It does not consume capacity; pair with RecordRequest on actual dispatch.
func (g *RequestGuard) IsRateLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	if g.maxInWindow > 0 && len(g.history) >= g.maxInWindow {
		g.logger.Debug("Rate limited by sliding window", "count", len(g.history), "max", g.maxInWindow)
		return true
	}
	if g.interval != nil && g.interval.TokensAt(now) < 1 {
		g.logger.Debug("Rate limited by min request interval")
		return true
	}
	return false
}

// RecordRequest charges one request against both limits.
func (g *RequestGuard) RecordRequest() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	g.history = append(g.history, now)
	if g.interval != nil {
		g.interval.AllowN(now, 1)
	}
}

// WindowCount returns the number of requests inside the sliding window.
func (g *RequestGuard) WindowCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.history)
}

// pruneLocked drops timestamps that have aged out of the window.
func (g *RequestGuard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.history) && !g.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.history = append(g.history[:0], g.history[i:]...)
	}
}

// StartAcceptance marks an insertion as in progress. Triggering is suppressed
// until FinishAcceptance or the stuck watchdog clears the flag.
func (g *RequestGuard) StartAcceptance(text string) {
	g.mu.Lock()
	g.acceptingText = text
	g.acceptStarted = g.now()
	g.mu.Unlock()
	g.accepting.Store(true)
}

// FinishAcceptance clears the in-progress flag and starts the cooldown.
func (g *RequestGuard) FinishAcceptance() {
	g.mu.Lock()
	g.lastAccept = g.now()
	g.acceptingText = ""
	g.mu.Unlock()
	g.accepting.Store(false)
}

// AbortAcceptance clears the in-progress flag without starting a cooldown.
func (g *RequestGuard) AbortAcceptance() {
	g.mu.Lock()
	g.acceptingText = ""
	g.mu.Unlock()
	g.accepting.Store(false)
}

// IsAccepting reports whether an insertion is currently in progress.
func (g *RequestGuard) IsAccepting() bool {
	return g.accepting.Load()
}

// IsInCooldown reports whether triggering is suppressed, either because an
// insertion is in progress or because the post-accept cooldown has not
// elapsed.
func (g *RequestGuard) IsInCooldown() bool {
	if g.accepting.Load() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cooldown <= 0 || g.lastAccept.IsZero() {
		return false
	}
	return g.now().Sub(g.lastAccept) < g.cooldown
}

// CheckAndFixStuckState force-resets acceptance flags that have been held
// past the stuck threshold, e.g. after an insertion callback panicked before
// FinishAcceptance ran. Returns true when a reset happened.
func (g *RequestGuard) CheckAndFixStuckState() bool {
	if !g.accepting.Load() {
		return false
	}
	g.mu.Lock()
	heldFor := g.now().Sub(g.acceptStarted)
	stuck := g.stuckThreshold > 0 && heldFor > g.stuckThreshold
	if stuck {
		g.acceptingText = ""
	}
	g.mu.Unlock()
	if !stuck {
		return false
	}
	g.accepting.Store(false)
	g.logger.Warn("Recovered stuck acceptance state", "error", ErrStuckState, "held_for", heldFor)
	return true
}
