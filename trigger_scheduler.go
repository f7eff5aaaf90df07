// ghostline/trigger_scheduler.go
// Trigger scheduler: debounced automatic triggering with a secondary
// backstop timer, plus manual invocation.
package ghostline

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// TriggerFunc captures a fresh context from the surface and drives the
// orchestrator through StartWaiting and RequestCompletion.
type TriggerFunc func(surface Surface, offset int, manual bool)

// TriggerScheduler turns raw editing activity into completion triggers. Every
// activity re-arms two timers: the primary fires after the debounce delay
// once typing pauses, the secondary is a backstop that catches lost wake-ups
// and suggestions left anchored to stale text.
type TriggerScheduler struct {
	logger  *slog.Logger
	config  func() Config
	orch    *Orchestrator
	guard   *RequestGuard
	trigger TriggerFunc

	mu           sync.Mutex
	primary      *time.Timer
	secondary    *time.Timer
	lastActivity time.Time
	closed       bool
}

// NewTriggerScheduler wires the scheduler; timers start arming on the first
// ScheduleAfterActivity call.
func NewTriggerScheduler(orch *Orchestrator, guard *RequestGuard, config func() Config, trigger TriggerFunc, logger *slog.Logger) *TriggerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerScheduler{
		logger:  logger.With("component", "trigger_scheduler"),
		config:  config,
		orch:    orch,
		guard:   guard,
		trigger: trigger,
	}
}

// ScheduleAfterActivity records one unit of user activity and re-arms both
// timers. Arming is suppressed while auto-trigger is off, an acceptance is
// in progress, or the post-accept cooldown is running.
func (s *TriggerScheduler) ScheduleAfterActivity(surface Surface, reason string) {
	cfg := s.config()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastActivity = time.Now()
	s.stopTimersLocked()
	if !cfg.AutoTrigger {
		return
	}
	if s.guard.IsAccepting() || s.guard.IsInCooldown() {
		s.logger.Debug("Trigger arming suppressed", "reason", reason, "accepting", s.guard.IsAccepting())
		return
	}
	s.primary = time.AfterFunc(cfg.PrimaryDelay, func() { s.firePrimary(surface) })
	s.secondary = time.AfterFunc(cfg.SecondaryDelay, func() { s.fireSecondary(surface) })
}

// RequestNow bypasses the timers for an explicit user invocation. Rate
// limits still apply downstream.
func (s *TriggerScheduler) RequestNow(surface Surface, offset int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.mu.Unlock()
	s.trigger(surface, offset, true)
}

// CancelAll stops any pending timers without recording activity.
func (s *TriggerScheduler) CancelAll() {
	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()
}

// Close permanently disables the scheduler.
func (s *TriggerScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopTimersLocked()
	s.mu.Unlock()
}

func (s *TriggerScheduler) stopTimersLocked() {
	if s.primary != nil {
		s.primary.Stop()
		s.primary = nil
	}
	if s.secondary != nil {
		s.secondary.Stop()
		s.secondary = nil
	}
}

// firePrimary re-validates the quiet period before triggering: a timer that
// raced with fresh activity simply yields to the re-armed one.
func (s *TriggerScheduler) firePrimary(surface Surface) {
	defer s.recoverPanic("primary_fire")
	cfg := s.config()

	s.mu.Lock()
	quiet := time.Since(s.lastActivity)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if quiet+quietTolerance < cfg.PrimaryDelay {
		s.logger.Debug("Primary fire aborted, activity resumed", "quiet", quiet)
		return
	}
	if !s.orch.CanTrigger() {
		s.logger.Debug("Primary fire aborted, triggering not allowed", "state", s.orch.State().String())
		return
	}
	// The cursor may have moved since the activity that armed this timer.
	s.trigger(surface, surface.CursorOffset(), false)
}

// fireSecondary is the backstop: it dismisses a suggestion whose anchor has
// drifted away from the live cursor and retries a primary attempt that
// produced nothing.
func (s *TriggerScheduler) fireSecondary(surface Surface) {
	defer s.recoverPanic("secondary_fire")
	cfg := s.config()

	s.mu.Lock()
	quiet := time.Since(s.lastActivity)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if surfaceID, anchor, ok := s.orch.DisplayAnchor(); ok {
		if surfaceID != surface.ID() {
			return
		}
		drift := surface.CursorOffset() - anchor
		if drift < 0 {
			drift = -drift
		}
		if drift <= staleAnchorDrift {
			return
		}
		s.logger.Debug("Dismissing suggestion with stale anchor", "anchor", anchor, "cursor", surface.CursorOffset(), "drift", drift)
		s.orch.HandleEvent(EventDismiss{Reason: "anchor drift"})
		if s.orch.CanTrigger() {
			s.trigger(surface, surface.CursorOffset(), false)
		}
		return
	}

	// Lost wake-up: still idle though the quiet period long passed, e.g. the
	// primary fire lost a race or its request evaporated.
	if s.orch.State() == StateIdle && quiet >= cfg.PrimaryDelay && s.orch.CanTrigger() {
		s.logger.Debug("Secondary backstop triggering", "quiet", quiet)
		s.trigger(surface, surface.CursorOffset(), false)
	}
}

func (s *TriggerScheduler) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.logger.Error("Panic recovered in scheduler", "where", where, "panic", r, "stack", string(debug.Stack()))
	}
}
