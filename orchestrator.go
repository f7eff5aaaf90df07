// ghostline/orchestrator.go
// Completion orchestrator: single state machine owning the suggestion
// lifecycle. All mutation funnels through HandleEvent.
package ghostline

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// RequestFunc performs one completion request for a captured context and
// returns the parsed suggestion.
type RequestFunc func(ctx context.Context, cc *CompletionContext) (*CompletionItem, error)

// SurfaceLookup resolves a surface id to a live surface.
type SurfaceLookup func(id string) (Surface, bool)

// OrchestratorOptions wires the orchestrator's collaborators.
type OrchestratorOptions struct {
	Config   func() Config
	Guard    *RequestGuard
	Renderer Renderer
	Listener EventListener
	Surfaces SurfaceLookup
	Request  RequestFunc
	Logger   *slog.Logger
}

// Orchestrator serializes every lifecycle event through one mutex and keeps
// exactly one current state. A monotonically increasing generation counter
// stamps each request; results and errors carrying an id that no longer
// matches the state are dropped without side effects.
type Orchestrator struct {
	logger   *slog.Logger
	config   func() Config
	guard    *RequestGuard
	renderer Renderer
	listener EventListener
	surfaces SurfaceLookup
	request  RequestFunc

	generation atomic.Uint64

	mu    sync.Mutex
	state orchestratorState

	displayedCount atomic.Uint64
	acceptedCount  atomic.Uint64
	dismissedCount atomic.Uint64
	droppedStale   atomic.Uint64
}

// NewOrchestrator builds an orchestrator starting in idle. Missing optional
// collaborators degrade to no-ops.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:   logger.With("component", "orchestrator"),
		config:   opts.Config,
		guard:    opts.Guard,
		renderer: opts.Renderer,
		listener: opts.Listener,
		surfaces: opts.Surfaces,
		request:  opts.Request,
		state:    idleState{},
	}
	if o.config == nil {
		def := getDefaultConfig()
		o.config = func() Config { return def }
	}
	if o.renderer == nil {
		o.renderer = noopRenderer{}
	}
	if o.listener == nil {
		o.listener = noopListener{}
	}
	if o.surfaces == nil {
		o.surfaces = func(string) (Surface, bool) { return nil, false }
	}
	if o.request == nil {
		o.request = func(context.Context, *CompletionContext) (*CompletionItem, error) {
			return nil, errors.New("no request function configured")
		}
	}
	return o
}

// HandleEvent feeds one event through the state machine and reports whether
// a transition happened. Safe for concurrent use from any goroutine.
func (o *Orchestrator) HandleEvent(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.state
	next := cur.handle(o, ev)
	if next == nil {
		o.logger.Debug("Event caused no transition", "event", ev.eventName(), "state", cur.kind().String())
		return false
	}
	o.transitionLocked(next, ev.eventName())
	return true
}

// transitionLocked swaps states, running exit and enter hooks. A panicking
// hook is recovered and the machine degrades to idle. Caller holds o.mu.
func (o *Orchestrator) transitionLocked(next orchestratorState, cause string) {
	prev := o.state
	o.runHook(func() { prev.exit(o) }, "exit", prev.kind())
	o.state = next
	o.logger.Debug("State transition", "from", prev.kind().String(), "to", next.kind().String(), "cause", cause)
	o.runHook(func() { next.enter(o) }, "enter", next.kind())
}

func (o *Orchestrator) runHook(hook func(), phase string, kind StateKind) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic in state hook, degrading to idle",
				"phase", phase, "state", kind.String(), "panic", r, "stack", string(debug.Stack()))
			o.state = idleState{}
		}
	}()
	hook()
}

// NextRequestID allocates a fresh generation id, invalidating all older
// in-flight requests.
func (o *Orchestrator) NextRequestID() uint64 {
	return o.generation.Add(1)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() StateKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.kind()
}

// DisplayedItem returns the currently displayed suggestion, if any.
func (o *Orchestrator) DisplayedItem() (*CompletionItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.state.(*displayingState); ok {
		return s.item, true
	}
	return nil, false
}

// DisplayAnchor returns the surface and offset the displayed suggestion is
// anchored to. ok is false when nothing is displayed.
func (o *Orchestrator) DisplayAnchor() (surfaceID string, offset int, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.state.(*displayingState); ok {
		return s.cc.SurfaceID, s.cc.Offset, true
	}
	return "", 0, false
}

// CanTrigger reports whether a new completion attempt may start now. It also
// gives the stuck-acceptance watchdog a chance to self-heal, so a wedged
// acceptance cannot block triggering forever.
func (o *Orchestrator) CanTrigger() bool {
	o.guard.CheckAndFixStuckState()
	if o.guard.IsAccepting() || o.guard.IsInCooldown() {
		return false
	}
	switch o.State() {
	case StateIdle, StateWaiting, StateDisplaying:
		return true
	}
	return false
}

// Counters returns lifetime event counts for metrics publishing.
func (o *Orchestrator) Counters() (displayed, accepted, dismissed, droppedStale uint64) {
	return o.displayedCount.Load(), o.acceptedCount.Load(), o.dismissedCount.Load(), o.droppedStale.Load()
}

// dropStale logs and counts a result that arrived for a superseded request.
func (o *Orchestrator) dropStale(event string, got, want uint64) {
	o.droppedStale.Add(1)
	o.logger.Debug("Dropped stale event", "event", event, "request_id", got, "current_id", want, "error", ErrStaleRequest)
}

func (o *Orchestrator) notifyDismissed(surfaceID, reason string) {
	o.dismissedCount.Add(1)
	o.listener.CompletionDismissed(surfaceID, reason)
}

func (o *Orchestrator) hideSurface(surfaceID string) {
	if surface, ok := o.surfaces(surfaceID); ok {
		o.renderer.Hide(surface)
	}
}

// goSafe runs fn on a new goroutine with panic recovery. State hooks use it
// for all work that must not run under the orchestrator mutex.
func (o *Orchestrator) goSafe(where string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Panic recovered", "where", where, "panic", r, "stack", string(debug.Stack()))
				o.HandleEvent(EventReset{})
			}
		}()
		fn()
	}()
}

// armWatchdog schedules a stuck-state check shortly after the threshold. If
// the guard recovers a wedged acceptance the machine is reset to idle.
func (o *Orchestrator) armWatchdog() *time.Timer {
	threshold := o.config().StuckThreshold
	if threshold <= 0 {
		return nil
	}
	return time.AfterFunc(threshold+100*time.Millisecond, func() {
		if o.guard.CheckAndFixStuckState() {
			o.logger.Warn("Acceptance watchdog reset", "error", ErrStuckState)
			o.HandleEvent(EventReset{})
		}
	})
}
