// ghostline/orchestrator_states.go
// The orchestrator's states. Each state owns its payload, reacts to events
// via handle, and performs side effects in enter/exit. handle returns the
// next state, or nil for "no transition".
package ghostline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type orchestratorState interface {
	kind() StateKind
	enter(o *Orchestrator)
	exit(o *Orchestrator)
	handle(o *Orchestrator, ev Event) orchestratorState
}

// =============================================================================
// Idle
// =============================================================================

type idleState struct{}

func (idleState) kind() StateKind     { return StateIdle }
func (idleState) enter(*Orchestrator) {}
func (idleState) exit(*Orchestrator)  {}

func (idleState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case EventStartWaiting:
		return &waitingState{since: time.Now()}
	case EventRequestCompletion:
		// Manual invocation may skip the debounce window.
		return newRequestingState(e.RequestID, e.Context)
	case EventCompletionReceived:
		o.dropStale("completion_received", e.RequestID, o.generation.Load())
	}
	return nil
}

// =============================================================================
// Waiting
// =============================================================================

type waitingState struct {
	since time.Time
}

func (*waitingState) kind() StateKind     { return StateWaiting }
func (*waitingState) enter(*Orchestrator) {}
func (*waitingState) exit(*Orchestrator)  {}

func (s *waitingState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case EventStartWaiting:
		// Debounce timers re-arm outside the machine; the state stays put.
		return nil
	case EventRequestCompletion:
		return newRequestingState(e.RequestID, e.Context)
	case EventCompletionReceived:
		o.dropStale("completion_received", e.RequestID, o.generation.Load())
		return nil
	case EventDismiss:
		return idleState{}
	case EventError:
		return idleState{}
	case EventReset:
		return idleState{}
	}
	return nil
}

// =============================================================================
// Requesting
// =============================================================================

type requestingState struct {
	id        uint64
	cc        *CompletionContext
	startedAt time.Time
}

func newRequestingState(id uint64, cc *CompletionContext) *requestingState {
	return &requestingState{id: id, cc: cc, startedAt: time.Now()}
}

func (*requestingState) kind() StateKind { return StateRequesting }
func (*requestingState) exit(*Orchestrator) {}

// enter launches the network call off the mutex. The call's outcome comes
// back as an event stamped with this state's request id, so a superseded
// call can never affect a newer lifecycle.
func (s *requestingState) enter(o *Orchestrator) {
	id, cc := s.id, s.cc
	o.goSafe("completion_request", func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), o.config().RequestTimeout)
		defer cancel()
		item, err := o.request(reqCtx, cc)
		if err != nil {
			switch {
			case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
				// A timeout is "no result", not a failure the user hears about.
				o.logger.Warn("Completion request timed out", "request_id", id, "timeout", o.config().RequestTimeout)
			case errors.Is(err, ErrTransportCancelled) || errors.Is(err, context.Canceled):
				o.logger.Debug("Completion request cancelled", "request_id", id)
			default:
				o.logger.Warn("Completion request failed", "request_id", id, "error", err)
			}
			o.HandleEvent(EventError{RequestID: id, Err: err})
			return
		}
		o.HandleEvent(EventCompletionReceived{RequestID: id, Item: item, Context: cc})
	})
}

func (s *requestingState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case EventCompletionReceived:
		if e.RequestID != s.id {
			o.dropStale("completion_received", e.RequestID, s.id)
			return nil
		}
		if e.Item == nil || e.Item.InsertText == "" {
			o.logger.Debug("Empty completion result", "request_id", s.id)
			return idleState{}
		}
		return &readyState{id: s.id, item: e.Item, cc: e.Context}
	case EventRequestCompletion:
		// A newer trigger replaces the in-flight request outright.
		return newRequestingState(e.RequestID, e.Context)
	case EventStartWaiting:
		return &waitingState{since: time.Now()}
	case EventDismiss:
		return idleState{}
	case EventError:
		if e.RequestID != 0 && e.RequestID != s.id {
			o.dropStale("error", e.RequestID, s.id)
			return nil
		}
		return idleState{}
	case EventReset:
		return idleState{}
	}
	return nil
}

// =============================================================================
// Ready
// =============================================================================

type readyState struct {
	id      uint64
	item    *CompletionItem
	cc      *CompletionContext
	prevTab AcceptType // escalation carried across partial acceptances
}

func (*readyState) kind() StateKind { return StateReady }
func (*readyState) exit(*Orchestrator) {}

// enter drives the render off the mutex and reports the outcome back in as
// an event; success lands in displaying, failure forces idle.
func (s *readyState) enter(o *Orchestrator) {
	id, cc, item := s.id, s.cc, s.item
	o.goSafe("render", func() {
		surface, ok := o.surfaces(cc.SurfaceID)
		if !ok {
			o.logger.Warn("Render target surface gone", "surface", cc.SurfaceID, "request_id", id)
			o.HandleEvent(EventError{RequestID: id, Err: fmt.Errorf("%w: %s", ErrUnknownSurface, cc.SurfaceID)})
			return
		}
		if err := o.renderer.Show(surface, cc.Offset, item); err != nil {
			wrapped := fmt.Errorf("%w: %w", ErrRenderFailure, err)
			o.logger.Warn("Suggestion render failed", "request_id", id, "error", wrapped)
			o.notifyDismissed(cc.SurfaceID, wrapped.Error())
			o.HandleEvent(EventError{RequestID: id, Err: wrapped})
			return
		}
		o.HandleEvent(eventDisplayed{RequestID: id})
	})
}

func (s *readyState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case eventDisplayed:
		if e.RequestID != s.id {
			o.dropStale("displayed", e.RequestID, s.id)
			return nil
		}
		o.displayedCount.Add(1)
		o.listener.CompletionDisplayed(s.cc.SurfaceID, s.item)
		return &displayingState{id: s.id, item: s.item, cc: s.cc, shownAt: time.Now(), prevTab: s.prevTab}
	case EventCompletionReceived:
		o.dropStale("completion_received", e.RequestID, s.id)
		return nil
	case EventRequestCompletion:
		return newRequestingState(e.RequestID, e.Context)
	case EventDismiss:
		o.hideSurface(s.cc.SurfaceID)
		o.notifyDismissed(s.cc.SurfaceID, e.Reason)
		return idleState{}
	case EventError:
		if e.RequestID != 0 && e.RequestID != s.id {
			o.dropStale("error", e.RequestID, s.id)
			return nil
		}
		return idleState{}
	case EventReset:
		o.hideSurface(s.cc.SurfaceID)
		return idleState{}
	}
	return nil
}

// =============================================================================
// Displaying
// =============================================================================

type displayingState struct {
	id      uint64
	item    *CompletionItem
	cc      *CompletionContext
	shownAt time.Time
	prevTab AcceptType
}

func (*displayingState) kind() StateKind     { return StateDisplaying }
func (*displayingState) enter(*Orchestrator) {}
func (*displayingState) exit(*Orchestrator)  {}

func (s *displayingState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case EventAcceptRequested:
		acceptType := e.Type
		if acceptType == "" {
			acceptType = EscalateAccept(s.prevTab)
		}
		if !acceptType.Valid() {
			o.logger.Warn("Ignoring acceptance with unknown granularity", "accept_type", string(e.Type))
			return nil
		}
		return &acceptingState{
			item:       s.item,
			cc:         s.cc,
			acceptType: acceptType,
			shownAt:    s.shownAt,
			startedAt:  time.Now(),
		}
	case EventDismiss:
		o.hideSurface(s.cc.SurfaceID)
		o.notifyDismissed(s.cc.SurfaceID, e.Reason)
		return idleState{}
	case EventRequestCompletion:
		o.hideSurface(s.cc.SurfaceID)
		return newRequestingState(e.RequestID, e.Context)
	case EventStartWaiting:
		// The suggestion stays visible while the scheduler debounces; the
		// secondary timer dismisses it if the anchor drifts.
		return nil
	case EventCompletionReceived:
		o.dropStale("completion_received", e.RequestID, s.id)
		return nil
	case EventError:
		if e.RequestID != 0 && e.RequestID != s.id {
			o.dropStale("error", e.RequestID, s.id)
			return nil
		}
		o.hideSurface(s.cc.SurfaceID)
		return idleState{}
	case EventReset:
		o.hideSurface(s.cc.SurfaceID)
		return idleState{}
	}
	return nil
}

// =============================================================================
// Accepting
// =============================================================================

type acceptingState struct {
	item       *CompletionItem
	cc         *CompletionContext
	acceptType AcceptType
	shownAt    time.Time
	startedAt  time.Time
	watchdog   *time.Timer
}

func (*acceptingState) kind() StateKind { return StateAccepting }

func (s *acceptingState) exit(o *Orchestrator) {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

// enter performs the insertion off the mutex, guarded by acceptance flags
// and a stuck-state watchdog.
func (s *acceptingState) enter(o *Orchestrator) {
	s.watchdog = o.armWatchdog()
	item, cc, acceptType := s.item, s.cc, s.acceptType
	o.goSafe("accept", func() {
		o.guard.StartAcceptance(item.InsertText)
		surface, ok := o.surfaces(cc.SurfaceID)
		if !ok {
			o.guard.AbortAcceptance()
			o.HandleEvent(EventError{Err: fmt.Errorf("%w: %s", ErrUnknownSurface, cc.SurfaceID)})
			return
		}

		segment := acceptType.Extract(item.InsertText)
		// A near-empty word segment is not worth a whole acceptance cycle;
		// upgrade to the full line.
		if acceptType == AcceptWord && len(strings.TrimSpace(segment)) <= 1 {
			acceptType = AcceptLine
			segment = acceptType.Extract(item.InsertText)
		}
		if segment == "" {
			o.guard.AbortAcceptance()
			o.HandleEvent(EventError{Err: ErrEmptyCompletion})
			return
		}

		o.renderer.Hide(surface)
		newOffset, err := surface.Replace(item.ReplaceRange, segment)
		if err != nil {
			o.guard.AbortAcceptance()
			o.logger.Warn("Suggestion insertion failed", "surface", cc.SurfaceID, "error", err)
			o.HandleEvent(EventError{Err: err})
			return
		}

		o.guard.FinishAcceptance()
		o.acceptedCount.Add(1)
		o.listener.CompletionAccepted(cc.SurfaceID, acceptType, segment)
		o.logger.Info("Completion accepted",
			"surface", cc.SurfaceID, "accept_type", string(acceptType),
			"inserted_bytes", len(segment), "displayed_for", time.Since(s.shownAt))

		o.HandleEvent(eventAcceptFinished{
			Item:      item,
			Type:      acceptType,
			Accepted:  segment,
			Remainder: RemainingAfter(item.InsertText, segment),
			NewOffset: newOffset,
			Context:   cc,
		})
	})
}

func (s *acceptingState) handle(o *Orchestrator, ev Event) orchestratorState {
	switch e := ev.(type) {
	case eventAcceptFinished:
		if e.Remainder == "" {
			return idleState{}
		}
		// Partial acceptance: the remainder becomes a fresh suggestion at the
		// new cursor position, keeping the escalation chain alive.
		contCtx := *e.Context
		contCtx.Offset = e.NewOffset
		contCtx.CapturedAt = time.Now()
		cont := &CompletionItem{
			ID:           uuid.NewString(),
			InsertText:   e.Remainder,
			ReplaceRange: Range{Start: e.NewOffset, End: e.NewOffset},
			Confidence:   e.Item.Confidence,
			Metadata:     e.Item.Metadata,
		}
		return &readyState{id: o.NextRequestID(), item: cont, cc: &contCtx, prevTab: e.Type}
	case EventDismiss:
		return idleState{}
	case EventError:
		return idleState{}
	case EventReset:
		return idleState{}
	case EventCompletionReceived:
		o.dropStale("completion_received", e.RequestID, o.generation.Load())
		return nil
	}
	return nil
}
