// ghostline/request_layer.go
// Cancellable request layer: wraps the LLM client with a global cancellation
// flag and per-call cancellation tracking.
package ghostline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamListener receives chunks from a streaming completion call.
type StreamListener interface {
	OnChunk(text string)
	OnDone(full string)
	OnError(err error)
}

// RequestLayer executes completion calls against an LLMClient. A single
// cancellation flag fails new calls fast after CancelAll until Reset; every
// in-flight call is additionally tracked by id so CancelAll can abort work
// that has already left the gate.
type RequestLayer struct {
	client LLMClient
	logger *slog.Logger

	cancelled atomic.Bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewRequestLayer wraps client. A nil logger falls back to slog.Default.
func NewRequestLayer(client LLMClient, logger *slog.Logger) *RequestLayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestLayer{
		client:   client,
		logger:   logger.With("component", "request_layer"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Execute performs one blocking completion call and returns the raw model
// output. The deadline on ctx bounds the call; CancelAll aborts it.
func (r *RequestLayer) Execute(ctx context.Context, prompt string, cfg Config) (string, error) {
	if r.cancelled.Load() {
		return "", fmt.Errorf("%w: request rejected before dispatch", ErrTransportCancelled)
	}
	callCtx, cancel := context.WithCancel(ctx)
	id := r.track(cancel)
	defer r.untrack(id)
	defer cancel()

	opLogger := r.logger.With("call_id", id)
	start := time.Now()
	text, err := r.client.Generate(callCtx, prompt, cfg, opLogger)
	if err != nil {
		return "", r.classify(err)
	}
	opLogger.Debug("Completion call finished", "duration", time.Since(start), "bytes", len(text))
	return text, nil
}

// ExecuteStreaming performs one streaming completion call, delivering chunks
// to listener as they decode. Terminal outcome is reported through the
// listener as well as the return value.
func (r *RequestLayer) ExecuteStreaming(ctx context.Context, prompt string, cfg Config, listener StreamListener) error {
	if r.cancelled.Load() {
		err := fmt.Errorf("%w: request rejected before dispatch", ErrTransportCancelled)
		listener.OnError(err)
		return err
	}
	callCtx, cancel := context.WithCancel(ctx)
	id := r.track(cancel)
	defer r.untrack(id)
	defer cancel()

	opLogger := r.logger.With("call_id", id)
	body, err := r.client.GenerateStream(callCtx, prompt, cfg, opLogger)
	if err != nil {
		err = r.classify(err)
		listener.OnError(err)
		return err
	}
	defer body.Close()

	var full strings.Builder
	onChunk := func(chunk string) {
		full.WriteString(chunk)
		listener.OnChunk(chunk)
	}
	if err := streamText(callCtx, body, onChunk, opLogger); err != nil {
		err = r.classify(err)
		listener.OnError(err)
		return err
	}
	listener.OnDone(full.String())
	return nil
}

// classify maps transport-level failures onto the package error taxonomy.
func (r *RequestLayer) classify(err error) error {
	switch {
	case r.cancelled.Load() || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTransportCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}

func (r *RequestLayer) track(cancel context.CancelFunc) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.inflight[id] = cancel
	r.mu.Unlock()
	return id
}

func (r *RequestLayer) untrack(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// CancelAll sets the cancellation flag and aborts every in-flight call.
// Subsequent Execute calls fail with ErrTransportCancelled until Reset.
func (r *RequestLayer) CancelAll() {
	r.cancelled.Store(true)
	r.mu.Lock()
	n := len(r.inflight)
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Debug("Cancelled in-flight completion calls", "count", n)
	}
}

// Reset clears the cancellation flag, allowing new calls.
func (r *RequestLayer) Reset() {
	r.cancelled.Store(false)
}

// IsCancelled reports whether the layer is refusing new calls.
func (r *RequestLayer) IsCancelled() bool {
	return r.cancelled.Load()
}

// InFlight returns the number of tracked calls.
func (r *RequestLayer) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
