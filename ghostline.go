// ghostline/ghostline.go
// Core engine: wires the orchestrator, scheduler, analysis pipeline, cache,
// request guard, and request layer behind one façade, and provides the
// default HTTP LLM client.
package ghostline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// LLMClient talks to a completion backend.
type LLMClient interface {
	// Generate performs one call and returns the collected raw output.
	Generate(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (string, error)
	// GenerateStream performs one call and returns the undecoded NDJSON body.
	GenerateStream(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (io.ReadCloser, error)
}

// SemanticAnalyzer provides chunked semantic analysis of source code. All
// methods are synchronous; the analysis pipeline supplies the pacing.
type SemanticAnalyzer interface {
	// EnclosingScope resolves the scope around a cursor position.
	EnclosingScope(ctx context.Context, filePath string, offset int) (ScopeRef, error)
	// CollectScopeMembers lists the analyzable members of a scope.
	CollectScopeMembers(ctx context.Context, scope ScopeRef) ([]MemberRef, error)
	// AnalyzeSignature analyzes one member's signature.
	AnalyzeSignature(ctx context.Context, member MemberRef) (*AnalysisResult, error)
	// BodyChunks returns the number of body chunks for a member.
	BodyChunks(ctx context.Context, member MemberRef) (int, error)
	// AnalyzeBodyChunk analyzes one fixed-size slice of a member body.
	AnalyzeBodyChunk(ctx context.Context, member MemberRef, chunk int) (*AnalysisResult, error)
	// FetchTypeStructure renders the declaration of a referenced type.
	FetchTypeStructure(ctx context.Context, scope ScopeRef, typeName string) (string, error)
	Close() error
}

// Renderer displays and hides inline suggestions on a surface.
type Renderer interface {
	Show(surface Surface, offset int, item *CompletionItem) error
	Hide(surface Surface)
}

// EventListener observes suggestion lifecycle outcomes.
type EventListener interface {
	CompletionDisplayed(surfaceID string, item *CompletionItem)
	CompletionAccepted(surfaceID string, acceptType AcceptType, inserted string)
	CompletionDismissed(surfaceID string, reason string)
}

type noopRenderer struct{}

func (noopRenderer) Show(Surface, int, *CompletionItem) error { return nil }
func (noopRenderer) Hide(Surface)                             {}

type noopListener struct{}

func (noopListener) CompletionDisplayed(string, *CompletionItem)   {}
func (noopListener) CompletionAccepted(string, AcceptType, string) {}
func (noopListener) CompletionDismissed(string, string)            {}

// =============================================================================
// Default LLM Client (Ollama-style HTTP API)
// =============================================================================

type httpLLMClient struct {
	httpClient *http.Client
}

func newHTTPLLMClient() *httpLLMClient {
	return &httpLLMClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

func (c *httpLLMClient) GenerateStream(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (io.ReadCloser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := strings.TrimSuffix(cfg.EndpointURL, "/") + "/api/generate"
	payload := generateRequest{
		Model:  cfg.Model,
		Prompt: prompt,
		Stream: true,
		Options: generateOptions{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxTokens,
			Stop:        cfg.Stop,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	logger.Debug("Sending generate request", "endpoint", endpoint, "model", cfg.Model, "prompt_bytes", len(prompt))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyText, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(bodyText)))
	}
	return resp.Body, nil
}

func (c *httpLLMClient) Generate(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (string, error) {
	body, err := c.GenerateStream(ctx, prompt, cfg, logger)
	if err != nil {
		return "", err
	}
	defer body.Close()
	var sb strings.Builder
	if err := streamText(ctx, body, func(chunk string) { sb.WriteString(chunk) }, logger); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// =============================================================================
// Engine
// =============================================================================

// EngineOptions selects collaborators; zero values pick defaults.
type EngineOptions struct {
	Config   *Config // nil loads the user config file
	Client   LLMClient
	Analyzer SemanticAnalyzer
	Renderer Renderer
	Listener EventListener
	Logger   *slog.Logger
}

// Engine is the façade over the completion machinery. Hosts register
// surfaces, report activity, and accept or dismiss suggestions; rendering
// and lifecycle notifications flow out through the collaborators.
type Engine struct {
	logger *slog.Logger

	configMu sync.RWMutex
	config   Config

	client   LLMClient
	analyzer SemanticAnalyzer
	renderer Renderer
	listener EventListener

	guard     *RequestGuard
	requests  *RequestLayer
	cache     *AnalysisCache
	pipeline  *AnalysisPipeline
	orch      *Orchestrator
	scheduler *TriggerScheduler

	surfacesMu sync.RWMutex
	surfaces   map[string]Surface

	closed atomic.Bool
}

// NewEngine builds and starts an engine. A config load problem is returned
// as a non-fatal ErrConfig wrap alongside a usable engine, matching how
// hosts want to surface configuration warnings without refusing to start.
func NewEngine(opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg Config
	var configErr error
	if opts.Config != nil {
		cfg = *opts.Config
		if err := cfg.Validate(logger); err != nil {
			return nil, err
		}
	} else {
		cfg, configErr = LoadConfig(logger)
		if configErr != nil && !errors.Is(configErr, ErrConfig) {
			return nil, configErr
		}
	}

	e := &Engine{
		logger:   logger.With("component", "engine"),
		config:   cfg,
		client:   opts.Client,
		analyzer: opts.Analyzer,
		renderer: opts.Renderer,
		listener: opts.Listener,
		surfaces: make(map[string]Surface),
	}
	if e.client == nil {
		e.client = newHTTPLLMClient()
	}
	if e.renderer == nil {
		e.renderer = noopRenderer{}
	}
	if e.listener == nil {
		e.listener = noopListener{}
	}
	if e.analyzer == nil {
		analyzer, err := newGoScopeAnalyzer(cfg, logger)
		if err != nil {
			logger.Warn("Semantic analyzer unavailable, completing without analysis context", "error", err)
		} else {
			e.analyzer = analyzer
		}
	}

	e.guard = NewRequestGuard(cfg, logger)
	e.requests = NewRequestLayer(e.client, logger)
	cache, err := NewAnalysisCache(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: building analysis cache: %w", ErrCache, err)
	}
	e.cache = cache
	if e.analyzer != nil {
		e.pipeline = NewAnalysisPipeline(e.analyzer, e.cache, e.GetCurrentConfig, logger)
	}
	e.orch = NewOrchestrator(OrchestratorOptions{
		Config:   e.GetCurrentConfig,
		Guard:    e.guard,
		Renderer: e.renderer,
		Listener: e.listener,
		Surfaces: e.lookupSurface,
		Request:  e.performRequest,
		Logger:   logger,
	})
	e.scheduler = NewTriggerScheduler(e.orch, e.guard, e.GetCurrentConfig, e.triggerCompletion, logger)

	publishExpvarMetrics(e)
	e.logger.Info("Engine initialized", "model", cfg.Model, "endpoint", cfg.EndpointURL, "auto_trigger", cfg.AutoTrigger)
	return e, configErr
}

// Close shuts down background work. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.scheduler.Close()
	e.requests.CancelAll()
	if e.pipeline != nil {
		e.pipeline.Close()
	}
	e.cache.Close()
	var errs []error
	if e.analyzer != nil {
		if err := e.analyzer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Engine closed")
	return errors.Join(errs...)
}

// GetCurrentConfig returns a copy of the active configuration.
func (e *Engine) GetCurrentConfig() Config {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	cfg := e.config
	cfg.Stop = append([]string(nil), e.config.Stop...)
	return cfg
}

// UpdateConfig validates and applies a new configuration at runtime.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(e.logger); err != nil {
		return err
	}
	e.configMu.Lock()
	e.config = cfg
	e.configMu.Unlock()
	e.guard.UpdateConfig(cfg)
	e.cache.UpdateConfig(cfg)
	e.logger.Info("Configuration updated", "model", cfg.Model, "auto_trigger", cfg.AutoTrigger)
	return nil
}

// =============================================================================
// Surface Registry
// =============================================================================

// RegisterSurface makes a surface available for completion.
func (e *Engine) RegisterSurface(s Surface) {
	e.surfacesMu.Lock()
	e.surfaces[s.ID()] = s
	e.surfacesMu.Unlock()
	e.logger.Debug("Surface registered", "surface", s.ID(), "path", s.Path())
}

// UnregisterSurface removes a surface, dismissing any suggestion shown on it.
func (e *Engine) UnregisterSurface(id string) {
	if surfaceID, _, ok := e.orch.DisplayAnchor(); ok && surfaceID == id {
		e.orch.HandleEvent(EventDismiss{Reason: "surface closed"})
	}
	e.surfacesMu.Lock()
	delete(e.surfaces, id)
	e.surfacesMu.Unlock()
}

func (e *Engine) lookupSurface(id string) (Surface, bool) {
	e.surfacesMu.RLock()
	defer e.surfacesMu.RUnlock()
	s, ok := e.surfaces[id]
	return s, ok
}

// =============================================================================
// Inbound Operations
// =============================================================================

// OnActivity reports one unit of user activity (keystroke, cursor move) on a
// surface. It cancels superseded network work, re-arms the trigger timers,
// and warms analysis for the scope under the cursor.
func (e *Engine) OnActivity(surfaceID, reason string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	surface, ok := e.lookupSurface(surfaceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSurface, surfaceID)
	}
	// New input invalidates whatever is in flight; the layer is reset right
	// away so the next trigger starts from a clean slate.
	if e.orch.State() == StateRequesting {
		e.requests.CancelAll()
		e.requests.Reset()
	}
	e.scheduler.ScheduleAfterActivity(surface, reason)
	e.warmScope(surface, surface.CursorOffset())
	return nil
}

// RequestCompletionNow triggers completion immediately, bypassing debounce.
func (e *Engine) RequestCompletionNow(surfaceID string, offset int) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	surface, ok := e.lookupSurface(surfaceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSurface, surfaceID)
	}
	e.scheduler.RequestNow(surface, offset)
	return nil
}

// AcceptCurrent accepts the displayed suggestion at the given granularity.
// Returns false when nothing is displayed.
func (e *Engine) AcceptCurrent(t AcceptType) bool {
	return e.orch.HandleEvent(EventAcceptRequested{Type: t})
}

// HandleTab accepts with escalating granularity on consecutive presses:
// first the next word, then the next line, then the full suggestion.
func (e *Engine) HandleTab() bool {
	return e.orch.HandleEvent(EventAcceptRequested{})
}

// DismissCurrent hides the displayed suggestion. Idempotent.
func (e *Engine) DismissCurrent(reason string) bool {
	return e.orch.HandleEvent(EventDismiss{Reason: reason})
}

// CurrentState exposes the orchestrator state, mainly for host status lines.
func (e *Engine) CurrentState() StateKind {
	return e.orch.State()
}

// DisplayedItem returns the suggestion currently shown, if any.
func (e *Engine) DisplayedItem() (*CompletionItem, bool) {
	return e.orch.DisplayedItem()
}

// =============================================================================
// Completion Flow
// =============================================================================

// triggerCompletion is the scheduler's entry into the orchestrator: capture
// an immutable context, consult the rate limits, and start the request.
func (e *Engine) triggerCompletion(surface Surface, offset int, manual bool) {
	if e.closed.Load() {
		return
	}
	cc := e.captureContext(surface, offset, manual)
	e.orch.HandleEvent(EventStartWaiting{})
	if e.guard.IsRateLimited() {
		e.logger.Debug("Trigger rejected", "error", ErrRateLimited, "surface", cc.SurfaceID)
		e.orch.HandleEvent(EventDismiss{Reason: "rate limited"})
		return
	}
	e.guard.RecordRequest()
	e.requests.Reset()
	id := e.orch.NextRequestID()
	e.orch.HandleEvent(EventRequestCompletion{RequestID: id, Context: cc})
}

func (e *Engine) captureContext(surface Surface, offset int, manual bool) *CompletionContext {
	window := e.GetCurrentConfig().ContextWindowBytes
	prefix, suffix := surface.Window(offset, window)
	return &CompletionContext{
		SurfaceID:  surface.ID(),
		FilePath:   surface.Path(),
		Language:   surface.Language(),
		Prefix:     prefix,
		Suffix:     suffix,
		Offset:     offset,
		Manual:     manual,
		CapturedAt: time.Now(),
	}
}

// warmScope debounces cache warmup for the scope under the cursor.
func (e *Engine) warmScope(surface Surface, offset int) {
	if e.pipeline == nil || e.analyzer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scope, err := e.analyzer.EnclosingScope(ctx, surface.Path(), offset)
	if err != nil {
		e.logger.Debug("Scope resolution failed", "path", surface.Path(), "error", err)
		return
	}
	e.pipeline.Warm(scope)
}

// performRequest executes one completion request against the backend using
// whatever analysis context the cache already holds. It blocks until the
// request finishes or ctx expires.
func (e *Engine) performRequest(ctx context.Context, cc *CompletionContext) (*CompletionItem, error) {
	cfg := e.GetCurrentConfig()
	opLogger := e.logger.With("operation", "perform_request", "surface", cc.SurfaceID)

	var analysis *AnalysisResult
	if e.analyzer != nil {
		if scope, err := e.analyzer.EnclosingScope(ctx, cc.FilePath, cc.Offset); err == nil {
			if cached, ok := e.cache.Lookup(scope); ok {
				analysis = cached
			}
		}
	}

	prompt := buildPrompt(cc, analysis)
	start := time.Now()
	var raw string
	err := retry(ctx, func() error {
		var execErr error
		raw, execErr = e.requests.Execute(ctx, prompt, cfg)
		return execErr
	}, maxRetries, retryDelay, opLogger)
	if err != nil {
		return nil, err
	}

	text := cleanCompletionText(raw)
	text = TrimRedundantPrefix(lineBefore(cc.Prefix, len(cc.Prefix)), text)
	if text == "" {
		return nil, ErrEmptyCompletion
	}
	item := &CompletionItem{
		ID:           uuid.NewString(),
		InsertText:   text,
		ReplaceRange: Range{Start: cc.Offset, End: cc.Offset},
		Confidence:   confidenceFor(cc, analysis),
		Metadata: CompletionMetadata{
			Model:      cfg.Model,
			TokenCount: len(text) / 4,
			Latency:    time.Since(start),
		},
	}
	opLogger.Debug("Completion produced", "bytes", len(text), "latency", item.Metadata.Latency, "confidence", item.Confidence)
	return item, nil
}

// CompleteOnce performs a single synchronous completion for a file position,
// outside the trigger/display lifecycle. The CLI builds on it.
func (e *Engine) CompleteOnce(ctx context.Context, filePath string, offset int) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	surface := NewMemorySurface("oneshot:"+filePath, filePath, languageForPath(filePath), string(data), offset)
	cc := e.captureContext(surface, surface.CursorOffset(), true)
	item, err := e.performRequest(ctx, cc)
	if err != nil {
		return "", err
	}
	return item.InsertText, nil
}

// buildPrompt renders a fill-in-the-middle prompt, prefixing whatever
// analysis context is available as comments.
func buildPrompt(cc *CompletionContext, analysis *AnalysisResult) string {
	var preamble strings.Builder
	if analysis != nil {
		for name, structure := range analysis.TypeStructures {
			if structure == "" {
				continue
			}
			if preamble.Len()+len(structure) > defaultMaxPreambleBytes {
				break
			}
			preamble.WriteString("// ")
			preamble.WriteString(name)
			preamble.WriteString(": ")
			preamble.WriteString(strings.ReplaceAll(structure, "\n", " "))
			preamble.WriteString("\n")
		}
	}
	var b strings.Builder
	b.WriteString("<|fim_prefix|>")
	b.WriteString(preamble.String())
	b.WriteString(cc.Prefix)
	b.WriteString("<|fim_suffix|>")
	b.WriteString(cc.Suffix)
	b.WriteString("<|fim_middle|>")
	return b.String()
}

func confidenceFor(cc *CompletionContext, analysis *AnalysisResult) float64 {
	confidence := 0.5
	if analysis != nil && !analysis.IsEmpty() {
		confidence += 0.25
	}
	if cc.Manual {
		confidence += 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

func languageForPath(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts":
		return "typescript"
	default:
		return ""
	}
}

// =============================================================================
// Metrics
// =============================================================================

var expvarOnce sync.Once

// publishExpvarMetrics exposes engine counters under /debug/vars. Publishing
// is process-global, so only the first engine wins; later engines share the
// same names through the closure indirection below.
func publishExpvarMetrics(e *Engine) {
	expvarOnce.Do(func() {
		expvar.Publish("ghostline_state", expvar.Func(func() any {
			return e.CurrentState().String()
		}))
		expvar.Publish("ghostline_counters", expvar.Func(func() any {
			displayed, accepted, dismissed, stale := e.orch.Counters()
			return map[string]uint64{
				"displayed":     displayed,
				"accepted":      accepted,
				"dismissed":     dismissed,
				"dropped_stale": stale,
			}
		}))
		expvar.Publish("ghostline_requests_in_flight", expvar.Func(func() any {
			return e.requests.InFlight()
		}))
		expvar.Publish("ghostline_rate_window", expvar.Func(func() any {
			return e.guard.WindowCount()
		}))
		expvar.Publish("ghostline_cache", expvar.Func(func() any {
			m := e.cache.Metrics()
			if m == nil {
				return nil
			}
			return map[string]uint64{
				"hits":    m.Hits(),
				"misses":  m.Misses(),
				"entries": uint64(e.cache.Len()),
			}
		}))
	})
}
