// ghostline/ghostline_types.go
// Contains core public types, configuration structures, and constants.
package ghostline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	defaultEndpointURL = "http://localhost:11434"
	defaultModel       = "qwen2.5-coder:1.5b"
	defaultMaxTokens   = 256
	defaultTemperature = 0.2
	defaultLogLevel    = "info"

	defaultPrimaryDelayMs        = 150
	defaultSecondaryDelayMs      = 600
	defaultMaxRequestsPerMinute  = 30
	defaultMinRequestIntervalMs  = 500
	defaultRequestTimeoutMs      = 2000
	defaultAcceptCooldownMs      = 3000
	defaultStuckAcceptanceMs     = 3000
	defaultCacheTTLSeconds       = 300
	defaultAnalysisPacingMs      = 12
	defaultAnalysisDebounceMs    = 300
	defaultContextWindowBytes    = 2048
	defaultMaxPreambleBytes      = 4096
	defaultStructureCacheDirName = "ghostline"

	// quietTolerance is subtracted from the primary delay when the timer fire
	// re-validates the quiet period, absorbing timer jitter.
	quietTolerance = 30 * time.Millisecond

	// staleAnchorDrift is the cursor drift, in bytes, beyond which a displayed
	// suggestion is considered anchored to stale text and dismissed.
	staleAnchorDrift = 24

	// rateWindow is the span of the sliding request-count window.
	rateWindow = time.Minute

	// bodyChunkStatements is the number of statements analyzed per body unit.
	bodyChunkStatements = 8

	maxRetries = 3
	retryDelay = 500 * time.Millisecond

	configFileName = "config.json"
	configDirName  = "ghostline"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the active engine configuration. Exported millisecond/second
// fields round-trip through JSON; the derived time.Duration fields are
// populated by Validate and used everywhere else.
type Config struct {
	EndpointURL string   `json:"endpoint_url"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop"`
	LogLevel    string   `json:"log_level"`

	AutoTrigger          bool `json:"auto_trigger"`
	PrimaryDelayMs       int  `json:"primary_delay_ms"`
	SecondaryDelayMs     int  `json:"secondary_delay_ms"`
	MaxRequestsPerMinute int  `json:"max_requests_per_minute"`
	MinRequestIntervalMs int  `json:"min_request_interval_ms"`
	RequestTimeoutMs     int  `json:"request_timeout_ms"`
	AcceptCooldownMs     int  `json:"accept_cooldown_ms"`
	CacheTTLSeconds      int  `json:"cache_ttl_seconds"`
	AnalysisPacingMs     int  `json:"analysis_pacing_ms"`
	AnalysisDebounceMs   int  `json:"analysis_debounce_ms"`
	ContextWindowBytes   int  `json:"context_window_bytes"`

	// StructureCacheDir overrides the location of the persistent type
	// structure cache. Empty selects the user cache dir.
	StructureCacheDir string `json:"structure_cache_dir"`

	// Derived durations, populated by Validate.
	PrimaryDelay       time.Duration `json:"-"`
	SecondaryDelay     time.Duration `json:"-"`
	MinRequestInterval time.Duration `json:"-"`
	RequestTimeout     time.Duration `json:"-"`
	AcceptCooldown     time.Duration `json:"-"`
	StuckThreshold     time.Duration `json:"-"`
	CacheTTL           time.Duration `json:"-"`
	AnalysisPacing     time.Duration `json:"-"`
	AnalysisDebounce   time.Duration `json:"-"`
}

// FileConfig mirrors Config with pointer fields so a partial JSON config file
// can be distinguished from explicit zero values during merging.
type FileConfig struct {
	EndpointURL *string   `json:"endpoint_url"`
	Model       *string   `json:"model"`
	MaxTokens   *int      `json:"max_tokens"`
	Temperature *float64  `json:"temperature"`
	Stop        *[]string `json:"stop"`
	LogLevel    *string   `json:"log_level"`

	AutoTrigger          *bool `json:"auto_trigger"`
	PrimaryDelayMs       *int  `json:"primary_delay_ms"`
	SecondaryDelayMs     *int  `json:"secondary_delay_ms"`
	MaxRequestsPerMinute *int  `json:"max_requests_per_minute"`
	MinRequestIntervalMs *int  `json:"min_request_interval_ms"`
	RequestTimeoutMs     *int  `json:"request_timeout_ms"`
	AcceptCooldownMs     *int  `json:"accept_cooldown_ms"`
	CacheTTLSeconds      *int  `json:"cache_ttl_seconds"`
	AnalysisPacingMs     *int  `json:"analysis_pacing_ms"`
	AnalysisDebounceMs   *int  `json:"analysis_debounce_ms"`
	ContextWindowBytes   *int  `json:"context_window_bytes"`

	StructureCacheDir *string `json:"structure_cache_dir"`
}

// getDefaultConfig returns the baseline configuration used before any file
// or runtime overrides are applied.
func getDefaultConfig() Config {
	cfg := Config{
		EndpointURL: defaultEndpointURL,
		Model:       defaultModel,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Stop:        []string{"\n\n", "```"},
		LogLevel:    defaultLogLevel,

		AutoTrigger:          true,
		PrimaryDelayMs:       defaultPrimaryDelayMs,
		SecondaryDelayMs:     defaultSecondaryDelayMs,
		MaxRequestsPerMinute: defaultMaxRequestsPerMinute,
		MinRequestIntervalMs: defaultMinRequestIntervalMs,
		RequestTimeoutMs:     defaultRequestTimeoutMs,
		AcceptCooldownMs:     defaultAcceptCooldownMs,
		CacheTTLSeconds:      defaultCacheTTLSeconds,
		AnalysisPacingMs:     defaultAnalysisPacingMs,
		AnalysisDebounceMs:   defaultAnalysisDebounceMs,
		ContextWindowBytes:   defaultContextWindowBytes,
	}
	cfg.deriveDurations()
	return cfg
}

func (c *Config) deriveDurations() {
	c.PrimaryDelay = time.Duration(c.PrimaryDelayMs) * time.Millisecond
	c.SecondaryDelay = time.Duration(c.SecondaryDelayMs) * time.Millisecond
	c.MinRequestInterval = time.Duration(c.MinRequestIntervalMs) * time.Millisecond
	c.RequestTimeout = time.Duration(c.RequestTimeoutMs) * time.Millisecond
	c.AcceptCooldown = time.Duration(c.AcceptCooldownMs) * time.Millisecond
	c.StuckThreshold = defaultStuckAcceptanceMs * time.Millisecond
	c.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	c.AnalysisPacing = time.Duration(c.AnalysisPacingMs) * time.Millisecond
	c.AnalysisDebounce = time.Duration(c.AnalysisDebounceMs) * time.Millisecond
}

// Validate checks configuration values, replacing invalid ones with defaults
// and logging a warning for each replacement. It returns ErrInvalidConfig
// only for values that cannot be defaulted sensibly.
func (c *Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := getDefaultConfig()

	if strings.TrimSpace(c.EndpointURL) == "" {
		logger.Warn("Config: endpoint_url is empty, using default", "default", defaults.EndpointURL)
		c.EndpointURL = defaults.EndpointURL
	}
	if strings.TrimSpace(c.Model) == "" {
		logger.Warn("Config: model is empty, using default", "default", defaults.Model)
		c.Model = defaults.Model
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config: max_tokens must be positive, using default", "value", c.MaxTokens, "default", defaults.MaxTokens)
		c.MaxTokens = defaults.MaxTokens
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		logger.Warn("Config: temperature out of range [0,2], using default", "value", c.Temperature, "default", defaults.Temperature)
		c.Temperature = defaults.Temperature
	}

	clampPositive := func(name string, field *int, def int) {
		if *field <= 0 {
			logger.Warn("Config: value must be positive, using default", "field", name, "value", *field, "default", def)
			*field = def
		}
	}
	clampPositive("primary_delay_ms", &c.PrimaryDelayMs, defaults.PrimaryDelayMs)
	clampPositive("secondary_delay_ms", &c.SecondaryDelayMs, defaults.SecondaryDelayMs)
	clampPositive("max_requests_per_minute", &c.MaxRequestsPerMinute, defaults.MaxRequestsPerMinute)
	clampPositive("request_timeout_ms", &c.RequestTimeoutMs, defaults.RequestTimeoutMs)
	clampPositive("cache_ttl_seconds", &c.CacheTTLSeconds, defaults.CacheTTLSeconds)
	clampPositive("analysis_pacing_ms", &c.AnalysisPacingMs, defaults.AnalysisPacingMs)
	clampPositive("analysis_debounce_ms", &c.AnalysisDebounceMs, defaults.AnalysisDebounceMs)
	clampPositive("context_window_bytes", &c.ContextWindowBytes, defaults.ContextWindowBytes)

	// Zero disables the min interval and the cooldown; only negatives are invalid.
	if c.MinRequestIntervalMs < 0 {
		logger.Warn("Config: min_request_interval_ms is negative, using default", "value", c.MinRequestIntervalMs, "default", defaults.MinRequestIntervalMs)
		c.MinRequestIntervalMs = defaults.MinRequestIntervalMs
	}
	if c.AcceptCooldownMs < 0 {
		logger.Warn("Config: accept_cooldown_ms is negative, using default", "value", c.AcceptCooldownMs, "default", defaults.AcceptCooldownMs)
		c.AcceptCooldownMs = defaults.AcceptCooldownMs
	}

	if c.SecondaryDelayMs <= c.PrimaryDelayMs {
		logger.Warn("Config: secondary_delay_ms must exceed primary_delay_ms, using defaults",
			"primary", c.PrimaryDelayMs, "secondary", c.SecondaryDelayMs)
		c.PrimaryDelayMs = defaults.PrimaryDelayMs
		c.SecondaryDelayMs = defaults.SecondaryDelayMs
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config: invalid log_level, using default", "value", c.LogLevel, "default", defaults.LogLevel)
		c.LogLevel = defaults.LogLevel
	}

	c.deriveDurations()
	return nil
}

// mergeFileConfig applies the non-nil fields of file over cfg.
func mergeFileConfig(cfg *Config, file *FileConfig) {
	if file == nil {
		return
	}
	if file.EndpointURL != nil {
		cfg.EndpointURL = *file.EndpointURL
	}
	if file.Model != nil {
		cfg.Model = *file.Model
	}
	if file.MaxTokens != nil {
		cfg.MaxTokens = *file.MaxTokens
	}
	if file.Temperature != nil {
		cfg.Temperature = *file.Temperature
	}
	if file.Stop != nil {
		cfg.Stop = append([]string(nil), (*file.Stop)...)
	}
	if file.LogLevel != nil {
		cfg.LogLevel = *file.LogLevel
	}
	if file.AutoTrigger != nil {
		cfg.AutoTrigger = *file.AutoTrigger
	}
	if file.PrimaryDelayMs != nil {
		cfg.PrimaryDelayMs = *file.PrimaryDelayMs
	}
	if file.SecondaryDelayMs != nil {
		cfg.SecondaryDelayMs = *file.SecondaryDelayMs
	}
	if file.MaxRequestsPerMinute != nil {
		cfg.MaxRequestsPerMinute = *file.MaxRequestsPerMinute
	}
	if file.MinRequestIntervalMs != nil {
		cfg.MinRequestIntervalMs = *file.MinRequestIntervalMs
	}
	if file.RequestTimeoutMs != nil {
		cfg.RequestTimeoutMs = *file.RequestTimeoutMs
	}
	if file.AcceptCooldownMs != nil {
		cfg.AcceptCooldownMs = *file.AcceptCooldownMs
	}
	if file.CacheTTLSeconds != nil {
		cfg.CacheTTLSeconds = *file.CacheTTLSeconds
	}
	if file.AnalysisPacingMs != nil {
		cfg.AnalysisPacingMs = *file.AnalysisPacingMs
	}
	if file.AnalysisDebounceMs != nil {
		cfg.AnalysisDebounceMs = *file.AnalysisDebounceMs
	}
	if file.ContextWindowBytes != nil {
		cfg.ContextWindowBytes = *file.ContextWindowBytes
	}
	if file.StructureCacheDir != nil {
		cfg.StructureCacheDir = *file.StructureCacheDir
	}
}

// =============================================================================
// Completion Data Model
// =============================================================================

// CompletionContext is an immutable snapshot of the surface at capture time.
// The orchestrator and request layer never re-read the surface; a suggestion
// is valid only for the snapshot it was produced from.
type CompletionContext struct {
	SurfaceID  string
	FilePath   string
	Language   string
	Prefix     string // bounded window of text before the cursor
	Suffix     string // bounded window of text after the cursor
	Offset     int    // byte offset of the cursor at capture time
	Manual     bool   // true when the user invoked completion explicitly
	CapturedAt time.Time
}

// Range is a half-open [Start, End) byte range within a surface.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CompletionMetadata carries provenance for a suggestion.
type CompletionMetadata struct {
	Model      string        `json:"model,omitempty"`
	TokenCount int           `json:"token_count,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`
}

// CompletionItem is a single inline suggestion.
type CompletionItem struct {
	ID           string             `json:"id"`
	InsertText   string             `json:"insert_text"`
	ReplaceRange Range              `json:"replace_range"`
	Confidence   float64            `json:"confidence"` // [0,1]
	Metadata     CompletionMetadata `json:"metadata"`
}

// =============================================================================
// Analysis Data Model
// =============================================================================

// ScopeRef identifies an analyzable scope (a file plus the enclosing
// top-level declaration group, e.g. a type and its methods).
type ScopeRef struct {
	Path string // file or package directory path
	Name string // scope name within Path; empty means the whole file
}

// Key returns the cache key for the scope, in prefix:path:name form.
func (s ScopeRef) Key() string {
	name := s.Name
	if name == "" {
		name = "[file]"
	}
	return fmt.Sprintf("scope:%s:%s", s.Path, name)
}

// MemberRef identifies one analyzable member (function or method) of a scope.
type MemberRef struct {
	Scope     ScopeRef
	Name      string
	Signature string
}

// Key returns a stable identity for the member within its scope.
func (m MemberRef) Key() string {
	return m.Scope.Key() + "#" + m.Signature
}

// AnalysisResult is the accumulated product of background analysis for one
// scope. All merges are additive.
type AnalysisResult struct {
	ReferencedSymbols map[string]struct{}
	CalledMembers     map[string]struct{}
	TypeStructures    map[string]string
	AnalyzedMembers   map[string]struct{}
}

// NewAnalysisResult returns an empty result with all maps allocated.
func NewAnalysisResult() *AnalysisResult {
	return &AnalysisResult{
		ReferencedSymbols: make(map[string]struct{}),
		CalledMembers:     make(map[string]struct{}),
		TypeStructures:    make(map[string]string),
		AnalyzedMembers:   make(map[string]struct{}),
	}
}

// Merge folds other into r additively. Existing type structures are kept when
// other carries the same name; analysis never shrinks a cached result.
func (r *AnalysisResult) Merge(other *AnalysisResult) {
	if other == nil {
		return
	}
	for sym := range other.ReferencedSymbols {
		r.ReferencedSymbols[sym] = struct{}{}
	}
	for m := range other.CalledMembers {
		r.CalledMembers[m] = struct{}{}
	}
	for name, text := range other.TypeStructures {
		// An empty value marks a referenced type whose structure has not been
		// fetched yet; real structures win and are never overwritten.
		if existing, exists := r.TypeStructures[name]; !exists || existing == "" {
			r.TypeStructures[name] = text
		}
	}
	for m := range other.AnalyzedMembers {
		r.AnalyzedMembers[m] = struct{}{}
	}
}

// Clone returns an independent deep copy.
func (r *AnalysisResult) Clone() *AnalysisResult {
	out := NewAnalysisResult()
	out.Merge(r)
	return out
}

// IsEmpty reports whether the result carries no information.
func (r *AnalysisResult) IsEmpty() bool {
	return r == nil ||
		(len(r.ReferencedSymbols) == 0 && len(r.CalledMembers) == 0 &&
			len(r.TypeStructures) == 0 && len(r.AnalyzedMembers) == 0)
}

// =============================================================================
// Orchestrator States and Events
// =============================================================================

// StateKind enumerates orchestrator lifecycle states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateWaiting
	StateRequesting
	StateReady
	StateDisplaying
	StateAccepting
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRequesting:
		return "requesting"
	case StateReady:
		return "ready"
	case StateDisplaying:
		return "displaying"
	case StateAccepting:
		return "accepting"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// Event is a lifecycle event handled by the orchestrator. All events funnel
// through Orchestrator.HandleEvent, the single serialization point.
type Event interface {
	eventName() string
}

// EventStartWaiting begins the debounce window after user activity.
type EventStartWaiting struct{}

// EventRequestCompletion starts a network request carrying the generation id
// assigned at trigger time.
type EventRequestCompletion struct {
	RequestID uint64
	Context   *CompletionContext
}

// EventCompletionReceived delivers a finished completion. Results whose
// RequestID no longer matches the current generation are dropped.
type EventCompletionReceived struct {
	RequestID uint64
	Item      *CompletionItem
	Context   *CompletionContext
}

// EventAcceptRequested asks for the displayed suggestion to be inserted.
type EventAcceptRequested struct {
	Type AcceptType
}

// EventDismiss hides any displayed suggestion and returns to idle. Dismissing
// with nothing displayed is a no-op.
type EventDismiss struct {
	Reason string
}

// EventError forces the orchestrator to idle. When RequestID is non-zero the
// event only applies if it matches the in-flight request.
type EventError struct {
	RequestID uint64
	Err       error
}

// EventReset unconditionally returns the orchestrator to idle.
type EventReset struct{}

func (EventStartWaiting) eventName() string       { return "start_waiting" }
func (EventRequestCompletion) eventName() string  { return "request_completion" }
func (EventCompletionReceived) eventName() string { return "completion_received" }
func (EventAcceptRequested) eventName() string    { return "accept_requested" }
func (EventDismiss) eventName() string            { return "dismiss" }
func (EventError) eventName() string              { return "error" }
func (EventReset) eventName() string              { return "reset" }

// eventDisplayed is posted internally once the renderer confirms a show.
type eventDisplayed struct {
	RequestID uint64
}

// eventAcceptFinished is posted internally when insertion completes.
// Remainder, when non-empty, becomes a continuation suggestion.
type eventAcceptFinished struct {
	Item      *CompletionItem
	Type      AcceptType // effective granularity after any upgrade
	Accepted  string
	Remainder string
	NewOffset int
	Context   *CompletionContext
}

func (eventDisplayed) eventName() string      { return "displayed" }
func (eventAcceptFinished) eventName() string { return "accept_finished" }
