// ghostline/ghostline_test.go
// Shared test doubles plus configuration and helper tests.
package ghostline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockRenderer records show/hide calls and can be told to fail.
type mockRenderer struct {
	mu       sync.Mutex
	failShow error
	shown    []*CompletionItem
	hides    int
}

func (r *mockRenderer) Show(_ Surface, _ int, item *CompletionItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failShow != nil {
		return r.failShow
	}
	r.shown = append(r.shown, item)
	return nil
}

func (r *mockRenderer) Hide(Surface) {
	r.mu.Lock()
	r.hides++
	r.mu.Unlock()
}

func (r *mockRenderer) shownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown)
}

// recordListener captures lifecycle notifications.
type recordListener struct {
	mu        sync.Mutex
	displayed []*CompletionItem
	accepted  []string
	dismissed []string
}

func (l *recordListener) CompletionDisplayed(_ string, item *CompletionItem) {
	l.mu.Lock()
	l.displayed = append(l.displayed, item)
	l.mu.Unlock()
}

func (l *recordListener) CompletionAccepted(_ string, _ AcceptType, inserted string) {
	l.mu.Lock()
	l.accepted = append(l.accepted, inserted)
	l.mu.Unlock()
}

func (l *recordListener) CompletionDismissed(_ string, reason string) {
	l.mu.Lock()
	l.dismissed = append(l.dismissed, reason)
	l.mu.Unlock()
}

func (l *recordListener) counts() (displayed, accepted, dismissed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.displayed), len(l.accepted), len(l.dismissed)
}

// mockLLMClient returns scripted responses as a one-line NDJSON stream.
type mockLLMClient struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (c *mockLLMClient) Generate(ctx context.Context, _ string, _ Config, _ *slog.Logger) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.response, nil
}

func (c *mockLLMClient) GenerateStream(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (io.ReadCloser, error) {
	text, err := c.Generate(ctx, prompt, cfg, logger)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(encodeStreamLine(text))), nil
}

// encodeStreamLine frames text as a single done NDJSON chunk.
func encodeStreamLine(text string) string {
	quoted := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n", "\t", "\\t").Replace(text)
	return `{"response":"` + quoted + `","done":true}` + "\n"
}

// =============================================================================
// Configuration
// =============================================================================

func TestValidateRepairsInvalidValues(t *testing.T) {
	cfg := Config{
		EndpointURL:          "  ",
		Model:                "",
		MaxTokens:            -5,
		Temperature:          9,
		PrimaryDelayMs:       0,
		SecondaryDelayMs:     -1,
		MaxRequestsPerMinute: 0,
		MinRequestIntervalMs: -100,
		RequestTimeoutMs:     0,
		AcceptCooldownMs:     -1,
		CacheTTLSeconds:      0,
		AnalysisPacingMs:     0,
		AnalysisDebounceMs:   0,
		ContextWindowBytes:   0,
		LogLevel:             "loud",
	}
	if err := cfg.Validate(testLogger()); err != nil {
		t.Fatalf("Validate returned error for repairable config: %v", err)
	}
	defaults := getDefaultConfig()
	if cfg.EndpointURL != defaults.EndpointURL {
		t.Errorf("EndpointURL = %q, want default", cfg.EndpointURL)
	}
	if cfg.PrimaryDelayMs != defaults.PrimaryDelayMs || cfg.SecondaryDelayMs != defaults.SecondaryDelayMs {
		t.Errorf("delays = %d/%d, want defaults", cfg.PrimaryDelayMs, cfg.SecondaryDelayMs)
	}
	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}
	if cfg.PrimaryDelay <= 0 || cfg.RequestTimeout <= 0 || cfg.CacheTTL <= 0 {
		t.Error("derived durations not populated")
	}
}

func TestValidateKeepsSaneValues(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.PrimaryDelayMs = 200
	cfg.SecondaryDelayMs = 900
	cfg.MinRequestIntervalMs = 0 // explicitly disabled
	if err := cfg.Validate(testLogger()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PrimaryDelayMs != 200 || cfg.SecondaryDelayMs != 900 {
		t.Errorf("Validate clobbered valid delays: %d/%d", cfg.PrimaryDelayMs, cfg.SecondaryDelayMs)
	}
	if cfg.MinRequestIntervalMs != 0 {
		t.Errorf("Validate clobbered disabled min interval: %d", cfg.MinRequestIntervalMs)
	}
}

func TestMergeFileConfig(t *testing.T) {
	cfg := getDefaultConfig()
	model := "other-model"
	primary := 75
	auto := false
	mergeFileConfig(&cfg, &FileConfig{
		Model:          &model,
		PrimaryDelayMs: &primary,
		AutoTrigger:    &auto,
	})
	if cfg.Model != model {
		t.Errorf("Model = %q, want %q", cfg.Model, model)
	}
	if cfg.PrimaryDelayMs != primary {
		t.Errorf("PrimaryDelayMs = %d, want %d", cfg.PrimaryDelayMs, primary)
	}
	if cfg.AutoTrigger {
		t.Error("AutoTrigger override ignored")
	}
	if cfg.EndpointURL != getDefaultConfig().EndpointURL {
		t.Error("unset field was clobbered by merge")
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLogLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCleanCompletionText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "return nil", "return nil"},
		{"trailing whitespace", "return nil\n\n", "return nil"},
		{"fenced block", "```go\nreturn nil\n```", "return nil"},
		{"fence only", "```", ""},
		{"leading indentation kept", "\tfoo()", "\tfoo()"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanCompletionText(tc.in); got != tc.want {
				t.Errorf("cleanCompletionText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStreamTextDecodesChunks(t *testing.T) {
	stream := `{"response":"hel"}` + "\n" + `{"response":"lo","done":true}` + "\n"
	var got strings.Builder
	err := streamText(context.Background(), strings.NewReader(stream), func(s string) { got.WriteString(s) }, testLogger())
	if err != nil {
		t.Fatalf("streamText: %v", err)
	}
	if got.String() != "hello" {
		t.Errorf("decoded = %q, want %q", got.String(), "hello")
	}
}

func TestStreamTextBackendError(t *testing.T) {
	stream := `{"error":"model not found"}` + "\n"
	err := streamText(context.Background(), strings.NewReader(stream), func(string) {}, testLogger())
	if !errors.Is(err, ErrStreamProcessing) {
		t.Fatalf("error = %v, want ErrStreamProcessing", err)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		return ErrTransportCancelled
	}, 3, 0, testLogger())
	if !errors.Is(err, ErrTransportCancelled) {
		t.Fatalf("error = %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error retried %d times", calls)
	}
}

func TestRetryRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrBackendUnavailable
		}
		return nil
	}, 3, 0, testLogger())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBuildPromptIncludesAnalysisPreamble(t *testing.T) {
	cc := &CompletionContext{Prefix: "func main() {\n\t", Suffix: "\n}", Language: "go"}
	analysis := NewAnalysisResult()
	analysis.TypeStructures["Widget"] = "type Widget struct { ID string }"
	analysis.TypeStructures["Pending"] = ""

	prompt := buildPrompt(cc, analysis)
	if !strings.Contains(prompt, "Widget") {
		t.Error("fetched structure missing from prompt")
	}
	if strings.Contains(prompt, "Pending") {
		t.Error("unfetched placeholder leaked into prompt")
	}
	if !strings.Contains(prompt, "<|fim_prefix|>") || !strings.Contains(prompt, "<|fim_middle|>") {
		t.Error("prompt missing fill-in-the-middle framing")
	}
}
