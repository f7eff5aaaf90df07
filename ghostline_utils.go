// ghostline/ghostline_utils.go
// Shared helpers: log level parsing, retry, config file IO, stream decoding,
// and completion text cleanup.
package ghostline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Logging Helpers
// =============================================================================

// ParseLogLevel converts a config string into a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, level)
	}
}

// =============================================================================
// Retry Helper
// =============================================================================

// retry executes operation up to maxAttempts times with a fixed delay between
// attempts. Only transient failures are retried; context and cancellation
// errors abort immediately.
func retry(ctx context.Context, operation func() error, maxAttempts int, delay time.Duration, logger *slog.Logger) error {
	var lastErr error
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted by context: %w", ctx.Err())
		default:
		}
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts {
			logger.Warn("Retryable error, backing off", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry backoff interrupted: %w", errors.Join(ctx.Err(), lastErr))
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTransportCancelled) || errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// =============================================================================
// Configuration Loading
// =============================================================================

// configFilePath returns the user config file location.
func configFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot determine user config dir: %w", ErrConfig, err)
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// LoadConfig returns the default configuration merged with the user config
// file, validated. File problems are reported as non-fatal ErrConfig wraps;
// the returned Config is always usable.
func LoadConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()

	path, err := configFilePath()
	if err != nil {
		_ = cfg.Validate(logger)
		return cfg, err
	}

	data, readErr := os.ReadFile(path)
	switch {
	case readErr == nil:
		var file FileConfig
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			_ = cfg.Validate(logger)
			return cfg, fmt.Errorf("%w: parsing %s: %w", ErrConfig, path, jsonErr)
		}
		mergeFileConfig(&cfg, &file)
		logger.Info("Loaded configuration file", "path", path)
	case errors.Is(readErr, os.ErrNotExist):
		logger.Info("No config file found, writing defaults", "path", path)
		if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
			logger.Warn("Could not write default config file", "path", path, "error", writeErr)
		}
	default:
		_ = cfg.Validate(logger)
		return cfg, fmt.Errorf("%w: reading %s: %w", ErrConfig, path, readErr)
	}

	if err := cfg.Validate(logger); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// writeDefaultConfig persists cfg as a starting point for user edits.
func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: creating config dir: %w", ErrConfig, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding default config: %w", ErrConfig, err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("%w: writing default config: %w", ErrConfig, err)
	}
	return nil
}

// =============================================================================
// Stream Decoding
// =============================================================================

// llmStreamChunk is one NDJSON line of an Ollama-style generate stream.
type llmStreamChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// streamText decodes an NDJSON completion stream, invoking onChunk for each
// piece of generated text until the stream reports done or ctx is cancelled.
func streamText(ctx context.Context, r io.Reader, onChunk func(string), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk llmStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			logger.Warn("Skipping undecodable stream line", "error", err)
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("%w: backend reported: %s", ErrStreamProcessing, chunk.Error)
		}
		if chunk.Response != "" {
			onChunk(chunk.Response)
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: reading stream: %w", ErrStreamProcessing, err)
	}
	return nil
}

// =============================================================================
// Completion Text Cleanup
// =============================================================================

// cleanCompletionText strips markdown code fences and dangling whitespace
// that chat-tuned models wrap around raw code.
func cleanCompletionText(text string) string {
	s := strings.TrimRight(text, " \t\n")
	if strings.HasPrefix(s, "```") {
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		} else {
			return ""
		}
	}
	if strings.HasSuffix(s, "```") {
		s = s[:len(s)-len("```")]
	}
	return strings.TrimRight(s, " \t\n")
}

// truncateForLog shortens s for structured log fields.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
