// ghostline/ghostline_errors.go
// Contains exported error definitions for the ghostline package.
package ghostline

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrTimeout indicates a completion request exceeded its deadline. A timed
	// out request is treated as "no result"; it is logged and the orchestrator
	// returns to idle without surfacing an error to listeners.
	ErrTimeout = errors.New("completion request timed out")

	// ErrStaleRequest indicates a result arrived carrying a request id that no
	// longer matches the orchestrator's generation counter. Stale results are
	// silently dropped.
	ErrStaleRequest = errors.New("stale completion request")

	// ErrTransportCancelled indicates the request layer rejected or aborted a
	// call because cancellation is in effect.
	ErrTransportCancelled = errors.New("request layer cancelled")

	// ErrRenderFailure indicates the renderer could not display a suggestion.
	// The orchestrator is forced back to idle and the reason is surfaced to
	// the event listener.
	ErrRenderFailure = errors.New("suggestion render failed")

	// ErrAnalysisFailed indicates non-fatal errors occurred during background
	// semantic analysis. A failing unit is skipped; the pipeline continues.
	ErrAnalysisFailed = errors.New("scope analysis failed")

	// ErrStuckState indicates the acceptance watchdog found acceptance flags
	// held past the stuck threshold and force-reset them.
	ErrStuckState = errors.New("stuck acceptance state")

	// ErrRateLimited indicates the request guard refused a completion request
	// (min interval or sliding window exhausted).
	ErrRateLimited = errors.New("completion request rate limited")

	// ErrEmptyCompletion indicates the model returned no usable text.
	ErrEmptyCompletion = errors.New("empty completion result")

	// ErrBackendUnavailable indicates failure communicating with the LLM API.
	ErrBackendUnavailable = errors.New("llm backend unavailable")

	// ErrStreamProcessing indicates an error reading or processing the LLM
	// response stream.
	ErrStreamProcessing = errors.New("error processing LLM stream")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCache indicates a general cache operation failure.
	ErrCache = errors.New("cache operation failed")

	// ErrCacheRead indicates failure reading from the persistent structure cache.
	ErrCacheRead = errors.New("cache read failed")

	// ErrCacheWrite indicates failure writing to the persistent structure cache.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheHash indicates failure calculating hashes for cache validation.
	ErrCacheHash = errors.New("cache hash calculation failed")

	// ErrUnknownSurface indicates an operation referenced a surface id that is
	// not registered with the engine.
	ErrUnknownSurface = errors.New("unknown surface")

	// ErrInvalidOffset indicates a byte offset outside the surface contents.
	ErrInvalidOffset = errors.New("offset out of range")

	// ErrEngineClosed indicates an operation was attempted after Close.
	ErrEngineClosed = errors.New("engine closed")
)
