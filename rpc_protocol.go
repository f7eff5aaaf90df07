// ghostline/rpc_protocol.go
// Wire types for the host RPC bridge. Hosts (editor plugins, terminal UIs)
// drive the engine over JSON-RPC 2.0 on stdio; suggestion rendering and
// lifecycle outcomes flow back as notifications.
package ghostline

// ============================================================================
// JSON-RPC Error Codes
// ============================================================================

const (
	JsonRpcParseError           int = -32700
	JsonRpcInvalidRequest       int = -32600
	JsonRpcMethodNotFound       int = -32601
	JsonRpcInvalidParams        int = -32602
	JsonRpcInternalError        int = -32603
	JsonRpcRequestCancelled     int = -32800
	JsonRpcServerNotInitialized int = -32002
	JsonRpcRequestFailed        int = -32803
)

// ============================================================================
// Lifecycle
// ============================================================================

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
	// ProcessID lets the server exit when the host dies. Optional.
	ProcessID int `json:"processId,omitempty"`
}

// ServerCapabilities advertises what the engine can do for this session.
type ServerCapabilities struct {
	TabEscalation bool `json:"tabEscalation"`
	AutoTrigger   bool `json:"autoTrigger"`
	Analysis      bool `json:"analysis"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ============================================================================
// Surface Synchronization (host -> engine)
// ============================================================================

type SurfaceOpenParams struct {
	SurfaceID string `json:"surfaceId"`
	Path      string `json:"path"`
	Language  string `json:"language,omitempty"`
	Text      string `json:"text"`
	Cursor    int    `json:"cursor"`
	Version   int    `json:"version"`
}

// SurfaceUpdateParams carries full-text sync. Versions must increase; stale
// updates are ignored.
type SurfaceUpdateParams struct {
	SurfaceID string `json:"surfaceId"`
	Text      string `json:"text"`
	Cursor    int    `json:"cursor"`
	Version   int    `json:"version"`
	// Reason tags the activity for logs: "keystroke", "cursor_move", ...
	Reason string `json:"reason,omitempty"`
}

type SurfaceCloseParams struct {
	SurfaceID string `json:"surfaceId"`
}

// ============================================================================
// Completion Operations (host -> engine)
// ============================================================================

type TriggerParams struct {
	SurfaceID string `json:"surfaceId"`
	// Offset overrides the surface cursor when non-nil.
	Offset *int `json:"offset,omitempty"`
}

type AcceptParams struct {
	SurfaceID string `json:"surfaceId"`
	// Type is "word", "line", or "full". Empty means tab escalation.
	Type string `json:"type,omitempty"`
}

type AcceptResult struct {
	Accepted bool `json:"accepted"`
}

type DismissParams struct {
	SurfaceID string `json:"surfaceId"`
	Reason    string `json:"reason,omitempty"`
}

type DismissResult struct {
	Dismissed bool `json:"dismissed"`
}

// CompleteOnceParams requests a single synchronous completion for a file on
// disk, outside the trigger lifecycle.
type CompleteOnceParams struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
}

type CompleteOnceResult struct {
	Text string `json:"text"`
}

type ConfigureParams struct {
	// Settings overrides individual fields of the active configuration.
	Settings FileConfig `json:"settings"`
}

type StatusResult struct {
	State        string `json:"state"`
	Displayed    uint64 `json:"displayed"`
	Accepted     uint64 `json:"accepted"`
	Dismissed    uint64 `json:"dismissed"`
	DroppedStale uint64 `json:"droppedStale"`
	RateWindow   int    `json:"rateWindow"`
}

// ============================================================================
// Notifications (engine -> host)
// ============================================================================

// ShowCompletionParams asks the host to render a ghost-text suggestion.
type ShowCompletionParams struct {
	SurfaceID string          `json:"surfaceId"`
	Offset    int             `json:"offset"`
	Item      *CompletionItem `json:"item"`
}

type HideCompletionParams struct {
	SurfaceID string `json:"surfaceId"`
}

// ApplyEditParams asks the host to apply an accepted segment to its buffer.
// The engine's shadow copy has already been updated.
type ApplyEditParams struct {
	SurfaceID string `json:"surfaceId"`
	Range     Range  `json:"range"`
	Text      string `json:"text"`
	NewCursor int    `json:"newCursor"`
}

type CompletionAcceptedParams struct {
	SurfaceID  string     `json:"surfaceId"`
	AcceptType AcceptType `json:"acceptType"`
	Inserted   string     `json:"inserted"`
}

type CompletionDismissedParams struct {
	SurfaceID string `json:"surfaceId"`
	Reason    string `json:"reason"`
}
