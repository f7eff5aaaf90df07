// ghostline/rpc_server.go
// JSON-RPC 2.0 stdio server bridging a host editor to the engine. The host
// mirrors its buffers into surfaces; suggestions, edits, and lifecycle
// outcomes flow back as notifications.
package ghostline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// RPC Server
// ============================================================================

// Server exposes an Engine over JSON-RPC. One server serves one host
// connection; Run blocks until the connection closes.
type Server struct {
	conn       *jsonrpc2.Conn
	connMu     sync.RWMutex
	logger     *slog.Logger
	engine     *Engine
	serverInfo *ServerInfo
	initParams *InitializeParams

	surfacesMu sync.RWMutex
	surfaces   map[string]*rpcSurface
}

// NewServer builds the engine with RPC-backed renderer and listener and wraps
// it in a server. A non-fatal config warning from engine construction is
// logged, not returned.
func NewServer(opts EngineOptions, version string) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger:   logger.With("component", "rpc_server"),
		surfaces: make(map[string]*rpcSurface),
		serverInfo: &ServerInfo{
			Name:    "Ghostline",
			Version: version,
		},
	}
	opts.Renderer = &rpcRenderer{server: s}
	opts.Listener = &rpcListener{server: s}
	engine, err := NewEngine(opts)
	if err != nil {
		if engine == nil {
			return nil, err
		}
		s.logger.Warn("Engine started with configuration warning", "error", err)
	}
	s.engine = engine
	return s, nil
}

// Engine returns the wrapped engine, mainly so hosts embedding the server can
// close it.
func (s *Server) Engine() *Engine {
	return s.engine
}

// Run serves the connection on r/w and blocks until it disconnects.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting RPC server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	conn := jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.logger.Info("JSON-RPC connection established")

	<-conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")
}

// stdrwc wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// handle routes incoming requests and notifications.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", string(debug.Stack()))
			result = nil
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
			}
		}
	}()

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(err error) *jsonrpc2.Error {
		methodLogger.Error("Failed to unmarshal params", "error", err)
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid params for %s: %v", req.Method, err)}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		s.initParams = &params
		return s.handleInitialize(params)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		methodLogger.Info("Shutdown request received")
		return nil, nil

	case "exit":
		methodLogger.Info("Exit notification received")
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn != nil {
			conn.Close()
		}
		return nil, nil

	case "surface/open":
		var params SurfaceOpenParams
		if err := unmarshalParams(&params); err != nil {
			return nil, nil // ignore notification errors
		}
		return s.handleSurfaceOpen(params)

	case "surface/update":
		var params SurfaceUpdateParams
		if err := unmarshalParams(&params); err != nil {
			return nil, nil // ignore notification errors
		}
		return s.handleSurfaceUpdate(params)

	case "surface/close":
		var params SurfaceCloseParams
		if err := unmarshalParams(&params); err != nil {
			return nil, nil // ignore notification errors
		}
		return s.handleSurfaceClose(params)

	case "completion/trigger":
		var params TriggerParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleTrigger(params)

	case "completion/tab":
		return AcceptResult{Accepted: s.engine.HandleTab()}, nil

	case "completion/accept":
		var params AcceptParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleAccept(params)

	case "completion/dismiss":
		var params DismissParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return DismissResult{Dismissed: s.engine.DismissCurrent(params.Reason)}, nil

	case "completion/once":
		var params CompleteOnceParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleCompleteOnce(ctx, params)

	case "workspace/configure":
		var params ConfigureParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleConfigure(params)

	case "engine/status":
		return s.handleStatus()

	default:
		methodLogger.Warn("Unhandled RPC method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// Method Handlers
// ============================================================================

func (s *Server) handleInitialize(params InitializeParams) (any, error) {
	s.logger.Info("Handling initialize request", "client_name", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
	cfg := s.engine.GetCurrentConfig()
	result := InitializeResult{
		Capabilities: ServerCapabilities{
			TabEscalation: true,
			AutoTrigger:   cfg.AutoTrigger,
			Analysis:      s.engine.analyzer != nil,
		},
		ServerInfo: s.serverInfo,
	}
	return result, nil
}

func (s *Server) handleSurfaceOpen(params SurfaceOpenParams) (any, error) {
	s.logger.Info("Handling surface/open", "surface", params.SurfaceID, "path", params.Path, "size", len(params.Text))

	language := params.Language
	if language == "" {
		language = languageForPath(params.Path)
	}
	surface := &rpcSurface{
		MemorySurface: NewMemorySurface(params.SurfaceID, params.Path, language, params.Text, params.Cursor),
		server:        s,
		version:       params.Version,
	}
	s.surfacesMu.Lock()
	s.surfaces[params.SurfaceID] = surface
	s.surfacesMu.Unlock()
	s.engine.RegisterSurface(surface)
	return nil, nil
}

func (s *Server) handleSurfaceUpdate(params SurfaceUpdateParams) (any, error) {
	s.surfacesMu.RLock()
	surface, ok := s.surfaces[params.SurfaceID]
	s.surfacesMu.RUnlock()
	if !ok {
		s.logger.Warn("Update for unknown surface", "surface", params.SurfaceID)
		return nil, nil
	}
	if !surface.applyUpdate(params) {
		s.logger.Warn("Ignoring out-of-order surface update", "surface", params.SurfaceID, "received_version", params.Version)
		return nil, nil
	}

	reason := params.Reason
	if reason == "" {
		reason = "update"
	}
	if err := s.engine.OnActivity(params.SurfaceID, reason); err != nil {
		s.logger.Warn("Activity processing failed", "surface", params.SurfaceID, "error", err)
	}
	return nil, nil
}

func (s *Server) handleSurfaceClose(params SurfaceCloseParams) (any, error) {
	s.logger.Info("Handling surface/close", "surface", params.SurfaceID)
	s.engine.UnregisterSurface(params.SurfaceID)
	s.surfacesMu.Lock()
	delete(s.surfaces, params.SurfaceID)
	s.surfacesMu.Unlock()
	return nil, nil
}

func (s *Server) handleTrigger(params TriggerParams) (any, error) {
	s.surfacesMu.RLock()
	surface, ok := s.surfaces[params.SurfaceID]
	s.surfacesMu.RUnlock()
	if !ok {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: fmt.Sprintf("unknown surface: %s", params.SurfaceID)}
	}
	offset := surface.CursorOffset()
	if params.Offset != nil {
		offset = *params.Offset
	}
	if err := s.engine.RequestCompletionNow(params.SurfaceID, offset); err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
	}
	return nil, nil
}

func (s *Server) handleAccept(params AcceptParams) (any, error) {
	if params.Type == "" {
		return AcceptResult{Accepted: s.engine.HandleTab()}, nil
	}
	t := AcceptType(params.Type)
	if !t.Valid() {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("invalid accept type: %q", params.Type)}
	}
	return AcceptResult{Accepted: s.engine.AcceptCurrent(t)}, nil
}

func (s *Server) handleCompleteOnce(ctx context.Context, params CompleteOnceParams) (any, error) {
	text, err := s.engine.CompleteOnce(ctx, params.Path, params.Offset)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
	}
	return CompleteOnceResult{Text: text}, nil
}

func (s *Server) handleConfigure(params ConfigureParams) (any, error) {
	cfg := s.engine.GetCurrentConfig()
	mergeFileConfig(&cfg, &params.Settings)
	if err := s.engine.UpdateConfig(cfg); err != nil {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("configuration rejected: %v", err)}
	}
	return nil, nil
}

func (s *Server) handleStatus() (any, error) {
	displayed, accepted, dismissed, stale := s.engine.orch.Counters()
	return StatusResult{
		State:        s.engine.CurrentState().String(),
		Displayed:    displayed,
		Accepted:     accepted,
		Dismissed:    dismissed,
		DroppedStale: stale,
		RateWindow:   s.engine.guard.WindowCount(),
	}, nil
}

// ============================================================================
// Outbound Notifications
// ============================================================================

func (s *Server) notify(method string, params any) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		s.logger.Debug("Dropping notification, no connection", "method", method)
		return
	}
	if err := conn.Notify(context.Background(), method, params); err != nil {
		s.logger.Error("Failed to send notification", "method", method, "error", err)
	}
}

// rpcRenderer forwards show/hide to the host as notifications.
type rpcRenderer struct {
	server *Server
}

func (r *rpcRenderer) Show(surface Surface, offset int, item *CompletionItem) error {
	r.server.notify("completion/show", ShowCompletionParams{
		SurfaceID: surface.ID(),
		Offset:    offset,
		Item:      item,
	})
	return nil
}

func (r *rpcRenderer) Hide(surface Surface) {
	r.server.notify("completion/hide", HideCompletionParams{SurfaceID: surface.ID()})
}

// rpcListener forwards lifecycle outcomes to the host.
type rpcListener struct {
	server *Server
}

func (l *rpcListener) CompletionDisplayed(surfaceID string, item *CompletionItem) {
	// The host already saw completion/show; nothing extra to send.
	l.server.logger.Debug("Completion displayed", "surface", surfaceID, "item", item.ID)
}

func (l *rpcListener) CompletionAccepted(surfaceID string, acceptType AcceptType, inserted string) {
	l.server.notify("completion/accepted", CompletionAcceptedParams{
		SurfaceID:  surfaceID,
		AcceptType: acceptType,
		Inserted:   inserted,
	})
}

func (l *rpcListener) CompletionDismissed(surfaceID string, reason string) {
	l.server.notify("completion/dismissed", CompletionDismissedParams{
		SurfaceID: surfaceID,
		Reason:    reason,
	})
}

// ============================================================================
// RPC Surface
// ============================================================================

// rpcSurface shadows a host buffer. Engine-side insertions are pushed back to
// the host as surface/applyEdit notifications; the host keeps ownership of
// the real buffer and echoes edits through surface/update.
type rpcSurface struct {
	*MemorySurface
	server *Server

	versionMu sync.Mutex
	version   int
}

// applyUpdate applies a full-text sync if its version is newer.
func (s *rpcSurface) applyUpdate(params SurfaceUpdateParams) bool {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if params.Version <= s.version {
		return false
	}
	s.version = params.Version
	s.SetText(params.Text, params.Cursor)
	return true
}

func (s *rpcSurface) Replace(rng Range, text string) (int, error) {
	newCursor, err := s.MemorySurface.Replace(rng, text)
	if err != nil {
		return 0, err
	}
	s.server.notify("surface/applyEdit", ApplyEditParams{
		SurfaceID: s.ID(),
		Range:     rng,
		Text:      text,
		NewCursor: newCursor,
	})
	return newCursor, nil
}
