// ghostline/rpc_server_test.go
package ghostline

import (
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := getDefaultConfig()
	cfg.StructureCacheDir = filepath.Join(t.TempDir(), "cache")
	if err := cfg.Validate(testLogger()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	s, err := NewServer(EngineOptions{
		Config: &cfg,
		Client: &mockLLMClient{response: "done()"},
		Logger: testLogger(),
	}, "test")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Engine().Close() })
	return s
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleInitialize(InitializeParams{ClientInfo: ClientInfo{Name: "test-host"}})
	if err != nil {
		t.Fatalf("handleInitialize: %v", err)
	}
	init, ok := result.(InitializeResult)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if !init.Capabilities.TabEscalation {
		t.Error("tab escalation capability not advertised")
	}
	if init.ServerInfo == nil || init.ServerInfo.Name == "" {
		t.Error("server info missing")
	}
}

func TestSurfaceOpenRegistersWithEngine(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleSurfaceOpen(SurfaceOpenParams{
		SurfaceID: "buf-1",
		Path:      "main.go",
		Text:      "package main\n",
		Cursor:    13,
		Version:   1,
	})
	if err != nil {
		t.Fatalf("handleSurfaceOpen: %v", err)
	}
	surface, ok := s.engine.lookupSurface("buf-1")
	if !ok {
		t.Fatal("surface not registered with engine")
	}
	if surface.Language() != "go" {
		t.Errorf("language = %q, want inferred go", surface.Language())
	}

	if _, err := s.handleSurfaceClose(SurfaceCloseParams{SurfaceID: "buf-1"}); err != nil {
		t.Fatalf("handleSurfaceClose: %v", err)
	}
	if _, ok := s.engine.lookupSurface("buf-1"); ok {
		t.Error("surface still registered after close")
	}
}

func TestSurfaceUpdateIgnoresStaleVersions(t *testing.T) {
	s := newTestServer(t)
	s.handleSurfaceOpen(SurfaceOpenParams{SurfaceID: "buf-1", Path: "main.go", Text: "v1", Cursor: 2, Version: 1})

	s.handleSurfaceUpdate(SurfaceUpdateParams{SurfaceID: "buf-1", Text: "v3", Cursor: 2, Version: 3})
	s.handleSurfaceUpdate(SurfaceUpdateParams{SurfaceID: "buf-1", Text: "v2", Cursor: 2, Version: 2})

	s.surfacesMu.RLock()
	surface := s.surfaces["buf-1"]
	s.surfacesMu.RUnlock()
	if got := surface.Text(); got != "v3" {
		t.Errorf("surface text = %q, stale update was applied", got)
	}
}

func TestAcceptRejectsInvalidType(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.handleAccept(AcceptParams{Type: "paragraph"}); err == nil {
		t.Fatal("invalid accept type not rejected")
	}
	// Valid type with nothing displayed reports accepted=false.
	result, err := s.handleAccept(AcceptParams{Type: "word"})
	if err != nil {
		t.Fatalf("handleAccept: %v", err)
	}
	if result.(AcceptResult).Accepted {
		t.Error("accept succeeded with nothing displayed")
	}
}

func TestConfigureMergesSettings(t *testing.T) {
	s := newTestServer(t)
	model := "custom-model"
	primary := 250
	if _, err := s.handleConfigure(ConfigureParams{Settings: FileConfig{
		Model:          &model,
		PrimaryDelayMs: &primary,
	}}); err != nil {
		t.Fatalf("handleConfigure: %v", err)
	}
	cfg := s.engine.GetCurrentConfig()
	if cfg.Model != model {
		t.Errorf("Model = %q, want %q", cfg.Model, model)
	}
	if cfg.PrimaryDelayMs != primary {
		t.Errorf("PrimaryDelayMs = %d, want %d", cfg.PrimaryDelayMs, primary)
	}
	if cfg.EndpointURL == "" {
		t.Error("unset fields were lost in merge")
	}
}

func TestStatusReportsState(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleStatus()
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	status := result.(StatusResult)
	if status.State != StateIdle.String() {
		t.Errorf("state = %q, want idle", status.State)
	}
}
