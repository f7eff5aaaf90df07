// ghostline/analyzer_go_test.go
package ghostline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const analyzerTestSource = `package demo

type Widget struct {
	ID   string
	Size int
}

type counter struct{ n int }

func (c *counter) Add(w Widget) int {
	c.n += w.Size
	helper(w)
	return c.n
}

func (c *counter) Reset() {
	c.n = 0
}

func helper(w Widget) {}
`

func newTestAnalyzer(t *testing.T) (*goScopeAnalyzer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	if err := os.WriteFile(path, []byte(analyzerTestSource), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("writing go.mod: %v", err)
	}

	cfg := getDefaultConfig()
	cfg.StructureCacheDir = filepath.Join(dir, "cache")
	a, err := newGoScopeAnalyzer(cfg, testLogger())
	if err != nil {
		t.Fatalf("newGoScopeAnalyzer: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, path
}

// offsetOf locates marker in the test source, panicking on a bad marker.
func offsetOf(t *testing.T, marker string) int {
	t.Helper()
	idx := strings.Index(analyzerTestSource, marker)
	if idx < 0 {
		t.Fatalf("marker %q not in test source", marker)
	}
	return idx + len(marker)
}

func TestEnclosingScope(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		offset int
		want   string
	}{
		{"inside method body", offsetOf(t, "c.n += w.Size"), "counter"},
		{"inside plain function", offsetOf(t, "func helper(w Widget) {"), "helper"},
		{"outside any function", 0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scope, err := a.EnclosingScope(ctx, path, tc.offset)
			if err != nil {
				t.Fatalf("EnclosingScope: %v", err)
			}
			if scope.Name != tc.want {
				t.Errorf("scope name = %q, want %q", scope.Name, tc.want)
			}
			if scope.Path != path {
				t.Errorf("scope path = %q, want %q", scope.Path, path)
			}
		})
	}
}

func TestCollectScopeMembers(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()

	members, err := a.CollectScopeMembers(ctx, ScopeRef{Path: path, Name: "counter"})
	if err != nil {
		t.Fatalf("CollectScopeMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("counter members = %d, want 2", len(members))
	}
	if members[0].Name != "Add" || members[1].Name != "Reset" {
		t.Errorf("member names = %s, %s", members[0].Name, members[1].Name)
	}
	if !strings.Contains(members[0].Signature, "func (c *counter) Add(w Widget) int") {
		t.Errorf("rendered signature = %q", members[0].Signature)
	}

	all, err := a.CollectScopeMembers(ctx, ScopeRef{Path: path})
	if err != nil {
		t.Fatalf("CollectScopeMembers whole file: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("whole-file members = %d, want 3", len(all))
	}
}

func TestAnalyzeSignatureRecordsReferencedTypes(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()
	scope := ScopeRef{Path: path, Name: "counter"}
	members, err := a.CollectScopeMembers(ctx, scope)
	if err != nil {
		t.Fatalf("CollectScopeMembers: %v", err)
	}

	res, err := a.AnalyzeSignature(ctx, members[0]) // Add
	if err != nil {
		t.Fatalf("AnalyzeSignature: %v", err)
	}
	for _, name := range []string{"Widget", "counter"} {
		if _, ok := res.ReferencedSymbols[name]; !ok {
			t.Errorf("ReferencedSymbols missing %q", name)
		}
		if structure, ok := res.TypeStructures[name]; !ok || structure != "" {
			t.Errorf("TypeStructures[%q] = %q, want empty placeholder", name, structure)
		}
	}
	if _, ok := res.ReferencedSymbols["int"]; ok {
		t.Error("builtin type recorded as referenced symbol")
	}
}

func TestAnalyzeBodyChunkFindsCalls(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()
	scope := ScopeRef{Path: path, Name: "counter"}
	members, err := a.CollectScopeMembers(ctx, scope)
	if err != nil {
		t.Fatalf("CollectScopeMembers: %v", err)
	}

	chunks, err := a.BodyChunks(ctx, members[0]) // Add: 3 statements
	if err != nil {
		t.Fatalf("BodyChunks: %v", err)
	}
	if chunks != 1 {
		t.Fatalf("BodyChunks = %d, want 1", chunks)
	}

	res, err := a.AnalyzeBodyChunk(ctx, members[0], 0)
	if err != nil {
		t.Fatalf("AnalyzeBodyChunk: %v", err)
	}
	if _, ok := res.CalledMembers["helper"]; !ok {
		t.Errorf("CalledMembers = %v, want helper", res.CalledMembers)
	}

	// Out-of-range chunks return empty results, not errors.
	empty, err := a.AnalyzeBodyChunk(ctx, members[0], 5)
	if err != nil {
		t.Fatalf("AnalyzeBodyChunk out of range: %v", err)
	}
	if !empty.IsEmpty() {
		t.Errorf("out-of-range chunk = %+v, want empty", empty)
	}
}

func TestFetchTypeStructureFromSameFile(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()
	scope := ScopeRef{Path: path, Name: "counter"}

	structure, err := a.FetchTypeStructure(ctx, scope, "Widget")
	if err != nil {
		t.Fatalf("FetchTypeStructure: %v", err)
	}
	if !strings.HasPrefix(structure, "type Widget struct") {
		t.Errorf("structure = %q", structure)
	}
	if !strings.Contains(structure, "Size int") {
		t.Errorf("structure missing field: %q", structure)
	}

	if _, err := a.FetchTypeStructure(ctx, scope, "string"); !errors.Is(err, ErrAnalysisFailed) {
		t.Errorf("builtin fetch error = %v, want ErrAnalysisFailed", err)
	}
}

func TestStructureCacheRoundTrip(t *testing.T) {
	a, path := newTestAnalyzer(t)
	dir := filepath.Dir(path)

	hash, err := a.goModHash(dir)
	if err != nil {
		t.Fatalf("goModHash: %v", err)
	}

	a.storeStructure(dir, "Remote", hash, "type Remote struct{ URL string }")
	got, ok := a.cachedStructure(dir, "Remote", hash)
	if !ok {
		t.Fatal("stored structure not found")
	}
	if got != "type Remote struct{ URL string }" {
		t.Errorf("cached structure = %q", got)
	}

	// A dependency bump changes the hash and invalidates the entry.
	if _, ok := a.cachedStructure(dir, "Remote", "other-hash"); ok {
		t.Error("stale entry served despite go.mod hash mismatch")
	}
}

func TestReparseInvalidatesMemberHandles(t *testing.T) {
	a, path := newTestAnalyzer(t)
	ctx := context.Background()
	scope := ScopeRef{Path: path, Name: "counter"}
	members, err := a.CollectScopeMembers(ctx, scope)
	if err != nil {
		t.Fatalf("CollectScopeMembers: %v", err)
	}

	// Rewrite the file without the Reset method.
	edited := strings.Replace(analyzerTestSource, "func (c *counter) Reset() {\n\tc.n = 0\n}\n", "", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatalf("rewriting source: %v", err)
	}

	fresh, err := a.CollectScopeMembers(ctx, scope)
	if err != nil {
		t.Fatalf("CollectScopeMembers after edit: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("members after edit = %d, want 1", len(fresh))
	}
	// The stale handle for the removed method is gone.
	if _, err := a.declFor(members[1]); !errors.Is(err, ErrAnalysisFailed) {
		t.Errorf("stale member lookup error = %v, want ErrAnalysisFailed", err)
	}
}
