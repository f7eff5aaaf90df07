// ghostline/analysis_pipeline_test.go
package ghostline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAnalyzer is a scriptable SemanticAnalyzer for pipeline tests.
type fakeAnalyzer struct {
	mu             sync.Mutex
	members        map[string][]MemberRef
	failChunks     map[string]bool // member name -> body chunks error
	collectCalls   atomic.Int32
	structureCalls atomic.Int32
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		members:    make(map[string][]MemberRef),
		failChunks: make(map[string]bool),
	}
}

func (f *fakeAnalyzer) EnclosingScope(_ context.Context, filePath string, _ int) (ScopeRef, error) {
	return ScopeRef{Path: filePath}, nil
}

func (f *fakeAnalyzer) CollectScopeMembers(_ context.Context, scope ScopeRef) ([]MemberRef, error) {
	f.collectCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[scope.Key()], nil
}

func (f *fakeAnalyzer) AnalyzeSignature(_ context.Context, member MemberRef) (*AnalysisResult, error) {
	res := NewAnalysisResult()
	res.ReferencedSymbols["sig:"+member.Name] = struct{}{}
	res.TypeStructures["Widget"] = "" // referenced, structure not yet fetched
	return res, nil
}

func (f *fakeAnalyzer) BodyChunks(_ context.Context, member MemberRef) (int, error) {
	return 2, nil
}

func (f *fakeAnalyzer) AnalyzeBodyChunk(_ context.Context, member MemberRef, chunk int) (*AnalysisResult, error) {
	f.mu.Lock()
	fail := f.failChunks[member.Name]
	f.mu.Unlock()
	if fail && chunk == 1 {
		return nil, errors.New("parse error in chunk")
	}
	res := NewAnalysisResult()
	res.CalledMembers[fmt.Sprintf("%s.call%d", member.Name, chunk)] = struct{}{}
	return res, nil
}

func (f *fakeAnalyzer) FetchTypeStructure(_ context.Context, _ ScopeRef, typeName string) (string, error) {
	f.structureCalls.Add(1)
	return "type " + typeName + " struct{}", nil
}

func (f *fakeAnalyzer) Close() error { return nil }

func (f *fakeAnalyzer) addMember(scope ScopeRef, name string) MemberRef {
	m := MemberRef{Scope: scope, Name: name, Signature: "func " + name + "()"}
	f.mu.Lock()
	f.members[scope.Key()] = append(f.members[scope.Key()], m)
	f.mu.Unlock()
	return m
}

func newTestPipeline(t *testing.T, analyzer SemanticAnalyzer) (*AnalysisPipeline, *AnalysisCache) {
	t.Helper()
	cfg := getDefaultConfig()
	cfg.AnalysisPacingMs = 1
	cfg.AnalysisDebounceMs = 10
	cfg.deriveDurations()
	cache, err := NewAnalysisCache(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewAnalysisCache: %v", err)
	}
	t.Cleanup(cache.Close)
	p := NewAnalysisPipeline(analyzer, cache, func() Config { return cfg }, testLogger())
	t.Cleanup(p.Close)
	return p, cache
}

func waitForAnalysis(t *testing.T, p *AnalysisPipeline, scope ScopeRef) {
	t.Helper()
	done := make(chan struct{})
	p.AnalyzeAsync(scope, nil, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis did not complete")
	}
}

func TestPipelineAnalyzesAllMembers(t *testing.T) {
	analyzer := newFakeAnalyzer()
	scope := ScopeRef{Path: "widget.go", Name: "Widget"}
	a := analyzer.addMember(scope, "Alpha")
	b := analyzer.addMember(scope, "Beta")
	p, cache := newTestPipeline(t, analyzer)

	waitForAnalysis(t, p, scope)

	res, ok := cache.Lookup(scope)
	if !ok {
		t.Fatal("no cache entry after analysis")
	}
	for _, m := range []MemberRef{a, b} {
		if _, found := res.AnalyzedMembers[m.Key()]; !found {
			t.Errorf("member %s not marked analyzed", m.Name)
		}
	}
	for _, want := range []string{"Alpha.call0", "Alpha.call1", "Beta.call0"} {
		if _, found := res.CalledMembers[want]; !found {
			t.Errorf("called member %q missing", want)
		}
	}
	if got := res.TypeStructures["Widget"]; got != "type Widget struct{}" {
		t.Errorf("structure fetch phase result = %q", got)
	}
}

func TestPipelineSkipsFailingUnit(t *testing.T) {
	analyzer := newFakeAnalyzer()
	scope := ScopeRef{Path: "widget.go", Name: "Widget"}
	m := analyzer.addMember(scope, "Flaky")
	analyzer.failChunks["Flaky"] = true
	p, cache := newTestPipeline(t, analyzer)

	waitForAnalysis(t, p, scope)

	res, ok := cache.Lookup(scope)
	if !ok {
		t.Fatal("failing unit aborted the whole scope")
	}
	if _, found := res.AnalyzedMembers[m.Key()]; !found {
		t.Error("member with one failing chunk not marked analyzed")
	}
	if _, found := res.CalledMembers["Flaky.call0"]; !found {
		t.Error("surviving chunk result missing")
	}
	if _, found := res.CalledMembers["Flaky.call1"]; found {
		t.Error("failed chunk produced a result")
	}
}

func TestPipelineSkipsAlreadyAnalyzedMembers(t *testing.T) {
	analyzer := newFakeAnalyzer()
	scope := ScopeRef{Path: "widget.go", Name: "Widget"}
	analyzer.addMember(scope, "Alpha")
	p, _ := newTestPipeline(t, analyzer)

	waitForAnalysis(t, p, scope)
	first := analyzer.structureCalls.Load()
	waitForAnalysis(t, p, scope)

	if got := analyzer.structureCalls.Load(); got != first {
		t.Errorf("re-analysis fetched structures again: %d -> %d", first, got)
	}
}

func TestPipelineProgressIsCumulative(t *testing.T) {
	analyzer := newFakeAnalyzer()
	scope := ScopeRef{Path: "widget.go", Name: "Widget"}
	analyzer.addMember(scope, "Alpha")
	p, _ := newTestPipeline(t, analyzer)

	var mu sync.Mutex
	var sizes []int
	done := make(chan struct{})
	p.AnalyzeAsync(scope, func(res *AnalysisResult) {
		mu.Lock()
		sizes = append(sizes, len(res.ReferencedSymbols)+len(res.CalledMembers)+len(res.TypeStructures))
		mu.Unlock()
	}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) == 0 {
		t.Fatal("no progress callbacks delivered")
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("progress shrank at step %d: %v", i, sizes)
		}
	}
}

func TestWarmDebouncesDuplicateScopes(t *testing.T) {
	analyzer := newFakeAnalyzer()
	scope := ScopeRef{Path: "widget.go", Name: "Widget"}
	analyzer.addMember(scope, "Alpha")
	p, cache := newTestPipeline(t, analyzer)

	for i := 0; i < 10; i++ {
		p.Warm(scope)
	}
	deadline := time.After(5 * time.Second)
	for {
		if _, ok := cache.Lookup(scope); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("warmup never populated the cache")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Allow any spurious duplicate runs to land before counting.
	time.Sleep(50 * time.Millisecond)
	if got := analyzer.collectCalls.Load(); got != 1 {
		t.Errorf("debounced warmup collected %d times, want 1", got)
	}
}
