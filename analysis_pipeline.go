// ghostline/analysis_pipeline.go
// Background analysis pipeline: paced, chunked semantic analysis of the
// scope around the cursor, feeding the preemptive cache.
package ghostline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// analysisUnit is one bounded step of work on the pipeline worker.
type analysisUnit struct {
	desc string
	run  func(context.Context) (*AnalysisResult, error)
}

type analysisJob struct {
	scope      ScopeRef
	onProgress func(*AnalysisResult)
	onComplete func()
	done       chan struct{}
}

// AnalysisPipeline walks scope members on a single dedicated worker in small
// units (signature, body chunks, type structure fetches) with a fixed pacing
// delay between units, merging every partial result into the cache. A unit
// failure is logged and skipped; analysis is never fatal. Concurrent requests
// for one scope collapse onto a single run via singleflight.
type AnalysisPipeline struct {
	analyzer SemanticAnalyzer
	cache    *AnalysisCache
	logger   *slog.Logger
	config   func() Config

	jobs  chan *analysisJob
	group singleflight.Group

	mu         sync.Mutex
	warmTimers map[string]*time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAnalysisPipeline starts the worker goroutine.
func NewAnalysisPipeline(analyzer SemanticAnalyzer, cache *AnalysisCache, config func() Config, logger *slog.Logger) *AnalysisPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AnalysisPipeline{
		analyzer:   analyzer,
		cache:      cache,
		logger:     logger.With("component", "analysis_pipeline"),
		config:     config,
		jobs:       make(chan *analysisJob, 16),
		warmTimers: make(map[string]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// AnalyzeAsync queues analysis of scope. Callbacks are optional; onProgress
// receives the cumulative merged result after each unit, onComplete fires
// once the scope walk finishes or is abandoned. Duplicate concurrent calls
// for the same scope share one run.
func (p *AnalysisPipeline) AnalyzeAsync(scope ScopeRef, onProgress func(*AnalysisResult), onComplete func()) {
	key := scope.Key()
	go func() {
		defer p.recoverPanic("analyze_async")
		_, _, _ = p.group.Do(key, func() (any, error) {
			job := &analysisJob{
				scope:      scope,
				onProgress: onProgress,
				onComplete: onComplete,
				done:       make(chan struct{}),
			}
			select {
			case p.jobs <- job:
			case <-p.ctx.Done():
				return nil, p.ctx.Err()
			}
			select {
			case <-job.done:
			case <-p.ctx.Done():
			}
			return nil, nil
		})
	}()
}

// Warm schedules cache warmup for scope after the warmup debounce, so rapid
// cursor movement across scopes does not fan out analysis work.
func (p *AnalysisPipeline) Warm(scope ScopeRef) {
	key := scope.Key()
	debounce := p.config().AnalysisDebounce
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.warmTimers[key]; ok {
		t.Reset(debounce)
		return
	}
	p.warmTimers[key] = time.AfterFunc(debounce, func() {
		p.mu.Lock()
		delete(p.warmTimers, key)
		p.mu.Unlock()
		p.AnalyzeAsync(scope, nil, nil)
	})
}

// Close stops the worker and cancels pending warmups.
func (p *AnalysisPipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		for key, t := range p.warmTimers {
			t.Stop()
			delete(p.warmTimers, key)
		}
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
	})
}

func (p *AnalysisPipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.runJob(job)
			close(job.done)
		}
	}
}

func (p *AnalysisPipeline) runJob(job *analysisJob) {
	defer p.recoverPanic("run_job")
	if job.onComplete != nil {
		defer job.onComplete()
	}
	opLogger := p.logger.With("scope", job.scope.Key())
	start := time.Now()

	members, err := p.analyzer.CollectScopeMembers(p.ctx, job.scope)
	if err != nil {
		opLogger.Warn("Scope member collection failed", "error", fmt.Errorf("%w: %w", ErrAnalysisFailed, err))
		return
	}

	analyzed := 0
	for _, member := range members {
		if p.ctx.Err() != nil {
			return
		}
		if p.cache.HasMember(member) {
			continue
		}
		if !p.analyzeMember(job, member, opLogger) {
			return
		}
		analyzed++
	}
	opLogger.Debug("Scope analysis finished", "members", len(members), "analyzed", analyzed, "duration", time.Since(start))
}

// analyzeMember runs the three ordered phases for one member. Returns false
// only when the pipeline context is cancelled.
func (p *AnalysisPipeline) analyzeMember(job *analysisJob, member MemberRef, opLogger *slog.Logger) bool {
	units := []analysisUnit{{
		desc: "signature " + member.Name,
		run: func(ctx context.Context) (*AnalysisResult, error) {
			return p.analyzer.AnalyzeSignature(ctx, member)
		},
	}}

	chunks, err := p.analyzer.BodyChunks(p.ctx, member)
	if err != nil {
		opLogger.Warn("Body chunk count failed, skipping body analysis", "member", member.Name, "error", err)
	}
	for i := 0; i < chunks; i++ {
		i := i
		units = append(units, analysisUnit{
			desc: fmt.Sprintf("body %s[%d]", member.Name, i),
			run: func(ctx context.Context) (*AnalysisResult, error) {
				return p.analyzer.AnalyzeBodyChunk(ctx, member, i)
			},
		})
	}

	if !p.runUnits(job, units, opLogger) {
		return false
	}

	// Phase three: fetch structures for types the first two phases referenced
	// but did not resolve.
	if snapshot, ok := p.cache.Lookup(job.scope); ok {
		var fetches []analysisUnit
		for name, text := range snapshot.TypeStructures {
			if text != "" {
				continue
			}
			name := name
			fetches = append(fetches, analysisUnit{
				desc: "structure " + name,
				run: func(ctx context.Context) (*AnalysisResult, error) {
					structure, err := p.analyzer.FetchTypeStructure(ctx, job.scope, name)
					if err != nil {
						return nil, err
					}
					res := NewAnalysisResult()
					res.TypeStructures[name] = structure
					return res, nil
				},
			})
		}
		if !p.runUnits(job, fetches, opLogger) {
			return false
		}
	}

	mark := NewAnalysisResult()
	mark.AnalyzedMembers[member.Key()] = struct{}{}
	p.cache.MergeInto(job.scope, mark)
	p.publishProgress(job)
	return true
}

// runUnits executes units in order with the pacing delay between them.
func (p *AnalysisPipeline) runUnits(job *analysisJob, units []analysisUnit, opLogger *slog.Logger) bool {
	for _, unit := range units {
		if p.ctx.Err() != nil {
			return false
		}
		res, err := unit.run(p.ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return false
		case err != nil:
			opLogger.Warn("Analysis unit failed, skipping", "unit", unit.desc, "error", fmt.Errorf("%w: %w", ErrAnalysisFailed, err))
		case res != nil && !res.IsEmpty():
			p.cache.MergeInto(job.scope, res)
			p.publishProgress(job)
		}
		if !p.pace() {
			return false
		}
	}
	return true
}

func (p *AnalysisPipeline) publishProgress(job *analysisJob) {
	if job.onProgress == nil {
		return
	}
	if snapshot, ok := p.cache.Lookup(job.scope); ok {
		job.onProgress(snapshot)
	}
}

// pace sleeps the inter-unit delay, returning false on shutdown.
func (p *AnalysisPipeline) pace() bool {
	delay := p.config().AnalysisPacing
	if delay <= 0 {
		return p.ctx.Err() == nil
	}
	select {
	case <-p.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (p *AnalysisPipeline) recoverPanic(where string) {
	if r := recover(); r != nil {
		p.logger.Error("Panic recovered in analysis pipeline", "where", where, "panic", r, "stack", string(debug.Stack()))
	}
}
