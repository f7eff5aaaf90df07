// ghostline/analysis_cache.go
// Preemptive analysis cache: scope-keyed, TTL-bound storage for merged
// background analysis results.
package ghostline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// AnalysisCache stores one merged AnalysisResult per scope. Ristretto holds
// the values under a memory budget; a small authoritative index carries the
// entry timestamps, because ristretto's TTL is approximate and the sweep
// needs an exact expiry decision. All reads and merges serialize on one
// mutex, which is what makes additive merges from concurrent analysis safe.
type AnalysisCache struct {
	logger *slog.Logger
	store  *ristretto.Cache

	mu    sync.Mutex
	index map[string]time.Time // scope key -> last write
	ttl   time.Duration

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewAnalysisCache builds the cache and starts its sweep goroutine.
func NewAnalysisCache(cfg Config, logger *slog.Logger) (*AnalysisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     32 << 20, // 32 MiB of analysis text
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	c := &AnalysisCache{
		logger: logger.With("component", "analysis_cache"),
		store:  store,
		index:  make(map[string]time.Time),
		ttl:    cfg.CacheTTL,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// UpdateConfig applies a new TTL to future expiry decisions.
func (c *AnalysisCache) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.ttl = cfg.CacheTTL
	c.mu.Unlock()
}

// Lookup returns a copy of the cached result for scope. Expired entries are
// treated as absent and removed.
func (c *AnalysisCache) Lookup(scope ScopeRef) (*AnalysisResult, bool) {
	key := scope.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.getLocked(key)
	if !ok {
		return nil, false
	}
	return res.Clone(), true
}

// HasMember reports whether the member has already been analyzed within a
// live cache entry for its scope.
func (c *AnalysisCache) HasMember(m MemberRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.getLocked(m.Scope.Key())
	if !ok {
		return false
	}
	_, done := res.AnalyzedMembers[m.Key()]
	return done
}

// MergeInto folds partial into the entry for scope, creating it if absent.
// The entry timestamp refreshes on every merge.
func (c *AnalysisCache) MergeInto(scope ScopeRef, partial *AnalysisResult) {
	if partial == nil {
		return
	}
	key := scope.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := NewAnalysisResult()
	if existing, ok := c.getLocked(key); ok {
		merged.Merge(existing)
	}
	merged.Merge(partial)
	c.index[key] = c.now()
	c.store.SetWithTTL(key, merged, resultCost(merged), c.ttl)
	// Set is buffered; Wait makes the entry visible to the next getLocked so
	// merge sequences do not lose earlier contributions.
	c.store.Wait()
}

// Invalidate drops the entry for scope.
func (c *AnalysisCache) Invalidate(scope ScopeRef) {
	key := scope.Key()
	c.mu.Lock()
	delete(c.index, key)
	c.store.Del(key)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, at := range c.index {
		if now.Sub(at) <= c.ttl {
			n++
		}
	}
	return n
}

// Metrics exposes the underlying store metrics for expvar publishing.
func (c *AnalysisCache) Metrics() *ristretto.Metrics {
	return c.store.Metrics
}

// Close stops the sweep goroutine and releases the store.
func (c *AnalysisCache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.store.Close()
	})
}

// getLocked returns the live entry for key, pruning it when expired or when
// the store has evicted it. Caller holds c.mu.
func (c *AnalysisCache) getLocked(key string) (*AnalysisResult, bool) {
	at, ok := c.index[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.index, key)
		c.store.Del(key)
		c.logger.Debug("Cache entry expired", "key", key)
		return nil, false
	}
	v, ok := c.store.Get(key)
	if !ok {
		delete(c.index, key)
		return nil, false
	}
	res, ok := v.(*AnalysisResult)
	if !ok {
		delete(c.index, key)
		c.store.Del(key)
		return nil, false
	}
	return res, true
}

// sweepLoop periodically removes expired entries so the index cannot grow
// past the working set between lookups.
func (c *AnalysisCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *AnalysisCache) sweepInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	interval := c.ttl / 5
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

func (c *AnalysisCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, at := range c.index {
		if now.Sub(at) > c.ttl {
			delete(c.index, key)
			c.store.Del(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Swept expired analysis entries", "removed", removed, "remaining", len(c.index))
	}
}

// resultCost estimates the ristretto cost of a result from its text volume.
func resultCost(r *AnalysisResult) int64 {
	cost := int64(1)
	for sym := range r.ReferencedSymbols {
		cost += int64(len(sym))
	}
	for m := range r.CalledMembers {
		cost += int64(len(m))
	}
	for name, text := range r.TypeStructures {
		cost += int64(len(name) + len(text))
	}
	for m := range r.AnalyzedMembers {
		cost += int64(len(m))
	}
	return cost
}
