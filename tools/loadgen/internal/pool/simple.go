package pool

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// poolCounters tracks pool activity without taking the main lock.
type poolCounters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	adds      atomic.Int64
	evictions atomic.Int64
	expiries  atomic.Int64
}

// SimpleParameterPool stores parameter values per semantic type behind a
// single RWMutex. The load generator drives one API instance, so contention
// on the lock is not a concern.
type SimpleParameterPool struct {
	mu      sync.RWMutex
	values  map[SemanticType][]*ParameterValue
	config  PoolConfig
	startAt time.Time

	counters poolCounters

	sweepTicker *time.Ticker
	sweepDone   chan struct{}
	closed      atomic.Bool

	rng *rand.Rand
}

// NewSimpleParameterPool builds a pool and, when a cleanup interval is
// configured, starts the background expiry sweep.
func NewSimpleParameterPool(config PoolConfig) *SimpleParameterPool {
	p := &SimpleParameterPool{
		values:    make(map[SemanticType][]*ParameterValue),
		config:    config,
		startAt:   time.Now(),
		sweepDone: make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if config.CleanupInterval > 0 {
		p.sweepTicker = time.NewTicker(config.CleanupInterval)
		go p.sweepLoop()
	}

	return p
}

// Add stores a value, evicting one entry of the same semantic type first if
// the per-type cap is reached. Returns how many entries were evicted.
func (p *SimpleParameterPool) Add(ctx context.Context, value *ParameterValue) (int, error) {
	if p.closed.Load() {
		return 0, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters.adds.Add(1)

	evicted := 0
	if p.config.MaxValuesPerType > 0 && len(p.values[value.SemanticType]) >= p.config.MaxValuesPerType {
		evicted = p.evictOne(value.SemanticType)
	}

	p.values[value.SemanticType] = append(p.values[value.SemanticType], value)
	return evicted, nil
}

// evictOne drops a single entry per the configured policy. Caller holds the
// write lock.
func (p *SimpleParameterPool) evictOne(semanticType SemanticType) int {
	values := p.values[semanticType]
	if len(values) == 0 {
		return 0
	}

	idx := 0
	switch p.config.EvictionPolicy {
	case EvictionFIFO:
		// idx 0 is the oldest insert
	case EvictionLRU:
		oldest := values[0].LastAccessedAt()
		for i, v := range values {
			if v.LastAccessedAt().Before(oldest) {
				oldest = v.LastAccessedAt()
				idx = i
			}
		}
	case EvictionRandom:
		idx = p.rng.Intn(len(values))
	}

	p.values[semanticType] = append(values[:idx], values[idx+1:]...)
	p.counters.evictions.Add(1)
	return 1
}

// Get returns the first live value for the semantic type, or nil when none
// is available.
func (p *SimpleParameterPool) Get(ctx context.Context, semanticType SemanticType) (*ParameterValue, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.values[semanticType] {
		if !v.IsExpired() {
			v.Touch()
			p.counters.hits.Add(1)
			return v, nil
		}
	}

	p.counters.misses.Add(1)
	return nil, nil
}

// GetRandom returns a uniformly chosen live value for the semantic type, or
// nil when none is available.
func (p *SimpleParameterPool) GetRandom(ctx context.Context, semanticType SemanticType) (*ParameterValue, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := liveValues(p.values[semanticType])
	if len(live) == 0 {
		p.counters.misses.Add(1)
		return nil, nil
	}

	v := live[p.rng.Intn(len(live))]
	v.Touch()
	p.counters.hits.Add(1)
	return v, nil
}

// GetAll returns every live value for the semantic type.
func (p *SimpleParameterPool) GetAll(ctx context.Context, semanticType SemanticType) ([]*ParameterValue, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return liveValues(p.values[semanticType]), nil
}

func liveValues(values []*ParameterValue) []*ParameterValue {
	out := make([]*ParameterValue, 0, len(values))
	for _, v := range values {
		if !v.IsExpired() {
			out = append(out, v)
		}
	}
	return out
}

// Count returns how many entries exist for the semantic type, expired ones
// included until the next sweep.
func (p *SimpleParameterPool) Count(ctx context.Context, semanticType SemanticType) (int, error) {
	if p.closed.Load() {
		return 0, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.values[semanticType]), nil
}

// Remove deletes the exact value (pointer identity) from the pool.
func (p *SimpleParameterPool) Remove(ctx context.Context, value *ParameterValue) (bool, error) {
	if p.closed.Load() {
		return false, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	values := p.values[value.SemanticType]
	for i, v := range values {
		if v == value {
			p.values[value.SemanticType] = append(values[:i], values[i+1:]...)
			return true, nil
		}
	}

	return false, nil
}

// Clear drops every entry of the semantic type and returns how many were
// removed.
func (p *SimpleParameterPool) Clear(ctx context.Context, semanticType SemanticType) (int, error) {
	if p.closed.Load() {
		return 0, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.values[semanticType])
	delete(p.values, semanticType)
	return n, nil
}

// ClearAll empties the pool.
func (p *SimpleParameterPool) ClearAll(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.values = make(map[SemanticType][]*ParameterValue)
	return nil
}

// Cleanup drops expired entries across all types and returns the count.
func (p *SimpleParameterPool) Cleanup(ctx context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for st, values := range p.values {
		kept := liveValues(values)
		if len(kept) != len(values) {
			total += len(values) - len(kept)
			p.values[st] = kept
		}
	}

	p.counters.expiries.Add(int64(total))
	return total, nil
}

func (p *SimpleParameterPool) sweepLoop() {
	for {
		select {
		case <-p.sweepTicker.C:
			_, _ = p.Cleanup(context.Background())
		case <-p.sweepDone:
			return
		}
	}
}

// Stats snapshots the pool counters and per-type sizes.
func (p *SimpleParameterPool) Stats(ctx context.Context) (Stats, error) {
	if p.closed.Load() {
		return Stats{}, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		ValuesByType:  make(map[SemanticType]int64),
		HitCount:      p.counters.hits.Load(),
		MissCount:     p.counters.misses.Load(),
		EvictionCount: p.counters.evictions.Load(),
		ExpiredCount:  p.counters.expiries.Load(),
		AddCount:      p.counters.adds.Load(),
		Uptime:        time.Since(p.startAt),
	}

	for st, values := range p.values {
		n := int64(len(values))
		stats.TotalValues += n
		stats.ValuesByType[st] = n
	}

	return stats, nil
}

// Types lists the semantic types that currently hold at least one entry.
func (p *SimpleParameterPool) Types(ctx context.Context) ([]SemanticType, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	types := make([]SemanticType, 0, len(p.values))
	for st, values := range p.values {
		if len(values) > 0 {
			types = append(types, st)
		}
	}

	return types, nil
}

// Close stops the expiry sweep. Further calls on the pool fail with
// ErrPoolClosed.
func (p *SimpleParameterPool) Close() error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}

	if p.sweepTicker != nil {
		p.sweepTicker.Stop()
		close(p.sweepDone)
	}

	return nil
}

// EvictionCount reports how many values the pool has evicted so far.
func (p *SimpleParameterPool) EvictionCount() int64 {
	return p.counters.evictions.Load()
}
