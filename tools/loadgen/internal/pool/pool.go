package pool

import (
	"context"
	"time"
)

// EvictionPolicy selects which value to drop when a semantic type hits its
// cap.
type EvictionPolicy int

const (
	// EvictionFIFO drops the oldest insert.
	EvictionFIFO EvictionPolicy = iota
	// EvictionLRU drops the least recently accessed value.
	EvictionLRU
	// EvictionRandom drops a uniformly chosen value.
	EvictionRandom
)

func (e EvictionPolicy) String() string {
	switch e {
	case EvictionFIFO:
		return "FIFO"
	case EvictionLRU:
		return "LRU"
	case EvictionRandom:
		return "Random"
	default:
		return "Unknown"
	}
}

// ParseEvictionPolicy maps a config string to a policy, defaulting to FIFO.
func ParseEvictionPolicy(s string) EvictionPolicy {
	switch s {
	case "LRU", "lru":
		return EvictionLRU
	case "Random", "random", "RANDOM":
		return EvictionRandom
	default:
		return EvictionFIFO
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	TotalValues  int64
	ValuesByType map[SemanticType]int64

	// HitCount and MissCount track Get outcomes.
	HitCount  int64
	MissCount int64

	EvictionCount int64
	ExpiredCount  int64
	AddCount      int64

	Uptime time.Duration
}

// HitRate is the Get success rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total) * 100
}

// ParameterPool stores values harvested from API responses (tenant IDs,
// event IDs) so later requests can reference real entities.
type ParameterPool interface {
	// Add stores a value. It returns how many entries were evicted to make
	// room.
	Add(ctx context.Context, value *ParameterValue) (evicted int, err error)

	// Get returns a live value for the semantic type, nil when none exists.
	Get(ctx context.Context, semanticType SemanticType) (*ParameterValue, error)

	// GetRandom returns a uniformly chosen live value, nil when none exists.
	GetRandom(ctx context.Context, semanticType SemanticType) (*ParameterValue, error)

	// GetAll returns every live value for the semantic type.
	GetAll(ctx context.Context, semanticType SemanticType) ([]*ParameterValue, error)

	// Count returns the number of stored entries for the semantic type.
	Count(ctx context.Context, semanticType SemanticType) (int, error)

	// Remove deletes a specific value, reporting whether it was present.
	Remove(ctx context.Context, value *ParameterValue) (bool, error)

	// Clear drops all entries of one semantic type and returns the count.
	Clear(ctx context.Context, semanticType SemanticType) (int, error)

	// ClearAll empties the pool.
	ClearAll(ctx context.Context) error

	// Cleanup drops expired entries and returns the count.
	Cleanup(ctx context.Context) (int, error)

	// Stats snapshots pool activity.
	Stats(ctx context.Context) (Stats, error)

	// Types lists semantic types with at least one entry.
	Types(ctx context.Context) ([]SemanticType, error)

	// Close releases pool resources.
	Close() error
}

// PoolConfig tunes value lifetime and capacity.
type PoolConfig struct {
	// DefaultTTL bounds value lifetime, zero disables expiry.
	DefaultTTL time.Duration

	// MaxValuesPerType caps each semantic type, zero means unlimited.
	MaxValuesPerType int

	EvictionPolicy EvictionPolicy

	// CleanupInterval is the expiry sweep period, zero disables the sweep.
	CleanupInterval time.Duration
}

// DefaultPoolConfig returns the settings the generator runs with unless
// overridden.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DefaultTTL:       5 * time.Minute,
		MaxValuesPerType: 1000,
		EvictionPolicy:   EvictionFIFO,
		CleanupInterval:  1 * time.Minute,
	}
}
