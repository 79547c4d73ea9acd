// Package pool provides parameter pool implementations for the load generator.
// It supports storing and retrieving values by semantic type with TTL expiration.
package pool

import (
	"sync/atomic"
	"time"
)

// SemanticType classifies pooled parameter values, for example
// entity.tenant.id or metering.usage_event.id.
type SemanticType string

// Semantic types produced and consumed by the metering API.
const (
	SemanticTypeTenantID   SemanticType = "entity.tenant.id"
	SemanticTypeTenantCode SemanticType = "entity.tenant.code"

	SemanticTypeUsageEventID SemanticType = "metering.usage_event.id"
	SemanticTypeEventKind    SemanticType = "metering.event_kind"
	SemanticTypeBillingMonth SemanticType = "metering.billing_month"

	SemanticTypeEmail     SemanticType = "common.email"
	SemanticTypePhone     SemanticType = "common.phone"
	SemanticTypeTimestamp SemanticType = "common.timestamp"
	SemanticTypeUUID      SemanticType = "common.uuid"
)

// ParameterValue is one pooled value together with where it came from
// and when it expires. Value is shared, treat it as immutable. The
// access statistics use atomics so Touch may race with readers.
type ParameterValue struct {
	Value          any
	SemanticType   SemanticType
	SourceEndpoint string
	ResponsePath   string
	CreatedAt      time.Time
	ExpiresAt      time.Time

	accessCount    atomic.Int64
	lastAccessedAt atomic.Int64 // Unix nanoseconds
}

// NewParameterValue creates a value with the given TTL. A TTL of 0
// means it never expires.
func NewParameterValue(value any, semanticType SemanticType, ttl time.Duration) *ParameterValue {
	now := time.Now()
	pv := &ParameterValue{
		Value:        value,
		SemanticType: semanticType,
		CreatedAt:    now,
	}
	pv.lastAccessedAt.Store(now.UnixNano())
	if ttl > 0 {
		pv.ExpiresAt = now.Add(ttl)
	}
	return pv
}

// WithSource records the endpoint and JSONPath the value was harvested
// from, for example "POST /tenants" and "$.data.id".
func (pv *ParameterValue) WithSource(endpoint, path string) *ParameterValue {
	pv.SourceEndpoint = endpoint
	pv.ResponsePath = path
	return pv
}

// IsExpired reports whether the value has passed its TTL.
func (pv *ParameterValue) IsExpired() bool {
	return !pv.ExpiresAt.IsZero() && time.Now().After(pv.ExpiresAt)
}

// Touch bumps the access count and last-access time.
func (pv *ParameterValue) Touch() {
	pv.accessCount.Add(1)
	pv.lastAccessedAt.Store(time.Now().UnixNano())
}

// AccessCount reports how many times the value has been retrieved.
func (pv *ParameterValue) AccessCount() int64 {
	return pv.accessCount.Load()
}

// LastAccessedAt reports when the value was last retrieved.
func (pv *ParameterValue) LastAccessedAt() time.Time {
	return time.Unix(0, pv.lastAccessedAt.Load())
}

// Clone copies the value and its statistics. The Value field is copied
// by reference.
func (pv *ParameterValue) Clone() *ParameterValue {
	clone := &ParameterValue{
		Value:          pv.Value,
		SemanticType:   pv.SemanticType,
		SourceEndpoint: pv.SourceEndpoint,
		ResponsePath:   pv.ResponsePath,
		CreatedAt:      pv.CreatedAt,
		ExpiresAt:      pv.ExpiresAt,
	}
	clone.accessCount.Store(pv.accessCount.Load())
	clone.lastAccessedAt.Store(pv.lastAccessedAt.Load())
	return clone
}
