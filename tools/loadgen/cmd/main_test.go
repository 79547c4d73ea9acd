package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meterd/tools/loadgen/internal/pool"
)

func TestPickEventKind(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	valid := map[string]bool{}
	for _, k := range eventKinds {
		valid[k.kind] = true
	}

	seen := map[string]int{}
	for i := 0; i < 1000; i++ {
		kind, quantity := pickEventKind(rng)
		require.True(t, valid[kind], "unexpected kind %q", kind)
		require.Positive(t, quantity)
		seen[kind]++
	}

	// Every kind in the mix should show up over a thousand draws
	for _, k := range eventKinds {
		assert.Positive(t, seen[k.kind], "kind %q never drawn", k.kind)
	}
}

func TestReportPercentile(t *testing.T) {
	rep := &report{}
	for i := 1; i <= 100; i++ {
		rep.observe(time.Duration(i)*time.Millisecond, false, nil)
	}

	assert.Equal(t, int64(100), rep.requests.Load())
	assert.Equal(t, int64(0), rep.errors.Load())
	assert.InDelta(t, 50, rep.percentile(0.50).Milliseconds(), 2)
	assert.InDelta(t, 95, rep.percentile(0.95).Milliseconds(), 2)
}

func TestReportCountsErrors(t *testing.T) {
	rep := &report{}
	rep.observe(time.Millisecond, true, nil)
	rep.observe(0, false, assert.AnError)

	assert.Equal(t, int64(2), rep.requests.Load())
	assert.Equal(t, int64(1), rep.errors.Load())
	assert.Equal(t, int64(1), rep.reads.Load())
	assert.Equal(t, int64(0), rep.writes.Load())
}

func TestSeedTenants(t *testing.T) {
	var created atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tenants", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["code"])
		require.NotEmpty(t, body["name"])
		created.Add(1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": uuid.New().String()},
		})
	}))
	defer server.Close()

	params := pool.NewSimpleParameterPool(pool.DefaultPoolConfig())
	defer params.Close()

	client := newAPIClient(server.URL)
	err := seedTenants(context.Background(), client, params, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.Load())

	count, err := params.Count(context.Background(), pool.SemanticTypeTenantID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestWorkerRecordsUsage(t *testing.T) {
	var writes atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/usage" {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NotEmpty(t, body["tenant_id"])
			require.NotEmpty(t, body["kind"])
			writes.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer server.Close()

	params := pool.NewSimpleParameterPool(pool.DefaultPoolConfig())
	defer params.Close()
	_, err := params.Add(context.Background(),
		pool.NewParameterValue(uuid.New().String(), pool.SemanticTypeTenantID, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	rep := &report{}
	worker(ctx, newAPIClient(server.URL), params, rate.NewLimiter(200, 1), rep, 42)

	assert.Positive(t, rep.requests.Load())
	assert.Positive(t, writes.Load())
	assert.Zero(t, rep.errors.Load())
}

func TestAPIClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"TENANT_NOT_FOUND"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := newAPIClient(server.URL)
	err := client.do(context.Background(), http.MethodGet, "/api/v1/tenants/missing/summary", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "TENANT_NOT_FOUND")
}
