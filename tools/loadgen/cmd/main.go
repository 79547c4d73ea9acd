// Package main provides the CLI entry point for the load generator.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meterd/tools/loadgen/internal/pool"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	targetURL     string
	duration      time.Duration
	concurrency   int
	qps           float64
	tenantCount   int
	readRatio     float64
	verbose       bool
	dryRun        bool
	showVersion   bool
	requestHeader string
)

func init() {
	flag.StringVar(&targetURL, "target", "http://localhost:8080", "Base URL of the metering API")
	flag.StringVar(&targetURL, "t", "http://localhost:8080", "Base URL of the metering API (shorthand)")

	flag.DurationVar(&duration, "duration", 1*time.Minute, "Test duration (e.g., 5m, 1h)")
	flag.DurationVar(&duration, "d", 1*time.Minute, "Test duration (shorthand)")
	flag.IntVar(&concurrency, "concurrency", 8, "Number of concurrent workers")
	flag.Float64Var(&qps, "qps", 50, "Target requests per second across all workers")
	flag.IntVar(&tenantCount, "tenants", 10, "Number of tenants to seed before the run")
	flag.Float64Var(&readRatio, "read-ratio", 0.2, "Fraction of requests that read summaries instead of recording usage (0.0-1.0)")

	flag.BoolVar(&verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&verbose, "v", false, "Enable verbose output (shorthand)")
	flag.BoolVar(&dryRun, "dry-run", false, "Show the execution plan without sending traffic")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.StringVar(&requestHeader, "header", "", "Extra header to send with every request (Name: Value)")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Load Generator - Metering API Load Testing Tool

USAGE:
    loadgen -target <url> [options]

DESCRIPTION:
    Generates realistic usage-metering traffic against a running meterd
    instance. The tool first seeds a set of tenants, then drives a mixed
    workload of usage recordings and summary reads, recycling the tenant
    IDs it created through an in-memory parameter pool.

OPTIONS:
    -target, -t <url>     Base URL of the metering API (default http://localhost:8080)
    -duration, -d <dur>   Test duration (e.g., "5m", "1h30m")
    -concurrency <n>      Number of concurrent workers
    -qps <n>              Target requests per second
    -tenants <n>          Number of tenants to seed before the run
    -read-ratio <f>       Fraction of summary reads in the mix (default 0.2)
    -header <h>           Extra header for every request (Name: Value)
    -dry-run              Show the execution plan without sending traffic
    -verbose, -v          Enable verbose output
    -version              Show version information

EXAMPLES:
    # One minute of mixed traffic at 50 qps
    loadgen -target http://localhost:8080

    # Sustained ingestion-heavy run
    loadgen -target http://localhost:8080 -d 10m -qps 200 -read-ratio 0.05

    # Small smoke run with verbose request logging
    loadgen -t http://localhost:8080 -d 10s -qps 5 -tenants 2 -v
`)
}

func printVersion() {
	fmt.Printf("loadgen %s (built %s, commit %s)\n", version, buildTime, gitCommit)
}

// eventKinds and their relative weights in the generated mix. SMS and email
// dominate real traffic; AI queries are the expensive tail.
var eventKinds = []struct {
	kind   string
	weight int
	maxQty int64
}{
	{"email", 40, 50},
	{"sms", 25, 20},
	{"invitation", 15, 5},
	{"whatsapp", 12, 10},
	{"ai_query", 8, 3},
}

func pickEventKind(rng *rand.Rand) (string, int64) {
	total := 0
	for _, k := range eventKinds {
		total += k.weight
	}
	n := rng.Intn(total)
	for _, k := range eventKinds {
		if n < k.weight {
			return k.kind, 1 + rng.Int63n(k.maxQty)
		}
		n -= k.weight
	}
	return "email", 1
}

// report aggregates per-request outcomes across all workers.
type report struct {
	mu        sync.Mutex
	latencies []time.Duration

	requests atomic.Int64
	errors   atomic.Int64
	reads    atomic.Int64
	writes   atomic.Int64
}

func (r *report) observe(latency time.Duration, isRead bool, err error) {
	r.requests.Add(1)
	if err != nil {
		r.errors.Add(1)
		return
	}
	if isRead {
		r.reads.Add(1)
	} else {
		r.writes.Add(1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.mu.Unlock()
}

func (r *report) percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.latencies))
	copy(sorted, r.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// apiClient wraps the metering API endpoints the generator exercises.
type apiClient struct {
	baseURL     string
	http        *http.Client
	extraHeader [2]string
}

func newAPIClient(baseURL string) *apiClient {
	c := &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	if requestHeader != "" {
		if name, value, ok := strings.Cut(requestHeader, ":"); ok {
			c.extraHeader = [2]string{strings.TrimSpace(name), strings.TrimSpace(value)}
		}
	}
	return c
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.extraHeader[0] != "" {
		req.Header.Set(c.extraHeader[0], c.extraHeader[1])
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(snippet))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

type createdTenant struct {
	ID uuid.UUID `json:"id"`
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// seedTenants creates the tenant population and stores their IDs in the
// parameter pool so workers can pick them at random.
func seedTenants(ctx context.Context, client *apiClient, params pool.ParameterPool, count int) error {
	tiers := []string{"free", "starter", "professional", "enterprise"}
	for i := 0; i < count; i++ {
		code := fmt.Sprintf("LG%s", strings.ToUpper(gofakeit.LetterN(8)))
		body := map[string]any{
			"code": code,
			"name": gofakeit.Company(),
			"tier": tiers[i%len(tiers)],
		}

		var env envelope
		if err := client.do(ctx, http.MethodPost, "/api/v1/tenants", body, &env); err != nil {
			return fmt.Errorf("seeding tenant %s: %w", code, err)
		}
		var tenant createdTenant
		if err := json.Unmarshal(env.Data, &tenant); err != nil {
			return fmt.Errorf("decoding tenant %s: %w", code, err)
		}

		value := pool.NewParameterValue(tenant.ID.String(), pool.SemanticTypeTenantID, 0).
			WithSource("POST /api/v1/tenants", "$.data.id")
		if _, err := params.Add(ctx, value); err != nil {
			return err
		}
		if verbose {
			fmt.Printf("seeded tenant %s (%s)\n", code, tenant.ID)
		}
	}
	return nil
}

func worker(ctx context.Context, client *apiClient, params pool.ParameterPool, limiter *rate.Limiter, rep *report, seed int64) {
	rng := rand.New(rand.NewSource(seed))

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		value, err := params.GetRandom(ctx, pool.SemanticTypeTenantID)
		if err != nil || value == nil {
			rep.observe(0, false, fmt.Errorf("no tenant available"))
			continue
		}
		tenantID := value.Value.(string)

		isRead := rng.Float64() < readRatio
		start := time.Now()
		if isRead {
			err = client.do(ctx, http.MethodGet, "/api/v1/tenants/"+tenantID+"/summary", nil, nil)
		} else {
			kind, quantity := pickEventKind(rng)
			err = client.do(ctx, http.MethodPost, "/api/v1/usage", map[string]any{
				"tenant_id": tenantID,
				"kind":      kind,
				"quantity":  quantity,
			}, nil)
		}
		latency := time.Since(start)

		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil && verbose {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		}
		rep.observe(latency, isRead, err)
	}
}

func printReport(rep *report, elapsed time.Duration) {
	requests := rep.requests.Load()
	errors := rep.errors.Load()
	fmt.Println()
	fmt.Println("=== Load Test Report ===")
	fmt.Printf("Duration:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Requests:      %d (%.1f/s)\n", requests, float64(requests)/elapsed.Seconds())
	fmt.Printf("  Usage writes: %d\n", rep.writes.Load())
	fmt.Printf("  Summary reads: %d\n", rep.reads.Load())
	fmt.Printf("Errors:        %d (%.2f%%)\n", errors, percentOf(errors, requests))
	fmt.Printf("Latency p50:   %s\n", rep.percentile(0.50).Round(time.Millisecond))
	fmt.Printf("Latency p95:   %s\n", rep.percentile(0.95).Round(time.Millisecond))
	fmt.Printf("Latency p99:   %s\n", rep.percentile(0.99).Round(time.Millisecond))
}

func percentOf(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	if readRatio < 0 || readRatio > 1 {
		fmt.Fprintln(os.Stderr, "Error: -read-ratio must be between 0.0 and 1.0")
		os.Exit(1)
	}
	if tenantCount < 1 || concurrency < 1 || qps <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -tenants, -concurrency, and -qps must be positive")
		os.Exit(1)
	}

	if dryRun {
		fmt.Println("Execution plan:")
		fmt.Printf("  Target:       %s\n", targetURL)
		fmt.Printf("  Duration:     %s\n", duration)
		fmt.Printf("  Concurrency:  %d workers\n", concurrency)
		fmt.Printf("  Rate:         %.1f qps\n", qps)
		fmt.Printf("  Tenants:      %d seeded\n", tenantCount)
		fmt.Printf("  Mix:          %.0f%% reads, %.0f%% usage writes\n", readRatio*100, (1-readRatio)*100)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupted, finishing up...")
		cancel()
	}()

	client := newAPIClient(targetURL)
	params := pool.NewSimpleParameterPool(pool.DefaultPoolConfig())
	defer params.Close()

	fmt.Printf("Seeding %d tenants against %s...\n", tenantCount, targetURL)
	if err := seedTenants(ctx, client, params, tenantCount); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running %d workers at %.1f qps for %s...\n", concurrency, qps, duration)
	runCtx, stopRun := context.WithTimeout(ctx, duration)
	defer stopRun()

	limiter := rate.NewLimiter(rate.Limit(qps), concurrency)
	rep := &report{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			worker(runCtx, client, params, limiter, rep, seed)
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()

	printReport(rep, time.Since(start))
	if rep.errors.Load() > 0 {
		os.Exit(2)
	}
}
