// Package benchmark probes a candidate node's test endpoint and grades it
// before admission.
package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/httputil"
)

// Score thresholds.
const (
	JoinThreshold = 60.0 // minimum composite to be admitted
	PassThreshold = 80.0 // standalone benchmark pass mark
)

// Composite weights.
const (
	weightFetch  = 0.6
	weightCPU    = 0.25
	weightMemory = 0.15
)

const (
	fetchProbes   = 5
	fetchTimeout  = 5 * time.Second
	cpuTimeout    = 10 * time.Second
	cpuIterations = 5000
	memoryTimeout = 5 * time.Second
	memorySizeMB  = 256
)

// fetchTargets are the well-known URLs the node is asked to retrieve.
var fetchTargets = []string{
	"https://www.google.com",
	"https://www.cloudflare.com",
	"https://www.wikipedia.org",
	"https://www.github.com",
	"https://www.example.com",
}

// Result is the graded outcome of one benchmark run.
type Result struct {
	Composite float64 `json:"composite"`
	Fetch     float64 `json:"fetch_score"`
	CPU       float64 `json:"cpu_score"`
	Memory    float64 `json:"memory_score"`

	FetchSuccesses int     `json:"fetch_successes"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	HashesPerSec   float64 `json:"hashes_per_second"`
	Passed         bool    `json:"passed"`
}

// Benchmarker runs the admission probes.
type Benchmarker struct {
	client *http.Client
	log    zerolog.Logger
}

// New builds a benchmarker. The client timeout is per probe, set on each
// request context, so the shared client carries none.
func New(log zerolog.Logger) *Benchmarker {
	return &Benchmarker{
		client: httputil.NewClient(0),
		log:    log,
	}
}

// Run probes testEndpoint and returns the composite grade. Probe failures
// lower the score rather than erroring: an unreachable endpoint simply
// scores zero everywhere.
func (b *Benchmarker) Run(ctx context.Context, testEndpoint string) Result {
	base := strings.TrimRight(testEndpoint, "/")

	fetch, successes, avgLatency := b.fetchScore(ctx, base)
	cpu, hps := b.cpuScore(ctx, base)
	memory := b.memoryScore(ctx, base)

	r := Result{
		Fetch:          fetch,
		CPU:            cpu,
		Memory:         memory,
		FetchSuccesses: successes,
		AvgLatencyMs:   avgLatency,
		HashesPerSec:   hps,
	}
	r.Composite = weightFetch*fetch + weightCPU*cpu + weightMemory*memory
	r.Passed = r.Composite >= PassThreshold

	b.log.Info().
		Str("endpoint", testEndpoint).
		Float64("composite", r.Composite).
		Float64("fetch", fetch).
		Float64("cpu", cpu).
		Float64("memory", memory).
		Msg("benchmark completed")
	return r
}

// fetchScore issues the fetch probes and blends latency and reliability
// 0.7/0.3.
func (b *Benchmarker) fetchScore(ctx context.Context, base string) (score float64, successes int, avgLatencyMs float64) {
	var totalLatency time.Duration

	for i := 0; i < fetchProbes; i++ {
		target := fetchTargets[i%len(fetchTargets)]
		started := time.Now()
		resp, err := b.post(ctx, base+"/benchmark/fetch", fetchTimeout, map[string]any{"url": target})
		elapsed := time.Since(started)
		if err != nil {
			continue
		}
		successes++
		totalLatency += elapsed
		_ = resp // body content is not graded, only completion
	}

	reliability := float64(successes) / fetchProbes * 100

	latencyScore := 0.0
	if successes > 0 {
		avgLatencyMs = float64(totalLatency.Milliseconds()) / float64(successes)
		latencyScore = 100 - avgLatencyMs/2000*100
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	return 0.7*latencyScore + 0.3*reliability, successes, avgLatencyMs
}

// cpuScore asks for a fixed SHA-256 workload and grades the reported rate.
func (b *Benchmarker) cpuScore(ctx context.Context, base string) (score, hps float64) {
	body, err := b.post(ctx, base+"/benchmark/cpu", cpuTimeout, map[string]any{"iterations": cpuIterations})
	if err != nil {
		return 0, 0
	}

	var report struct {
		HashesPerSecond float64 `json:"hashes_per_second"`
	}
	if err := json.Unmarshal(body, &report); err != nil || report.HashesPerSecond <= 0 {
		return 0, 0
	}

	score = report.HashesPerSecond / float64(cpuIterations) * 50
	if score > 100 {
		score = 100
	}
	return score, report.HashesPerSecond
}

// memoryScore asks the node to allocate a fixed buffer and grades success
// plus how quickly it did so.
func (b *Benchmarker) memoryScore(ctx context.Context, base string) float64 {
	started := time.Now()
	body, err := b.post(ctx, base+"/benchmark/memory-test", memoryTimeout, map[string]any{"size_mb": memorySizeMB})
	if err != nil {
		return 0
	}

	var report struct {
		Success    bool    `json:"success"`
		DurationMs float64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(body, &report); err != nil || !report.Success {
		return 0
	}

	elapsedMs := report.DurationMs
	if elapsedMs <= 0 {
		elapsedMs = float64(time.Since(started).Milliseconds())
	}
	score := 100 - elapsedMs/float64(memoryTimeout.Milliseconds())*100
	if score < 0 {
		score = 0
	}
	return score
}

// post issues one probe and returns the body for 2xx responses.
func (b *Benchmarker) post(ctx context.Context, url string, timeout time.Duration, payload any) ([]byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return body, nil
}
