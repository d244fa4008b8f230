package benchmark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func healthyNode(t *testing.T, hashesPerSecond float64, memoryOK bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/benchmark/fetch", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fetched":true}`))
	})
	mux.HandleFunc("/benchmark/cpu", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Iterations int `json:"iterations"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Iterations != cpuIterations {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"hashes_per_second": hashesPerSecond})
	})
	mux.HandleFunc("/benchmark/memory-test", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": memoryOK, "duration_ms": 120})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_HealthyNodeScoresHigh(t *testing.T) {
	srv := healthyNode(t, 20000, true) // 20k h/s caps the cpu score at 100
	b := New(zerolog.Nop())

	r := b.Run(context.Background(), srv.URL)

	if r.FetchSuccesses != fetchProbes {
		t.Errorf("fetch successes = %d, want %d", r.FetchSuccesses, fetchProbes)
	}
	if r.CPU != 100 {
		t.Errorf("cpu score = %g, want capped at 100", r.CPU)
	}
	if r.Memory <= 90 {
		t.Errorf("memory score = %g, want >90 for a 120ms allocation", r.Memory)
	}
	if r.Composite < PassThreshold {
		t.Errorf("composite = %g, want >= %g", r.Composite, PassThreshold)
	}
	if !r.Passed {
		t.Error("healthy node should pass")
	}
}

func TestRun_CPUScoreScalesWithRate(t *testing.T) {
	srv := healthyNode(t, 2500, true) // 2500/5000*50 = 25
	b := New(zerolog.Nop())

	r := b.Run(context.Background(), srv.URL)
	if r.CPU != 25 {
		t.Errorf("cpu score = %g, want 25", r.CPU)
	}
}

func TestRun_MemoryFailureScoresZero(t *testing.T) {
	srv := healthyNode(t, 20000, false)
	b := New(zerolog.Nop())

	r := b.Run(context.Background(), srv.URL)
	if r.Memory != 0 {
		t.Errorf("memory score = %g, want 0 on allocation failure", r.Memory)
	}
}

func TestRun_UnreachableEndpointScoresZero(t *testing.T) {
	b := New(zerolog.Nop())
	r := b.Run(context.Background(), "http://127.0.0.1:1")

	if r.Composite != 0 {
		t.Errorf("composite = %g, want 0 for unreachable endpoint", r.Composite)
	}
	if r.Passed {
		t.Error("unreachable endpoint must not pass")
	}
}

func TestRun_CompositeWeights(t *testing.T) {
	srv := healthyNode(t, 20000, true)
	b := New(zerolog.Nop())

	r := b.Run(context.Background(), srv.URL)
	want := weightFetch*r.Fetch + weightCPU*r.CPU + weightMemory*r.Memory
	if r.Composite != want {
		t.Errorf("composite = %g, want %g", r.Composite, want)
	}
}
