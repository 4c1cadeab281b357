package performance_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

func newTestScheduler(t *testing.T, handler http.HandlerFunc) (*performance.VUScheduler, *metrics.Engine) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	metricsEngine := metrics.NewEngine()
	t.Cleanup(metricsEngine.Stop)

	return performance.NewVUScheduler(createTestScenario(server.URL), metricsEngine, performance.DefaultHTTPClientConfig()), metricsEngine
}

func TestVUScheduler_SpawnVU(t *testing.T) {
	scheduler, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	vu1 := scheduler.SpawnVU()
	vu2 := scheduler.SpawnVU()

	if vu1.ID == vu2.ID {
		t.Error("VU IDs should be unique")
	}
	if vu1.HTTPClient != vu2.HTTPClient {
		t.Error("VUs should share the client by default")
	}
	if scheduler.GetVU(vu2.ID) != vu2 {
		t.Error("GetVU should return the spawned VU")
	}
	if scheduler.GetActiveVUCount() != 2 {
		t.Errorf("GetActiveVUCount() = %d, want 2", scheduler.GetActiveVUCount())
	}
}

func TestVUScheduler_PerVUClient(t *testing.T) {
	cfg := performance.DefaultHTTPClientConfig()
	cfg.UseSharedClient = false
	cfg.InsecureSkipVerify = true

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scheduler := performance.NewVUScheduler(&performance.Scenario{}, metricsEngine, cfg)
	if scheduler.SpawnVU().HTTPClient == scheduler.SpawnVU().HTTPClient {
		t.Error("VUs should get their own client when sharing is disabled")
	}
}

func TestVUScheduler_RunVUMaxIterations(t *testing.T) {
	scheduler, metricsEngine := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	var seen atomic.Int64
	vu := scheduler.SpawnVU()
	scheduler.RunVU(context.Background(), vu, performance.RunOptions{
		MaxIterations: 3,
		OnIteration: func(_ *performance.VirtualUser, err error) {
			if err != nil {
				t.Errorf("iteration error = %v", err)
			}
			seen.Add(1)
		},
	})

	if seen.Load() != 3 {
		t.Errorf("OnIteration called %d times, want 3", seen.Load())
	}
	if vu.GetState() != performance.VUStateStopped {
		t.Errorf("VU state = %v, want stopped", vu.GetState())
	}
	if snap := metricsEngine.GetSnapshot(); snap.Iterations != 3 || snap.FailedIterations != 0 {
		t.Errorf("iterations = %d (failed %d), want 3", snap.Iterations, snap.FailedIterations)
	}
}

func TestVUScheduler_IterationSpacing(t *testing.T) {
	scheduler, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	var last time.Time
	var minGap time.Duration = time.Hour
	vu := scheduler.SpawnVU()
	scheduler.RunVU(context.Background(), vu, performance.RunOptions{
		MaxIterations: 3,
		Pacing:        func() time.Duration { return 60 * time.Millisecond },
		OnIteration: func(*performance.VirtualUser, error) {
			now := time.Now()
			if !last.IsZero() && now.Sub(last) < minGap {
				minGap = now.Sub(last)
			}
			last = now
		},
	})

	if minGap < 60*time.Millisecond {
		t.Errorf("minimum gap between iterations = %v, want >= 60ms", minGap)
	}
}

func TestVUScheduler_ShutdownCancelsAfterTimeout(t *testing.T) {
	block := make(chan struct{})
	scheduler, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	for i := 0; i < 3; i++ {
		scheduler.StartVU(context.Background(), scheduler.SpawnVU(), performance.RunOptions{})
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		scheduler.Shutdown(100 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not cancel blocked VUs")
	}

	if n := scheduler.GetActiveVUCount(); n != 0 {
		t.Errorf("active VUs after Shutdown = %d, want 0", n)
	}
	if n := scheduler.WaitForAllVUs(10 * time.Millisecond); n != 0 {
		t.Errorf("WaitForAllVUs() = %d, want 0", n)
	}
}

func TestVUScheduler_ScaleVUs(t *testing.T) {
	scheduler, metricsEngine := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	var spawned []*performance.VirtualUser
	onSpawn := func(vu *performance.VirtualUser) { spawned = append(spawned, vu) }

	if stopped := scheduler.ScaleVUs(5, onSpawn); len(stopped) != 0 {
		t.Errorf("scale up stopped %d VUs", len(stopped))
	}
	if len(spawned) != 5 {
		t.Fatalf("spawned = %d, want 5", len(spawned))
	}
	if metricsEngine.GetActiveVUs() != 5 {
		t.Errorf("metrics VUs = %d, want 5", metricsEngine.GetActiveVUs())
	}

	stopped := scheduler.ScaleVUs(2, onSpawn)
	if len(stopped) != 3 {
		t.Fatalf("stopped = %d, want 3", len(stopped))
	}
	for _, vu := range stopped {
		if vu.ID <= 2 {
			t.Errorf("scale down should stop the newest VUs first, stopped VU %d", vu.ID)
		}
		if vu.GetState() != performance.VUStateStopping {
			t.Errorf("VU %d state = %v, want stopping", vu.ID, vu.GetState())
		}
	}

	// stopping VUs do not count toward the next scale-up
	scheduler.ScaleVUs(3, onSpawn)
	if len(spawned) != 6 {
		t.Errorf("spawned = %d, want 6", len(spawned))
	}
}

func TestVUScheduler_SharedMetricsSumScenarios(t *testing.T) {
	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	cfg := performance.DefaultHTTPClientConfig()
	browse := performance.NewVUScheduler(&performance.Scenario{Name: "browse"}, metricsEngine, cfg)
	checkout := performance.NewVUScheduler(&performance.Scenario{Name: "checkout"}, metricsEngine, cfg)

	browse.ScaleVUs(3, nil)
	checkout.ScaleVUs(2, nil)
	if got := metricsEngine.GetActiveVUs(); got != 5 {
		t.Errorf("metrics VUs = %d, want 5", got)
	}

	// stopping VUs keep counting until their goroutine exits
	browse.ScaleVUs(1, nil)
	if got := metricsEngine.GetActiveVUs(); got != 5 {
		t.Errorf("metrics VUs after scale down = %d, want 5", got)
	}

	for _, vu := range checkout.GetActiveVUs() {
		checkout.RemoveVU(vu.ID)
	}
	checkout.UpdateMetrics()
	if got := metricsEngine.GetActiveVUs(); got != 3 {
		t.Errorf("metrics VUs after checkout drained = %d, want 3", got)
	}
}
