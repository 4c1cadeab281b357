package performance_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"text/template"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/check"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

func createTestScenario(serverURL string) *performance.Scenario {
	return &performance.Scenario{
		Name:      "test-scenario",
		Variables: map[string]string{"baseUrl": serverURL},
		Requests: []*performance.RequestConfig{
			{
				Name:   "test-request",
				Method: "GET",
				URL:    "{{baseUrl}}/ok",
				Checks: check.Set{"status is 200": check.StatusIs(200)},
			},
		},
	}
}

func createTestVU(scenario *performance.Scenario, metricsEngine *metrics.Engine) *performance.VirtualUser {
	client := &http.Client{Timeout: 5 * time.Second}
	return performance.NewVirtualUser(1, scenario, client, metricsEngine)
}

func TestNewVirtualUser(t *testing.T) {
	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	vu := createTestVU(createTestScenario("http://localhost"), metricsEngine)

	if vu.ID != 1 {
		t.Errorf("VU ID = %d, want 1", vu.ID)
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("Initial VU state = %v, want %v", vu.GetState(), performance.VUStateIdle)
	}
	if vu.GetIteration() != 0 {
		t.Errorf("Initial iteration = %d, want 0", vu.GetIteration())
	}
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state performance.VUState
		want  string
	}{
		{performance.VUStateIdle, "idle"},
		{performance.VUStateRunning, "running"},
		{performance.VUStateStopping, "stopping"},
		{performance.VUStateStopped, "stopped"},
		{performance.VUState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("VUState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVirtualUser_RunIteration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	vu := createTestVU(createTestScenario(server.URL), metricsEngine)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("state after iteration = %v, want idle", vu.GetState())
	}
	if vu.GetIteration() != 1 {
		t.Errorf("iteration = %d, want 1", vu.GetIteration())
	}

	snap := metricsEngine.GetSnapshot()
	if snap.TotalRequests != 1 || snap.SuccessRequests != 1 {
		t.Errorf("requests = %d/%d", snap.SuccessRequests, snap.TotalRequests)
	}

	stats := metricsEngine.GetCheckStats()
	if len(stats) != 1 || stats[0].Passes != 1 {
		t.Errorf("check stats = %+v", stats)
	}
}

func TestVirtualUser_FailedCheckDoesNotStopIteration(t *testing.T) {
	var postCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			postCalls.Add(1)
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := &performance.Scenario{
		Requests: []*performance.RequestConfig{
			{Name: "get", Method: "GET", URL: server.URL, Checks: check.Set{"get 200": check.StatusIs(200)}},
			{Name: "post", Method: "POST", URL: server.URL, Checks: check.Set{"post 201": check.StatusIs(201)}},
		},
	}
	vu := createTestVU(scenario, metricsEngine)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("HTTP error statuses must not fail the iteration: %v", err)
	}
	if postCalls.Load() != 1 {
		t.Errorf("POST calls = %d, want 1", postCalls.Load())
	}

	stats := metricsEngine.GetCheckStats()
	if len(stats) != 2 {
		t.Fatalf("check stats = %+v", stats)
	}
	if stats[0].Name != "get 200" || stats[0].Fails != 1 {
		t.Errorf("get check = %+v", stats[0])
	}
	if stats[1].Name != "post 201" || stats[1].Passes != 1 {
		t.Errorf("post check = %+v", stats[1])
	}

	snap := metricsEngine.GetSnapshot()
	if snap.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1 (the 404)", snap.FailedRequests)
	}
}

func TestVirtualUser_TransportError(t *testing.T) {
	var reached atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	// A closed listener refuses connections.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := &performance.Scenario{
		Requests: []*performance.RequestConfig{
			{Name: "refused", Method: "GET", URL: deadURL, Checks: check.Set{"refused 200": check.StatusIs(200)}},
			{Name: "next", Method: "POST", URL: server.URL},
		},
	}
	vu := createTestVU(scenario, metricsEngine)

	err := vu.RunIteration(context.Background())
	if !errors.Is(err, performance.ErrIterationFailed) {
		t.Fatalf("RunIteration() error = %v, want ErrIterationFailed", err)
	}
	if reached.Load() != 1 {
		t.Error("iteration should continue to the next request after a transport error")
	}

	stats := metricsEngine.GetCheckStats()
	if len(stats) != 1 || stats[0].Fails != 1 {
		t.Errorf("checks on transport error = %+v", stats)
	}
	if snap := metricsEngine.GetSnapshot(); snap.FailedRequests != 1 || snap.TotalRequests != 2 {
		t.Errorf("requests failed/total = %d/%d", snap.FailedRequests, snap.TotalRequests)
	}
}

func TestVirtualUser_SleepAfterRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := createTestScenario(server.URL)
	scenario.Sleep = 150 * time.Millisecond
	vu := createTestVU(scenario, metricsEngine)

	start := time.Now()
	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("iteration took %v, want at least the 150ms sleep", elapsed)
	}
}

func TestVirtualUser_SleepInterruptedByStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := createTestScenario(server.URL)
	scenario.Sleep = 10 * time.Second
	vu := createTestVU(scenario, metricsEngine)

	go func() {
		time.Sleep(50 * time.Millisecond)
		vu.RequestStop()
	}()

	start := time.Now()
	_ = vu.RunIteration(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stop did not interrupt sleep, iteration took %v", elapsed)
	}
}

func TestVirtualUser_CancelAbandonsInFlightRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	vu := createTestVU(createTestScenario(server.URL), metricsEngine)
	ctx := vu.Start(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- vu.RunIteration(ctx) }()

	time.Sleep(50 * time.Millisecond)
	vu.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunIteration() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not abort the in-flight request")
	}

	if snap := metricsEngine.GetSnapshot(); snap.TotalRequests != 0 {
		t.Errorf("an abandoned request must not be recorded, got %d", snap.TotalRequests)
	}
}

func TestVirtualUser_CancelBeforeStart(t *testing.T) {
	vu := performance.NewVirtualUser(1, &performance.Scenario{}, http.DefaultClient, nil)
	vu.Cancel()

	ctx := vu.Start(context.Background())
	if ctx.Err() == nil {
		t.Error("Start after Cancel should return a cancelled context")
	}
}

func TestVirtualUser_BodyTemplate(t *testing.T) {
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(string(body) + "|" + r.Header.Get("Content-Type") + "|" + r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := &performance.Scenario{
		Variables: map[string]string{"baseUrl": server.URL, "team": "qa"},
		Headers:   map[string]string{"User-Agent": "surge/1.0"},
		Funcs: template.FuncMap{
			"greeting": func() string { return "hello" },
		},
		Requests: []*performance.RequestConfig{
			{
				Name:    "post",
				Method:  "POST",
				URL:     "{{baseUrl}}/api/v1/user",
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    `{"team":"{{team}}","msg":"{{greeting}}","code":"{{randomString 5}}","vu":{{.VU}}}`,
			},
		},
	}
	vu := createTestVU(scenario, metricsEngine)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(got.Load().(string), "|")
	body := parts[0]
	if !strings.HasPrefix(body, `{"team":"qa","msg":"hello","code":"`) || !strings.HasSuffix(body, `","vu":1}`) {
		t.Errorf("rendered body = %s", body)
	}
	if len(body) != len(`{"team":"qa","msg":"hello","code":"abcde","vu":1}`) {
		t.Errorf("randomString 5 produced wrong length: %s", body)
	}
	if parts[1] != "application/json" || parts[2] != "surge/1.0" {
		t.Errorf("headers = %v", parts[1:])
	}
}

func TestVirtualUser_ExtractVariables(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/user":
			w.Header().Set("X-Trace", "trace-77")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"abc-123","name":"User_x"}`))
		case "/api/v1/user/abc-123":
			w.Write([]byte(`{"id":"abc-123"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := &performance.Scenario{
		Requests: []*performance.RequestConfig{
			{
				Name:   "create",
				Method: "POST",
				URL:    server.URL + "/api/v1/user",
				Extract: []config.ExtractConfig{
					{Name: "userId", Source: "body", Path: "$.id"},
					{Name: "trace", Source: "header", Path: "X-Trace", Regex: `trace-(\d+)`},
					{Name: "code", Source: "status"},
				},
			},
			{
				Name:   "fetch",
				Method: "GET",
				URL:    server.URL + "/api/v1/user/{{userId}}",
				Checks: check.Set{"fetch 200": check.StatusIs(200)},
			},
		},
	}
	vu := createTestVU(scenario, metricsEngine)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{"userId": "abc-123", "trace": "77", "code": "201"}
	for k, v := range want {
		if got, _ := vu.GetData(k); got != v {
			t.Errorf("data[%s] = %q, want %q", k, got, v)
		}
	}
	if stats := metricsEngine.GetCheckStats(); len(stats) != 1 || stats[0].Passes != 1 {
		t.Errorf("extracted variable not substituted: %+v", stats)
	}
}

func TestVirtualUser_BodyPlaceholderWithoutValue(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.URL.Path == "/login" {
			w.Write([]byte(`{"token":"{{ .Secret }}"}`))
		}
	}))
	defer server.Close()

	metricsEngine := metrics.NewEngine()
	defer metricsEngine.Stop()

	scenario := &performance.Scenario{
		Requests: []*performance.RequestConfig{
			{
				Name:    "login",
				Method:  "POST",
				URL:     server.URL + "/login",
				Body:    `{"token":"{{token}}"}`,
				Extract: []config.ExtractConfig{{Name: "token", Source: "body", Path: "$.token"}},
			},
			{
				Name:   "echo",
				Method: "POST",
				URL:    server.URL + "/echo",
				Body:   `{"token":"{{token}}","vu":{{.VU}}}`,
			},
		},
	}
	if err := scenario.CheckBodies(); err != nil {
		t.Fatalf("CheckBodies() = %v", err)
	}
	vu := createTestVU(scenario, metricsEngine)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		`{"token":"{{token}}"}`,
		`{"token":"{{ .Secret }}","vu":1}`,
	}
	if len(bodies) != len(want) {
		t.Fatalf("server got %d requests, want %d", len(bodies), len(want))
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Errorf("body[%d] = %s, want %s", i, bodies[i], want[i])
		}
	}
}

func TestScenario_CheckBodies(t *testing.T) {
	scenario := &performance.Scenario{
		Requests: []*performance.RequestConfig{
			{Name: "broken", Method: "POST", URL: "http://localhost", Body: `{{range .items}}`},
		},
	}

	err := scenario.CheckBodies()
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("CheckBodies() = %v, want error naming the request", err)
	}
}

func TestVirtualUser_RequestStop(t *testing.T) {
	vu := performance.NewVirtualUser(1, &performance.Scenario{}, http.DefaultClient, nil)

	vu.RequestStop()
	vu.RequestStop()

	if vu.GetState() != performance.VUStateStopping {
		t.Errorf("state = %v, want stopping", vu.GetState())
	}
	select {
	case <-vu.Stopping():
	default:
		t.Error("Stopping() channel should be closed")
	}

	if err := vu.RunIteration(context.Background()); err == nil {
		t.Error("RunIteration should refuse to run on a stopping VU")
	}

	vu.MarkStopped()
	vu.MarkStopped()
	if !vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop should return true after MarkStopped")
	}
}
