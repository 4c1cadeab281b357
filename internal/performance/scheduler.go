package performance

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It owns the HTTP client configuration, the pool of spawned VUs and the
// shutdown coordination. Executors decide how many VUs run; the scheduler
// does the spawning, running and stopping.
type VUScheduler struct {
	scenario *Scenario
	metrics  *metrics.Engine

	httpClientConfig HTTPClientConfig

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	sharedClient *http.Client

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	runningWg    sync.WaitGroup
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UseSharedClient makes all VUs share one client and connection pool
	UseSharedClient bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		UseSharedClient:     true,
	}
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig) *VUScheduler {
	s := &VUScheduler{
		scenario:         scenario,
		metrics:          metricsEngine,
		httpClientConfig: httpConfig,
		vus:              make(map[int]*VirtualUser),
		shutdownCh:       make(chan struct{}),
	}

	if httpConfig.UseSharedClient {
		s.sharedClient = s.createHTTPClient()
	}

	return s
}

// Metrics returns the engine VUs record into.
func (s *VUScheduler) Metrics() *metrics.Engine {
	return s.metrics
}

func (s *VUScheduler) createHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        s.httpClientConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpClientConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.httpClientConfig.MaxConnsPerHost,
		IdleConnTimeout:     s.httpClientConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpClientConfig.DisableKeepAlives,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if s.httpClientConfig.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.httpClientConfig.Timeout,
	}
}

// SpawnVU creates and registers a new Virtual User. The caller runs it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	client := s.sharedClient
	if client == nil {
		client = s.createHTTPClient()
	}

	vu := NewVirtualUser(id, s.scenario, client, s.metrics)

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUs returns the VUs that have not stopped, oldest first.
func (s *VUScheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	result := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			result = append(result, vu)
		}
	}
	s.vusMu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// StopAllVUs asks every VU to stop after its current iteration.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// CancelAllVUs aborts every VU, including in-flight requests.
func (s *VUScheduler) CancelAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.Cancel()
	}
}

// RemoveVU forgets a VU. StartVU calls it when the VU goroutine exits.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		delete(s.vus, id)
	}
}

// WaitForAllVUs waits for every VU goroutine to exit. It returns the number
// of VUs still running when timeout expired.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			select {
			case <-vu.Done():
			default:
				notStopped++
			}
			continue
		}
		if !vu.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// RunOptions controls how RunVU loops.
type RunOptions struct {
	// MaxIterations stops the VU after this many iterations; 0 means no limit
	MaxIterations int64

	// Pacing returns the wait before the next iteration; nil means none
	Pacing func() time.Duration

	// OnIteration is called after every completed iteration
	OnIteration func(vu *VirtualUser, err error)
}

// StartVU runs vu in a new goroutine tracked by Shutdown. The VU is removed
// from the scheduler when the goroutine exits.
func (s *VUScheduler) StartVU(ctx context.Context, vu *VirtualUser, opts RunOptions) {
	s.runningWg.Add(1)
	go func() {
		defer s.runningWg.Done()
		s.RunVU(ctx, vu, opts)
		s.RemoveVU(vu.ID)
		s.UpdateMetrics()
	}()
}

// RunVU runs iterations on vu until it is stopped, cancelled, ctx is done or
// MaxIterations is reached. It blocks until the VU exits.
//
// Every completed iteration is recorded in the metrics engine, flagged as
// failed when RunIteration returned ErrIterationFailed. Iterations aborted by
// cancellation are not recorded.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser, opts RunOptions) {
	defer vu.MarkStopped()

	vuCtx := vu.Start(ctx)
	defer vu.Cancel()

	for {
		select {
		case <-vuCtx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-vu.Stopping():
			return
		default:
		}

		err := vu.RunIteration(vuCtx)
		if err != nil && !errors.Is(err, ErrIterationFailed) {
			// cancelled or stopped before the iteration could run
			return
		}

		s.metrics.RecordIteration(err != nil)
		if opts.OnIteration != nil {
			opts.OnIteration(vu, err)
		}

		if opts.MaxIterations > 0 && vu.GetIteration() >= opts.MaxIterations {
			return
		}

		if opts.Pacing != nil {
			if wait := opts.Pacing(); wait > 0 {
				vu.pause(vuCtx, wait)
			}
		}
	}
}

// Shutdown stops all VUs, waits up to timeout for the ones started with
// StartVU to finish their iteration, then cancels whatever is still running.
func (s *VUScheduler) Shutdown(timeout time.Duration) {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.runningWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.CancelAllVUs()
		<-done
	}

	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
	s.UpdateMetrics()
}

// UpdateMetrics publishes this scheduler's running VU count to the metrics
// engine. VUs asked to stop still count until their goroutine exits.
func (s *VUScheduler) UpdateMetrics() {
	s.metrics.SetScenarioVUs(s.scenario.Name, s.GetActiveVUCount())
}

// ScaleVUs spawns or stops VUs until target are active.
//
// New VUs are handed to onSpawn, which must start them. When scaling down
// the newest VUs are asked to stop first; they are returned so the caller
// can cancel them after a grace period.
func (s *VUScheduler) ScaleVUs(target int, onSpawn func(*VirtualUser)) []*VirtualUser {
	active := s.GetActiveVUs()

	running := active[:0:0]
	for _, vu := range active {
		if vu.GetState() != VUStateStopping {
			running = append(running, vu)
		}
	}

	var stopped []*VirtualUser
	switch {
	case target > len(running):
		for i := len(running); i < target; i++ {
			vu := s.SpawnVU()
			if onSpawn != nil {
				onSpawn(vu)
			}
		}
	case target < len(running):
		for i := len(running) - 1; i >= target; i-- {
			running[i].RequestStop()
			stopped = append(stopped, running[i])
		}
	}

	s.UpdateMetrics()
	return stopped
}
