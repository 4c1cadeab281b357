package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects and aggregates run metrics.
//
// Latencies go into HDR histograms (overall and per request name), counters
// are atomic, and a background emitter closes a TimeBucket every
// BucketInterval whether or not requests completed.
//
// Engine is safe for concurrent use.
type Engine struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	requestHists   map[string]*hdrhistogram.Histogram
	requestHistsMu sync.RWMutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalBytes      atomic.Int64

	iterations       atomic.Int64
	failedIterations atomic.Int64

	checks   map[string]*checkCounter
	checksMu sync.RWMutex

	activeVUs atomic.Int32

	// VU counts per reporting scenario; activeVUs is their sum
	scenarioVUs   map[string]int
	scenarioVUsMu sync.Mutex

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

type checkCounter struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine and starts its emitter.
func NewEngineWithConfig(config EngineConfig) *Engine {
	defaults := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = defaults.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = defaults.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = defaults.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = defaults.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		latencyHist:   hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		requestHists:  make(map[string]*hdrhistogram.Histogram),
		checks:        make(map[string]*checkCounter),
		scenarioVUs:   make(map[string]int),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}

	engine.emitterWg.Add(1)
	go engine.runEmitter()

	return engine
}

// RecordLatency records one HTTP request.
//
// requestName selects the per-request histogram; an empty name only feeds
// the overall one. A request is successful when it got a response with a
// status below 400.
func (e *Engine) RecordLatency(duration time.Duration, requestName string, success bool, bytes int64) {
	latencyMicros := duration.Microseconds()
	if latencyMicros < e.config.HistogramMin {
		latencyMicros = e.config.HistogramMin
	}
	if latencyMicros > e.config.HistogramMax {
		latencyMicros = e.config.HistogramMax
	}

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(latencyMicros)
	e.latencyHistMu.Unlock()

	if requestName != "" {
		e.recordRequestHistogram(requestName, latencyMicros)
	}

	e.totalRequests.Add(1)
	e.totalBytes.Add(bytes)
	if success {
		e.successRequests.Add(1)
	} else {
		e.failedRequests.Add(1)
	}

	e.bucketStore.RecordRequest(success)
}

// HDR histogram RecordValue is not thread-safe.
func (e *Engine) recordRequestHistogram(name string, latencyMicros int64) {
	e.requestHistsMu.Lock()
	defer e.requestHistsMu.Unlock()

	hist, exists := e.requestHists[name]
	if !exists {
		hist = hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs)
		e.requestHists[name] = hist
	}
	_ = hist.RecordValue(latencyMicros)
}

// RecordCheck records the outcome of a named check.
func (e *Engine) RecordCheck(name string, passed bool) {
	e.checksMu.RLock()
	c, ok := e.checks[name]
	e.checksMu.RUnlock()

	if !ok {
		e.checksMu.Lock()
		if c, ok = e.checks[name]; !ok {
			c = &checkCounter{}
			e.checks[name] = c
		}
		e.checksMu.Unlock()
	}

	if passed {
		c.passes.Add(1)
	} else {
		c.fails.Add(1)
	}
}

// RecordIteration records a finished iteration. An iteration failed when any
// of its requests hit a transport error.
func (e *Engine) RecordIteration(failed bool) {
	e.iterations.Add(1)
	if failed {
		e.failedIterations.Add(1)
	}
	e.bucketStore.RecordIteration()
}

// GetCheckStats returns per-check counters ordered by name.
func (e *Engine) GetCheckStats() []CheckStats {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	result := make([]CheckStats, 0, len(e.checks))
	for name, c := range e.checks {
		result = append(result, CheckStats{
			Name:   name,
			Passes: c.passes.Load(),
			Fails:  c.fails.Load(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// checkTotals sums passes and fails over every check.
func (e *Engine) checkTotals() (passes, fails int64) {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	for _, c := range e.checks {
		passes += c.passes.Load()
		fails += c.fails.Load()
	}
	return passes, fails
}

// SetPhase updates the current phase and records the transition.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// SetActiveVUs updates the active VU count.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
}

// SetScenarioVUs records the running VU count of one scenario. The active
// VU count becomes the sum over every scenario reported so far.
func (e *Engine) SetScenarioVUs(scenario string, count int) {
	e.scenarioVUsMu.Lock()
	defer e.scenarioVUsMu.Unlock()

	e.scenarioVUs[scenario] = count
	total := 0
	for _, n := range e.scenarioVUs {
		total += n
	}
	e.activeVUs.Store(int32(total))
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	latencies := e.GetLatencyPercentiles()

	e.bucketStore.CreateBucket(TimeBucket{
		TotalRequests:   e.totalRequests.Load(),
		TotalSuccesses:  e.successRequests.Load(),
		TotalFailures:   e.failedRequests.Load(),
		TotalBytes:      e.totalBytes.Load(),
		TotalIterations: e.iterations.Load(),
		LatencyMin:      latencies.Min,
		LatencyMax:      latencies.Max,
		LatencyP50:      latencies.P50,
		LatencyP90:      latencies.P90,
		LatencyP95:      latencies.P95,
		LatencyP99:      latencies.P99,
		ActiveVUs:       e.GetActiveVUs(),
		Phase:           e.GetPhase(),
	})
}

// GetLatencyPercentiles returns current overall latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func statsFromHistogram(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latencyStats := statsFromHistogram(e.latencyHist)
	e.latencyHistMu.Unlock()

	elapsed := time.Since(e.startTime)
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()

	overallRPS := 0.0
	if elapsed.Seconds() > 0 {
		overallRPS = float64(totalReqs) / elapsed.Seconds()
	}

	// Steady-state RPS excludes ramp periods when the profile has one.
	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()
	rps := overallRPS
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	checksPassed, checksFailed := e.checkTotals()
	checksRate := 0.0
	if total := checksPassed + checksFailed; total > 0 {
		checksRate = float64(checksPassed) / float64(total)
	}

	return &Snapshot{
		TotalRequests:    totalReqs,
		SuccessRequests:  e.successRequests.Load(),
		FailedRequests:   failedReqs,
		TotalBytes:       e.totalBytes.Load(),
		Latency:          latencyStats,
		RPS:              rps,
		SteadyStateRPS:   steadyRPS,
		ErrorRate:        errorRate,
		Iterations:       e.iterations.Load(),
		FailedIterations: e.failedIterations.Load(),
		ChecksPassed:     checksPassed,
		ChecksFailed:     checksFailed,
		ChecksRate:       checksRate,
		ActiveVUs:        e.GetActiveVUs(),
		CurrentPhase:     e.GetPhase(),
		Elapsed:          elapsed,
		StartTime:        e.startTime,
		Timestamp:        time.Now(),
	}
}

// GetTimeSeries returns all retained time buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// GetRequestStats returns latency statistics per request name.
func (e *Engine) GetRequestStats() map[string]LatencyStats {
	e.requestHistsMu.RLock()
	defer e.requestHistsMu.RUnlock()

	result := make(map[string]LatencyStats, len(e.requestHists))
	for name, hist := range e.requestHists {
		result[name] = statsFromHistogram(hist)
	}
	return result
}

// Stop stops the emitter and closes a final bucket. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

// Reset resets all metrics to their initial state.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.requestHistsMu.Lock()
	e.requestHists = make(map[string]*hdrhistogram.Histogram)
	e.requestHistsMu.Unlock()

	e.checksMu.Lock()
	e.checks = make(map[string]*checkCounter)
	e.checksMu.Unlock()

	e.totalRequests.Store(0)
	e.successRequests.Store(0)
	e.failedRequests.Store(0)
	e.totalBytes.Store(0)
	e.iterations.Store(0)
	e.failedIterations.Store(0)
	e.scenarioVUsMu.Lock()
	e.scenarioVUs = make(map[string]int)
	e.activeVUs.Store(0)
	e.scenarioVUsMu.Unlock()

	e.phaseMu.Lock()
	e.currentPhase = PhaseInit
	e.phaseHistory = nil
	e.phaseMu.Unlock()

	e.bucketStore.Reset()
	e.startTime = time.Now()
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	TotalRequests    int64         `json:"totalRequests"`
	SuccessRequests  int64         `json:"successRequests"`
	FailedRequests   int64         `json:"failedRequests"`
	TotalBytes       int64         `json:"totalBytes"`
	Latency          LatencyStats  `json:"latency"`
	RPS              float64       `json:"rps"`
	SteadyStateRPS   float64       `json:"steadyStateRps"`
	ErrorRate        float64       `json:"errorRate"`
	Iterations       int64         `json:"iterations"`
	FailedIterations int64         `json:"failedIterations"`
	ChecksPassed     int64         `json:"checksPassed"`
	ChecksFailed     int64         `json:"checksFailed"`
	ChecksRate       float64       `json:"checksRate"`
	ActiveVUs        int           `json:"activeVUs"`
	CurrentPhase     Phase         `json:"currentPhase"`
	Elapsed          time.Duration `json:"elapsed"`
	StartTime        time.Time     `json:"startTime"`
	Timestamp        time.Time     `json:"timestamp"`
}
