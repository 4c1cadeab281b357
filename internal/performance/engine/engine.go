// Package engine provides the main orchestrator for performance testing.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/check"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/executor"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Engine is the main orchestrator for performance testing.
//
// It coordinates:
//   - Configuration validation and defaults
//   - Scenario execution with their respective executors
//   - Metrics collection and aggregation
//   - Threshold evaluation
//
// An Engine runs once.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.NewEngine(cfg)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config *config.TestConfig

	// Metrics engine (shared across all scenarios)
	metricsEngine *metrics.Engine

	httpConfig performance.HTTPClientConfig

	// Extra body template functions for every scenario
	funcs template.FuncMap

	scenarios map[string]*ScenarioRunner
	mu        sync.RWMutex

	startTime time.Time
	running   bool
	ran       bool

	// stopRequested is applied to executors created after Stop was called
	stopRequested bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithFuncs adds body template functions to every scenario.
func WithFuncs(funcs template.FuncMap) Option {
	return func(e *Engine) {
		e.funcs = funcs
	}
}

// WithMetricsEngine makes the engine record into m instead of a private
// metrics engine, so callers can export metrics while the test runs.
func WithMetricsEngine(m *metrics.Engine) Option {
	return func(e *Engine) {
		e.metricsEngine = m
	}
}

// ScenarioRunner manages the execution of a single scenario.
type ScenarioRunner struct {
	Name      string
	Config    *config.ScenarioConfig
	Executor  executor.Executor
	Scheduler *performance.VUScheduler
	Scenario  *performance.Scenario
	Result    *ScenarioResult
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name             string            `json:"name"`
	Executor         string            `json:"executor"`
	Duration         time.Duration     `json:"duration"`
	Iterations       int64             `json:"iterations"`
	FailedIterations int64             `json:"failedIterations"`
	Metrics          *metrics.Snapshot `json:"metrics"`
	Error            string            `json:"error,omitempty"`
}

// RequestStats contains statistics for a specific request.
type RequestStats struct {
	Name    string               `json:"name"`
	Count   int64                `json:"count"`
	Latency metrics.LatencyStats `json:"latency"`
}

// CheckResult is the aggregated outcome of one named check.
type CheckResult struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// TestResult contains the complete test results.
type TestResult struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Scenarios map[string]*ScenarioResult `json:"scenarios"`

	// Aggregated metrics across all scenarios
	Metrics      *metrics.Snapshot       `json:"metrics"`
	TimeSeries   []*metrics.TimeBucket   `json:"timeSeries,omitempty"`
	Phases       []metrics.PhaseChange   `json:"phases,omitempty"`
	RequestStats map[string]RequestStats `json:"requestStats,omitempty"`
	Checks       []CheckResult           `json:"checks,omitempty"`

	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`

	// Error if the test failed catastrophically
	Error string `json:"error,omitempty"`
}

// NewEngine creates a new performance engine.
//
// The configuration is validated, then defaults are applied to it.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.ApplyDefaults(cfg)

	httpConfig := performance.HTTPClientConfig{
		Timeout:             time.Duration(cfg.Settings.Timeout),
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: cfg.Settings.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Settings.MaxConnectionsPerHost,
		IdleConnTimeout:     90 * time.Second,
		InsecureSkipVerify:  cfg.Settings.InsecureSkipVerify,
		UseSharedClient:     !cfg.Options.NoVUConnectionReuse,
	}

	e := &Engine{
		config:     cfg,
		httpConfig: httpConfig,
		scenarios:  make(map[string]*ScenarioRunner),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metricsEngine == nil {
		e.metricsEngine = metrics.NewEngine()
	}

	for name, sc := range cfg.Scenarios {
		scenario, err := e.createScenario(name, sc)
		if err == nil {
			err = scenario.CheckBodies()
		}
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: scenario %s: %w", name, err)
		}
	}

	return e, nil
}

// Run executes all scenarios and returns the test results.
//
// By default, all scenarios run concurrently. If Options.Sequential is true,
// scenarios run one at a time in name order.
//
// Cancelling ctx aborts every scenario; the partial result is still returned.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running || e.ran {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine has already been started")
	}
	e.running = true
	e.ran = true
	e.startTime = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	defer e.metricsEngine.Stop()

	e.metricsEngine.SetPhase(metrics.PhaseInit)

	if err := e.initializeScenarios(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize scenarios: %w", err)
	}

	slog.Info("starting test", "name", e.config.Name, "scenarios", len(e.scenarios))

	var scenarioResults map[string]*ScenarioResult
	var runErr error

	if e.config.Options != nil && e.config.Options.Sequential {
		scenarioResults, runErr = e.runScenariosSequentially(ctx)
	} else {
		scenarioResults, runErr = e.runScenariosConcurrently(ctx)
	}

	finalMetrics := e.metricsEngine.GetSnapshot()
	checkStats := e.metricsEngine.GetCheckStats()

	thresholdResults := EvaluateThresholds(e.config.Thresholds, finalMetrics)
	passed := runErr == nil
	for _, tr := range thresholdResults {
		if !tr.Passed {
			passed = false
			break
		}
	}

	result := &TestResult{
		Name:         e.config.Name,
		Description:  e.config.Description,
		StartTime:    e.startTime,
		EndTime:      time.Now(),
		Duration:     time.Since(e.startTime),
		Scenarios:    scenarioResults,
		Metrics:      finalMetrics,
		TimeSeries:   e.metricsEngine.GetTimeSeries(),
		Phases:       e.metricsEngine.GetPhaseHistory(),
		RequestStats: requestStats(e.metricsEngine.GetRequestStats()),
		Checks:       checkResults(checkStats),
		Passed:       passed,
		Thresholds:   thresholdResults,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	slog.Info("test finished", "name", e.config.Name, "passed", passed,
		"requests", finalMetrics.TotalRequests, "iterations", finalMetrics.Iterations)

	return result, runErr
}

func requestStats(perRequest map[string]metrics.LatencyStats) map[string]RequestStats {
	stats := make(map[string]RequestStats, len(perRequest))
	for name, latency := range perRequest {
		stats[name] = RequestStats{
			Name:    name,
			Count:   latency.Count,
			Latency: latency,
		}
	}
	return stats
}

func checkResults(stats []metrics.CheckStats) []CheckResult {
	if len(stats) == 0 {
		return nil
	}
	results := make([]CheckResult, 0, len(stats))
	for _, s := range stats {
		results = append(results, CheckResult{
			Name:   s.Name,
			Passes: s.Passes,
			Fails:  s.Fails,
			Rate:   s.Rate(),
		})
	}
	return results
}

// initializeScenarios creates executors and schedulers for all scenarios.
func (e *Engine) initializeScenarios(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, scenarioConfig := range e.config.Scenarios {
		scenario, err := e.createScenario(name, scenarioConfig)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}

		scheduler := performance.NewVUScheduler(scenario, e.metricsEngine, e.httpConfig)

		exec, _, err := executor.CreateExecutorFromScenarioConfig(ctx, name, scenarioConfig)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		if e.stopRequested {
			_ = exec.Stop(ctx)
		}

		e.scenarios[name] = &ScenarioRunner{
			Name:      name,
			Config:    scenarioConfig,
			Executor:  exec,
			Scheduler: scheduler,
			Scenario:  scenario,
		}
	}

	return nil
}

// createScenario creates a Scenario from the config.
func (e *Engine) createScenario(name string, sc *config.ScenarioConfig) (*performance.Scenario, error) {
	scenario := &performance.Scenario{
		Name:      name,
		Variables: config.MergeVariables(e.config.Variables, sc.Tags),
		Headers:   make(map[string]string),
		Funcs:     e.funcs,
	}

	if e.config.Settings.BaseURL != "" {
		scenario.Variables["baseUrl"] = e.config.Settings.BaseURL
		scenario.Variables["baseURL"] = e.config.Settings.BaseURL
	}

	if e.config.Settings.UserAgent != "" {
		scenario.Headers["User-Agent"] = e.config.Settings.UserAgent
	}
	for k, v := range e.config.Settings.Headers {
		scenario.Headers[k] = v
	}

	sleep, err := config.ParseDurationString(sc.Sleep)
	if err != nil {
		return nil, fmt.Errorf("invalid sleep: %w", err)
	}
	scenario.Sleep = sleep

	for i, req := range sc.Requests {
		reqConfig := &performance.RequestConfig{
			Name:    req.Name,
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
			Body:    req.Body,
			Extract: req.Extract,
		}

		if reqConfig.Name == "" {
			reqConfig.Name = fmt.Sprintf("%s_request_%d", name, i+1)
		}

		if reqConfig.Timeout, err = config.ParseDurationString(req.Timeout); err != nil {
			return nil, fmt.Errorf("request %s: invalid timeout: %w", reqConfig.Name, err)
		}
		if reqConfig.ThinkTime, err = config.ParseDurationString(req.ThinkTime); err != nil {
			return nil, fmt.Errorf("request %s: invalid think time: %w", reqConfig.Name, err)
		}

		if reqConfig.Checks, err = check.FromAssertions(req.Assertions); err != nil {
			return nil, fmt.Errorf("request %s: %w", reqConfig.Name, err)
		}

		scenario.Requests = append(scenario.Requests, reqConfig)
	}

	return scenario, nil
}

// runScenariosConcurrently runs all scenarios in parallel.
func (e *Engine) runScenariosConcurrently(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for name, runner := range e.runners() {
		wg.Add(1)
		go func(name string, runner *ScenarioRunner) {
			defer wg.Done()

			result, err := e.runScenario(ctx, runner)

			resultsMu.Lock()
			defer resultsMu.Unlock()
			results[name] = result
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("scenario %s failed: %w", name, err)
			}
		}(name, runner)
	}

	wg.Wait()
	return results, firstErr
}

// runScenariosSequentially runs all scenarios one at a time in name order.
func (e *Engine) runScenariosSequentially(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	runners := e.runners()

	names := make([]string, 0, len(runners))
	for name := range runners {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := e.runScenario(ctx, runners[name])
		results[name] = result

		if err != nil {
			return results, fmt.Errorf("scenario %s failed: %w", name, err)
		}
	}

	return results, nil
}

func (e *Engine) runners() map[string]*ScenarioRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()

	runners := make(map[string]*ScenarioRunner, len(e.scenarios))
	for name, runner := range e.scenarios {
		runners[name] = runner
	}
	return runners
}

// runScenario runs a single scenario.
func (e *Engine) runScenario(ctx context.Context, runner *ScenarioRunner) (*ScenarioResult, error) {
	startTime := time.Now()

	slog.Debug("running scenario", "scenario", runner.Name, "executor", runner.Executor.Type())

	err := runner.Executor.Run(ctx, runner.Scheduler, e.metricsEngine)
	stats := runner.Executor.GetStats()

	result := &ScenarioResult{
		Name:             runner.Name,
		Executor:         string(runner.Executor.Type()),
		Duration:         time.Since(startTime),
		Iterations:       stats.Iterations,
		FailedIterations: stats.FailedIterations,
		Metrics:          e.metricsEngine.GetSnapshot(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	runner.Result = result
	return result, err
}

// GetConfig returns the test configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// Metrics returns the metrics engine the test records into.
func (e *Engine) Metrics() *metrics.Engine {
	return e.metricsEngine
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	return e.metricsEngine.GetSnapshot()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop asks every scenario to finish. VUs complete their current iteration.
// A Stop that arrives before the scenarios exist applies to them once they
// are created.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()

	var lastErr error
	for _, runner := range e.runners() {
		if err := runner.Executor.Stop(ctx); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// MaxVUs returns the most VUs the test can run at once: the sum over
// scenarios when they run concurrently, the largest one otherwise.
func (e *Engine) MaxVUs() int {
	sequential := e.config.Options != nil && e.config.Options.Sequential

	total := 0
	for name, sc := range e.config.Scenarios {
		cfg, err := executor.ConfigFromScenario(name, sc)
		if err != nil {
			continue
		}
		n := executor.CalculateMaxVUs(cfg)
		switch {
		case !sequential:
			total += n
		case n > total:
			total = n
		}
	}
	return total
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	runners := e.runners()
	if len(runners) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range runners {
		totalProgress += runner.Executor.GetProgress()
	}

	return totalProgress / float64(len(runners))
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	stats := make(map[string]*executor.Stats)
	for name, runner := range e.runners() {
		stats[name] = runner.Executor.GetStats()
	}
	return stats
}
