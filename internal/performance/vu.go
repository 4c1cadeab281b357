// Package performance runs virtual users: the goroutines that execute a
// scenario's requests in a loop against the target system.
package performance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/surge/internal/performance/check"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// ErrIterationFailed is returned by RunIteration when at least one request
// of the iteration failed at the transport level. The iteration still ran
// every request.
var ErrIterationFailed = errors.New("iteration failed")

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is in the middle of an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is a single simulated user executing scenario iterations.
//
// A VU has its own variable scope, iteration counter and cancellable
// context. RequestStop lets the current iteration finish; Cancel aborts it,
// including any request in flight.
type VirtualUser struct {
	ID int

	Scenario   *Scenario
	HTTPClient *http.Client
	Metrics    *metrics.Engine

	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled bool

	iteration atomic.Int64

	data   map[string]string
	dataMu sync.RWMutex
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, scenario *Scenario, httpClient *http.Client, metricsEngine *metrics.Engine) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: httpClient,
		Metrics:    metricsEngine,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		data:       make(map[string]string),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Start derives the VU's own context from parent. Requests issued by the VU
// use this context, so Cancel abandons them.
func (vu *VirtualUser) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	vu.cancelMu.Lock()
	defer vu.cancelMu.Unlock()
	if vu.cancel != nil {
		vu.cancel()
	}
	vu.cancel = cancel
	if vu.cancelled {
		cancel()
	}
	return ctx
}

// Cancel aborts the VU immediately, including in-flight requests.
func (vu *VirtualUser) Cancel() {
	vu.RequestStop()

	vu.cancelMu.Lock()
	defer vu.cancelMu.Unlock()
	vu.cancelled = true
	if vu.cancel != nil {
		vu.cancel()
	}
}

// Stopping returns a channel closed once RequestStop or Cancel was called.
func (vu *VirtualUser) Stopping() <-chan struct{} {
	return vu.stopCh
}

// Done returns a channel closed when the VU goroutine has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// RunIteration executes the scenario's requests in order, then sleeps for
// Scenario.Sleep.
//
// Check failures and HTTP error statuses are recorded and never stop the
// iteration. Transport errors are recorded as failed requests, the checks of
// that request are evaluated against a status-0 response, and the iteration
// moves on to the next request; the returned error then wraps
// ErrIterationFailed. A cancelled context aborts the iteration and returns
// the context error without recording the interrupted request.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	if s := vu.GetState(); s == VUStateStopping || s == VUStateStopped {
		return fmt.Errorf("VU %d is stopping or stopped", vu.ID)
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	vu.iteration.Add(1)

	var failures []error
	requests := vu.Scenario.Requests
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}

		result := vu.executeRequest(ctx, req)
		if result.Error != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		success := result.Error == nil && result.StatusCode < 400
		vu.Metrics.RecordLatency(result.Duration, req.Name, success, result.BytesReceived)

		resp := &check.Response{
			StatusCode: result.StatusCode,
			Header:     result.Header,
			Body:       result.ResponseBody,
			Duration:   result.Duration,
			Err:        result.Error,
		}
		for _, r := range req.Checks.Evaluate(resp) {
			vu.Metrics.RecordCheck(r.Name, r.Passed)
		}

		if result.Error != nil {
			slog.Debug("request failed",
				"vu", vu.ID, "iteration", vu.GetIteration(), "request", req.Name, "error", result.Error)
			failures = append(failures, fmt.Errorf("%s: %w", req.Name, result.Error))
		}

		if req.ThinkTime > 0 && i < len(requests)-1 {
			vu.pause(ctx, req.ThinkTime)
		}
	}

	if vu.Scenario.Sleep > 0 {
		vu.pause(ctx, vu.Scenario.Sleep)
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w: %w", ErrIterationFailed, errors.Join(failures...))
	}
	return nil
}

// executeRequest sends a single request and reads its response.
func (vu *VirtualUser) executeRequest(ctx context.Context, req *RequestConfig) *RequestResult {
	result := &RequestResult{
		VUID:        vu.ID,
		Iteration:   vu.iteration.Load(),
		RequestName: req.Name,
		StartTime:   time.Now(),
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := vu.buildRequest(ctx, req)
	if err != nil {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Error = fmt.Errorf("failed to build request: %w", err)
		return result
	}

	resp, err := vu.HTTPClient.Do(httpReq)
	if err != nil {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	if err != nil {
		result.Error = fmt.Errorf("failed to read response body: %w", err)
		return result
	}

	result.BytesReceived = int64(len(body))
	result.ResponseBody = body

	if len(req.Extract) > 0 {
		vu.extractVariables(req.Extract, resp, body)
	}

	return result
}

// buildRequest resolves variables, renders the body and builds the request.
func (vu *VirtualUser) buildRequest(ctx context.Context, req *RequestConfig) (*http.Request, error) {
	url := vu.resolveVariables(req.URL)

	var body io.Reader
	if req.Body != "" {
		rendered, err := vu.Scenario.templates().Render(req.Body, vu.templateData())
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		rendered = vu.resolveVariables(rendered)
		slog.Debug("request payload",
			"vu", vu.ID, "iteration", vu.GetIteration(), "request", req.Name, "body", rendered)
		body = strings.NewReader(rendered)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	for key, value := range vu.Scenario.Headers {
		httpReq.Header.Set(key, vu.resolveVariables(value))
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, vu.resolveVariables(value))
	}

	return httpReq, nil
}

// templateData is the dot value for body templates.
func (vu *VirtualUser) templateData() map[string]any {
	data := make(map[string]any, len(vu.Scenario.Variables)+4)
	for k, v := range vu.Scenario.Variables {
		data[k] = v
	}
	vu.dataMu.RLock()
	for k, v := range vu.data {
		data[k] = v
	}
	vu.dataMu.RUnlock()
	data["VU"] = vu.ID
	data["Iteration"] = vu.GetIteration()
	return data
}

// resolveVariables replaces {{name}} placeholders with VU data first, then
// scenario variables. __VU and __ITER expand to the VU id and iteration.
func (vu *VirtualUser) resolveVariables(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	vu.dataMu.RLock()
	result := config.ResolveVariables(input, vu.data)
	vu.dataMu.RUnlock()

	result = config.ResolveVariables(result, vu.Scenario.Variables)
	return config.ResolveVariables(result, map[string]string{
		"__VU":   strconv.Itoa(vu.ID),
		"__ITER": strconv.FormatInt(vu.GetIteration(), 10),
	})
}

// extractVariables stores values from the response in the VU's data.
func (vu *VirtualUser) extractVariables(extracts []config.ExtractConfig, resp *http.Response, body []byte) {
	for _, extract := range extracts {
		var value string

		switch extract.Source {
		case "header":
			value = resp.Header.Get(extract.Path)
		case "status":
			value = strconv.Itoa(resp.StatusCode)
		case "body":
			if extract.Path != "" {
				value = gjson.GetBytes(body, check.ToGJSONPath(extract.Path)).String()
			} else {
				value = string(body)
			}
		}

		if extract.Regex != "" {
			value = applyRegex(extract.Regex, value)
		}

		if value != "" {
			vu.SetData(extract.Name, value)
		}
	}
}

var (
	regexCache   = make(map[string]*regexp.Regexp)
	regexCacheMu sync.Mutex
)

// applyRegex returns the first submatch of pattern in s, or the whole match
// when the pattern has no groups.
func applyRegex(pattern, s string) string {
	regexCacheMu.Lock()
	re, ok := regexCache[pattern]
	if !ok {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			regexCacheMu.Unlock()
			return ""
		}
		regexCache[pattern] = re
	}
	regexCacheMu.Unlock()

	m := re.FindStringSubmatch(s)
	switch {
	case len(m) > 1:
		return m[1]
	case len(m) == 1:
		return m[0]
	default:
		return ""
	}
}

// pause waits for d, returning early when the VU is stopped or cancelled.
func (vu *VirtualUser) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-vu.stopCh:
	case <-timer.C:
	}
}

// RequestStop asks the VU to stop once its current iteration is done.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		for {
			s := vu.state.Load()
			if VUState(s) == VUStateStopped {
				break
			}
			if vu.state.CompareAndSwap(s, int32(VUStateStopping)) {
				break
			}
		}
		close(vu.stopCh)
	})
}

// WaitForStop waits for the VU to stop. It reports whether the VU stopped
// within timeout.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped. The goroutine running the VU
// calls it on exit.
func (vu *VirtualUser) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.doneOnce.Do(func() { close(vu.doneCh) })
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key, value string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (string, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// RequestResult contains the result of a single HTTP request.
type RequestResult struct {
	VUID          int           `json:"vuId"`
	Iteration     int64         `json:"iteration"`
	RequestName   string        `json:"requestName"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	Duration      time.Duration `json:"duration"`
	StatusCode    int           `json:"statusCode"`
	Header        http.Header   `json:"-"`
	BytesReceived int64         `json:"bytesReceived"`
	Error         error         `json:"-"`
	ResponseBody  []byte        `json:"-"`
}

// Scenario defines what a VU executes during each iteration.
type Scenario struct {
	Name string

	// Variables are substituted for {{name}} in URLs, headers and bodies
	Variables map[string]string

	// Headers are sent with every request; request headers override them
	Headers map[string]string

	// Requests run in order on every iteration
	Requests []*RequestConfig

	// Sleep is the pause after the last request of an iteration
	Sleep time.Duration

	// Funcs are extra body template functions
	Funcs template.FuncMap

	tmplOnce sync.Once
	tmpl     *TemplateEngine
}

func (s *Scenario) templates() *TemplateEngine {
	s.tmplOnce.Do(func() {
		s.tmpl = NewTemplateEngine(s.Funcs)
	})
	return s.tmpl
}

// CheckBodies parses every request body as a template.
func (s *Scenario) CheckBodies() error {
	for _, req := range s.Requests {
		if err := s.templates().Check(req.Body); err != nil {
			return fmt.Errorf("request %s: invalid body template: %w", req.Name, err)
		}
	}
	return nil
}

// RequestConfig defines a single HTTP request of a scenario.
type RequestConfig struct {
	// Name labels the request in metrics
	Name string

	Method string

	// URL supports {{var}} substitution
	URL string

	Headers map[string]string

	// Body supports text/template actions, then {{var}} substitution
	Body string

	// Timeout for this request; zero uses the client timeout
	Timeout time.Duration

	// ThinkTime is the pause after this request (not after the last one)
	ThinkTime time.Duration

	Extract []config.ExtractConfig

	// Checks are evaluated against every response
	Checks check.Set
}
