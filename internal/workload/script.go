package workload

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/check"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/executor"
)

const (
	// DefaultBaseURL is where the target service listens by default.
	DefaultBaseURL = "http://localhost:8080"

	// DefaultSleep is the pause at the end of every iteration.
	DefaultSleep = time.Second

	// ScenarioName names the built-in scenario in results.
	ScenarioName = "order-user"

	CheckGetOrder = "GET /order status is 200"
	CheckPostUser = "POST /user status is 201"

	orderPath = "/api/v1/order"
	userPath  = "/api/v1/user"

	userBody = "{{ randomUser }}"
)

// DefaultStages returns the built-in profile: ramp to 100 VUs over 2m, hold
// for 5m, ramp down to 0 over 1m.
func DefaultStages() executor.Stages {
	return executor.Stages{
		{Duration: 2 * time.Minute, Target: 100, Name: "ramp-up"},
		{Duration: 5 * time.Minute, Target: 100, Name: "steady"},
		{Duration: 1 * time.Minute, Target: 0, Name: "ramp-down"},
	}
}

// Options tunes the built-in workload.
type Options struct {
	// BaseURL of the target service; DefaultBaseURL when empty
	BaseURL string

	// Stages of the load profile; DefaultStages when empty
	Stages executor.Stages

	// Sleep after each iteration; DefaultSleep when zero, none when negative
	Sleep time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if len(o.Stages) == 0 {
		o.Stages = DefaultStages()
	}
	if o.Sleep == 0 {
		o.Sleep = DefaultSleep
	}
	if o.Sleep < 0 {
		o.Sleep = 0
	}
	return o
}

// Funcs returns the body template functions the workload needs.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"randomUser": randomUserJSON,
	}
}

func randomUserJSON() (string, error) {
	b, err := json.Marshal(RandomUser())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Scenario builds the iteration body for direct use with a VUScheduler:
// GET the order endpoint, POST a generated user, then sleep.
func Scenario(opts Options) *performance.Scenario {
	opts = opts.withDefaults()

	return &performance.Scenario{
		Name:  ScenarioName,
		Sleep: opts.Sleep,
		Funcs: Funcs(),
		Requests: []*performance.RequestConfig{
			{
				Name:   "get_order",
				Method: http.MethodGet,
				URL:    opts.BaseURL + orderPath,
				Checks: check.Set{CheckGetOrder: check.StatusIs(http.StatusOK)},
			},
			{
				Name:    "post_user",
				Method:  http.MethodPost,
				URL:     opts.BaseURL + userPath,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    userBody,
				Checks:  check.Set{CheckPostUser: check.StatusIs(http.StatusCreated)},
			},
		},
	}
}

// TestConfig expresses the workload as an engine configuration. Run it with
// engine.WithFuncs(Funcs()).
func TestConfig(opts Options) *config.TestConfig {
	opts = opts.withDefaults()

	stages := make([]config.StageConfig, 0, len(opts.Stages))
	for _, s := range opts.Stages {
		stages = append(stages, config.StageConfig{
			Duration: s.Duration.String(),
			Target:   s.Target,
			Name:     s.Name,
		})
	}

	return &config.TestConfig{
		Name:        "order/user workload",
		Description: "GET /api/v1/order then POST /api/v1/user with a generated user",
		Settings: config.GlobalSettings{
			BaseURL: opts.BaseURL,
		},
		Scenarios: map[string]*config.ScenarioConfig{
			ScenarioName: {
				Executor: config.ExecutorRampingVUs,
				Stages:   stages,
				Sleep:    opts.Sleep.String(),
				Requests: []config.RequestConfig{
					{
						Name:   "get_order",
						Method: http.MethodGet,
						URL:    "{{baseUrl}}" + orderPath,
						Assertions: []config.AssertionConfig{
							{Name: CheckGetOrder, Type: "status", Condition: "eq", Value: strconv.Itoa(http.StatusOK)},
						},
					},
					{
						Name:    "post_user",
						Method:  http.MethodPost,
						URL:     "{{baseUrl}}" + userPath,
						Headers: map[string]string{"Content-Type": "application/json"},
						Body:    userBody,
						Assertions: []config.AssertionConfig{
							{Name: CheckPostUser, Type: "status", Condition: "eq", Value: strconv.Itoa(http.StatusCreated)},
						},
					},
				},
			},
		},
	}
}
