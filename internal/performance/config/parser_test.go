package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "seconds", input: "30s", expected: 30 * time.Second},
		{name: "minutes", input: "2m", expected: 2 * time.Minute},
		{name: "combined", input: "1h30m", expected: 90 * time.Minute},
		{name: "milliseconds", input: "500ms", expected: 500 * time.Millisecond},
		{name: "integer as seconds", input: "30", expected: 30 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationString(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseDurationString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseConfig_YAML(t *testing.T) {
	yamlData := `
name: "Order/User"
settings:
  baseUrl: "http://localhost:8080"
  timeout: 10s
scenarios:
  default:
    startVUs: 2
    stages:
      - duration: 2m
        target: 100
      - duration: 1m
        target: 0
    sleep: 1s
    requests:
      - name: "GET /order"
        url: "{{baseUrl}}/api/v1/order"
        assertions:
          - name: "GET /order status is 200"
            type: status
            condition: eq
            value: "200"
thresholds:
  checks:
    - "rate > 0.99"
`
	cfg, err := ParseConfig([]byte(yamlData), "test.yaml")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.Name != "Order/User" {
		t.Errorf("Name = %q, want Order/User", cfg.Name)
	}
	if cfg.Settings.Timeout.GetDuration(0) != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Settings.Timeout)
	}

	sc := cfg.Scenarios["default"]
	if sc == nil {
		t.Fatal("scenario 'default' not parsed")
	}
	if sc.StartVUs != 2 {
		t.Errorf("StartVUs = %d, want 2", sc.StartVUs)
	}
	if len(sc.Stages) != 2 || sc.Stages[0].Target != 100 {
		t.Errorf("Stages = %+v", sc.Stages)
	}
	if len(sc.Requests) != 1 || len(sc.Requests[0].Assertions) != 1 {
		t.Fatalf("Requests = %+v", sc.Requests)
	}
	if cfg.Thresholds == nil || len(cfg.Thresholds.Checks) != 1 {
		t.Errorf("Thresholds.Checks = %+v", cfg.Thresholds)
	}
}

func TestParseConfig_JSON(t *testing.T) {
	jsonData := `{
		"name": "json test",
		"settings": {"timeout": "5s"},
		"scenarios": {
			"smoke": {
				"executor": "per-vu-iterations",
				"vus": 2,
				"iterations": 3,
				"requests": [{"method": "get", "url": "/health"}]
			}
		}
	}`
	cfg, err := ParseConfig([]byte(jsonData), "test.json")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	sc := cfg.Scenarios["smoke"]
	if sc.Iterations != 3 || sc.VUs != 2 {
		t.Errorf("scenario = %+v", sc)
	}
	if cfg.Settings.Timeout.GetDuration(0) != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Settings.Timeout)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	data := `
scenarios:
  s:
    executor: constant-vus
    vus: 1
    duration: 1s
    requests:
      - url: /x
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if _, ok := cfg.Scenarios["s"]; !ok {
		t.Error("scenario 's' not loaded")
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/surge.yaml"); err == nil {
		t.Error("LoadConfig() should fail for a missing file")
	}
}

func TestParseStages(t *testing.T) {
	stages, err := ParseStages("2m:100, 5m:100, 1m:0")
	if err != nil {
		t.Fatalf("ParseStages() error = %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("len(stages) = %d, want 3", len(stages))
	}
	want := []StageConfig{
		{Duration: "2m", Target: 100, Name: "stage-1"},
		{Duration: "5m", Target: 100, Name: "stage-2"},
		{Duration: "1m", Target: 0, Name: "stage-3"},
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stages[%d] = %+v, want %+v", i, stages[i], want[i])
		}
	}
}

func TestParseStages_Errors(t *testing.T) {
	tests := []string{
		"",
		"2m",
		"abc:10",
		"2m:ten",
		"2m:-1",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			if _, err := ParseStages(input); err == nil {
				t.Errorf("ParseStages(%q) should fail", input)
			}
		})
	}
}

func TestScenarioDuration(t *testing.T) {
	sc := &ScenarioConfig{
		Stages: []StageConfig{
			{Duration: "2m", Target: 100},
			{Duration: "5m", Target: 100},
			{Duration: "1m", Target: 0},
		},
	}
	d, err := ScenarioDuration(sc)
	if err != nil {
		t.Fatalf("ScenarioDuration() error = %v", err)
	}
	if d != 8*time.Minute {
		t.Errorf("ScenarioDuration() = %v, want 8m", d)
	}

	sc = &ScenarioConfig{Duration: "30s"}
	if d, _ := ScenarioDuration(sc); d != 30*time.Second {
		t.Errorf("ScenarioDuration() = %v, want 30s", d)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &TestConfig{
		Scenarios: map[string]*ScenarioConfig{
			"ramp": {
				Stages:   []StageConfig{{Duration: "1m", Target: 10}},
				Requests: []RequestConfig{{URL: "/a"}, {Method: "post", URL: "/b"}},
			},
			"flat": {
				Duration: "10s",
				Requests: []RequestConfig{{URL: "/c"}},
			},
		},
	}

	ApplyDefaults(cfg)

	if cfg.Name != "surge test" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Settings.Timeout.GetDuration(0) != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Settings.Timeout)
	}
	if cfg.Options == nil {
		t.Error("Options should be initialized")
	}

	ramp := cfg.Scenarios["ramp"]
	if ramp.Executor != ExecutorRampingVUs {
		t.Errorf("ramp executor = %q", ramp.Executor)
	}
	if ramp.Requests[0].Method != "GET" || ramp.Requests[1].Method != "POST" {
		t.Errorf("methods = %q, %q", ramp.Requests[0].Method, ramp.Requests[1].Method)
	}
	if ramp.Requests[0].Name != "ramp_request_1" {
		t.Errorf("request name = %q", ramp.Requests[0].Name)
	}

	flat := cfg.Scenarios["flat"]
	if flat.Executor != ExecutorConstantVUs || flat.VUs != 1 {
		t.Errorf("flat = %+v", flat)
	}
}

func TestResolveVariables(t *testing.T) {
	vars := map[string]string{"baseUrl": "http://localhost:8080", "id": "42"}

	tests := []struct {
		input, want string
	}{
		{"{{baseUrl}}/api/v1/user/{{id}}", "http://localhost:8080/api/v1/user/42"},
		{"/no/vars", "/no/vars"},
		{"{{unknown}}", "{{unknown}}"},
	}
	for _, tt := range tests {
		if got := ResolveVariables(tt.input, vars); got != tt.want {
			t.Errorf("ResolveVariables(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMergeVariables(t *testing.T) {
	got := MergeVariables(
		map[string]string{"a": "1", "b": "1"},
		map[string]string{"b": "2"},
	)
	if got["a"] != "1" || got["b"] != "2" {
		t.Errorf("MergeVariables() = %v", got)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("Duration = %v, want 1m30s", d)
	}
	if err := d.UnmarshalJSON([]byte(`"nope"`)); err == nil {
		t.Error("UnmarshalJSON should reject invalid durations")
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := Duration(2 * time.Second).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"2s"` {
		t.Errorf("MarshalJSON() = %s", b)
	}
}
