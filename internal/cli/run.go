package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/executor"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/output"
	"github.com/wesleyorama2/surge/internal/storage"
	"github.com/wesleyorama2/surge/internal/workload"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run the built-in order/user workload, or a test from a configuration file.

Built-in workload (GET /api/v1/order, POST /api/v1/user, sleep 1s):
  surge run --base-url http://localhost:8080 --stages "2m:100,5m:100,1m:0"

Config file mode:
  surge run --config test.yaml

Every flag can also be set through the environment, e.g. SURGE_BASE_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			return runTest(cmdContext(cmd), cmd.OutOrStdout(), runOptionsFrom(v))
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "Test configuration file (YAML or JSON)")
	flags.String("base-url", "", "Base URL of the target service (default "+workload.DefaultBaseURL+" for the built-in workload)")
	flags.String("stages", "", "Stages in format 'duration:target,...' (built-in workload)")
	flags.Duration("sleep", workload.DefaultSleep, "Sleep after each iteration (built-in workload)")
	flags.BoolP("quiet", "q", false, "Disable live progress output, show only final summary")
	flags.Bool("json", false, "Print the result as JSON")
	flags.String("output", "", "Write the result as JSON to this file")
	flags.Bool("history", false, "Record the run in the history database")
	flags.String("history-file", "", "History database path (default ~/.surge/history.db)")
	flags.String("prometheus-addr", "", "Serve live load metrics for Prometheus on this address, e.g. :9464")

	return cmd
}

// runOptions holds the resolved run command settings.
type runOptions struct {
	ConfigFile     string
	BaseURL        string
	Stages         string
	Sleep          time.Duration
	Quiet          bool
	JSON           bool
	Output         string
	History        bool
	HistoryFile    string
	PrometheusAddr string

	// updateInterval overrides the console refresh rate
	updateInterval time.Duration
}

func runOptionsFrom(v *viper.Viper) runOptions {
	return runOptions{
		ConfigFile:     v.GetString("config"),
		BaseURL:        v.GetString("base-url"),
		Stages:         v.GetString("stages"),
		Sleep:          v.GetDuration("sleep"),
		Quiet:          v.GetBool("quiet"),
		JSON:           v.GetBool("json"),
		Output:         v.GetString("output"),
		History:        v.GetBool("history"),
		HistoryFile:    v.GetString("history-file"),
		PrometheusAddr: v.GetString("prometheus-addr"),
	}
}

// buildTestConfig loads the configuration file, or builds the built-in
// workload when there is none.
func buildTestConfig(opts runOptions) (*config.TestConfig, error) {
	if opts.ConfigFile != "" {
		cfg, err := config.LoadConfig(opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if opts.BaseURL != "" {
			cfg.Settings.BaseURL = opts.BaseURL
		}
		return cfg, nil
	}

	wopts := workload.Options{
		BaseURL: opts.BaseURL,
		Sleep:   opts.Sleep,
	}
	if opts.Sleep == 0 {
		wopts.Sleep = -1
	}
	if opts.Stages != "" {
		stages, err := parseStages(opts.Stages)
		if err != nil {
			return nil, fmt.Errorf("invalid stages format: %w", err)
		}
		wopts.Stages = stages
	}
	return workload.TestConfig(wopts), nil
}

// parseStages parses the compact "30s:10,2m:10,30s:0" form.
func parseStages(s string) (executor.Stages, error) {
	parsed, err := config.ParseStages(s)
	if err != nil {
		return nil, err
	}

	stages := make(executor.Stages, 0, len(parsed))
	for _, sc := range parsed {
		d, err := config.ParseDurationString(sc.Duration)
		if err != nil {
			return nil, err
		}
		stages = append(stages, executor.Stage{Duration: d, Target: sc.Target, Name: sc.Name})
	}
	return stages, nil
}

func executorName(cfg *config.TestConfig) string {
	if len(cfg.Scenarios) == 1 {
		for _, sc := range cfg.Scenarios {
			return sc.Executor
		}
	}
	return fmt.Sprintf("%d scenarios", len(cfg.Scenarios))
}

// runTest executes a load test and reports it. It returns ErrTestFailed when
// the run errors or a threshold fails.
func runTest(ctx context.Context, out io.Writer, opts runOptions) error {
	testConfig, err := buildTestConfig(opts)
	if err != nil {
		return err
	}

	metricsEngine := metrics.NewEngine()
	eng, err := engine.NewEngine(testConfig,
		engine.WithFuncs(workload.Funcs()),
		engine.WithMetricsEngine(metricsEngine),
	)
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}

	if opts.PrometheusAddr != "" {
		stop, err := servePrometheus(opts.PrometheusAddr, metricsEngine, testConfig.Name)
		if err != nil {
			return err
		}
		defer stop()
	}

	totalDuration := testConfig.TotalDuration()
	targetVUs := eng.MaxVUs()

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:       testConfig.Name,
		ExecutorType:   executorName(testConfig),
		TotalDuration:  totalDuration,
		UpdateInterval: opts.updateInterval,
		Writer:         out,
		Quiet:          opts.Quiet,
	})
	console.PrintHeader()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var result *engine.TestResult
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = eng.Run(runCtx)
	}()

	ticker := time.NewTicker(console.UpdateInterval())
	defer ticker.Stop()

	stopping := false
progressLoop:
	for {
		select {
		case <-done:
			break progressLoop
		case <-sigCh:
			if stopping {
				slog.Warn("second interrupt, aborting")
				cancel()
				continue
			}
			stopping = true
			slog.Info("interrupt received, finishing current iterations")
			go func() { _ = eng.Stop(runCtx) }()
		case <-ticker.C:
			if !eng.IsRunning() {
				continue
			}
			current, total := stageInfo(eng.GetScenarioStats())
			stats := output.StatsFromMetrics(eng.GetMetrics(), eng.GetProgress(), totalDuration, targetVUs, current, total)
			if console.IsTTY() {
				console.Update(stats)
			} else if !opts.Quiet {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}

	if runErr != nil {
		slog.Error("test run failed", "error", runErr)
	}

	console.PrintSummary(result)

	if result != nil {
		if err := reportResult(out, result, opts); err != nil {
			return err
		}
	}

	if runErr != nil || result == nil || !result.Passed {
		return ErrTestFailed
	}
	return nil
}

// reportResult writes JSON output and the history record.
func reportResult(out io.Writer, result *engine.TestResult, opts runOptions) error {
	if opts.JSON {
		if err := output.WriteJSON(out, result); err != nil {
			return err
		}
	}

	if opts.Output != "" {
		if err := output.SaveJSON(opts.Output, result); err != nil {
			return err
		}
		fmt.Fprintf(out, "Results written to: %s\n", opts.Output)
	}

	if opts.History {
		id, err := recordHistory(opts.HistoryFile, result)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Run recorded: %s\n", id)
	}
	return nil
}

func recordHistory(path string, result *engine.TestResult) (string, error) {
	store, err := openHistory(path)
	if err != nil {
		return "", err
	}
	defer store.Close()

	run, err := storage.NewRun(result)
	if err != nil {
		return "", err
	}
	if err := store.Save(run); err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}
	return run.ID, nil
}

func openHistory(path string) (*storage.Store, error) {
	if path == "" {
		p, err := storage.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve history path: %w", err)
		}
		path = p
	}
	return storage.Open(path)
}

// servePrometheus exposes the metrics engine on addr until the returned stop
// function is called.
func servePrometheus(addr string, m *metrics.Engine, testName string) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(m, prometheus.Labels{"test": testName}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("serving load metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// stageInfo aggregates the current stage position across scenarios.
func stageInfo(stats map[string]*executor.Stats) (current, total int) {
	for _, s := range stats {
		if s == nil {
			continue
		}
		if s.CurrentStage > current {
			current = s.CurrentStage
		}
		if s.TotalStages > total {
			total = s.TotalStages
		}
	}
	return current, total
}
