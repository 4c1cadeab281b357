package cli

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "history", "version"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "surge")
	assert.Contains(t, out, version)
}

func TestRunCmd_EnvBaseURL(t *testing.T) {
	server, store := newTargetServer(t)
	t.Setenv("SURGE_BASE_URL", server.URL)
	t.Setenv("SURGE_SLEEP", "10ms")

	out, err := execute(t, "run", "-q", "--stages", "150ms:2,50ms:0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASSED")
	assert.Positive(t, store.Len(), "SURGE_BASE_URL was not used")
}

func TestRunCmd_FlagBeatsEnv(t *testing.T) {
	server, store := newTargetServer(t)
	t.Setenv("SURGE_BASE_URL", "http://127.0.0.1:1")

	_, err := execute(t, "run", "-q", "--base-url", server.URL, "--sleep", "10ms", "--stages", "100ms:1,50ms:0")
	require.NoError(t, err)
	assert.Positive(t, store.Len())
}

func TestRunCmd_InvalidStages(t *testing.T) {
	_, err := execute(t, "run", "--stages", "forever")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTestFailed))
	assert.Contains(t, err.Error(), "invalid stages")
}

func TestRunCmd_RejectsArgs(t *testing.T) {
	_, err := execute(t, "run", "extra")
	assert.Error(t, err)
}

func TestHistoryCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "history", "--history-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")

	id, err := recordHistory(path, &engine.TestResult{
		Name:   "order/user workload",
		Passed: true,
		Metrics: &metrics.Snapshot{
			TotalRequests: 42,
			ChecksRate:    1,
		},
	})
	require.NoError(t, err)

	out, err = execute(t, "history", "--history-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "PASSED")
	assert.Contains(t, out, "42")

	out, err = execute(t, "history", "--history-file", path, id)
	require.NoError(t, err)
	assert.Contains(t, out, "Run:          "+id)
	assert.Contains(t, out, "Requests:     42 (0 failed)")

	_, err = execute(t, "history", "--history-file", path, "missing")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestLogLevelFlag(t *testing.T) {
	var errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&errOut)
	root.SetArgs([]string{"--log-level", "error", "history", "--history-file", filepath.Join(t.TempDir(), "h.db")})

	require.NoError(t, root.Execute())
	assert.False(t, strings.Contains(errOut.String(), "level=INFO"))
}
