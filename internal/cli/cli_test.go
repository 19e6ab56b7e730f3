package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vuramp/internal/config"
	"vuramp/internal/dummy"
	"vuramp/internal/logging"
	"vuramp/internal/storage"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func baseConfig(t *testing.T, scenarioPath, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		BaseURL:     baseURL,
		Scenario:    scenarioPath,
		VUs:         2,
		Duration:    400 * time.Millisecond,
		Timeout:     2 * time.Second,
		GracePeriod: time.Second,
		Tick:        20 * time.Millisecond,
	}
}

func TestRun_PassingSessionScenario(t *testing.T) {
	srv := httptest.NewServer(dummy.NewMux())
	defer srv.Close()

	path := writeScenario(t, `
name: smoke
kind: session
login: {name: login, method: POST, path: /auth/login, params: {user: ci}}
endpoints:
  - {name: me, path: /v1/me}
  - {name: asset, path: /static/app.js}
`)
	dir := t.TempDir()
	cfg := baseConfig(t, path, srv.URL)
	cfg.OutPrefix = filepath.Join(dir, "out", "smoke")
	cfg.HistoryPath = filepath.Join(dir, "history.db")

	var out bytes.Buffer
	code := Run(context.Background(), cfg, Options{Out: &out, Logger: logging.Discard()})
	assert.Equal(t, ExitOK, code, out.String())

	text := out.String()
	assert.Contains(t, text, "STARTING VURAMP LOAD TEST")
	assert.Contains(t, text, "smoke (sequential)")
	assert.Contains(t, text, "PASSED")
	assert.Contains(t, text, "me GET /v1/me is 200")

	for _, suffix := range []string{"_summary.json", "_resources.csv", "_checks.csv", "_timeline.json"} {
		assert.FileExists(t, cfg.OutPrefix+suffix)
	}

	store, err := storage.Open(cfg.HistoryPath)
	require.NoError(t, err)
	defer store.Close()
	items, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "smoke", items[0].Scenario)
	assert.True(t, items[0].Summary.Passed)
	assert.Positive(t, items[0].Summary.Requests)
}

func TestRun_FailedChecksExitCode(t *testing.T) {
	srv := httptest.NewServer(dummy.NewMux())
	defer srv.Close()

	// no login, so the API answers 401
	path := writeScenario(t, `
kind: sequential
endpoints:
  - {name: me, path: /v1/me}
`)
	var out bytes.Buffer
	code := Run(context.Background(), baseConfig(t, path, srv.URL), Options{Out: &out, Logger: logging.Discard()})
	assert.Equal(t, ExitChecksFailed, code)
	assert.Contains(t, out.String(), "FAILED")
}

func TestRun_InvalidScenario(t *testing.T) {
	cfg := baseConfig(t, filepath.Join(t.TempDir(), "missing.yaml"), "http://127.0.0.1:1")
	code := Run(context.Background(), cfg, Options{Out: &bytes.Buffer{}, Logger: logging.Discard()})
	assert.Equal(t, ExitConfigError, code)

	path := writeScenario(t, `
kind: sequential
endpoints:
  - {name: me, path: /v1/me}
`)
	cfg = baseConfig(t, path, "")
	code = Run(context.Background(), cfg, Options{Out: &bytes.Buffer{}, Logger: logging.Discard()})
	assert.Equal(t, ExitConfigError, code, "relative paths need a base url")
}

func TestRun_CancelledContextStillReports(t *testing.T) {
	srv := httptest.NewServer(dummy.NewMux())
	defer srv.Close()

	path := writeScenario(t, `
kind: batch
resources: [/static/app.js, /static/style.css]
`)
	cfg := baseConfig(t, path, srv.URL)
	cfg.Duration = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	start := time.Now()
	code := Run(ctx, cfg, Options{Out: &out, Logger: logging.Discard()})
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out.String(), "interrupted")
}
