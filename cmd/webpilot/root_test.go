package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/webpilot/internal/browser"
	"github.com/rahul/webpilot/internal/browser/browsertest"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/rahul/webpilot/internal/planner"
	"github.com/rahul/webpilot/internal/task"
	"github.com/rahul/webpilot/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<div class="result"><h2>Laptop A</h2><span>₹45,999</span><a href="https://shop.example/a">a</a></div>
<div class="result"><h2>Laptop B</h2><span>₹39,999</span><a href="https://shop.example/b">b</a></div>
<div class="result"><h2>Laptop C</h2><span>₹89,999</span><a href="https://shop.example/c">c</a></div>
</body></html>`

func fakeLaunchers(*config.Config) (*browser.Registry, func()) {
	reg := browser.NewRegistry()
	reg.Register(browser.Chromium, browsertest.NewLauncher(func() *browsertest.Driver {
		d := browsertest.NewDriver()
		d.Content = []byte(page)
		return d
	}))
	return reg, func() {}
}

// writeConfig creates a config file rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
app:
  artifact_dir: %[1]s/artifacts
memory:
  type: json
  path: %[1]s/memory.json
  persist: true
logger:
  level: error
  llm_log_file: ""
task:
  base_delay: 1ms
  max_delay: 2ms
%[2]s`, dir, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	a.newLaunchers = fakeLaunchers

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd_Version(t *testing.T) {
	root, _ := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootCmd_BadConfig(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestRunCmd_RendersAndExports(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	csvPath := filepath.Join(dir, "out", "results.csv")

	out, err := execute(t, cfg, "run", "search", "laptops", "under", "50000", "--output", csvPath, "--format", "csv")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "Laptop A")
	assert.Contains(t, out, "https://shop.example/b")
	assert.NotContains(t, out, "Laptop C")

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"title", "price", "link", "snippet", "task_id"}, rows[0])
}

func TestRunCmd_JSON(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	out, err := execute(t, cfg, "run", "--json", "search laptops")
	require.NoError(t, err)

	var res task.TaskResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Len(t, res.Records, 3)
	assert.NotEmpty(t, res.TaskID)
}

func TestRunCmd_PlanningError(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	out, err := execute(t, cfg, "run", "navigate to the homepage")

	var pe *planner.PlanningError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, out, "FAILED")
}

func TestRunCmd_InvalidOptions(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	_, err := execute(t, cfg, "run", "--browser", "safari", "search laptops")
	assert.ErrorContains(t, err, "unknown browser type")

	_, err = execute(t, cfg, "run", "--format", "xml", "search laptops")
	assert.Error(t, err)

	_, err = execute(t, cfg, "run", "--max-retries", "-1", "search laptops")
	assert.ErrorContains(t, err, "--max-retries")
}

func TestPlanCmd_YAML(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	out, err := execute(t, cfg, "plan", "search laptops under 50000 top 2")
	require.NoError(t, err)
	assert.Contains(t, out, "kind: SEARCH")
	assert.Contains(t, out, "action: NAVIGATE")
	assert.Contains(t, out, "action: EXTRACT")
	assert.Contains(t, out, "target_count: 2")

	out, err = execute(t, cfg, "plan", "navigate to the homepage")
	require.Error(t, err)
	assert.Contains(t, out, "kind: NAVIGATE")
}

func TestPlanCmd_TimeoutFlag(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	out, err := execute(t, cfg, "plan", "--timeout-ms", "1234", "--max-retries", "0", "search laptops")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout_ms: 1234")
	assert.Contains(t, out, "max_retries: 0")
}

func TestBatchCmd_FileAndExport(t *testing.T) {
	cfg, dir := writeConfig(t, "")
	list := filepath.Join(dir, "tasks.txt")
	require.NoError(t, os.WriteFile(list, []byte("# laptops\nsearch laptops under 50000\n\nsearch phones\n"), 0o644))
	jsonPath := filepath.Join(dir, "batch.json")

	out, err := execute(t, cfg, "batch", "--file", list, "--output", jsonPath, "--concurrency", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks: 2 success, 0 partial, 0 failed")
	assert.Contains(t, out, "wrote ")

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var results []task.TaskResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "search laptops under 50000", results[0].Instruction)
	assert.Len(t, results[0].Records, 2)
}

func TestBatchCmd_Errors(t *testing.T) {
	cfg, _ := writeConfig(t, "")

	_, err := execute(t, cfg, "batch")
	assert.ErrorContains(t, err, "no instructions")

	out, err := execute(t, cfg, "batch", "search laptops", "navigate to the homepage")
	assert.ErrorContains(t, err, "1 of 2 instructions could not be planned")
	assert.Contains(t, out, "2 tasks: 1 success, 0 partial, 1 failed")
}

func TestMemoryCommands(t *testing.T) {
	cfg, dir := writeConfig(t, "")

	out, err := execute(t, cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks remembered yet.")

	_, err = execute(t, cfg, "run", "search laptops under 50000")
	require.NoError(t, err)
	_, err = execute(t, cfg, "run", "search phones")
	require.NoError(t, err)

	out, err = execute(t, cfg, "history", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "search phones")
	assert.NotContains(t, out, "search laptops")

	out, err = execute(t, cfg, "history", "--contains", "LAPTOPS", "--json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "search laptops under 50000", recs[0]["instruction"])

	out, err = execute(t, cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks: 2 success")
	assert.Contains(t, out, "SEARCH")

	csvPath := filepath.Join(dir, "memory.csv")
	out, err = execute(t, cfg, "export-memory", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 2 records")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "task_id,timestamp,status,kind,instruction"))

	jsonPath := filepath.Join(dir, "backup.json")
	_, err = execute(t, cfg, "export-memory", jsonPath)
	require.NoError(t, err)
	out, err = execute(t, cfg, "import-memory", jsonPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 0 records (2 duplicates, 0 invalid)")

	_, err = execute(t, cfg, "clear-memory")
	assert.ErrorContains(t, err, "--yes")

	out, err = execute(t, cfg, "clear-memory", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 2 records")

	out, err = execute(t, cfg, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks remembered yet.")

	out, err = execute(t, cfg, "import-memory", jsonPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 records")
	out, err = execute(t, cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks: 2 success")
}

func TestMemoryCommands_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := writeConfig(t, "")
	content, err := os.ReadFile(cfg)
	require.NoError(t, err)
	content = bytes.Replace(content, []byte("type: json"), []byte("type: sqlite"), 1)
	content = bytes.Replace(content, []byte("memory.json"), []byte("db/memory.sqlite"), 1)
	cfg = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, content, 0o644))

	_, err = execute(t, cfg, "run", "search laptops")
	require.NoError(t, err)

	out, err := execute(t, cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "1 tasks: 1 success")
}

func TestTelegramCmd_NotConfigured(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	_, err := execute(t, cfg, "telegram")
	assert.ErrorContains(t, err, "not enabled")
}

func TestNewPolicy(t *testing.T) {
	_, err := newPolicy(config.PolicyConfig{DeniedTargets: []string{"("}})
	assert.ErrorContains(t, err, "policy.denied_targets")

	_, err = newPolicy(config.PolicyConfig{DeniedPatterns: []string{"["}})
	assert.ErrorContains(t, err, "policy.denied_patterns")

	e, err := newPolicy(config.PolicyConfig{AllowedHosts: []string{"example.com"}, DeniedActions: []string{"FILL"}})
	require.NoError(t, err)
	assert.True(t, e.AllowedHosts["example.com"])
	assert.True(t, e.DeniedActions["FILL"])
}

func TestNewModel_Unsupported(t *testing.T) {
	_, err := newModel("anthropic", config.ProviderConfig{})
	assert.ErrorContains(t, err, "not supported")
}

func TestReadInstructions(t *testing.T) {
	got, err := readInstructions(strings.NewReader("  a \n#skip\n\nb\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = readInstructions(nil, filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

type blockingMessenger struct {
	mu    sync.Mutex
	stops int
}

func (m *blockingMessenger) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *blockingMessenger) Send(string, string) error { return nil }

func (m *blockingMessenger) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &blockingMessenger{}

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, m, observability.NewTracker(), observability.NewLogger(nil, nil))
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, 1, m.stops)
}

func TestServe_StartError(t *testing.T) {
	boom := errors.New("boom")
	err := serve(context.Background(), failingMessenger{boom}, observability.NewTracker(), observability.NewLogger(nil, nil))
	assert.ErrorIs(t, err, boom)
}

type failingMessenger struct{ err error }

func (m failingMessenger) Start(context.Context) error { return m.err }
func (failingMessenger) Send(string, string) error     { return nil }
func (failingMessenger) Stop() error                   { return nil }
