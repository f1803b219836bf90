package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/orchestrator"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunFlags_ApplyOnlyChanged(t *testing.T) {
	var f runFlags
	cmd := &cobra.Command{Use: "run"}
	f.register(cmd.Flags())
	require.NoError(t, cmd.ParseFlags([]string{"--workers", "4", "--output-dir", "/tmp/out"}))

	cfg := config.Default()
	f.apply(cmd, &cfg)

	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, "/tmp/out", cfg.Run.OutputDir)
	assert.Equal(t, "programs", cfg.Run.SourceDir)
	assert.Equal(t, 5, cfg.Run.MaxRevisions)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "run:\n  workers: 3\n  max_revisions: 2\n")

	t.Run("file then overrides", func(t *testing.T) {
		cfg, err := loadConfig(path, func(c *config.Config) { c.Run.MaxRevisions = 7 })
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Run.Workers)
		assert.Equal(t, 7, cfg.Run.MaxRevisions)
	})

	t.Run("overrides are validated", func(t *testing.T) {
		_, err := loadConfig(path, func(c *config.Config) { c.Run.Workers = 0 })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestDiscoverSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "snake.py"), "print(1)\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x\n")

	sources, err := discoverSources(config.RunConfig{SourceDir: dir, Extensions: []string{".py"}})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "snake", sources[0].Name)

	_, err = discoverSources(config.RunConfig{SourceDir: dir, Extensions: []string{".go"}})
	assert.EqualError(t, err, "no programs found")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &orchestrator.Report{
		RunID: "run-1",
		Rows: []orchestrator.Row{
			{Name: "snake", Reason: "pass", Final: "snake_v1.py", Generated: 1, Duration: 1500 * time.Millisecond},
			{Name: "pong", Reason: "error", Final: "pong_v0.py", Error: "generator exploded\nstack"},
			{Name: "maze", Reason: "pass", Final: "maze_v0.py", Skipped: true},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "snake_v1.py")
	assert.Contains(t, out, "error: generator exploded")
	assert.NotContains(t, out, "stack")
	assert.Contains(t, out, "pass (resumed)")
	assert.Contains(t, out, "run run-1: 3 artifacts: 1 error, 2 pass")
}

func TestPrintStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	s, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), "snake_v0.py", store.Entry{Metrics: evaluation.Failed("NameError: foo")}))

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, path, evaluation.Switches{}))
	assert.Contains(t, buf.String(), "snake.py")
	assert.Contains(t, buf.String(), "NameError: foo")
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Version:    dev")
}

func TestRunRefine_PassingProgram(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "ok.sh"), "exit 0\n")

	cfg := config.Default()
	cfg.Run.SourceDir = filepath.Join(dir, "src")
	cfg.Run.Extensions = []string{".sh"}
	cfg.Run.OutputDir = filepath.Join(dir, "out")
	cfg.Gates.Validity.Interpreter = "sh"
	cfg.Gates.Validity.Timeout = 10 * time.Second
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Validate())

	var buf bytes.Buffer
	require.NoError(t, runRefine(context.Background(), cfg, &buf))
	assert.Contains(t, buf.String(), "1 artifacts: 1 pass")

	entries, err := store.Read(cfg.StorePath())
	require.NoError(t, err)
	require.Contains(t, entries, "ok_v0.sh")
	assert.True(t, entries["ok_v0.sh"].Metrics.Validity.Runnable)

	final, err := os.ReadFile(filepath.Join(cfg.Run.OutputDir, "final", "ok_final.sh"))
	require.NoError(t, err)
	assert.Equal(t, "exit 0\n", string(final))

	// A second run resumes without re-evaluating.
	buf.Reset()
	require.NoError(t, runRefine(context.Background(), cfg, &buf))
	assert.Contains(t, buf.String(), "pass (resumed)")
}
