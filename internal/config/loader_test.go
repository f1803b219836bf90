package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `run:
  source_dir: games
  workers: 4
  max_revisions: 3
  iteration_timeout: 45s
gates:
  validity:
    interpreter: python3.11
    alive_window: 5s
  compliance:
    enabled: true
stagnation:
  shrink_ratio: 0.25
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "games", cfg.Run.SourceDir)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 3, cfg.Run.MaxRevisions)
	assert.Equal(t, 45*time.Second, cfg.Run.IterationTimeout)
	assert.Equal(t, "python3.11", cfg.Gates.Validity.Interpreter)
	assert.Equal(t, 5*time.Second, cfg.Gates.Validity.AliveWindow)
	assert.True(t, cfg.Gates.Compliance.Enabled)
	assert.False(t, cfg.Gates.Alignment.Enabled)
	assert.InDelta(t, 0.25, cfg.Stagnation.ShrinkRatio, 1e-9)

	// Untouched keys keep their defaults.
	def := Default()
	assert.Equal(t, def.Run.ArtifactTimeout, cfg.Run.ArtifactTimeout)
	assert.Equal(t, def.Gates.Validity.Timeout, cfg.Gates.Validity.Timeout)
	assert.True(t, cfg.Stagnation.DetectUnchanged)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "run:\n  workers: 2\n")

	t.Setenv("REFINE_RUN_WORKERS", "8")
	t.Setenv("REFINE_RUN_MAX_REVISIONS", "7")
	t.Setenv("REFINE_GATES_VALIDITY_KILL_GRACE", "500ms")
	t.Setenv("REFINE_GATES_WINNABILITY_ENABLED", "true")
	t.Setenv("REFINE_GENERATION_API_KEY", "sk-test-value")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Run.Workers)
	assert.Equal(t, 7, cfg.Run.MaxRevisions)
	assert.Equal(t, 500*time.Millisecond, cfg.Gates.Validity.KillGrace)
	assert.True(t, cfg.Gates.Winnability.Enabled)
	assert.Equal(t, "sk-test-value", cfg.Generation.APIKey.Value())
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "run: [unclosed\n")
	_, err := LoadWithFile(path)
	assert.Error(t, err)
}

func TestLoadWithFile_RejectsDirectory(t *testing.T) {
	_, err := LoadWithFile(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestLoadWithFile_RejectsOversizedFile(t *testing.T) {
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	path := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(path, big, 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"REFINE_RUN_WORKERS", "run.workers"},
		{"REFINE_RUN_MAX_REVISIONS", "run.max_revisions"},
		{"REFINE_GATES_VALIDITY_ALIVE_WINDOW", "gates.validity.alive_window"},
		{"REFINE_GATES_COMPLIANCE_ENABLED", "gates.compliance.enabled"},
		{"REFINE_STAGNATION_SHRINK_RATIO", "stagnation.shrink_ratio"},
		{"REFINE_DEBUG", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}
