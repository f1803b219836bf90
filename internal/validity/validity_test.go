//go:build unix

package validity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Programs are shell scripts so the tests do not depend on a Python install.
func shellGate(alive time.Duration) *Gate {
	return NewGate(config.ValidityConfig{
		Interpreter: "/bin/sh",
		Timeout:     5 * time.Second,
		AliveWindow: alive,
		KillGrace:   100 * time.Millisecond,
		ErrorLines:  2,
	}, nil)
}

func program(t *testing.T, body string) evaluation.Subject {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game_v0.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return evaluation.Subject{Name: "game", Path: path}
}

func TestGate_ExitZeroIsRunnable(t *testing.T) {
	res, err := shellGate(0).CheckValidity(context.Background(), program(t, "echo hello\n"))
	require.NoError(t, err)
	assert.True(t, res.Runnable)
	assert.Empty(t, res.ErrorMsg)
	assert.Equal(t, "hello\n", res.Transcript)
}

func TestGate_FailureReportsStderrTail(t *testing.T) {
	body := "echo started\necho 'Traceback (most recent call last):' >&2\necho '  line 3' >&2\necho \"NameError: name 'foo' is not defined\" >&2\nexit 1\n"
	res, err := shellGate(0).CheckValidity(context.Background(), program(t, body))
	require.NoError(t, err)

	assert.False(t, res.Runnable)
	assert.Equal(t, "  line 3\nNameError: name 'foo' is not defined", res.ErrorMsg)
	assert.Equal(t, "started\n", res.Transcript)
}

func TestGate_SilentFailureStillHasMessage(t *testing.T) {
	res, err := shellGate(0).CheckValidity(context.Background(), program(t, "exit 4\n"))
	require.NoError(t, err)
	assert.Equal(t, "program exited with status 4", res.ErrorMsg)
}

func TestGate_AliveWindowAcceptsLongRunningProgram(t *testing.T) {
	start := time.Now()
	res, err := shellGate(200*time.Millisecond).CheckValidity(context.Background(), program(t, "sleep 30\n"))
	require.NoError(t, err)

	assert.True(t, res.Runnable)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestGate_HangWithoutAliveWindowFails(t *testing.T) {
	g := NewGate(config.ValidityConfig{
		Interpreter: "/bin/sh",
		Timeout:     200 * time.Millisecond,
		KillGrace:   50 * time.Millisecond,
	}, nil)
	res, err := g.CheckValidity(context.Background(), program(t, "sleep 30\n"))
	require.NoError(t, err)

	assert.False(t, res.Runnable)
	assert.Contains(t, res.ErrorMsg, "did not exit")
}

func TestGate_CrashInsideAliveWindowFails(t *testing.T) {
	res, err := shellGate(2*time.Second).CheckValidity(context.Background(), program(t, "echo boom >&2; exit 1\n"))
	require.NoError(t, err)
	assert.False(t, res.Runnable)
	assert.Equal(t, "boom", res.ErrorMsg)
}

func TestErrorTail(t *testing.T) {
	assert.Equal(t, "c\nd", errorTail("a\n\nb\nc\n\nd\n", 2))
	assert.Equal(t, "a\nb", errorTail("a\nb\n", 0))
	assert.Equal(t, "", errorTail("", 3))
}

func writePlayer(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "player.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestProbe_ParsesVerdict(t *testing.T) {
	player := writePlayer(t, "#!/bin/sh\necho 'playing '\"$1\"\necho '{\"buggy\":false,\"claimed_done\":true,\"done\":true,\"steps\":12}'\n")
	p, err := NewProbe(config.WinnabilityConfig{Command: []string{"/bin/sh", player}, Timeout: 5 * time.Second}, config.ValidityConfig{}, nil)
	require.NoError(t, err)

	res, err := p.CheckWinnability(context.Background(), evaluation.Subject{Path: "/tmp/game.py"})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.True(t, res.ClaimedDone)
	assert.False(t, res.Buggy)
	assert.Equal(t, 12, res.Steps)
}

func TestProbe_Errors(t *testing.T) {
	_, err := NewProbe(config.WinnabilityConfig{}, config.ValidityConfig{}, nil)
	assert.Error(t, err)

	bad := writePlayer(t, "#!/bin/sh\necho not-json\n")
	p, err := NewProbe(config.WinnabilityConfig{Command: []string{"/bin/sh", bad}, Timeout: 5 * time.Second}, config.ValidityConfig{}, nil)
	require.NoError(t, err)
	_, err = p.CheckWinnability(context.Background(), evaluation.Subject{Path: "x"})
	assert.Error(t, err)

	failing := writePlayer(t, "#!/bin/sh\necho crashed >&2\nexit 2\n")
	p, err = NewProbe(config.WinnabilityConfig{Command: []string{"/bin/sh", failing}, Timeout: 5 * time.Second}, config.ValidityConfig{}, nil)
	require.NoError(t, err)
	_, err = p.CheckWinnability(context.Background(), evaluation.Subject{Path: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed")
}
