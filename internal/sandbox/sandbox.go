// Package sandbox runs candidate programs as child processes with a hard
// time limit, captured output and whole-process-group termination.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 256 * 1024

// Command describes one sandboxed execution.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the parent environment.
	Env   []string
	Stdin io.Reader

	// Timeout bounds the run. Zero means only ctx bounds it.
	Timeout time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL of the group.
	KillGrace time.Duration
	// MaxOutput caps each of stdout and stderr; the tail is kept.
	MaxOutput int
}

// Result is the outcome of a run that started.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool // Timeout elapsed and the group was killed
	Truncated bool
	Duration  time.Duration
}

// Run executes cmd. A non-zero exit is reported in Result, not as an
// error; errors mean the process could not be started or ctx ended.
func Run(ctx context.Context, c Command) (Result, error) {
	if c.Path == "" {
		return Result{}, errors.New("sandbox: empty command path")
	}
	maxOut := c.MaxOutput
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	stdout := newTailBuffer(maxOut)
	stderr := newTailBuffer(maxOut)

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	killer := configureProcessGroup(cmd, c.KillGrace)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", c.Path, err)
	}
	waitErr := cmd.Wait()
	killer.reap()

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated() || stderr.truncated(),
		Duration:  time.Since(start),
		ExitCode:  cmd.ProcessState.ExitCode(),
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.TimedOut = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("waiting for %s: %w", c.Path, waitErr)
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []byte
	total int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > len(b.buf)
}
