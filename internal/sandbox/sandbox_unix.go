//go:build unix

package sandbox

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// groupKiller escalates SIGTERM to SIGKILL for a process group.
type groupKiller struct {
	mu        sync.Mutex
	pgid      int
	cancelled bool
	timer     *time.Timer
}

// reap stops the escalation timer and, if the run was cancelled, kills
// whatever is left of the group.
func (k *groupKiller) reap() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	if k.cancelled && k.pgid != 0 {
		_ = unix.Kill(-k.pgid, unix.SIGKILL)
	}
}

// configureProcessGroup puts the child in its own process group and makes
// context cancellation terminate the whole group.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) *groupKiller {
	k := &groupKiller{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.pgid = cmd.Process.Pid
		k.cancelled = true
		if grace <= 0 {
			return unix.Kill(-k.pgid, unix.SIGKILL)
		}
		pgid := k.pgid
		k.timer = time.AfterFunc(grace, func() { _ = unix.Kill(-pgid, unix.SIGKILL) })
		return unix.Kill(-pgid, unix.SIGTERM)
	}
	// Grandchildren may hold the output pipes open; stop waiting on them
	// shortly after the group has been signalled.
	cmd.WaitDelay = grace + time.Second
	return k
}
