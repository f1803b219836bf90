//go:build !unix

package sandbox

import (
	"os/exec"
	"time"
)

type groupKiller struct{}

func (groupKiller) reap() {}

// configureProcessGroup kills only the direct child on platforms without
// process groups.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) *groupKiller {
	cmd.WaitDelay = grace + time.Second
	return &groupKiller{}
}
