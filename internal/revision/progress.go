package revision

import (
	"sync"

	"github.com/fyrsmithlabs/refine/internal/artifact"
)

// Progress exposes where a running machine is. It is written by the
// machine goroutine and read by the orchestrator when the artifact
// deadline fires or the loop faults.
type Progress struct {
	mu       sync.Mutex
	state    State
	identity artifact.Identity
	started  bool
}

// Current returns the in-flight revision and machine state. ok is false
// before the machine started.
func (p *Progress) Current() (artifact.Identity, State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity, p.state, p.started
}

func (p *Progress) set(state State, id artifact.Identity) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state, p.identity, p.started = state, id, true
	p.mu.Unlock()
}
