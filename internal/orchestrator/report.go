package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is the outcome for one artifact.
type Row struct {
	Name      string        `json:"name"`
	Reason    string        `json:"reason"`
	Final     string        `json:"final,omitempty"`
	FinalPath string        `json:"final_path,omitempty"`
	Generated int           `json:"generated"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report summarises a run. Rows are in input order.
type Report struct {
	RunID       string    `json:"run_id"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Rows        []Row     `json:"rows"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// ReasonCancelled marks artifacts never started because the run was
// interrupted.
const ReasonCancelled = "cancelled"

// Counts tallies rows by reason.
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, row := range r.Rows {
		counts[row.Reason]++
	}
	return counts
}

// Generated returns the number of revisions produced in this run.
func (r *Report) Generated() int {
	n := 0
	for _, row := range r.Rows {
		n += row.Generated
	}
	return n
}

// Summary renders a one-line tally such as "3 artifacts: 2 pass, 1 budget".
func (r *Report) Summary() string {
	counts := r.Counts()
	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%d %s", counts[reason], reason))
	}
	s := fmt.Sprintf("%d artifacts", len(r.Rows))
	if len(parts) > 0 {
		s += ": " + strings.Join(parts, ", ")
	}
	if r.Interrupted {
		s += " (interrupted)"
	}
	return s
}
