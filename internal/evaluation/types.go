// Package evaluation runs a candidate program through the ordered gate
// chain (validity, compliance, alignment, winnability) and decides whether
// it passes.
package evaluation

import (
	"strings"

	"github.com/fyrsmithlabs/refine/internal/config"
)

// Stop reasons recorded in ValidityResult.ErrorMsg by the pre-checks and by
// the orchestrator. Anything with the StopPrefix is terminal.
const (
	StopPrefix    = "STOP:"
	StopNoChange  = "STOP: no change"
	StopShrinkage = "STOP: drastic shrinkage"

	TimeoutPrefix = "TIMEOUT:"
	ErrorPrefix   = "ERROR:"

	// NotRunnableMsg replaces an empty message on a non-runnable result.
	NotRunnableMsg = "program is not runnable"
)

// ValidityResult is the execution-validity section. ErrorMsg is empty if
// and only if the program ran.
type ValidityResult struct {
	Runnable        bool    `json:"runnable"`
	ErrorMsg        string  `json:"error_msg"`
	Transcript      string  `json:"transcript,omitempty"`
	TimedOut        bool    `json:"timed_out,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Passed reports whether the validity gate accepted the program.
func (v ValidityResult) Passed() bool {
	return v.ErrorMsg == ""
}

// ComplianceResult is the requirements-compliance section.
type ComplianceResult struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// AlignmentResult is the semantic-alignment section.
type AlignmentResult struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// WinnabilityResult is the interactive-winnability section.
type WinnabilityResult struct {
	Buggy               bool   `json:"buggy"`
	ClaimedDone         bool   `json:"claimed_done"`
	Done                bool   `json:"done"`
	StepBudgetExhausted bool   `json:"step_budget_exhausted"`
	Steps               int    `json:"steps,omitempty"`
	Transcript          string `json:"transcript,omitempty"`
	Error               string `json:"error,omitempty"`
}

// MetricsRecord holds the result of evaluating one revision. When validity
// fails the other sections keep their zero values.
type MetricsRecord struct {
	Validity    ValidityResult    `json:"validity"`
	Compliance  ComplianceResult  `json:"compliance"`
	Alignment   AlignmentResult   `json:"alignment"`
	Winnability WinnabilityResult `json:"winnability"`
}

// Failed builds a record that failed validity with msg.
func Failed(msg string) MetricsRecord {
	return MetricsRecord{Validity: ValidityResult{ErrorMsg: msg}}
}

// Switches selects which downstream gates take part in evaluation and in
// the stop predicate. Validity always runs.
type Switches struct {
	Compliance  bool
	Alignment   bool
	Winnability bool
}

// SwitchesFromConfig reads the enabled flags of the gate config.
func SwitchesFromConfig(gc config.GatesConfig) Switches {
	return Switches{
		Compliance:  gc.Compliance.Enabled,
		Alignment:   gc.Alignment.Enabled,
		Winnability: gc.Winnability.Enabled,
	}
}

// Passes is the stop predicate: the program ran and every enabled gate
// accepted it.
func Passes(r MetricsRecord, sw Switches) bool {
	if !r.Validity.Passed() || !r.Validity.Runnable {
		return false
	}
	if sw.Compliance && !r.Compliance.Passed {
		return false
	}
	if sw.Alignment && !r.Alignment.Passed {
		return false
	}
	if sw.Winnability && (r.Winnability.Buggy || !r.Winnability.Done) {
		return false
	}
	return true
}

// IsStagnation reports whether the record carries a terminal pre-check
// failure.
func IsStagnation(r MetricsRecord) bool {
	return strings.HasPrefix(r.Validity.ErrorMsg, StopPrefix)
}
