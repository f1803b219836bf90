// Package monitor summarises a result store for humans: a one-shot
// lipgloss report, a live bubbletea dashboard and an fsnotify follower.
package monitor

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/store"
)

// State is the state of an artifact as seen from its latest stored record.
type State string

const (
	StatePassed    State = "passed"
	StateStagnated State = "stagnated"
	StateTimeout   State = "timeout"
	StateError     State = "error"
	StateFailing   State = "failing" // still revising, or out of budget
)

// States lists every state in display order.
var States = []State{StatePassed, StateFailing, StateStagnated, StateTimeout, StateError}

// ArtifactStatus describes one artifact.
type ArtifactStatus struct {
	Name      string `json:"name"`
	Ext       string `json:"ext,omitempty"`
	Latest    int    `json:"latest"`
	Revisions int    `json:"revisions"`
	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Summary is a snapshot of the store.
type Summary struct {
	Entries   int              `json:"entries"`
	Foreign   int              `json:"foreign,omitempty"`
	Artifacts []ArtifactStatus `json:"artifacts"`
	Counts    map[State]int    `json:"counts"`
}

// Resolved returns the fraction of artifacts that passed, 0 when empty.
func (s Summary) Resolved() float64 {
	if len(s.Artifacts) == 0 {
		return 0
	}
	return float64(s.Counts[StatePassed]) / float64(len(s.Artifacts))
}

// Summarize groups entries by artifact and classifies each artifact by its
// highest stored revision. Keys that are not revision keys are counted as
// foreign.
func Summarize(entries map[string]store.Entry, sw evaluation.Switches) Summary {
	type latest struct {
		id    artifact.Identity
		entry store.Entry
		count int
	}
	byName := make(map[string]*latest)
	sum := Summary{Entries: len(entries), Counts: make(map[State]int)}

	for key, e := range entries {
		id, err := artifact.ParseKey(key)
		if err != nil {
			sum.Foreign++
			continue
		}
		group := id.Name + "." + id.Ext
		l, ok := byName[group]
		if !ok {
			l = &latest{id: id, entry: e}
			byName[group] = l
		} else if id.Revision > l.id.Revision {
			l.id, l.entry = id, e
		}
		l.count++
	}

	for _, l := range byName {
		st := Classify(l.entry.Metrics, sw)
		status := ArtifactStatus{
			Name:      l.id.Name,
			Ext:       l.id.Ext,
			Latest:    l.id.Revision,
			Revisions: l.count,
			State:     st,
		}
		if st != StatePassed {
			status.LastError = firstLine(l.entry.Metrics.Validity.ErrorMsg)
		}
		sum.Artifacts = append(sum.Artifacts, status)
		sum.Counts[st]++
	}
	sort.Slice(sum.Artifacts, func(i, j int) bool {
		a, b := sum.Artifacts[i], sum.Artifacts[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Ext < b.Ext
	})
	return sum
}

// Classify maps a record to a State.
func Classify(m evaluation.MetricsRecord, sw evaluation.Switches) State {
	msg := m.Validity.ErrorMsg
	switch {
	case evaluation.Passes(m, sw):
		return StatePassed
	case evaluation.IsStagnation(m):
		return StateStagnated
	case strings.HasPrefix(msg, evaluation.TimeoutPrefix):
		return StateTimeout
	case strings.HasPrefix(msg, evaluation.ErrorPrefix):
		return StateError
	}
	return StateFailing
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
