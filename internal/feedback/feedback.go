// Package feedback turns an evaluation record into the repair prompt sent
// to the generation service.
//
// Exactly one failure category is addressed per prompt. Categories are
// checked in a fixed priority order and the first match wins, so a program
// that does not run is never asked to fix gameplay issues in the same turn.
package feedback

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
)

// Category identifies which failure a prompt addresses.
type Category string

const (
	CategoryNone                 Category = "none"
	CategoryErrorWithTranscript  Category = "error_with_transcript"
	CategoryError                Category = "error"
	CategoryCompliance           Category = "compliance"
	CategoryAlignment            Category = "alignment"
	CategoryWinnabilityBuggy     Category = "winnability_buggy"
	CategoryWinnabilityFalseDone Category = "winnability_false_done"
	CategoryWinnabilityStuck     Category = "winnability_stuck"
)

const truncationMarker = "[... earlier output truncated ...]\n"

// Input is everything the composer may draw on.
type Input struct {
	Metrics     evaluation.MetricsRecord
	Switches    evaluation.Switches
	Language    string // fence info string, usually the file extension
	PriorText   string // previous revision, empty at revision 0
	CurrentText string
	Reference   string // reference program, empty when none
}

// Classify returns the highest-priority failure category of in.
func Classify(in Input) Category {
	m, sw := in.Metrics, in.Switches
	switch {
	case m.Validity.ErrorMsg != "" && m.Validity.Transcript != "":
		return CategoryErrorWithTranscript
	case m.Validity.ErrorMsg != "":
		return CategoryError
	case sw.Compliance && !m.Compliance.Passed && m.Compliance.Feedback != "":
		return CategoryCompliance
	case sw.Alignment && !m.Alignment.Passed && m.Alignment.Feedback != "":
		return CategoryAlignment
	case sw.Winnability && m.Winnability.Buggy:
		return CategoryWinnabilityBuggy
	case sw.Winnability && m.Winnability.ClaimedDone && !m.Winnability.Done:
		return CategoryWinnabilityFalseDone
	case sw.Winnability && m.Winnability.StepBudgetExhausted && !m.Winnability.Done:
		return CategoryWinnabilityStuck
	default:
		return CategoryNone
	}
}

// Composer renders repair prompts.
type Composer struct {
	includeReference   bool
	maxTranscriptChars int
}

// NewComposer returns a Composer for cfg.
func NewComposer(cfg config.FeedbackConfig) *Composer {
	return &Composer{
		includeReference:   cfg.IncludeReference,
		maxTranscriptChars: cfg.MaxTranscriptChars,
	}
}

// Compose returns the repair prompt and its category. The prompt is empty
// for CategoryNone.
func (c *Composer) Compose(in Input) (string, Category) {
	cat := Classify(in)
	if cat == CategoryNone {
		return "", CategoryNone
	}

	data := promptData{
		Language:   in.Language,
		Current:    in.CurrentText,
		Prior:      in.PriorText,
		ErrorMsg:   in.Metrics.Validity.ErrorMsg,
		Transcript: c.truncate(in.Metrics.Validity.Transcript),
	}
	if c.includeReference {
		data.Reference = in.Reference
	}
	switch cat {
	case CategoryCompliance:
		data.Feedback = in.Metrics.Compliance.Feedback
	case CategoryAlignment:
		data.Feedback = in.Metrics.Alignment.Feedback
	case CategoryWinnabilityBuggy, CategoryWinnabilityFalseDone, CategoryWinnabilityStuck:
		data.Transcript = c.truncate(in.Metrics.Winnability.Transcript)
		data.Steps = in.Metrics.Winnability.Steps
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(cat), data); err != nil {
		// Static templates over plain strings: a failure here is a bug.
		panic(fmt.Sprintf("feedback: rendering %s: %v", cat, err))
	}
	return buf.String(), cat
}

// truncate keeps the tail of s within the configured budget.
func (c *Composer) truncate(s string) string {
	if c.maxTranscriptChars <= 0 || len(s) <= c.maxTranscriptChars {
		return s
	}
	cut := len(s) - c.maxTranscriptChars
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return truncationMarker + s[cut:]
}

type promptData struct {
	Language   string
	Current    string
	Prior      string
	Reference  string
	ErrorMsg   string
	Transcript string
	Feedback   string
	Steps      int
}

var templates = template.Must(template.New("feedback").Funcs(template.FuncMap{
	"fence": func(lang, body string) string {
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		return "```" + lang + "\n" + body + "```"
	},
}).Parse(`
{{- define "prior" -}}
{{- if .Prior -}}
The previous revision, for comparison:
{{fence .Language .Prior}}

{{end -}}
{{- end -}}

{{- define "program" -}}
Current program:
{{fence .Language .Current}}
{{- if .Reference}}

A reference program that already works, for comparison only:
{{fence .Language .Reference}}
{{- end}}

Reply with the complete corrected program in a single fenced code block.
{{- end -}}

{{- define "error_with_transcript" -}}
The program fails when run.

Error:
{{.ErrorMsg}}

Output before the failure:
{{fence "" .Transcript}}

Fix the error without removing working features.

{{template "prior" .}}{{template "program" .}}
{{- end -}}

{{- define "error" -}}
The program fails when run.

Error:
{{.ErrorMsg}}

Fix the error without removing working features.

{{template "prior" .}}{{template "program" .}}
{{- end -}}

{{- define "compliance" -}}
The program runs but does not meet its requirements.

Reviewer feedback:
{{.Feedback}}

Implement what is missing and keep everything else unchanged.

{{template "program" .}}
{{- end -}}

{{- define "alignment" -}}
The program runs but its behaviour is inconsistent.

Reviewer feedback:
{{.Feedback}}

Make the behaviour match what the program presents to the player.

{{template "program" .}}
{{- end -}}

{{- define "winnability_buggy" -}}
An automated player found a bug while playing the program.

Play transcript:
{{fence "" .Transcript}}

Fix the bug so the game can be played to completion.

{{template "program" .}}
{{- end -}}

{{- define "winnability_false_done" -}}
The automated player believed it had won after {{.Steps}} steps, but the program never reached its winning state.

Play transcript:
{{fence "" .Transcript}}

Make the winning condition reachable and make the program signal it unambiguously.

{{template "program" .}}
{{- end -}}

{{- define "winnability_stuck" -}}
The automated player ran out of steps after {{.Steps}} moves without finishing the game.

Play transcript:
{{fence "" .Transcript}}

Make the game winnable within a reasonable number of moves.

{{template "program" .}}
{{- end -}}
`))
