package feedback

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/stretchr/testify/assert"
)

var allOn = evaluation.Switches{Compliance: true, Alignment: true, Winnability: true}

func TestClassify_Priority(t *testing.T) {
	tests := []struct {
		name string
		m    evaluation.MetricsRecord
		sw   evaluation.Switches
		want Category
	}{
		{
			name: "error with transcript",
			m:    evaluation.MetricsRecord{Validity: evaluation.ValidityResult{ErrorMsg: "NameError", Transcript: "booting"}},
			sw:   allOn,
			want: CategoryErrorWithTranscript,
		},
		{
			name: "error without transcript",
			m:    evaluation.Failed("NameError"),
			sw:   allOn,
			want: CategoryError,
		},
		{
			name: "compliance before alignment",
			m: evaluation.MetricsRecord{
				Validity:   evaluation.ValidityResult{Runnable: true},
				Compliance: evaluation.ComplianceResult{Feedback: "missing score"},
				Alignment:  evaluation.AlignmentResult{Feedback: "walls leak"},
			},
			sw:   allOn,
			want: CategoryCompliance,
		},
		{
			name: "compliance without feedback falls through",
			m: evaluation.MetricsRecord{
				Validity:  evaluation.ValidityResult{Runnable: true},
				Alignment: evaluation.AlignmentResult{Feedback: "walls leak"},
			},
			sw:   allOn,
			want: CategoryAlignment,
		},
		{
			name: "disabled compliance ignored",
			m: evaluation.MetricsRecord{
				Validity:   evaluation.ValidityResult{Runnable: true},
				Compliance: evaluation.ComplianceResult{Feedback: "missing score"},
			},
			sw:   evaluation.Switches{},
			want: CategoryNone,
		},
		{
			name: "buggy before false done",
			m: evaluation.MetricsRecord{
				Validity:    evaluation.ValidityResult{Runnable: true},
				Compliance:  evaluation.ComplianceResult{Passed: true},
				Alignment:   evaluation.AlignmentResult{Passed: true},
				Winnability: evaluation.WinnabilityResult{Buggy: true, ClaimedDone: true},
			},
			sw:   allOn,
			want: CategoryWinnabilityBuggy,
		},
		{
			name: "false done",
			m: evaluation.MetricsRecord{
				Validity:    evaluation.ValidityResult{Runnable: true},
				Winnability: evaluation.WinnabilityResult{ClaimedDone: true, StepBudgetExhausted: true},
			},
			sw:   evaluation.Switches{Winnability: true},
			want: CategoryWinnabilityFalseDone,
		},
		{
			name: "stuck",
			m: evaluation.MetricsRecord{
				Validity:    evaluation.ValidityResult{Runnable: true},
				Winnability: evaluation.WinnabilityResult{StepBudgetExhausted: true},
			},
			sw:   evaluation.Switches{Winnability: true},
			want: CategoryWinnabilityStuck,
		},
		{
			name: "winnability failed without a reason",
			m: evaluation.MetricsRecord{
				Validity:    evaluation.ValidityResult{Runnable: true},
				Winnability: evaluation.WinnabilityResult{Error: "probe crashed"},
			},
			sw:   evaluation.Switches{Winnability: true},
			want: CategoryNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(Input{Metrics: tt.m, Switches: tt.sw}))
		})
	}
}

func TestCompose_None(t *testing.T) {
	c := NewComposer(config.Default().Feedback)
	prompt, cat := c.Compose(Input{Metrics: evaluation.MetricsRecord{Validity: evaluation.ValidityResult{Runnable: true}}})
	assert.Equal(t, CategoryNone, cat)
	assert.Empty(t, prompt)
}

func TestCompose_Error(t *testing.T) {
	c := NewComposer(config.Default().Feedback)
	prompt, cat := c.Compose(Input{
		Metrics:     evaluation.Failed("NameError: name 'foo' is not defined"),
		Language:    "py",
		PriorText:   "print(1)\n",
		CurrentText: "foo()\n",
	})

	assert.Equal(t, CategoryError, cat)
	assert.Contains(t, prompt, "NameError: name 'foo' is not defined")
	assert.Contains(t, prompt, "```py\nfoo()\n```")
	assert.Contains(t, prompt, "```py\nprint(1)\n```")
	assert.NotContains(t, prompt, "Reviewer feedback")
	assert.NotContains(t, prompt, "Play transcript")
}

func TestCompose_SingleCategoryOnly(t *testing.T) {
	c := NewComposer(config.Default().Feedback)
	prompt, cat := c.Compose(Input{
		Metrics: evaluation.MetricsRecord{
			Validity:    evaluation.ValidityResult{Runnable: true},
			Compliance:  evaluation.ComplianceResult{Feedback: "add a score counter"},
			Alignment:   evaluation.AlignmentResult{Feedback: "ghost walks through walls"},
			Winnability: evaluation.WinnabilityResult{Buggy: true, Transcript: "crash at step 3"},
		},
		Switches:    allOn,
		CurrentText: "game()",
	})

	assert.Equal(t, CategoryCompliance, cat)
	assert.Contains(t, prompt, "add a score counter")
	assert.NotContains(t, prompt, "ghost walks through walls")
	assert.NotContains(t, prompt, "crash at step 3")
	assert.True(t, strings.HasSuffix(prompt, "single fenced code block."))
}

func TestCompose_Winnability(t *testing.T) {
	c := NewComposer(config.Default().Feedback)
	in := Input{
		Metrics: evaluation.MetricsRecord{
			Validity:    evaluation.ValidityResult{Runnable: true},
			Winnability: evaluation.WinnabilityResult{ClaimedDone: true, Steps: 42, Transcript: "pressed up"},
		},
		Switches:    evaluation.Switches{Winnability: true},
		CurrentText: "game()",
	}

	prompt, cat := c.Compose(in)
	assert.Equal(t, CategoryWinnabilityFalseDone, cat)
	assert.Contains(t, prompt, "after 42 steps")
	assert.Contains(t, prompt, "pressed up")
}

func TestCompose_Reference(t *testing.T) {
	in := Input{
		Metrics:     evaluation.Failed("boom"),
		CurrentText: "broken()",
		Reference:   "working()",
	}

	without := NewComposer(config.FeedbackConfig{})
	prompt, _ := without.Compose(in)
	assert.NotContains(t, prompt, "working()")

	with := NewComposer(config.FeedbackConfig{IncludeReference: true})
	prompt, _ = with.Compose(in)
	assert.Contains(t, prompt, "reference program")
	assert.Contains(t, prompt, "working()")
}

func TestCompose_TruncatesTranscriptTail(t *testing.T) {
	c := NewComposer(config.FeedbackConfig{MaxTranscriptChars: 10})
	transcript := strings.Repeat("a", 50) + "TAIL-12345"

	prompt, cat := c.Compose(Input{
		Metrics: evaluation.MetricsRecord{Validity: evaluation.ValidityResult{ErrorMsg: "boom", Transcript: transcript}},
	})
	assert.Equal(t, CategoryErrorWithTranscript, cat)
	assert.Contains(t, prompt, truncationMarker+"TAIL-12345")
	assert.NotContains(t, prompt, "aaaa")
}

func TestTruncate_RuneBoundary(t *testing.T) {
	c := &Composer{maxTranscriptChars: 4}
	got := c.truncate("ab✓cd")
	assert.Equal(t, truncationMarker+"cd", got)
}

func TestCompose_Deterministic(t *testing.T) {
	c := NewComposer(config.Default().Feedback)
	in := Input{Metrics: evaluation.Failed("boom"), CurrentText: "x"}
	first, _ := c.Compose(in)
	second, _ := c.Compose(in)
	assert.Equal(t, first, second)
}
