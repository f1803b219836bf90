// Package judge implements the compliance and alignment gates by asking a
// language model for a structured verdict about a program.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/generation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/secrets"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoVerdict is returned when the model reply holds no usable verdict.
var ErrNoVerdict = errors.New("no verdict in judge reply")

// Verdict is the structured answer a judge must give.
type Verdict struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Rubric is the question a judge asks about a program.
type Rubric struct {
	Name         string
	Instructions string
}

var (
	// ComplianceRubric checks the program against its requirements brief.
	ComplianceRubric = Rubric{
		Name: "compliance",
		Instructions: `Decide whether the program implements every requirement in the brief.
Missing features, ignored constraints or placeholder logic are failures.`,
	}

	// AlignmentRubric checks physical and semantic consistency.
	AlignmentRubric = Rubric{
		Name: "alignment",
		Instructions: `Decide whether the program's behaviour is internally consistent: objects
move and collide plausibly, rules stated on screen match the rules enforced,
and scores, timers and win conditions mean what they claim.`,
	}
)

var promptTemplate = template.Must(template.New("judge").Parse(`You are reviewing a program for {{.Rubric.Name}}.

{{.Rubric.Instructions}}
{{if .Brief}}
Requirements brief:
{{.Brief}}
{{end}}
Program ({{.Name}}, revision {{.Revision}}):
` + "```" + `
{{.Program}}
` + "```" + `

Answer with a single JSON object in a fenced code block:
` + "```json" + `
{"passed": true|false, "score": 0.0-1.0, "feedback": "what must change, empty if passed"}
` + "```" + `
`))

// Judge asks a model to grade a program against one rubric.
type Judge struct {
	model    llms.Model
	rubric   Rubric
	limiter  *rate.Limiter
	scrubber *secrets.Scrubber
	logger   *logging.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithLimiter shares a request limiter with other callers of the service.
func WithLimiter(l *rate.Limiter) Option {
	return func(j *Judge) { j.limiter = l }
}

// WithScrubber redacts secrets from the program before it is sent.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(j *Judge) { j.scrubber = s }
}

// WithLogger sets the judge logger.
func WithLogger(l *logging.Logger) Option {
	return func(j *Judge) { j.logger = l }
}

// New returns a Judge for rubric.
func New(model llms.Model, rubric Rubric, opts ...Option) *Judge {
	j := &Judge{
		model:   model,
		rubric:  rubric,
		limiter: generation.NewLimiter(0, 0),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// NewModel builds the judge model. JudgeConfig.Model overrides the
// generation model name; endpoint and credentials are shared.
func NewModel(gen config.GenerationConfig, jc config.JudgeConfig) (llms.Model, error) {
	model := gen.Model
	if jc.Model != "" {
		model = jc.Model
	}
	token := gen.APIKey.Value()
	if token == "" {
		token = "unused"
	}
	opts := []openai.Option{openai.WithModel(model), openai.WithToken(token)}
	if gen.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(gen.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s judge model: %w", model, err)
	}
	return llm, nil
}

// Grade grades the program at s.Path.
func (j *Judge) Grade(ctx context.Context, s evaluation.Subject) (Verdict, error) {
	program, err := os.ReadFile(s.Path)
	if err != nil {
		return Verdict{}, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	text := string(program)
	if j.scrubber != nil {
		text, _ = j.scrubber.Scrub(text)
	}

	var buf bytes.Buffer
	err = promptTemplate.Execute(&buf, struct {
		Rubric   Rubric
		Name     string
		Revision int
		Brief    string
		Program  string
	}{j.rubric, s.Name, s.Revision, s.Brief, text})
	if err != nil {
		return Verdict{}, fmt.Errorf("rendering %s prompt: %w", j.rubric.Name, err)
	}

	if err := j.limiter.Wait(ctx); err != nil {
		return Verdict{}, fmt.Errorf("rate limiter error: %w", err)
	}
	reply, err := llms.GenerateFromSinglePrompt(ctx, j.model, buf.String(), llms.WithTemperature(0))
	if err != nil {
		return Verdict{}, fmt.Errorf("%s judge call failed: %w", j.rubric.Name, err)
	}

	v, err := ParseVerdict(reply)
	if err != nil {
		j.logger.Warn(ctx, "unparseable judge reply",
			zap.String("rubric", j.rubric.Name),
			zap.Int("reply_len", len(reply)))
		return Verdict{}, err
	}
	return v, nil
}

// ParseVerdict extracts the verdict from a reply. Fenced blocks are tried
// first, then the outermost braces of the raw text.
func ParseVerdict(reply string) (Verdict, error) {
	candidates := generation.CodeBlocks(reply)
	if start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}"); start >= 0 && end > start {
		candidates = append(candidates, reply[start:end+1])
	}

	for _, c := range candidates {
		var raw struct {
			Passed   *bool   `json:"passed"`
			Score    float64 `json:"score"`
			Feedback string  `json:"feedback"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(c)), &raw); err != nil || raw.Passed == nil {
			continue
		}
		return Verdict{Passed: *raw.Passed, Score: raw.Score, Feedback: strings.TrimSpace(raw.Feedback)}, nil
	}
	return Verdict{}, ErrNoVerdict
}

// ComplianceJudge adapts a Judge to evaluation.ComplianceGate.
type ComplianceJudge struct{ *Judge }

// NewCompliance returns a compliance gate.
func NewCompliance(model llms.Model, opts ...Option) ComplianceJudge {
	return ComplianceJudge{New(model, ComplianceRubric, opts...)}
}

// CheckCompliance implements evaluation.ComplianceGate.
func (c ComplianceJudge) CheckCompliance(ctx context.Context, s evaluation.Subject) (evaluation.ComplianceResult, error) {
	v, err := c.Grade(ctx, s)
	if err != nil {
		return evaluation.ComplianceResult{}, err
	}
	return evaluation.ComplianceResult{Passed: v.Passed, Score: v.Score, Feedback: v.Feedback}, nil
}

// AlignmentJudge adapts a Judge to evaluation.AlignmentGate.
type AlignmentJudge struct{ *Judge }

// NewAlignment returns an alignment gate.
func NewAlignment(model llms.Model, opts ...Option) AlignmentJudge {
	return AlignmentJudge{New(model, AlignmentRubric, opts...)}
}

// CheckAlignment implements evaluation.AlignmentGate.
func (a AlignmentJudge) CheckAlignment(ctx context.Context, s evaluation.Subject) (evaluation.AlignmentResult, error) {
	v, err := a.Grade(ctx, s)
	if err != nil {
		return evaluation.AlignmentResult{}, err
	}
	return evaluation.AlignmentResult{Passed: v.Passed, Score: v.Score, Feedback: v.Feedback}, nil
}

var (
	_ evaluation.ComplianceGate = ComplianceJudge{}
	_ evaluation.AlignmentGate  = AlignmentJudge{}
)
