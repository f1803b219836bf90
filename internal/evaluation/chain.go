package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/refine/internal/evaluation"

// Chain evaluates revisions through the fixed gate order.
type Chain struct {
	gates      Gates
	switches   Switches
	stagnation config.StagnationConfig
	logger     *logging.Logger
	tracer     trace.Tracer
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(l *logging.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

// WithTracer sets the tracer used for per-gate spans.
func WithTracer(t trace.Tracer) ChainOption {
	return func(c *Chain) { c.tracer = t }
}

// NewChain builds a chain. Every enabled downstream gate must be provided.
func NewChain(gates Gates, sw Switches, stag config.StagnationConfig, opts ...ChainOption) (*Chain, error) {
	if gates.Validity == nil {
		return nil, errors.New("validity gate is required")
	}
	if sw.Compliance && gates.Compliance == nil {
		return nil, errors.New("compliance is enabled but no compliance gate was provided")
	}
	if sw.Alignment && gates.Alignment == nil {
		return nil, errors.New("alignment is enabled but no alignment gate was provided")
	}
	if sw.Winnability && gates.Winnability == nil {
		return nil, errors.New("winnability is enabled but no winnability gate was provided")
	}

	c := &Chain{
		gates:      gates,
		switches:   sw,
		stagnation: stag,
		logger:     logging.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Switches returns the chain's gate switches.
func (c *Chain) Switches() Switches {
	return c.switches
}

// Evaluate scores current. prior is the previous revision, nil at
// revision 0. Gate failures are encoded in the record, never returned.
func (c *Chain) Evaluate(ctx context.Context, current artifact.Artifact, prior *artifact.Artifact, s Subject) MetricsRecord {
	ctx, span := c.tracer.Start(ctx, "evaluation.chain", trace.WithAttributes(
		attribute.String("artifact.name", s.Name),
		attribute.Int("artifact.revision", s.Revision),
	))
	defer span.End()

	if msg := c.preCheck(current, prior); msg != "" {
		c.logger.Warn(ctx, "stagnation detected", zap.String("reason", msg))
		span.SetAttributes(attribute.String("evaluation.stop", msg))
		return Failed(msg)
	}

	var rec MetricsRecord
	rec.Validity = c.validity(ctx, s)
	if !rec.Validity.Passed() {
		span.SetAttributes(attribute.Bool("evaluation.runnable", false))
		c.logger.Debug(ctx, "validity failed", zap.String("error_msg", rec.Validity.ErrorMsg))
		return rec
	}

	if c.switches.Compliance {
		rec.Compliance = runGate(ctx, c, "compliance", s, c.gates.Compliance.CheckCompliance,
			func(r *ComplianceResult, err error) {
				r.Passed = false
				r.Error = err.Error()
			})
	}
	if c.switches.Alignment {
		rec.Alignment = runGate(ctx, c, "alignment", s, c.gates.Alignment.CheckAlignment,
			func(r *AlignmentResult, err error) {
				r.Passed = false
				r.Error = err.Error()
			})
	}
	if c.switches.Winnability {
		rec.Winnability = runGate(ctx, c, "winnability", s, c.gates.Winnability.CheckWinnability,
			func(r *WinnabilityResult, err error) {
				r.Done = false
				r.Error = err.Error()
			})
	}

	passed := Passes(rec, c.switches)
	span.SetAttributes(attribute.Bool("evaluation.passed", passed))
	c.logger.Debug(ctx, "evaluation complete", zap.Bool("passed", passed))
	return rec
}

// preCheck returns a STOP reason when current made no progress over prior
// or regressed drastically.
func (c *Chain) preCheck(current artifact.Artifact, prior *artifact.Artifact) string {
	if current.Revision == 0 || prior == nil {
		return ""
	}
	if c.stagnation.DetectUnchanged && current.Text == prior.Text {
		return StopNoChange
	}
	if r := c.stagnation.ShrinkRatio; r > 0 && float64(len(current.Text)) < r*float64(len(prior.Text)) {
		return StopShrinkage
	}
	return ""
}

func (c *Chain) validity(ctx context.Context, s Subject) ValidityResult {
	ctx, span := c.tracer.Start(ctx, "gate.validity")
	defer span.End()

	start := time.Now()
	res, err := c.gates.Validity.CheckValidity(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res = ValidityResult{ErrorMsg: fmt.Sprintf("validity gate error: %v", err)}
	}
	if !res.Runnable && res.ErrorMsg == "" {
		res.ErrorMsg = NotRunnableMsg
	}
	if res.Runnable && res.ErrorMsg != "" {
		res.Runnable = false
	}
	if res.DurationSeconds == 0 {
		res.DurationSeconds = time.Since(start).Seconds()
	}
	return res
}

// runGate calls one downstream gate, converting an error into its section.
func runGate[R any](ctx context.Context, c *Chain, name string, s Subject,
	check func(context.Context, Subject) (R, error), onErr func(*R, error)) R {
	ctx, span := c.tracer.Start(ctx, "gate."+name)
	defer span.End()

	res, err := check(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn(ctx, "gate failed", zap.String("gate", name), zap.Error(err))
		var zero R
		res = zero
		onErr(&res, err)
	}
	return res
}
