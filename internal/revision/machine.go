// Package revision drives one artifact through the evaluate, compose,
// generate cycle until it passes, stagnates or runs out of budget.
//
// State transitions:
//
//	INIT -> EVALUATING(latest revision on disk, 0 if none)
//	EVALUATING -> STOPPED(pass)         stop predicate holds
//	EVALUATING -> STOPPED(stagnation)   pre-check reported STOP:
//	EVALUATING -> STOPPED(budget)       revision index reached max_revisions
//	EVALUATING -> STOPPED(no-feedback)  composer found nothing to ask for
//	EVALUATING -> REVISING -> EVALUATING(i+1)
//
// STOPPED(timeout) and STOPPED(error) are entered by the orchestrator,
// which owns the artifact deadline and the fallback output.
package revision

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/deadline"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/feedback"
	"github.com/fyrsmithlabs/refine/internal/generation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/refine/internal/revision"

// State is a machine state.
type State string

const (
	StateInit       State = "INIT"
	StateEvaluating State = "EVALUATING"
	StateRevising   State = "REVISING"
	StateStopped    State = "STOPPED"
)

// StopReason says why an artifact stopped.
type StopReason string

const (
	ReasonPass       StopReason = "pass"
	ReasonStagnation StopReason = "stagnation"
	ReasonBudget     StopReason = "budget"
	ReasonNoFeedback StopReason = "no-feedback"
	ReasonTimeout    StopReason = "timeout"
	ReasonError      StopReason = "error"
)

// FinalKind maps a stop reason to the final output it produces.
func (r StopReason) FinalKind() artifact.FinalKind {
	switch r {
	case ReasonPass:
		return artifact.FinalPass
	case ReasonTimeout, ReasonError:
		return artifact.FinalFallback
	default:
		return artifact.FinalUnresolved
	}
}

// Outcome is the record of one evaluated revision. Prompt and Response are
// empty when no repair was requested. Stop is set on the last outcome only.
type Outcome struct {
	Identity artifact.Identity
	Metrics  evaluation.MetricsRecord
	Prompt   string
	Response string
	Stop     StopReason
}

// Entry converts the outcome to its stored form.
func (o Outcome) Entry() store.Entry {
	return store.Entry{Metrics: o.Metrics, ReflectionPrompt: o.Prompt, ReflectionResponse: o.Response}
}

// Result summarises a finished run of the machine.
type Result struct {
	Reason StopReason
	// Last is the final evaluated revision.
	Last Outcome
	// Final is the revision copied to the final output.
	Final     artifact.Identity
	FinalPath string
	// Generated counts new revisions written during this run.
	Generated int
}

// Evaluator scores a revision. *evaluation.Chain implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, current artifact.Artifact, prior *artifact.Artifact, s evaluation.Subject) evaluation.MetricsRecord
	Switches() evaluation.Switches
}

// Composer builds repair prompts. *feedback.Composer implements it.
type Composer interface {
	Compose(in feedback.Input) (string, feedback.Category)
}

// Machine runs revision loops. One Machine may serve many artifacts
// concurrently; per-artifact state lives in Run.
type Machine struct {
	workspace        *artifact.Workspace
	evaluator        Evaluator
	composer         Composer
	generator        generation.Generator
	maxRevisions     int
	iterationTimeout time.Duration
	logger           *logging.Logger
	tracer           trace.Tracer
	observer         func(context.Context, Outcome)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTracer sets the tracer for iteration spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// WithObserver registers fn to be called after every stored outcome.
func WithObserver(fn func(context.Context, Outcome)) Option {
	return func(m *Machine) { m.observer = fn }
}

// New builds a Machine.
func New(ws *artifact.Workspace, ev Evaluator, comp Composer, gen generation.Generator, cfg config.RunConfig, opts ...Option) *Machine {
	m := &Machine{
		workspace:        ws,
		evaluator:        ev,
		composer:         comp,
		generator:        gen,
		maxRevisions:     cfg.MaxRevisions,
		iterationTimeout: cfg.IterationTimeout,
		logger:           logging.NewNop(),
		tracer:           otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives src to a stop. Every evaluated revision is upserted to w
// exactly once before the machine moves on. progress, when non-nil, tracks
// the in-flight revision.
//
// Errors are returned for faults outside the gates: workspace I/O, store
// writes, generation failures and cancellation of ctx.
func (m *Machine) Run(ctx context.Context, src artifact.Source, w store.Writer, progress *Progress) (Result, error) {
	ctx = logging.WithArtifact(ctx, src.Name)
	progress.set(StateInit, src.Identity(0))

	cur, err := m.workspace.Seed(src)
	if err != nil {
		return Result{}, fmt.Errorf("seeding %s: %w", src.Name, err)
	}
	var prior *artifact.Artifact
	if cur.Revision > 0 {
		p, err := m.workspace.Read(cur.Identity.At(cur.Revision - 1))
		if err != nil {
			return Result{}, fmt.Errorf("reading prior revision: %w", err)
		}
		prior = &p
	}
	reference, err := artifact.ReadReference(src)
	if err != nil {
		return Result{}, err
	}

	m.logger.Info(ctx, "revision loop started", zap.Int("revision", cur.Revision))

	generated := 0
	for {
		progress.set(StateEvaluating, cur.Identity)
		iterCtx := logging.WithRevision(ctx, cur.Revision)

		rec, err := m.evaluate(iterCtx, src, cur, prior)
		if err != nil {
			return Result{}, err
		}
		out := Outcome{Identity: cur.Identity, Metrics: rec}

		if reason, ok := m.stopReason(rec, cur); ok {
			out.Stop = reason
			if err := m.record(iterCtx, w, out); err != nil {
				return Result{}, err
			}
			progress.set(StateStopped, cur.Identity)

			final := cur
			if reason == ReasonStagnation && prior != nil {
				final = *prior
			}
			path, err := m.writeFinal(w, src, final, reason)
			if err != nil {
				return Result{}, err
			}
			m.logger.Info(iterCtx, "revision loop stopped",
				zap.String("reason", string(reason)),
				zap.String("final", final.Key()))
			return Result{Reason: reason, Last: out, Final: final.Identity, FinalPath: path, Generated: generated}, nil
		}

		prompt, cat := m.composer.Compose(feedback.Input{
			Metrics:     rec,
			Switches:    m.evaluator.Switches(),
			Language:    src.Ext,
			PriorText:   priorText(prior),
			CurrentText: cur.Text,
			Reference:   reference,
		})
		if cat == feedback.CategoryNone {
			out.Stop = ReasonNoFeedback
			if err := m.record(iterCtx, w, out); err != nil {
				return Result{}, err
			}
			progress.set(StateStopped, cur.Identity)
			path, err := m.writeFinal(w, src, cur, ReasonNoFeedback)
			if err != nil {
				return Result{}, err
			}
			m.logger.Warn(iterCtx, "no actionable feedback, stopping")
			return Result{Reason: ReasonNoFeedback, Last: out, Final: cur.Identity, FinalPath: path, Generated: generated}, nil
		}

		progress.set(StateRevising, cur.Identity)
		m.logger.Debug(iterCtx, "requesting revision", zap.String("category", string(cat)))

		resp, err := m.generator.Generate(iterCtx, generation.Request{Prompt: prompt, Target: cur.Identity.Next()})
		if err != nil {
			return Result{}, fmt.Errorf("generating %s: %w", cur.Identity.Next().Key(), err)
		}

		// The outcome is stored before the next revision file exists, so an
		// interrupted run resumes at cur and never leaves a gap in the store.
		out.Prompt, out.Response = prompt, resp.Text
		if err := m.record(iterCtx, w, out); err != nil {
			return Result{}, err
		}

		next := artifact.Artifact{Identity: cur.Identity.Next(), Text: resp.Code}
		if err := guarded(w, func() error { return m.workspace.Write(next) }); err != nil {
			return Result{}, err
		}
		generated++

		prev := cur
		prior, cur = &prev, next
	}
}

// evaluate runs the chain under the iteration deadline. A timeout is a
// validity failure of this revision, not an error.
func (m *Machine) evaluate(ctx context.Context, src artifact.Source, cur artifact.Artifact, prior *artifact.Artifact) (evaluation.MetricsRecord, error) {
	ctx, span := m.tracer.Start(ctx, "revision.iteration", trace.WithAttributes(
		attribute.String("artifact.name", src.Name),
		attribute.Int("artifact.revision", cur.Revision),
	))
	defer span.End()

	subject := evaluation.Subject{
		Name:     src.Name,
		Revision: cur.Revision,
		Path:     m.workspace.RevisionPath(cur.Identity),
		Brief:    src.Brief,
	}
	rec, timedOut, err := deadline.Run(ctx, m.iterationTimeout, func(ctx context.Context) (evaluation.MetricsRecord, error) {
		return m.evaluator.Evaluate(ctx, cur, prior, subject), nil
	})
	// A timeout also carries a *deadline.TimeoutError; it fails only this
	// iteration.
	if timedOut {
		msg := fmt.Sprintf("%s evaluation exceeded %s", evaluation.TimeoutPrefix, m.iterationTimeout)
		m.logger.Warn(ctx, "evaluation timed out", zap.Duration("budget", m.iterationTimeout))
		span.SetAttributes(attribute.Bool("evaluation.timed_out", true))
		return evaluation.Failed(msg), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation aborted")
		return evaluation.MetricsRecord{}, fmt.Errorf("evaluating %s: %w", cur.Key(), err)
	}
	return rec, nil
}

func (m *Machine) stopReason(rec evaluation.MetricsRecord, cur artifact.Artifact) (StopReason, bool) {
	switch {
	case evaluation.Passes(rec, m.evaluator.Switches()):
		return ReasonPass, true
	case evaluation.IsStagnation(rec):
		return ReasonStagnation, true
	case cur.Revision >= m.maxRevisions:
		return ReasonBudget, true
	}
	return "", false
}

func (m *Machine) record(ctx context.Context, w store.Writer, out Outcome) error {
	if err := w.Upsert(ctx, out.Identity.Key(), out.Entry()); err != nil {
		return fmt.Errorf("storing %s: %w", out.Identity.Key(), err)
	}
	if m.observer != nil {
		m.observer(ctx, out)
	}
	return nil
}

func (m *Machine) writeFinal(w store.Writer, src artifact.Source, final artifact.Artifact, reason StopReason) (string, error) {
	kind := reason.FinalKind()
	var path string
	err := guarded(w, func() error {
		p, err := m.workspace.WriteFinal(src.Name, src.Ext, kind, final.Text)
		if err != nil {
			return err
		}
		path = p
		return m.workspace.ClearFinals(src.Name, src.Ext, kind)
	})
	return path, err
}

// guarded runs fn under w's seal when w is a *store.Sealed.
func guarded(w store.Writer, fn func() error) error {
	if s, ok := w.(*store.Sealed); ok {
		return s.Do(fn)
	}
	return fn()
}

func priorText(prior *artifact.Artifact) string {
	if prior == nil {
		return ""
	}
	return prior.Text
}
