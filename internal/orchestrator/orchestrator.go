package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/deadline"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/generation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/revision"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PanicError wraps a panic recovered from a revision loop or any gate it
// runs.
type PanicError = deadline.PanicError

// Deps are the collaborators shared by every artifact.
type Deps struct {
	Workspace *artifact.Workspace
	Store     *store.Store
	Evaluator revision.Evaluator
	Composer  revision.Composer
	Generator generation.Generator
}

func (d Deps) validate() error {
	switch {
	case d.Workspace == nil:
		return errors.New("workspace is required")
	case d.Store == nil:
		return errors.New("store is required")
	case d.Evaluator == nil:
		return errors.New("evaluator is required")
	case d.Composer == nil:
		return errors.New("composer is required")
	case d.Generator == nil:
		return errors.New("generator is required")
	}
	return nil
}

// Orchestrator runs revision loops over many artifacts.
type Orchestrator struct {
	cfg     config.RunConfig
	deps    Deps
	machine *revision.Machine

	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	publisher Publisher
	events    emitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. It is shared with the revision machine.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer for run, artifact and iteration spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics enables OpenTelemetry instruments.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sets the progress event publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// New builds an Orchestrator.
func New(cfg config.RunConfig, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(InstrumentationName),
		publisher: NopPublisher{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.events = emitter{pub: o.publisher, logger: o.logger}
	o.machine = revision.New(deps.Workspace, deps.Evaluator, deps.Composer, deps.Generator, cfg,
		revision.WithLogger(o.logger),
		revision.WithTracer(o.tracer),
		revision.WithObserver(o.observe),
	)
	return o, nil
}

func (o *Orchestrator) observe(ctx context.Context, out revision.Outcome) {
	o.metrics.recordStored(ctx)
	o.events.emit(ctx, Event{
		Kind:     EventRevision,
		Revision: out.Identity.Revision,
		Stop:     string(out.Stop),
	})
}

// Run processes sources and returns one row per source, in input order.
// Artifact faults are recorded in their rows; the error is reserved for
// an unusable source list. When ctx is cancelled, artifacts not yet
// started are reported as cancelled and the report is marked interrupted.
func (o *Orchestrator) Run(ctx context.Context, sources []artifact.Source) (*Report, error) {
	if err := checkNames(sources); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.artifacts", len(sources)),
		attribute.Int("run.workers", o.cfg.Workers),
	))
	defer span.End()

	report := &Report{
		RunID:   runID,
		Started: time.Now(),
		Rows:    make([]Row, len(sources)),
	}
	o.logger.Info(ctx, "run started",
		zap.Int("artifacts", len(sources)),
		zap.Int("workers", o.cfg.Workers))

	if o.cfg.Workers <= 1 {
		for i, src := range sources {
			report.Rows[i] = o.process(ctx, src)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(o.cfg.Workers)
		for i, src := range sources {
			g.Go(func() error {
				report.Rows[i] = o.process(ctx, src)
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Finished = time.Now()
	report.Interrupted = ctx.Err() != nil
	if report.Interrupted {
		span.SetStatus(codes.Error, "interrupted")
	}
	o.logger.Info(ctx, "run finished",
		zap.String("summary", report.Summary()),
		zap.Duration("duration", report.Finished.Sub(report.Started)))
	return report, nil
}

// process runs one artifact to a row. It never panics and never fails.
func (o *Orchestrator) process(ctx context.Context, src artifact.Source) Row {
	if ctx.Err() != nil {
		return Row{Name: src.Name, Reason: ReasonCancelled}
	}

	start := time.Now()
	ctx = logging.WithArtifact(ctx, src.Name)
	ctx, span := o.tracer.Start(ctx, "orchestrator.artifact", trace.WithAttributes(
		attribute.String("artifact.name", src.Name),
	))
	defer span.End()

	row, skipped, err := o.resume(ctx, src)
	if err != nil {
		o.logger.Warn(ctx, "resume check failed, running artifact", zap.Error(err))
	}
	if skipped {
		o.metrics.recordSkipped(ctx)
		span.SetAttributes(attribute.Bool("artifact.skipped", true))
		o.logger.Info(ctx, "artifact already resolved, skipping", zap.String("final", row.Final))
		return row
	}

	o.metrics.recordStarted(ctx)
	o.events.emit(ctx, Event{Kind: EventStarted})

	sealed := store.NewSealed(o.deps.Store)
	var progress revision.Progress

	// The loop gets its own context, cancelled only once the writer is
	// sealed, so an abandoned loop wakes up to a writer that drops
	// everything.
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	res, timedOut, err := deadline.Run(ctx, o.cfg.ArtifactTimeout, func(context.Context) (revision.Result, error) {
		return o.machine.Run(loopCtx, src, sealed, &progress)
	})
	sealed.Seal()
	cancelLoop()

	switch {
	case timedOut:
		// A pass already on record stands; the deadline only cut off the
		// bookkeeping after it.
		if kept, ok := o.keepPass(ctx, src, &progress); ok {
			row = kept
			o.logger.Warn(ctx, "artifact timed out after passing, keeping pass",
				zap.Duration("budget", o.cfg.ArtifactTimeout))
			break
		}
		msg := fmt.Sprintf("%s artifact exceeded %s", evaluation.TimeoutPrefix, o.cfg.ArtifactTimeout)
		row = o.fallback(ctx, src, &progress, revision.ReasonTimeout, msg)
		o.logger.Warn(ctx, "artifact timed out", zap.Duration("budget", o.cfg.ArtifactTimeout))
	case err != nil && ctx.Err() != nil:
		// Interrupted: leave the artifact resumable, no fallback.
		row = Row{Name: src.Name, Reason: ReasonCancelled, Error: err.Error()}
	case err != nil:
		var pe *PanicError
		if errors.As(err, &pe) {
			o.logger.Error(ctx, "revision loop panicked",
				zap.Any("panic", pe.Value),
				zap.ByteString("stack", pe.Stack))
		} else {
			o.logger.Error(ctx, "revision loop failed", zap.Error(err))
		}
		row = o.fallback(ctx, src, &progress, revision.ReasonError, evaluation.ErrorPrefix+" "+err.Error())
		row.Error = err.Error()
	default:
		row = Row{
			Name:      src.Name,
			Reason:    string(res.Reason),
			Final:     res.Final.Key(),
			FinalPath: res.FinalPath,
			Generated: res.Generated,
		}
	}
	row.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("artifact.reason", row.Reason),
		attribute.Int("artifact.generated", row.Generated),
	)
	if row.Error != "" || timedOut {
		span.SetStatus(codes.Error, row.Reason)
	}

	o.metrics.recordFinished(ctx, row.Reason, row.Generated, row.Duration)
	o.events.emit(context.WithoutCancel(ctx), Event{Kind: EventStopped, Stop: row.Reason, Error: row.Error})
	o.logger.Info(ctx, "artifact finished",
		zap.String("reason", row.Reason),
		zap.String("final", row.Final),
		zap.Int("generated", row.Generated),
		zap.Duration("duration", row.Duration))
	return row
}

// resume reports whether the latest revision of src already passed in a
// previous run. A missing pass final is rewritten.
func (o *Orchestrator) resume(ctx context.Context, src artifact.Source) (Row, bool, error) {
	latest, found, err := o.deps.Workspace.Latest(src)
	if err != nil || !found {
		return Row{}, false, err
	}
	row, passed, err := o.passRow(ctx, src, src.Identity(latest))
	if err != nil || !passed {
		return Row{}, false, err
	}
	row.Skipped = true
	return row, true, nil
}

// keepPass returns the pass row for the in-flight revision when the store
// already records it as passing.
func (o *Orchestrator) keepPass(ctx context.Context, src artifact.Source, progress *revision.Progress) (Row, bool) {
	id, _, ok := progress.Current()
	if !ok {
		return Row{}, false
	}
	row, passed, err := o.passRow(context.WithoutCancel(ctx), src, id)
	if err != nil {
		o.logger.Warn(ctx, "checking stored pass failed", zap.String("key", id.Key()), zap.Error(err))
		return Row{}, false
	}
	return row, passed
}

// passRow reports whether id is stored as passing and, if so, makes sure
// the pass final holds its text.
func (o *Orchestrator) passRow(ctx context.Context, src artifact.Source, id artifact.Identity) (Row, bool, error) {
	entry, ok, err := o.deps.Store.Get(id.Key())
	if err != nil || !ok {
		return Row{}, false, err
	}
	if !evaluation.Passes(entry.Metrics, o.deps.Evaluator.Switches()) {
		return Row{}, false, nil
	}

	ws := o.deps.Workspace
	path := ws.FinalPath(src.Name, src.Ext, artifact.FinalPass)
	if !ws.FinalExists(src.Name, src.Ext, artifact.FinalPass) {
		a, err := ws.Read(id)
		if err != nil {
			return Row{}, false, err
		}
		if path, err = ws.WriteFinal(src.Name, src.Ext, artifact.FinalPass, a.Text); err != nil {
			return Row{}, false, err
		}
		o.logger.Info(ctx, "restored missing final output", zap.String("path", path))
	}
	if err := ws.ClearFinals(src.Name, src.Ext, artifact.FinalPass); err != nil {
		return Row{}, false, err
	}
	return Row{
		Name:      src.Name,
		Reason:    string(revision.ReasonPass),
		Final:     id.Key(),
		FinalPath: path,
	}, true, nil
}

// fallback copies the original source to the fallback final and records a
// synthetic failure at the in-flight revision key. The caller must have
// sealed the loop's writer.
func (o *Orchestrator) fallback(ctx context.Context, src artifact.Source, progress *revision.Progress, reason revision.StopReason, msg string) Row {
	ctx = context.WithoutCancel(ctx)
	id, _, ok := progress.Current()
	if !ok {
		id = src.Identity(0)
	}
	row := Row{Name: src.Name, Reason: string(reason), Final: src.Identity(0).Key()}

	ws := o.deps.Workspace
	text, err := artifact.ReadSource(src)
	if err == nil {
		row.FinalPath, err = ws.WriteFinal(src.Name, src.Ext, artifact.FinalFallback, text)
	}
	if err == nil {
		err = ws.ClearFinals(src.Name, src.Ext, artifact.FinalFallback)
	}
	if err != nil {
		o.logger.Error(ctx, "writing fallback output failed", zap.Error(err))
		row.Error = err.Error()
	}

	if err := o.deps.Store.Upsert(ctx, id.Key(), store.Entry{Metrics: evaluation.Failed(msg)}); err != nil {
		o.logger.Error(ctx, "recording fallback entry failed", zap.String("key", id.Key()), zap.Error(err))
		row.Error = err.Error()
		return row
	}
	o.metrics.recordStored(ctx)
	return row
}

func checkNames(sources []artifact.Source) error {
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		key := src.Identity(0).Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate artifact %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
