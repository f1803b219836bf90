package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/feedback"
	"github.com/fyrsmithlabs/refine/internal/generation"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/fyrsmithlabs/refine/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

// fooGate fails programs mentioning foo. Revisions at or above blockFrom
// block until ctx ends; zero disables blocking.
type fooGate struct {
	blockFrom int
}

func (g fooGate) CheckValidity(ctx context.Context, s evaluation.Subject) (evaluation.ValidityResult, error) {
	if g.blockFrom > 0 && s.Revision >= g.blockFrom {
		<-ctx.Done()
		return evaluation.ValidityResult{}, ctx.Err()
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return evaluation.ValidityResult{}, err
	}
	if strings.Contains(string(data), "foo") {
		return evaluation.ValidityResult{ErrorMsg: "NameError: name 'foo' is not defined"}, nil
	}
	return evaluation.ValidityResult{Runnable: true}, nil
}

// scriptedGenerator always answers with a fixed program.
type scriptedGenerator struct {
	mu    sync.Mutex
	code  string
	panic string // artifact name that makes Generate panic
	calls int
}

func (g *scriptedGenerator) Generate(_ context.Context, req generation.Request) (generation.Response, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.panic != "" && req.Target.Name == g.panic {
		panic("generator exploded")
	}
	return generation.Response{Text: "```python\n" + g.code + "```", Code: g.code, Found: true}, nil
}

func (g *scriptedGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// MockGenerator is a testify mock for generation.Generator.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(generation.Response), args.Error(1)
}

type fixture struct {
	dir     string
	sources []artifact.Source
	ws      *artifact.Workspace
	store   *store.Store
}

func newFixture(t *testing.T, programs map[string]string, order ...string) fixture {
	t.Helper()
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "programs")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))

	var sources []artifact.Source
	for _, name := range order {
		path := filepath.Join(srcDir, name+".py")
		require.NoError(t, os.WriteFile(path, []byte(programs[name]), 0o644))
		sources = append(sources, artifact.SourceFromPath(path))
	}

	out := filepath.Join(dir, "out")
	ws, err := artifact.NewWorkspace(out)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(out, "results.json"), store.Options{LockWait: 5 * time.Second, LockPoll: time.Millisecond})
	require.NoError(t, err)
	return fixture{dir: dir, sources: sources, ws: ws, store: st}
}

func (f fixture) deps(t *testing.T, gate evaluation.ValidityGate, gen generation.Generator) Deps {
	t.Helper()
	chain, err := evaluation.NewChain(evaluation.Gates{Validity: gate}, evaluation.Switches{}, config.Default().Stagnation)
	require.NoError(t, err)
	return Deps{
		Workspace: f.ws,
		Store:     f.store,
		Evaluator: chain,
		Composer:  feedback.NewComposer(config.Default().Feedback),
		Generator: gen,
	}
}

func runConfig(workers int) config.RunConfig {
	cfg := config.Default().Run
	cfg.Workers = workers
	cfg.IterationTimeout = 5 * time.Second
	cfg.ArtifactTimeout = 30 * time.Second
	return cfg
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(runConfig(1), Deps{})
	assert.Error(t, err)
}

func TestRun_RowsInInputOrder(t *testing.T) {
	names := []string{"snake", "tetris", "pong", "breakout", "asteroids"}
	programs := make(map[string]string)
	for _, n := range names {
		programs[n] = "foo()\n"
	}

	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := newFixture(t, programs, names...)
			gen := &scriptedGenerator{code: "print('ok')\n"}
			o, err := New(runConfig(workers), f.deps(t, fooGate{}, gen))
			require.NoError(t, err)

			report, err := o.Run(context.Background(), f.sources)
			require.NoError(t, err)
			require.Len(t, report.Rows, len(names))
			assert.NotEmpty(t, report.RunID)
			assert.False(t, report.Interrupted)

			for i, row := range report.Rows {
				assert.Equal(t, names[i], row.Name)
				assert.Equal(t, "pass", row.Reason)
				assert.Equal(t, names[i]+"_v1.py", row.Final)
				assert.Equal(t, 1, row.Generated)
				assert.Equal(t, "print('ok')\n", readFile(t, row.FinalPath))
			}
			assert.Equal(t, len(names), gen.count())
			assert.Equal(t, map[string]int{"pass": len(names)}, report.Counts())

			entries, err := f.store.Load()
			require.NoError(t, err)
			assert.Len(t, entries, 2*len(names))
		})
	}
}

func TestRun_ResumeSkipsResolvedArtifacts(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "foo()\n"}, "snake")

	first, err := New(runConfig(1), f.deps(t, fooGate{}, &scriptedGenerator{code: "print('ok')\n"}))
	require.NoError(t, err)
	_, err = first.Run(context.Background(), f.sources)
	require.NoError(t, err)

	before := readFile(t, f.store.Path())
	finalPath := f.ws.FinalPath("snake", "py", artifact.FinalPass)
	require.NoError(t, os.Remove(finalPath))

	gen := new(MockGenerator)
	second, err := New(runConfig(1), f.deps(t, fooGate{}, gen))
	require.NoError(t, err)
	report, err := second.Run(context.Background(), f.sources)
	require.NoError(t, err)

	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	require.Len(t, report.Rows, 1)
	row := report.Rows[0]
	assert.True(t, row.Skipped)
	assert.Equal(t, "pass", row.Reason)
	assert.Equal(t, "snake_v1.py", row.Final)

	assert.Equal(t, before, readFile(t, f.store.Path()), "resume must not write to the store")
	assert.Equal(t, "print('ok')\n", readFile(t, finalPath), "missing final is restored")
}

func TestRun_ArtifactTimeoutFallsBackToOriginal(t *testing.T) {
	original := "foo()\n# original\n"
	f := newFixture(t, map[string]string{"snake": original, "pong": "print('pong')\n"}, "snake", "pong")
	gen := &scriptedGenerator{code: "print('ok')\n# longer than the original\n"}

	cfg := runConfig(1)
	cfg.IterationTimeout = 0
	cfg.ArtifactTimeout = 200 * time.Millisecond
	logger := logging.NewTestLogger()
	o, err := New(cfg, f.deps(t, fooGate{blockFrom: 1}, gen), WithLogger(logger.Logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f.sources)
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)

	row := report.Rows[0]
	assert.Equal(t, "timeout", row.Reason)
	assert.Less(t, row.Duration, cfg.ArtifactTimeout+2*time.Second)
	assert.Equal(t, original, readFile(t, row.FinalPath))
	assert.Equal(t, f.ws.FinalPath("snake", "py", artifact.FinalFallback), row.FinalPath)
	assert.False(t, f.ws.FinalExists("snake", "py", artifact.FinalPass))

	e, ok, err := f.store.Get("snake_v1.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "TIMEOUT: artifact exceeded 200ms", e.Metrics.Validity.ErrorMsg)

	assert.Equal(t, "pass", report.Rows[1].Reason, "other artifacts continue")
	logger.AssertLogged(t, zapcore.WarnLevel, "artifact timed out")
}

func TestRun_PanicRecordedAsError(t *testing.T) {
	f := newFixture(t, map[string]string{"boom": "foo()\n", "snake": "foo()\n"}, "boom", "snake")
	gen := &scriptedGenerator{code: "print('ok')\n", panic: "boom"}

	logger := logging.NewTestLogger()
	o, err := New(runConfig(2), f.deps(t, fooGate{}, gen), WithLogger(logger.Logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f.sources)
	require.NoError(t, err)

	row := report.Rows[0]
	assert.Equal(t, "error", row.Reason)
	assert.Contains(t, row.Error, "generator exploded")
	assert.Equal(t, "foo()\n", readFile(t, row.FinalPath))

	e, ok, err := f.store.Get("boom_v0.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(e.Metrics.Validity.ErrorMsg, "ERROR: panic: generator exploded"), e.Metrics.Validity.ErrorMsg)

	assert.Equal(t, "pass", report.Rows[1].Reason)
	logger.AssertLogged(t, zapcore.ErrorLevel, "revision loop panicked")
}

// explodingGate panics on the named artifact and otherwise acts like fooGate.
type explodingGate struct {
	name string
}

func (g explodingGate) CheckValidity(ctx context.Context, s evaluation.Subject) (evaluation.ValidityResult, error) {
	if s.Name == g.name {
		panic("validator exploded")
	}
	return fooGate{}.CheckValidity(ctx, s)
}

func TestRun_GatePanicRecordedAsError(t *testing.T) {
	f := newFixture(t, map[string]string{"boom": "foo()\n", "snake": "foo()\n"}, "boom", "snake")
	gen := &scriptedGenerator{code: "print('ok')\n"}

	logger := logging.NewTestLogger()
	o, err := New(runConfig(1), f.deps(t, explodingGate{name: "boom"}, gen), WithLogger(logger.Logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f.sources)
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)

	row := report.Rows[0]
	assert.Equal(t, "error", row.Reason)
	assert.Contains(t, row.Error, "validator exploded")
	assert.Equal(t, "foo()\n", readFile(t, row.FinalPath))
	assert.Equal(t, f.ws.FinalPath("boom", "py", artifact.FinalFallback), row.FinalPath)

	e, ok, err := f.store.Get("boom_v0.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(e.Metrics.Validity.ErrorMsg, "ERROR: "), e.Metrics.Validity.ErrorMsg)
	assert.Contains(t, e.Metrics.Validity.ErrorMsg, "panic: validator exploded")

	assert.Equal(t, "pass", report.Rows[1].Reason, "the next artifact still runs")
	assert.Equal(t, 1, gen.count())
	logger.AssertLogged(t, zapcore.ErrorLevel, "revision loop panicked")
}

// stallingPublisher holds the event announcing a stored pass until ctx
// ends, so the artifact deadline fires after the pass is on record.
type stallingPublisher struct{}

func (stallingPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Kind == EventRevision && ev.Stop == "pass" {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (stallingPublisher) Close() error { return nil }

func TestRun_TimeoutAfterPassKeepsPass(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "print('ok')\n"}, "snake")
	gen := new(MockGenerator)

	cfg := runConfig(1)
	cfg.ArtifactTimeout = 200 * time.Millisecond
	logger := logging.NewTestLogger()
	o, err := New(cfg, f.deps(t, fooGate{}, gen), WithPublisher(stallingPublisher{}), WithLogger(logger.Logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f.sources)
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, "pass", row.Reason)
	assert.Equal(t, "snake_v0.py", row.Final)
	assert.Empty(t, row.Error)
	assert.Equal(t, "print('ok')\n", readFile(t, row.FinalPath))
	assert.False(t, f.ws.FinalExists("snake", "py", artifact.FinalFallback))

	e, ok, err := f.store.Get("snake_v0.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Metrics.Validity.Runnable)
	assert.NotContains(t, e.Metrics.Validity.ErrorMsg, "TIMEOUT")

	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	logger.AssertLogged(t, zapcore.WarnLevel, "artifact timed out after passing")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "foo()\n", "pong": "foo()\n"}, "snake", "pong")
	gen := &scriptedGenerator{code: "print('ok')\n"}
	o, err := New(runConfig(1), f.deps(t, fooGate{}, gen))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Run(ctx, f.sources)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	for _, row := range report.Rows {
		assert.Equal(t, ReasonCancelled, row.Reason)
	}
	assert.Zero(t, gen.count())
	assert.Contains(t, report.Summary(), "(interrupted)")
}

func TestRun_DuplicateNames(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "x\n"}, "snake")
	o, err := New(runConfig(1), f.deps(t, fooGate{}, &scriptedGenerator{}))
	require.NoError(t, err)

	_, err = o.Run(context.Background(), append(f.sources, f.sources[0]))
	assert.Error(t, err)
}

func TestRun_RecordsTelemetry(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "foo()\n"}, "snake")
	tt := telemetry.NewTestTelemetry()
	metrics, err := NewMetrics(tt.Meter(InstrumentationName))
	require.NoError(t, err)

	o, err := New(runConfig(1), f.deps(t, fooGate{}, &scriptedGenerator{code: "print('ok')\n"}),
		WithMetrics(metrics),
		WithTracer(tt.Tracer(InstrumentationName)))
	require.NoError(t, err)

	_, err = o.Run(context.Background(), f.sources)
	require.NoError(t, err)

	assert.Equal(t, int64(1), tt.CounterTotal(t, "refine.artifacts.total", attribute.String("reason", "pass")))
	assert.Equal(t, int64(1), tt.CounterTotal(t, "refine.revisions.generated.total"))
	assert.Equal(t, int64(2), tt.CounterTotal(t, "refine.store.records.total"))
	tt.AssertSpanExists(t, "orchestrator.run")
	tt.AssertSpanExists(t, "revision.iteration")
	tt.AssertSpanAttribute(t, "orchestrator.artifact", "artifact.reason", "pass")
}

// failingPublisher rejects every event.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }
func (failingPublisher) Close() error { return nil }

func TestRun_PublishFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t, map[string]string{"snake": "foo()\n"}, "snake")
	logger := logging.NewTestLogger()
	o, err := New(runConfig(1), f.deps(t, fooGate{}, &scriptedGenerator{code: "print('ok')\n"}),
		WithPublisher(failingPublisher{}),
		WithLogger(logger.Logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f.sources)
	require.NoError(t, err)
	assert.Equal(t, "pass", report.Rows[0].Reason)
	logger.AssertLogged(t, zapcore.WarnLevel, "event publish failed")
}

func TestReport_Summary(t *testing.T) {
	r := &Report{Rows: []Row{
		{Name: "a", Reason: "pass", Generated: 2},
		{Name: "b", Reason: "budget", Generated: 5},
		{Name: "c", Reason: "pass"},
	}}
	assert.Equal(t, "3 artifacts: 1 budget, 2 pass", r.Summary())
	assert.Equal(t, 7, r.Generated())
	assert.Equal(t, "0 artifacts", (&Report{}).Summary())
}
