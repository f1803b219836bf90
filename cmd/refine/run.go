package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/feedback"
	"github.com/fyrsmithlabs/refine/internal/generation"
	refinehttp "github.com/fyrsmithlabs/refine/internal/http"
	"github.com/fyrsmithlabs/refine/internal/judge"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/orchestrator"
	"github.com/fyrsmithlabs/refine/internal/secrets"
	"github.com/fyrsmithlabs/refine/internal/store"
	"github.com/fyrsmithlabs/refine/internal/telemetry"
	"github.com/fyrsmithlabs/refine/internal/validity"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/refine"

// runFlags are CLI overrides applied over the loaded configuration.
type runFlags struct {
	sourceDir    string
	manifest     string
	outputDir    string
	workers      int
	maxRevisions int
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Repair every program in the source directory",
		Long: `Run the repair loop over every program found in --source-dir (or listed in
--manifest). Revisions are written under --output-dir and every evaluation
is recorded in the result store. A re-run resumes where the last one stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, func(c *config.Config) { f.apply(cmd, c) })
			if err != nil {
				return err
			}
			return runRefine(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func (f *runFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.sourceDir, "source-dir", "", "directory of programs to repair")
	flags.StringVar(&f.manifest, "manifest", "", "TOML manifest listing programs (overrides --source-dir)")
	flags.StringVar(&f.outputDir, "output-dir", "", "directory for revisions, finals and the result store")
	flags.IntVar(&f.workers, "workers", 0, "artifacts processed concurrently")
	flags.IntVar(&f.maxRevisions, "max-revisions", 0, "revision budget per artifact")
}

// apply copies the flags the user set onto cfg.
func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("source-dir") {
		cfg.Run.SourceDir = f.sourceDir
	}
	if flags.Changed("manifest") {
		cfg.Run.Manifest = f.manifest
	}
	if flags.Changed("output-dir") {
		cfg.Run.OutputDir = f.outputDir
	}
	if flags.Changed("workers") {
		cfg.Run.Workers = f.workers
	}
	if flags.Changed("max-revisions") {
		cfg.Run.MaxRevisions = f.maxRevisions
	}
}

// loadConfig loads the file and environment, applies overrides and validates.
func loadConfig(path string, override func(*config.Config)) (config.Config, error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runRefine wires every component from cfg, processes all artifacts and
// prints the report. Only setup failures are returned.
func runRefine(ctx context.Context, cfg config.Config, out io.Writer) error {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logCfg, err := logging.FromSettings(cfg.Logging, cfg.Observability)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	sources, err := discoverSources(cfg.Run)
	if err != nil {
		return err
	}

	logger.Info(ctx, "starting refine",
		zap.String("version", version),
		zap.Int("artifacts", len(sources)),
		zap.Int("workers", cfg.Run.Workers),
		zap.Int("max_revisions", cfg.Run.MaxRevisions),
		zap.String("output_dir", cfg.Run.OutputDir))

	ws, err := artifact.NewWorkspace(cfg.Run.OutputDir)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath(), store.OptionsFromConfig(cfg.Store, logger))
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}

	chain, err := buildChain(cfg, logger, tel)
	if err != nil {
		return err
	}

	gen, err := generation.NewClient(cfg.Generation, generation.WithLogger(logger))
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tel.Tracer(instrumentationName)),
	}
	metrics, err := orchestrator.NewMetrics(tel.Meter(orchestrator.InstrumentationName))
	if err != nil {
		logger.Warn(ctx, "orchestrator metrics unavailable", zap.Error(err))
	} else {
		opts = append(opts, orchestrator.WithMetrics(metrics))
	}

	if cfg.Events.NATSURL != "" {
		pub, err := orchestrator.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, orchestrator.WithPublisher(pub))
		logger.Info(ctx, "publishing progress events", zap.String("nats_url", cfg.Events.NATSURL))
	}

	orch, err := orchestrator.New(cfg.Run, orchestrator.Deps{
		Workspace: ws,
		Store:     st,
		Evaluator: chain,
		Composer:  feedback.NewComposer(cfg.Feedback),
		Generator: gen,
	}, opts...)
	if err != nil {
		return err
	}

	stopServer := func() {}
	if cfg.Server.StatusAddr != "" {
		stopServer, err = startStatusServer(ctx, cfg, logger, tel)
		if err != nil {
			return err
		}
	}
	defer stopServer()

	report, err := orch.Run(ctx, sources)
	if err != nil {
		return err
	}

	printReport(out, report)
	logger.Info(ctx, "refine finished",
		zap.String("run_id", report.RunID),
		zap.String("summary", report.Summary()),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return nil
}

// discoverSources enumerates artifacts from the manifest when one is set,
// otherwise from the source directory.
func discoverSources(rc config.RunConfig) ([]artifact.Source, error) {
	var (
		sources []artifact.Source
		err     error
	)
	if rc.Manifest != "" {
		sources, err = artifact.LoadManifest(rc.Manifest)
	} else {
		sources, err = artifact.Discover(rc.SourceDir, rc.Extensions)
	}
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no programs found")
	}
	return sources, nil
}

// buildChain assembles the gate chain. Judges share the generation endpoint
// and its pacing.
func buildChain(cfg config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*evaluation.Chain, error) {
	gates := evaluation.Gates{
		Validity: validity.NewGate(cfg.Gates.Validity, logger),
	}

	judgeOpts := []judge.Option{
		judge.WithLogger(logger),
		judge.WithLimiter(generation.NewLimiter(cfg.Generation.RateLimit, cfg.Generation.Burst)),
	}
	if cfg.Generation.ScrubSecrets && (cfg.Gates.Compliance.Enabled || cfg.Gates.Alignment.Enabled) {
		s, err := secrets.NewScrubber(cfg.Generation.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
		judgeOpts = append(judgeOpts, judge.WithScrubber(s))
	}

	if cfg.Gates.Compliance.Enabled {
		model, err := judge.NewModel(cfg.Generation, cfg.Gates.Compliance)
		if err != nil {
			return nil, err
		}
		gates.Compliance = judge.NewCompliance(model, judgeOpts...)
	}
	if cfg.Gates.Alignment.Enabled {
		model, err := judge.NewModel(cfg.Generation, cfg.Gates.Alignment)
		if err != nil {
			return nil, err
		}
		gates.Alignment = judge.NewAlignment(model, judgeOpts...)
	}
	if cfg.Gates.Winnability.Enabled {
		probe, err := validity.NewProbe(cfg.Gates.Winnability, cfg.Gates.Validity, logger)
		if err != nil {
			return nil, err
		}
		gates.Winnability = probe
	}

	return evaluation.NewChain(gates, evaluation.SwitchesFromConfig(cfg.Gates), cfg.Stagnation,
		evaluation.WithLogger(logger),
		evaluation.WithTracer(tel.Tracer(instrumentationName)),
	)
}

// startStatusServer serves the status endpoint until the returned stop
// function is called.
func startStatusServer(ctx context.Context, cfg config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (func(), error) {
	source := refinehttp.StoreSource{
		Path:     cfg.StorePath(),
		Switches: evaluation.SwitchesFromConfig(cfg.Gates),
	}
	metrics := refinehttp.NewHTTPMetrics(tel.Meter(instrumentationName), logger)
	srv, err := refinehttp.NewServer(cfg.Server, source, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create status server: %w", err)
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx); err != nil {
			logger.Error(serveCtx, "status server failed", zap.Error(err))
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// printReport writes the per-artifact table and the summary line.
func printReport(w io.Writer, r *orchestrator.Report) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ARTIFACT", "RESULT", "FINAL", "GENERATED", "DURATION")
	for _, row := range r.Rows {
		result := row.Reason
		if row.Skipped {
			result += " (resumed)"
		}
		if row.Error != "" {
			result += ": " + firstLine(row.Error)
		}
		t.Row(row.Name, result, row.Final, fmt.Sprintf("%d", row.Generated), row.Duration.Round(time.Millisecond).String())
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Summary())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
