// Command civiclerk drives the council meeting pipeline: discovery,
// download, transcription, validation, speaker attribution, and analysis.
//
// Every verb is resumable: artifacts on disk and the ledger's status column
// decide what still needs doing, so an interrupted run is re-run, not
// repaired.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencivics/civiclerk/internal/analyze"
	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/diarize"
	"github.com/opencivics/civiclerk/internal/discovery"
	"github.com/opencivics/civiclerk/internal/download"
	"github.com/opencivics/civiclerk/internal/health"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/internal/pipeline"
	"github.com/opencivics/civiclerk/internal/resilience"
	"github.com/opencivics/civiclerk/internal/transcribe"
	"github.com/opencivics/civiclerk/internal/validate"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	"github.com/opencivics/civiclerk/pkg/provider/asr/whisperd"
	"github.com/opencivics/civiclerk/pkg/provider/clipsource/granicus"
	"github.com/opencivics/civiclerk/pkg/provider/diarizer"
	"github.com/opencivics/civiclerk/pkg/provider/diarizer/pyannoted"
	"github.com/opencivics/civiclerk/pkg/provider/extractor/ffmpeg"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
	"github.com/opencivics/civiclerk/pkg/provider/llm/anyllm"
	openaillm "github.com/opencivics/civiclerk/pkg/provider/llm/openai"
)

// Exit codes. Callers (cron, systemd timers) branch on these.
const (
	exitOK    = 0 // work done (individual meeting failures are logged, not fatal)
	exitErr   = 1 // bad invocation, missing prerequisite, or stage-level error
	exitFatal = 2 // ledger invariant violated; human attention needed
)

const usage = `usage: civiclerk <command> [flags]

commands:
  setup        create the data directory, artifact tree, and ledger schema
  discover     probe the platform's clip range and record new meetings
  download     fetch audio for discovered meetings
  transcribe   run both ASR engines over downloaded meetings
  validate     compare engines and run the LLM coherence passes
  diarize      attribute speakers (one clip, a batch, or continuously)
  analyze      run the analysis prompts over validated meetings
  status       show per-status counts and the backlog estimate
  pipeline     run all stages in order

run 'civiclerk <command> -h' for command flags`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return exitErr
	}

	verb, rest := args[0], args[1:]
	switch verb {
	case "setup":
		return cmdSetup(rest)
	case "discover":
		return cmdDiscover(rest)
	case "download":
		return cmdDownload(rest)
	case "transcribe":
		return cmdTranscribe(rest)
	case "validate":
		return cmdValidate(rest)
	case "diarize":
		return cmdDiarize(rest)
	case "analyze":
		return cmdAnalyze(rest)
	case "status":
		return cmdStatus(rest)
	case "pipeline":
		return cmdPipeline(rest)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "civiclerk: unknown command %q\n%s\n", verb, usage)
		return exitErr
	}
}

// ── shared wiring ─────────────────────────────────────────────────────────────

// env bundles everything a verb needs once flags are parsed.
type env struct {
	cfg   *config.Config
	store *ledger.Store
	files *artifact.Store
	log   *slog.Logger

	shutdown func(context.Context) error
}

// configFlag registers the shared -config flag on a verb's flag set.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "config.yaml", "path to the YAML configuration file")
}

// setup loads config, opens the ledger and artifact store, and initialises
// telemetry. The returned env must be closed.
func setup(configPath string) (*env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "civiclerk",
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	files := artifact.New(cfg.DataDir)
	store, err := ledger.Open(cfg.DatabasePath())
	if err != nil {
		shutdown(context.Background())
		return nil, fmt.Errorf("open ledger (run 'civiclerk setup' first?): %w", err)
	}
	return &env{cfg: cfg, store: store, files: files, log: logger, shutdown: shutdown}, nil
}

// loadConfig reads the config file, falling back to the built-in defaults
// when no file exists at the default location.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		slog.Info("no config file found, using defaults", "path", path)
		return config.Default(), nil
	}
	return cfg, err
}

func (e *env) close() {
	e.store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.log.Warn("telemetry shutdown error", "error", err)
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newLLM builds an LLM provider from the configured backend and the given
// model name, wrapped in a circuit breaker so a dead local server fails
// batches fast instead of timing out on every segment.
func newLLM(cfg *config.Config, model string) (llm.Provider, error) {
	providerName := cfg.LLM.Provider
	if providerName == "" {
		providerName = "ollama"
	}
	var opts []anyllmlib.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	}
	backend, err := anyllm.New(providerName, model, opts...)
	if err != nil {
		return nil, err
	}

	wrapped := resilience.NewLLMFallback(backend, providerName, resilience.FallbackConfig{})
	// A hosted key alongside a local backend doubles as a fallback: when the
	// local server's breaker opens, the same model name is tried against the
	// OpenAI-compatible API.
	if providerName != "openai" && cfg.LLM.APIKey != "" {
		hosted, err := openaillm.New(cfg.LLM.APIKey, model)
		if err != nil {
			return nil, err
		}
		wrapped.AddFallback("openai", hosted)
	}
	return wrapped, nil
}

func newEngine(engine config.ASREngineConfig, language string, timeoutSeconds int) (asr.Provider, error) {
	return whisperd.New(engine.ServerURL, engine.Model,
		whisperd.WithLanguage(language),
		whisperd.WithTimeout(time.Duration(timeoutSeconds)*time.Second),
	)
}

// newTurnDetector returns nil when no diarization server is configured;
// attribution then runs on transcript evidence alone.
func newTurnDetector(cfg *config.Config) (diarizer.Diarizer, error) {
	if cfg.Diarization.ServerURL == "" {
		return nil, nil
	}
	var opts []pyannoted.Option
	if cfg.Diarization.Token != "" {
		opts = append(opts, pyannoted.WithToken(cfg.Diarization.Token))
	}
	return pyannoted.New(cfg.Diarization.ServerURL, opts...)
}

func newDiarizeWorker(e *env) (*diarize.Worker, error) {
	turns, err := newTurnDetector(e.cfg)
	if err != nil {
		return nil, err
	}
	fast, err := newLLM(e.cfg, e.cfg.LLM.FastModel)
	if err != nil {
		return nil, err
	}
	return diarize.New(e.cfg, e.store, e.files, turns, fast, diarize.WithLogger(e.log)), nil
}

// serveHealth exposes liveness, readiness, and Prometheus metrics for the
// long-running continuous mode. The returned function shuts the server down.
func serveHealth(e *env, addr string) func() {
	checker := health.Checker{
		Name: "ledger",
		Check: func(context.Context) error {
			_, err := e.store.CountsByStatus()
			return err
		},
	}
	mux := http.NewServeMux()
	health.New(checker).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("health server error", "error", err)
		}
	}()
	e.log.Info("health endpoints up", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// fail prints the error and maps it to an exit code. Status conflicts and
// corrupted ledger state are the fatal class: retrying will not help.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "civiclerk: %v\n", err)
	if errors.Is(err, ledger.ErrStatusConflict) {
		return exitFatal
	}
	return exitErr
}

// ── verbs ─────────────────────────────────────────────────────────────────────

func cmdSetup(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fail(fmt.Errorf("create data dir: %w", err))
	}
	if err := artifact.New(cfg.DataDir).EnsureDirs(); err != nil {
		return fail(err)
	}
	store, err := ledger.Open(cfg.DatabasePath())
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	fmt.Printf("initialised %s (ledger: %s)\n", cfg.DataDir, cfg.DatabasePath())
	return exitOK
}

func cmdDiscover(args []string) int {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := configFlag(fs)
	start := fs.Int("start", 0, "first clip ID to probe (default from config)")
	end := fs.Int("end", 0, "last clip ID to probe (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *start > 0 {
		e.cfg.Source.ClipStart = *start
	}
	if *end > 0 {
		e.cfg.Source.ClipEnd = *end
	}

	source, err := granicus.New(e.cfg.Source.BaseURL, e.cfg.Source.ViewID,
		granicus.WithTimeout(time.Duration(e.cfg.Timeouts.HTTPSeconds)*time.Second))
	if err != nil {
		return fail(err)
	}

	ctx, stop := signalContext()
	defer stop()
	stats, err := discovery.New(e.cfg, e.store, source, discovery.WithLogger(e.log)).Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("discovery: new=%d updated=%d existing=%d\n", stats.New, stats.Updated, stats.Existing)
	return exitOK
}

func cmdDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath := configFlag(fs)
	batch := fs.Int("batch", 0, "meetings to download this run (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *batch > 0 {
		e.cfg.Batch.Download = *batch
	}

	ctx, stop := signalContext()
	defer stop()
	stats, err := download.New(e.cfg, e.store, e.files, ffmpeg.New(), download.WithLogger(e.log)).Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("download: done=%d failed=%d skipped=%d\n", stats.Downloaded, stats.Failed, stats.Skipped)
	return exitOK
}

func cmdTranscribe(args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	configPath := configFlag(fs)
	batch := fs.Int("batch", 0, "meetings to transcribe this run (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *batch > 0 {
		e.cfg.Batch.Transcribe = *batch
	}

	primary, err := newEngine(e.cfg.ASR.Primary, e.cfg.ASR.Language, e.cfg.Timeouts.TranscribeSeconds)
	if err != nil {
		return fail(err)
	}
	secondary, err := newEngine(e.cfg.ASR.Secondary, e.cfg.ASR.Language, e.cfg.Timeouts.TranscribeSeconds)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signalContext()
	defer stop()
	stats, err := transcribe.New(e.cfg, e.store, e.files, primary, secondary, transcribe.WithLogger(e.log)).Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("transcribe: done=%d failed=%d\n", stats.Transcribed, stats.Failed)
	return exitOK
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := configFlag(fs)
	batch := fs.Int("batch", 0, "meetings to validate this run (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *batch > 0 {
		e.cfg.Batch.Validate = *batch
	}

	fast, err := newLLM(e.cfg, e.cfg.LLM.FastModel)
	if err != nil {
		return fail(err)
	}
	deep, err := newLLM(e.cfg, e.cfg.LLM.DeepModel)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signalContext()
	defer stop()
	stats, err := validate.New(e.cfg, e.store, e.files, fast, deep, validate.WithLogger(e.log)).Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("validate: done=%d failed=%d\n", stats.Validated, stats.Failed)
	return exitOK
}

func cmdDiarize(args []string) int {
	fs := flag.NewFlagSet("diarize", flag.ExitOnError)
	configPath := configFlag(fs)
	batch := fs.Int("batch", 0, "meetings to attribute this run (default from config)")
	continuous := fs.Bool("continuous", false, "poll for attribution work until interrupted")
	maxRetries := fs.Int("max-retries", 3, "give up on a meeting after this many failed attempts")
	retryDelay := fs.Duration("retry-delay", time.Minute, "sleep between continuous polling cycles")
	listen := fs.String("listen", "", "serve /healthz, /readyz, and /metrics on this address in continuous mode")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *batch > 0 {
		e.cfg.Batch.Diarize = *batch
	}

	worker, err := newDiarizeWorker(e)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signalContext()
	defer stop()

	// A bare clip ID argument attributes exactly that meeting.
	if fs.NArg() > 0 {
		clipID, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return fail(fmt.Errorf("invalid clip ID %q", fs.Arg(0)))
		}
		if err := worker.DiarizeMeeting(ctx, clipID); err != nil {
			return fail(err)
		}
		fmt.Printf("diarize: clip %d attributed\n", clipID)
		return exitOK
	}

	if *continuous {
		if *listen != "" {
			stopServing := serveHealth(e, *listen)
			defer stopServing()
		}
		orch := pipeline.New(e.cfg, e.store, pipeline.Stages{Diarize: worker}, pipeline.WithLogger(e.log))
		stats, err := orch.ContinuousDiarize(ctx, *retryDelay, *maxRetries)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("diarize: done=%d failed=%d exhausted=%d\n", stats.Diarized, stats.Failed, stats.Exhausted)
		return exitOK
	}

	stats, err := worker.Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("diarize: done=%d failed=%d skipped=%d\n", stats.Diarized, stats.Failed, stats.Skipped)
	return exitOK
}

func cmdAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := configFlag(fs)
	batch := fs.Int("batch", 0, "meetings to analyse this run (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()
	if *batch > 0 {
		e.cfg.Batch.Analyze = *batch
	}

	model, err := newLLM(e.cfg, e.cfg.LLM.AnalysisModel)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signalContext()
	defer stop()
	stats, err := analyze.New(e.cfg, e.store, e.files, model, analyze.WithLogger(e.log)).Run(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("analyze: done=%d failed=%d\n", stats.Analyzed, stats.Failed)
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	orch := pipeline.New(e.cfg, e.store, pipeline.Stages{}, pipeline.WithLogger(e.log))
	report, err := orch.Status()
	if err != nil {
		return fail(err)
	}
	printStatus(report)
	return exitOK
}

func printStatus(r *pipeline.StatusReport) {
	order := []ledger.Status{
		ledger.StatusDiscovered, ledger.StatusDownloading, ledger.StatusDownloaded,
		ledger.StatusTranscribing, ledger.StatusTranscribed, ledger.StatusValidating,
		ledger.StatusValidated, ledger.StatusAnalyzing, ledger.StatusAnalyzed,
		ledger.StatusFailed, ledger.StatusSkipped,
	}
	fmt.Printf("meetings: %d\n", r.Total)
	for _, st := range order {
		if n := r.Counts[st]; n > 0 {
			fmt.Printf("  %-13s %d\n", st, n)
		}
	}
	fmt.Printf("pending: download=%d transcribe=%d validate=%d analyze=%d\n",
		r.PendingDownload, r.PendingTranscribe, r.PendingValidate, r.PendingAnalyze)
	fmt.Printf("estimated backlog: ~%d min\n", r.ETAMinutes)
	if len(r.RecentFailures) > 0 {
		fmt.Println("recent failures:")
		for _, e := range r.RecentFailures {
			fmt.Printf("  %s clip=%d %s: %s\n", e.CreatedAt, e.ClipID, e.Stage, e.Message)
		}
	}
}

func cmdPipeline(args []string) int {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	configPath := configFlag(fs)
	showStatus := fs.Bool("status", false, "print the status report instead of running")
	incremental := fs.Bool("incremental", false, "skip discovery and work the existing backlog")
	var skip pipeline.Skip
	fs.BoolVar(&skip.Discovery, "skip-discovery", false, "skip the discovery stage")
	fs.BoolVar(&skip.Download, "skip-download", false, "skip the download stage")
	fs.BoolVar(&skip.Transcribe, "skip-transcribe", false, "skip the transcription stage")
	fs.BoolVar(&skip.Diarize, "skip-diarize", false, "skip the attribution stage")
	fs.BoolVar(&skip.Validate, "skip-validate", false, "skip the validation stage")
	fs.BoolVar(&skip.Analyze, "skip-analyze", false, "skip the analysis stage")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	orch, err := buildOrchestrator(e)
	if err != nil {
		return fail(err)
	}

	if *showStatus {
		report, err := orch.Status()
		if err != nil {
			return fail(err)
		}
		printStatus(report)
		return exitOK
	}

	ctx, stop := signalContext()
	defer stop()

	var results []pipeline.StageResult
	if *incremental {
		results, err = orch.RunIncremental(ctx, skip)
	} else {
		results, err = orch.Run(ctx, skip)
	}
	for _, r := range results {
		if !r.Ran {
			fmt.Printf("%s: skipped\n", r.Name)
			continue
		}
		fmt.Printf("%s: done=%d failed=%d skipped=%d\n", r.Name, r.Done, r.Failed, r.Skipped)
	}
	if err != nil {
		return fail(err)
	}
	return exitOK
}

// buildOrchestrator wires every stage worker from the config.
func buildOrchestrator(e *env) (*pipeline.Orchestrator, error) {
	source, err := granicus.New(e.cfg.Source.BaseURL, e.cfg.Source.ViewID,
		granicus.WithTimeout(time.Duration(e.cfg.Timeouts.HTTPSeconds)*time.Second))
	if err != nil {
		return nil, err
	}
	primary, err := newEngine(e.cfg.ASR.Primary, e.cfg.ASR.Language, e.cfg.Timeouts.TranscribeSeconds)
	if err != nil {
		return nil, err
	}
	secondary, err := newEngine(e.cfg.ASR.Secondary, e.cfg.ASR.Language, e.cfg.Timeouts.TranscribeSeconds)
	if err != nil {
		return nil, err
	}
	diarizeWorker, err := newDiarizeWorker(e)
	if err != nil {
		return nil, err
	}
	fast, err := newLLM(e.cfg, e.cfg.LLM.FastModel)
	if err != nil {
		return nil, err
	}
	deep, err := newLLM(e.cfg, e.cfg.LLM.DeepModel)
	if err != nil {
		return nil, err
	}
	analysisModel, err := newLLM(e.cfg, e.cfg.LLM.AnalysisModel)
	if err != nil {
		return nil, err
	}

	stages := pipeline.Stages{
		Discovery:  discovery.New(e.cfg, e.store, source, discovery.WithLogger(e.log)),
		Download:   download.New(e.cfg, e.store, e.files, ffmpeg.New(), download.WithLogger(e.log)),
		Transcribe: transcribe.New(e.cfg, e.store, e.files, primary, secondary, transcribe.WithLogger(e.log)),
		Diarize:    diarizeWorker,
		Validate:   validate.New(e.cfg, e.store, e.files, fast, deep, validate.WithLogger(e.log)),
		Analyze:    analyze.New(e.cfg, e.store, e.files, analysisModel, analyze.WithLogger(e.log)),
	}
	return pipeline.New(e.cfg, e.store, stages, pipeline.WithLogger(e.log)), nil
}
