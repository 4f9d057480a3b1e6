// Command tablescribe transcribes tabletop RPG session recordings into
// speaker-attributed, in-character/out-of-character classified transcripts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tablescribe/tablescribe/internal/config"
	"github.com/tablescribe/tablescribe/internal/observe"
	"github.com/tablescribe/tablescribe/internal/pipeline"
)

// version is stamped by the release build.
var version = "dev"

// exitInterrupted is the conventional exit code for a SIGINT-terminated run.
const exitInterrupted = 130

func main() {
	os.Exit(run())
}

func run() int {
	// A .env next to the binary is a convenience; real environment wins.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "tablescribe: interrupted")
		return exitInterrupted
	}
	fmt.Fprintf(os.Stderr, "tablescribe: %v\n", err)
	return 1
}

// sessionFlags are shared by run and resume.
type sessionFlags struct {
	configPath string
	logLevel   string

	sessionID  string
	partyID    string
	campaignID string
	language   string

	skipDiarization    bool
	skipClassification bool
	skipSnippets       bool
	skipKnowledge      bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "session identifier (default: input file name)")
	cmd.Flags().StringVar(&f.partyID, "party-id", "", "configured party whose roster informs classification")
	cmd.Flags().StringVar(&f.campaignID, "campaign-id", "", "campaign for knowledge extraction (default: the party's campaign)")
	cmd.Flags().StringVar(&f.language, "language", "", "expected language code, e.g. en (default: auto-detect)")
	cmd.Flags().BoolVar(&f.skipDiarization, "skip-diarization", false, "attribute the whole session to one speaker")
	cmd.Flags().BoolVar(&f.skipClassification, "skip-classification", false, "label every segment IC without calling a model")
	cmd.Flags().BoolVar(&f.skipSnippets, "skip-snippets", false, "do not export per-speaker audio snippets")
	cmd.Flags().BoolVar(&f.skipKnowledge, "skip-knowledge", false, "do not extract campaign knowledge")
}

func newRootCmd() *cobra.Command {
	flags := &sessionFlags{}

	root := &cobra.Command{
		Use:           "tablescribe",
		Short:         "Transcribe tabletop RPG session recordings",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run <audio-file>",
		Short: "Transcribe a session recording end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), flags, sessionArgs{inputPath: args[0]})
		},
	}
	flags.register(runCmd)

	var (
		sessionDir string
		fromStage  int
	)
	resumeCmd := &cobra.Command{
		Use:   "resume --session-dir <dir> [audio-file]",
		Short: "Resume an interrupted session from its checkpoints or intermediates",
		Long: `Resume continues a session from its output directory. Without --from-stage
the run restarts at the first stage whose checkpoint is missing or invalid.
With --from-stage {4|5|6} the corresponding intermediate file seeds the run
and processing continues at the next stage; the original audio file is only
needed when early stages have to rerun.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := sessionArgs{resumeDir: sessionDir}
			if len(args) == 1 {
				a.inputPath = args[0]
			}
			if fromStage != 0 {
				stage, err := pipeline.ParseFromStage(fromStage)
				if err != nil {
					return err
				}
				a.fromStage = stage
			} else if a.inputPath == "" {
				return fmt.Errorf("resume needs the audio file unless --from-stage is given")
			}
			return runSession(cmd.Context(), flags, a)
		},
	}
	resumeCmd.Flags().StringVar(&sessionDir, "session-dir", "", "existing session output directory (required)")
	resumeCmd.Flags().IntVar(&fromStage, "from-stage", 0, "seed the run from this stage's intermediate file (4, 5 or 6)")
	_ = resumeCmd.MarkFlagRequired("session-dir")
	flags.register(resumeCmd)

	root.AddCommand(runCmd, resumeCmd)
	return root
}

// sessionArgs is the per-invocation part runSession needs beyond flags.
type sessionArgs struct {
	inputPath string
	resumeDir string
	fromStage pipeline.Stage
}

func runSession(ctx context.Context, flags *sessionFlags, a sessionArgs) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", flags.configPath)
		}
		return err
	}
	if flags.logLevel != "" {
		lvl := config.LogLevel(flags.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", flags.logLevel)
		}
		cfg.LogLevel = lvl
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	party := cfg.Party(flags.partyID)
	if flags.partyID != "" && party == nil {
		return fmt.Errorf("party %q is not configured", flags.partyID)
	}

	comp, cleanup, err := buildComponents(ctx, cfg, a.fromStage)
	if err != nil {
		return err
	}
	defer cleanup()

	var stopMetrics func()
	if cfg.MetricsAddr != "" {
		comp.Metrics, stopMetrics, err = serveMetrics(ctx, cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	opts := pipeline.Options{
		SessionID:          flags.sessionID,
		InputPath:          a.inputPath,
		OutputRoot:         cfg.OutputRoot,
		ResumeDir:          a.resumeDir,
		FromStage:          a.fromStage,
		Language:           firstNonEmpty(flags.language, cfg.Transcription.Language),
		NumSpeakers:        cfg.Diarization.NumSpeakers,
		TranscribeWorkers:  cfg.Transcription.Workers,
		TranscribeRetries:  cfg.Transcription.Retries,
		ExportWorkers:      cfg.Export.Workers,
		CampaignID:         flags.campaignID,
		ClassifierName:     string(cfg.Classification.Backend),
		SkipDiarization:    flags.skipDiarization || !cfg.Diarization.Enabled,
		SkipClassification: flags.skipClassification,
		ExportSnippets:     cfg.Export.Enabled && !flags.skipSnippets,
		ExtractKnowledge:   cfg.Knowledge.Enabled && !flags.skipKnowledge,
		RedactAudit:        cfg.Classification.RedactAudit,
	}
	if party != nil {
		opts.Roster.CharacterNames = party.Characters
		opts.Roster.PlayerNames = party.Players
		opts.SpeakerNames = party.SpeakerNames
		if opts.CampaignID == "" {
			opts.CampaignID = firstNonEmpty(party.CampaignID, party.ID)
		}
	}

	p, err := pipeline.New(opts, comp)
	if err != nil {
		return err
	}
	report, err := p.Run(ctx)
	if report != nil {
		printSummary(report)
	}
	return err
}

func printSummary(report *pipeline.Report) {
	fmt.Printf("session %s — %d segments\n", report.SessionID, report.Segments)
	for _, res := range report.Stages {
		line := fmt.Sprintf("  %-20s %s", res.Name, res.Status)
		if len(res.Warnings) > 0 {
			line += "  (" + res.Warnings[0] + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("output: %s\n", report.Dir)
}

// serveMetrics exposes Prometheus metrics on addr for the duration of the
// run.
func serveMetrics(ctx context.Context, addr string) (*observe.Metrics, func(), error) {
	handler, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	metrics := observe.DefaultMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = shutdown(shutdownCtx)
	}
	return metrics, stop, nil
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
