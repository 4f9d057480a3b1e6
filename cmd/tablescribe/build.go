package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/tablescribe/tablescribe/internal/chunker"
	"github.com/tablescribe/tablescribe/internal/classify"
	"github.com/tablescribe/tablescribe/internal/config"
	"github.com/tablescribe/tablescribe/internal/knowledge"
	"github.com/tablescribe/tablescribe/internal/pipeline"
	"github.com/tablescribe/tablescribe/internal/resilience"
	"github.com/tablescribe/tablescribe/internal/status"
	"github.com/tablescribe/tablescribe/internal/transcode"
	diarizesherpa "github.com/tablescribe/tablescribe/pkg/provider/diarize/sherpa"
	"github.com/tablescribe/tablescribe/pkg/provider/llm"
	"github.com/tablescribe/tablescribe/pkg/provider/llm/anyllm"
	llmollama "github.com/tablescribe/tablescribe/pkg/provider/llm/ollama"
	"github.com/tablescribe/tablescribe/pkg/provider/transcribe"
	transcribeopenai "github.com/tablescribe/tablescribe/pkg/provider/transcribe/openai"
	"github.com/tablescribe/tablescribe/pkg/provider/transcribe/whispercpp"
	"github.com/tablescribe/tablescribe/pkg/provider/vad"
	vadenergy "github.com/tablescribe/tablescribe/pkg/provider/vad/energy"
	vadsherpa "github.com/tablescribe/tablescribe/pkg/provider/vad/sherpa"
)

// buildComponents wires the configured backends into pipeline components.
// The returned cleanup releases backend resources and must run after the
// pipeline finishes.
func buildComponents(ctx context.Context, cfg *config.Config, fromStage pipeline.Stage) (pipeline.Components, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (pipeline.Components, func(), error) {
		cleanup()
		return pipeline.Components{}, nil, err
	}

	comp := pipeline.Components{}

	// The audio-facing components are only needed when stages 1-3 can run.
	if fromStage == 0 {
		ffmpeg := cfg.FFmpegPath
		if ffmpeg == "" {
			path, err := transcode.Resolve()
			if err != nil {
				return fail(err)
			}
			ffmpeg = path
		}
		comp.Transcoder = transcode.New(ffmpeg)

		detector, err := buildDetector(cfg)
		if err != nil {
			return fail(err)
		}
		ch, err := chunker.New(chunker.Config{
			MaxChunkLength: cfg.Chunking.MaxChunkLength,
			OverlapLength:  cfg.Chunking.OverlapLength,
		}, detector)
		if err != nil {
			return fail(err)
		}
		comp.Chunker = ch

		transcriber, closeTranscriber, err := buildTranscriber(cfg)
		if err != nil {
			return fail(err)
		}
		comp.Transcriber = transcriber
		if closeTranscriber != nil {
			closers = append(closers, closeTranscriber)
		}
	} else if cfg.FFmpegPath != "" {
		// Best effort: snippet export on resume still prefers ffmpeg.
		comp.Transcoder = transcode.New(cfg.FFmpegPath)
	} else if path, err := transcode.Resolve(); err == nil {
		comp.Transcoder = transcode.New(path)
	}

	if cfg.Diarization.Enabled {
		dcfg := diarizesherpa.DefaultConfig(
			cfg.Diarization.SegmentationModelPath,
			cfg.Diarization.EmbeddingModelPath,
		)
		if cfg.Diarization.ClusteringThreshold != 0 {
			dcfg.ClusteringThreshold = cfg.Diarization.ClusteringThreshold
		}
		d, err := diarizesherpa.New(dcfg)
		if err != nil {
			return fail(fmt.Errorf("diarizer: %w", err))
		}
		comp.Diarizer = d
		closers = append(closers, func() { _ = d.Close() })
	}

	classifierProvider, err := buildClassifier(cfg, &comp)
	if err != nil {
		return fail(err)
	}

	if cfg.Knowledge.Enabled {
		if classifierProvider == nil {
			slog.Warn("knowledge extraction needs an LLM provider; the offloaded classifier has none, skipping")
		} else {
			extractor, err := knowledge.NewExtractor(classifierProvider)
			if err != nil {
				return fail(err)
			}
			comp.Extractor = extractor

			store, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return fail(err)
			}
			comp.Store = store
			if closeStore != nil {
				closers = append(closers, closeStore)
			}
		}
	}

	if cfg.StatusDB != "" {
		tracker, err := status.OpenSQLite(cfg.StatusDB)
		if err != nil {
			return fail(err)
		}
		comp.Tracker = tracker
		closers = append(closers, func() { _ = tracker.Close() })
	} else {
		comp.Tracker = status.NewMemory()
	}

	return comp, cleanup, nil
}

func buildDetector(cfg *config.Config) (vad.Detector, error) {
	switch cfg.Chunking.VAD {
	case config.VADSilero:
		return vadsherpa.New(vadsherpa.DefaultConfig(cfg.Chunking.SileroModelPath))
	case config.VADEnergy:
		return vadenergy.New(vadenergy.DefaultConfig())
	}
	return nil, fmt.Errorf("unknown vad backend %q", cfg.Chunking.VAD)
}

func buildTranscriber(cfg *config.Config) (transcribe.Transcriber, func(), error) {
	switch cfg.Transcription.Backend {
	case config.TranscriberWhisperCpp:
		t, err := whispercpp.New(cfg.Transcription.ModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("transcriber: %w", err)
		}
		return t, func() { _ = t.Close() }, nil

	case config.TranscriberOpenAI:
		var opts []transcribeopenai.Option
		if cfg.Transcription.BaseURL != "" {
			opts = append(opts, transcribeopenai.WithBaseURL(cfg.Transcription.BaseURL))
		}
		t, err := transcribeopenai.New(cfg.Transcription.APIKey, cfg.Transcription.Model, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("transcriber: %w", err)
		}
		return t, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown transcription backend %q", cfg.Transcription.Backend)
}

// buildClassifier fills comp.NewClassifier (and ClassifierPreflight for the
// offloaded backend). It returns the LLM provider behind the classifier,
// when one exists, for reuse by knowledge extraction.
func buildClassifier(cfg *config.Config, comp *pipeline.Components) (llm.Provider, error) {
	c := cfg.Classification
	switch c.Backend {
	case config.ClassifierLocal:
		provider, err := llmollama.New(c.Model)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		var fallback llm.Provider
		if c.FallbackModel != "" {
			fb, err := llmollama.New(c.FallbackModel)
			if err != nil {
				return nil, fmt.Errorf("classifier fallback: %w", err)
			}
			fallback = fb
		}
		comp.ClassifierPreflight = provider.Preflight
		comp.NewClassifier = func(audit classify.AuditFunc) (classify.Classifier, error) {
			opts := []classify.LocalOption{}
			if fallback != nil {
				opts = append(opts, classify.WithFallbackModel(fallback))
			}
			if audit != nil {
				opts = append(opts, classify.WithAudit(audit))
			}
			return classify.NewLocal(provider, opts...)
		}
		return provider, nil

	case config.ClassifierRemote:
		var llopts []anyllmlib.Option
		if c.APIKey != "" {
			llopts = append(llopts, anyllmlib.WithAPIKey(c.APIKey))
		}
		provider, err := anyllm.New(c.Provider, c.Model, llopts...)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		limiter, err := resilience.NewLimiter(resilience.LimiterConfig{
			MaxCalls:  c.RateLimit.MaxCalls,
			Period:    time.Duration(c.RateLimit.PeriodSeconds) * time.Second,
			BurstSize: c.RateLimit.BurstSize,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		rcfg := classify.RemoteConfig{Retries: c.Retries}
		comp.NewClassifier = func(audit classify.AuditFunc) (classify.Classifier, error) {
			var opts []classify.RemoteOption
			if audit != nil {
				opts = append(opts, classify.WithRemoteAudit(audit))
			}
			return classify.NewRemote(provider, limiter, rcfg, opts...)
		}
		return provider, nil

	case config.ClassifierOffloaded:
		ocfg := classify.OffloadedConfig{
			Root:         c.OffloadDir,
			PollInterval: time.Duration(c.OffloadPollSeconds) * time.Second,
			Timeout:      time.Duration(c.OffloadTimeoutMinutes) * time.Minute,
		}
		probe, err := classify.NewOffloaded(ocfg)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		comp.ClassifierPreflight = probe.Preflight
		comp.NewClassifier = func(audit classify.AuditFunc) (classify.Classifier, error) {
			var opts []classify.OffloadedOption
			if audit != nil {
				opts = append(opts, classify.WithOffloadedAudit(audit))
			}
			return classify.NewOffloaded(ocfg, opts...)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown classification backend %q", c.Backend)
}

func buildStore(ctx context.Context, cfg *config.Config) (knowledge.Store, func(), error) {
	switch cfg.Knowledge.Store {
	case config.KnowledgeStoreFile:
		dir := cfg.Knowledge.Dir
		if dir == "" {
			dir = cfg.OutputRoot + "/knowledge"
		}
		store, err := knowledge.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.KnowledgeStorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Knowledge.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("knowledge: connect postgres: %w", err)
		}
		if err := knowledge.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store, err := knowledge.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown knowledge store %q", cfg.Knowledge.Store)
}
