package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] for fields left unset.
const (
	DefaultMaxChunkLength = 600.0
	DefaultOverlapLength  = 10.0
	DefaultRateMaxCalls   = 60
	DefaultRatePeriodSec  = 60
	DefaultRetries        = 3
	DefaultOffloadPollSec = 5
	DefaultOffloadTimeout = 30
	DefaultLocalModel     = "qwen2.5:3b"
	DefaultRemoteWorkers  = 4
	DefaultExportWorkers  = 4
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = "output"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	if cfg.Chunking.MaxChunkLength == 0 {
		cfg.Chunking.MaxChunkLength = DefaultMaxChunkLength
	}
	if cfg.Chunking.OverlapLength == 0 {
		cfg.Chunking.OverlapLength = DefaultOverlapLength
	}
	if cfg.Chunking.VAD == "" {
		if cfg.Chunking.SileroModelPath != "" {
			cfg.Chunking.VAD = VADSilero
		} else {
			cfg.Chunking.VAD = VADEnergy
		}
	}

	if cfg.Transcription.Backend == "" {
		cfg.Transcription.Backend = TranscriberWhisperCpp
	}
	if cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Transcription.Workers == 0 {
		if cfg.Transcription.Backend == TranscriberOpenAI {
			cfg.Transcription.Workers = DefaultRemoteWorkers
		} else {
			cfg.Transcription.Workers = 1
		}
	}
	if cfg.Transcription.Retries == 0 {
		if cfg.Transcription.Backend == TranscriberOpenAI {
			cfg.Transcription.Retries = DefaultRetries
		} else {
			cfg.Transcription.Retries = 1
		}
	}

	if cfg.Diarization.ClusteringThreshold == 0 {
		cfg.Diarization.ClusteringThreshold = 0.5
	}

	if cfg.Classification.Backend == "" {
		cfg.Classification.Backend = ClassifierLocal
	}
	if cfg.Classification.Backend == ClassifierLocal && cfg.Classification.Model == "" {
		cfg.Classification.Model = DefaultLocalModel
	}
	if cfg.Classification.RateLimit.MaxCalls == 0 {
		cfg.Classification.RateLimit.MaxCalls = DefaultRateMaxCalls
	}
	if cfg.Classification.RateLimit.PeriodSeconds == 0 {
		cfg.Classification.RateLimit.PeriodSeconds = DefaultRatePeriodSec
	}
	if cfg.Classification.Retries == 0 {
		cfg.Classification.Retries = DefaultRetries
	}
	if cfg.Classification.OffloadPollSeconds == 0 {
		cfg.Classification.OffloadPollSeconds = DefaultOffloadPollSec
	}
	if cfg.Classification.OffloadTimeoutMinutes == 0 {
		cfg.Classification.OffloadTimeoutMinutes = DefaultOffloadTimeout
	}

	if cfg.Export.Workers == 0 {
		cfg.Export.Workers = DefaultExportWorkers
	}

	if cfg.Knowledge.Store == "" {
		cfg.Knowledge.Store = KnowledgeStoreFile
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Chunking.MaxChunkLength <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_chunk_length must be positive"))
	}
	if cfg.Chunking.OverlapLength < 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap_length must be non-negative"))
	}
	if cfg.Chunking.OverlapLength >= cfg.Chunking.MaxChunkLength {
		errs = append(errs, fmt.Errorf("chunking.overlap_length %.1f must be less than max_chunk_length %.1f",
			cfg.Chunking.OverlapLength, cfg.Chunking.MaxChunkLength))
	}
	if !cfg.Chunking.VAD.IsValid() {
		errs = append(errs, fmt.Errorf("chunking.vad %q is invalid; valid values: silero, energy", cfg.Chunking.VAD))
	}
	if cfg.Chunking.VAD == VADSilero && cfg.Chunking.SileroModelPath == "" {
		errs = append(errs, fmt.Errorf("chunking.silero_model_path is required for the silero backend"))
	}

	if !cfg.Transcription.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("transcription.backend %q is invalid; valid values: whispercpp, openai", cfg.Transcription.Backend))
	}
	switch cfg.Transcription.Backend {
	case TranscriberWhisperCpp:
		if cfg.Transcription.ModelPath == "" {
			errs = append(errs, fmt.Errorf("transcription.model_path is required for the whispercpp backend"))
		}
	case TranscriberOpenAI:
		if cfg.Transcription.APIKey == "" {
			errs = append(errs, fmt.Errorf("transcription.api_key is required for the openai backend (or set OPENAI_API_KEY)"))
		}
	}

	if cfg.Diarization.Enabled {
		if cfg.Diarization.SegmentationModelPath == "" {
			errs = append(errs, fmt.Errorf("diarization.segmentation_model_path is required when diarization is enabled"))
		}
		if cfg.Diarization.EmbeddingModelPath == "" {
			errs = append(errs, fmt.Errorf("diarization.embedding_model_path is required when diarization is enabled"))
		}
		if cfg.Diarization.NumSpeakers < 0 {
			errs = append(errs, fmt.Errorf("diarization.num_speakers must be non-negative"))
		}
	}

	if !cfg.Classification.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("classification.backend %q is invalid; valid values: local, remote, offloaded", cfg.Classification.Backend))
	}
	switch cfg.Classification.Backend {
	case ClassifierLocal:
		if cfg.Classification.Model == "" {
			errs = append(errs, fmt.Errorf("classification.model is required for the local backend"))
		}
	case ClassifierRemote:
		if cfg.Classification.Provider == "" {
			errs = append(errs, fmt.Errorf("classification.provider is required for the remote backend"))
		}
		if cfg.Classification.Model == "" {
			errs = append(errs, fmt.Errorf("classification.model is required for the remote backend"))
		}
	case ClassifierOffloaded:
		if cfg.Classification.OffloadDir == "" {
			errs = append(errs, fmt.Errorf("classification.offload_dir is required for the offloaded backend"))
		}
	}
	if cfg.Classification.RateLimit.MaxCalls <= 0 {
		errs = append(errs, fmt.Errorf("classification.rate_limit.max_calls must be positive"))
	}
	if cfg.Classification.RateLimit.PeriodSeconds <= 0 {
		errs = append(errs, fmt.Errorf("classification.rate_limit.period_seconds must be positive"))
	}

	if cfg.Knowledge.Enabled {
		if !cfg.Knowledge.Store.IsValid() {
			errs = append(errs, fmt.Errorf("knowledge.store %q is invalid; valid values: file, postgres", cfg.Knowledge.Store))
		}
		if cfg.Knowledge.Store == KnowledgeStorePostgres && cfg.Knowledge.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("knowledge.postgres_dsn is required for the postgres store"))
		}
	}

	partyIDs := make(map[string]int, len(cfg.Parties))
	for i, p := range cfg.Parties {
		prefix := fmt.Sprintf("parties[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := partyIDs[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of parties[%d]", prefix, p.ID, prev))
		}
		partyIDs[p.ID] = i
		if len(p.Characters) == 0 {
			slog.Warn("party has no characters listed; classification will lack roster context", "party", p.ID)
		}
	}

	return errors.Join(errs...)
}

// Party returns the party with the given ID, or nil when unknown. An empty
// id returns the sole configured party, if there is exactly one.
func (c *Config) Party(id string) *PartyConfig {
	if id == "" {
		if len(c.Parties) == 1 {
			return &c.Parties[0]
		}
		return nil
	}
	for i := range c.Parties {
		if c.Parties[i].ID == id {
			return &c.Parties[i]
		}
	}
	return nil
}
