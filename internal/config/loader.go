package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override their config file counterparts, so
// secrets can stay out of checked-in YAML.
const (
	EnvLLMAPIKey     = "CIVICLERK_LLM_API_KEY"
	EnvDiarizerToken = "CIVICLERK_DIARIZER_TOKEN"
)

// Load reads the YAML configuration file at path, merges it over [Default],
// applies environment overrides, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv copies recognised environment variables into cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv(EnvDiarizerToken); v != "" {
		cfg.Diarization.Token = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Source
	if cfg.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	if cfg.Source.ViewID <= 0 {
		errs = append(errs, fmt.Errorf("source.view_id %d must be positive", cfg.Source.ViewID))
	}
	if cfg.Source.ClipStart <= 0 || cfg.Source.ClipEnd <= 0 {
		errs = append(errs, fmt.Errorf("source.clip_start/clip_end (%d, %d) must be positive", cfg.Source.ClipStart, cfg.Source.ClipEnd))
	} else if cfg.Source.ClipStart > cfg.Source.ClipEnd {
		errs = append(errs, fmt.Errorf("source.clip_start %d is after clip_end %d", cfg.Source.ClipStart, cfg.Source.ClipEnd))
	}

	// ASR
	if cfg.ASR.Primary.ServerURL == "" || cfg.ASR.Primary.Model == "" {
		errs = append(errs, errors.New("asr.primary.server_url and asr.primary.model are required"))
	}
	if cfg.ASR.Secondary.ServerURL == "" || cfg.ASR.Secondary.Model == "" {
		errs = append(errs, errors.New("asr.secondary.server_url and asr.secondary.model are required"))
	}
	if cfg.ASR.Primary.Model != "" && cfg.ASR.Primary.Model == cfg.ASR.Secondary.Model {
		slog.Warn("asr.primary and asr.secondary use the same model; divergence comparison will always agree",
			"model", cfg.ASR.Primary.Model)
	}

	// LLM
	switch cfg.LLM.Provider {
	case "", "ollama", "openai", "llamacpp":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: ollama, openai, llamacpp", cfg.LLM.Provider))
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider openai (or set %s)", EnvLLMAPIKey))
	}
	if cfg.LLM.AnalysisModel == "" || cfg.LLM.FastModel == "" || cfg.LLM.DeepModel == "" {
		errs = append(errs, errors.New("llm.analysis_model, llm.fast_model, and llm.deep_model are required"))
	}

	// Thresholds
	if cfg.Thresholds.WERDivergence <= 0 || cfg.Thresholds.WERDivergence > 1 {
		errs = append(errs, fmt.Errorf("thresholds.wer_divergence %.3f is out of range (0, 1]", cfg.Thresholds.WERDivergence))
	}
	if cfg.Thresholds.CoherenceMin < 0 || cfg.Thresholds.CoherenceMin > 100 {
		errs = append(errs, fmt.Errorf("thresholds.coherence_min %d is out of range [0, 100]", cfg.Thresholds.CoherenceMin))
	}

	// Timeouts
	for _, tc := range []struct {
		name  string
		value int
	}{
		{"timeouts.download_seconds", cfg.Timeouts.DownloadSeconds},
		{"timeouts.transcribe_seconds", cfg.Timeouts.TranscribeSeconds},
		{"timeouts.analysis_seconds", cfg.Timeouts.AnalysisSeconds},
		{"timeouts.http_seconds", cfg.Timeouts.HTTPSeconds},
	} {
		if tc.value <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", tc.name, tc.value))
		}
	}

	// Batch sizes
	for _, bc := range []struct {
		name  string
		value int
	}{
		{"batch.download", cfg.Batch.Download},
		{"batch.transcribe", cfg.Batch.Transcribe},
		{"batch.validate", cfg.Batch.Validate},
		{"batch.diarize", cfg.Batch.Diarize},
		{"batch.analyze", cfg.Batch.Analyze},
	} {
		if bc.value <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", bc.name, bc.value))
		}
	}

	// Roster
	seen := make(map[string]int, len(cfg.Roster.Members))
	for i, m := range cfg.Roster.Members {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("roster.members[%d].name is required", i))
			continue
		}
		if prev, ok := seen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("roster.members[%d].name %q is a duplicate of roster.members[%d]", i, m.Name, prev))
		}
		seen[m.Name] = i
	}
	if len(cfg.Roster.Members) == 0 {
		slog.Warn("roster.members is empty; speaker attribution will only produce anonymous labels")
	}

	// Soft warnings for optional backends.
	if cfg.Diarization.ServerURL == "" {
		slog.Warn("diarization.server_url is empty; acoustic turn detection is disabled")
	}

	return errors.Join(errs...)
}
