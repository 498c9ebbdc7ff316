// Package config provides the configuration schema and loader for the
// civiclerk pipeline.
package config

import "path/filepath"

// LogLevel controls log verbosity for the pipeline.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for civiclerk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Defaults to "info".
	LogLevel LogLevel `yaml:"log_level"`

	// DataDir is the root directory for the ledger database and all stage
	// artifacts (audio, transcripts, diarization, analysis).
	DataDir string `yaml:"data_dir"`

	Source      SourceConfig      `yaml:"source"`
	ASR         ASRConfig         `yaml:"asr"`
	Diarization DiarizationConfig `yaml:"diarization"`
	LLM         LLMConfig         `yaml:"llm"`
	Thresholds  ThresholdsConfig  `yaml:"thresholds"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Batch       BatchConfig       `yaml:"batch"`
	Roster      RosterConfig      `yaml:"roster"`
	Domain      DomainConfig      `yaml:"domain"`
}

// SourceConfig describes the video platform to discover meetings from.
type SourceConfig struct {
	// BaseURL is the platform site root (e.g., "https://chico.granicus.com").
	BaseURL string `yaml:"base_url"`

	// ViewID selects the city's player view on the platform.
	ViewID int `yaml:"view_id"`

	// ClipStart and ClipEnd bound the clip ID range probed during discovery
	// (inclusive).
	ClipStart int `yaml:"clip_start"`
	ClipEnd   int `yaml:"clip_end"`

	// MeetingTypes filters which meeting types are recorded. A discovered
	// clip whose type is not listed is ignored. Empty means accept all.
	MeetingTypes []string `yaml:"meeting_types"`
}

// ASREngineConfig points at one whisper-server instance.
type ASREngineConfig struct {
	// ServerURL is the whisper-server address (e.g., "http://localhost:8080").
	ServerURL string `yaml:"server_url"`

	// Model names the model the server runs (e.g., "large-v3").
	Model string `yaml:"model"`
}

// ASRConfig configures the dual-engine transcription stage.
type ASRConfig struct {
	// Primary is the engine whose transcript becomes authoritative.
	Primary ASREngineConfig `yaml:"primary"`

	// Secondary is the comparison engine used to measure divergence.
	Secondary ASREngineConfig `yaml:"secondary"`

	// Language is the language code forwarded to both engines.
	Language string `yaml:"language"`
}

// DiarizationConfig configures the speaker turn detection stage.
type DiarizationConfig struct {
	// ServerURL is the diarization server address. Empty disables the
	// acoustic turn detector; attribution then runs on transcript evidence
	// alone.
	ServerURL string `yaml:"server_url"`

	// Token is a bearer token for the diarization server. The
	// CIVICLERK_DIARIZER_TOKEN environment variable overrides it.
	Token string `yaml:"token"`
}

// LLMConfig configures the language model backends used by validation,
// attribution, and analysis.
type LLMConfig struct {
	// Provider selects the backend: "ollama", "openai", or "llamacpp".
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted providers. The
	// CIVICLERK_LLM_API_KEY environment variable overrides it.
	APIKey string `yaml:"api_key"`

	// AnalysisModel is the large model used for per-segment analyses.
	AnalysisModel string `yaml:"analysis_model"`

	// FastModel is the small model used for first-pass validation and
	// speaker identification.
	FastModel string `yaml:"fast_model"`

	// DeepModel is the reasoning model used for second-pass validation of
	// flagged segments.
	DeepModel string `yaml:"deep_model"`
}

// ThresholdsConfig holds the quality gates applied during validation.
type ThresholdsConfig struct {
	// WERDivergence is the word error rate between the two engines above
	// which a meeting's segments are routed to deep validation. Range (0, 1].
	WERDivergence float64 `yaml:"wer_divergence"`

	// CoherenceMin is the minimum first-pass coherence score (0-100) a
	// segment must reach to avoid deep validation.
	CoherenceMin int `yaml:"coherence_min"`
}

// TimeoutsConfig holds per-stage deadlines in seconds.
type TimeoutsConfig struct {
	DownloadSeconds   int `yaml:"download_seconds"`
	TranscribeSeconds int `yaml:"transcribe_seconds"`
	AnalysisSeconds   int `yaml:"analysis_seconds"`
	HTTPSeconds       int `yaml:"http_seconds"`
}

// BatchConfig holds the number of meetings each stage processes per run.
type BatchConfig struct {
	Download   int `yaml:"download"`
	Transcribe int `yaml:"transcribe"`
	Validate   int `yaml:"validate"`
	Diarize    int `yaml:"diarize"`
	Analyze    int `yaml:"analyze"`
}

// Member is one person on the council roster.
type Member struct {
	// Name is the member's surname or full name as it appears in minutes.
	Name string `yaml:"name"`

	// Role is the member's title (e.g., "Mayor", "Councilmember").
	Role string `yaml:"role"`
}

// RosterConfig lists the people speaker attribution may identify.
type RosterConfig struct {
	// Members are the current elected officials.
	Members []Member `yaml:"members"`

	// StaffRoles are titles used to recognise staff introductions
	// (e.g., "City Manager", "City Attorney").
	StaffRoles []string `yaml:"staff_roles"`
}

// DomainConfig holds city-specific vocabulary injected into LLM prompts.
type DomainConfig struct {
	// LocalTerms are proper nouns the transcript validator should treat as
	// correct spellings (places, institutions, project names).
	LocalTerms []string `yaml:"local_terms"`

	// WatchedMembers are council members whose statements the
	// opposition-tracking analysis follows, full names as they appear in
	// the roster. The stored JSON is keyed by surname.
	WatchedMembers []string `yaml:"watched_members"`

	// PriorityKeywords are topics the analysis stage flags for advocacy
	// follow-up.
	PriorityKeywords []string `yaml:"priority_keywords"`
}

// DatabasePath returns the ledger database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "meetings.db")
}

// AudioDir returns the directory downloaded audio files are written to.
func (c *Config) AudioDir() string {
	return filepath.Join(c.DataDir, "audio")
}

// TranscriptDir returns the directory transcript artifacts are written to.
func (c *Config) TranscriptDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

// DiarizationDir returns the directory diarization artifacts are written to.
func (c *Config) DiarizationDir() string {
	return filepath.Join(c.DataDir, "diarization")
}

// AnalysisDir returns the directory analysis artifacts are written to.
func (c *Config) AnalysisDir() string {
	return filepath.Join(c.DataDir, "analysis")
}

// Default returns the configuration used when no file overrides it: the
// City of Chico deployment this pipeline was first built for.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		DataDir:  "data",
		Source: SourceConfig{
			BaseURL:   "https://chico.granicus.com",
			ViewID:    2,
			ClipStart: 900,
			ClipEnd:   1300,
			MeetingTypes: []string{
				"City Council",
				"Planning Commission",
				"Special Meeting",
			},
		},
		ASR: ASRConfig{
			Primary:   ASREngineConfig{ServerURL: "http://localhost:8080", Model: "large-v3"},
			Secondary: ASREngineConfig{ServerURL: "http://localhost:8081", Model: "medium"},
			Language:  "en",
		},
		Diarization: DiarizationConfig{
			ServerURL: "http://localhost:9090",
		},
		LLM: LLMConfig{
			Provider:      "ollama",
			BaseURL:       "http://localhost:11434",
			AnalysisModel: "qwen2.5vl:72b",
			FastModel:     "mistral:7b-instruct",
			DeepModel:     "deepseek-r1:70b",
		},
		Thresholds: ThresholdsConfig{
			WERDivergence: 0.15,
			CoherenceMin:  80,
		},
		Timeouts: TimeoutsConfig{
			DownloadSeconds:   3600,
			TranscribeSeconds: 7200,
			AnalysisSeconds:   1800,
			HTTPSeconds:       30,
		},
		Batch: BatchConfig{
			Download:   10,
			Transcribe: 3,
			Validate:   5,
			Diarize:    5,
			Analyze:    1,
		},
		Roster: RosterConfig{
			Members: []Member{
				{Name: "Coolidge", Role: "Mayor"},
				{Name: "Reynolds", Role: "Vice Mayor"},
				{Name: "Brown", Role: "Councilmember"},
				{Name: "Huber", Role: "Councilmember"},
				{Name: "Morgan", Role: "Councilmember"},
				{Name: "Stone", Role: "Councilmember"},
				{Name: "Tandon", Role: "Councilmember"},
				{Name: "van Overbeek", Role: "Councilmember"},
			},
			StaffRoles: []string{
				"City Manager",
				"City Attorney",
				"City Clerk",
				"Public Works Director",
				"Community Development Director",
				"Finance Director",
				"Police Chief",
				"Fire Chief",
			},
		},
		Domain: DomainConfig{
			LocalTerms: []string{
				"Bidwell",
				"Esplanade",
				"Valley's Edge",
				"CARD",
				"CUSD",
				"Enloe",
				"Butte County",
				"Chico",
				"Mangrove",
				"Nord",
			},
			WatchedMembers: []string{
				"Tom van Overbeek",
				"Kasey Reynolds",
			},
			PriorityKeywords: []string{
				"Valley's Edge",
				"parking minimum",
				"missing middle",
				"infill",
				"groundwater",
				"infrastructure deficit",
				"form-based code",
				"ADU",
				"accessory dwelling",
				"zoning",
				"housing",
			},
		},
	}
}
