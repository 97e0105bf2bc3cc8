// Package config defines the memory core's configuration: defaults, JSON5
// loading, environment overrides, and validation with path-qualified
// messages.
package config

import (
	"github.com/hculap/openclaw-omg/internal/fingerprint"
)

// TriggerMode decides when the observation pipeline fires.
type TriggerMode string

const (
	TriggerThreshold TriggerMode = "threshold"
	TriggerEveryTurn TriggerMode = "every-turn"
	TriggerManual    TriggerMode = "manual"
)

// Config is the root configuration for the memory core.
type Config struct {
	// Workspace is the host workspace directory the graph lives under.
	Workspace string `json:"workspace,omitempty"`

	// StoragePath is the graph root relative to the workspace. Forward
	// slashes, no traversal segments.
	StoragePath string `json:"storagePath"`

	Observation   ObservationConfig   `json:"observation"`
	Reflection    ReflectionConfig    `json:"reflection"`
	Injection     InjectionConfig     `json:"injection"`
	Guardrails    fingerprint.Config  `json:"extractionGuardrails"`
	SemanticDedup SemanticDedupConfig `json:"semanticDedup"`
	Merge         MergeConfig         `json:"merge"`
	Bootstrap     BootstrapConfig     `json:"bootstrap"`
	Provider      ProviderConfig      `json:"provider"`
	Metrics       MetricsConfig       `json:"metrics,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
}

// ObservationConfig controls the per-turn extraction trigger.
type ObservationConfig struct {
	MessageTokenThreshold int         `json:"messageTokenThreshold"`
	TriggerMode           TriggerMode `json:"triggerMode"`
	MaxTokens             int         `json:"maxTokens"` // LLM response cap
}

// ReflectionConfig controls the periodic reorganisation pass.
type ReflectionConfig struct {
	ObservationTokenThreshold int              `json:"observationTokenThreshold"`
	AgeCutoffDays             int              `json:"ageCutoffDays"`
	MaxCompressionLevel       int              `json:"maxCompressionLevel"`
	Clustering                ClusteringConfig `json:"clustering"`
}

// ClusteringConfig bounds domain time-window clusters.
type ClusteringConfig struct {
	Enabled                 bool `json:"enabled"`
	WindowSpanDays          int  `json:"windowSpanDays"`          // 1..30
	MaxNodesPerCluster      int  `json:"maxNodesPerCluster"`      // 5..100
	MaxInputTokensPerCluster int `json:"maxInputTokensPerCluster"` // 1000..20000
	EnableAnchorSplit       bool `json:"enableAnchorSplit"`
}

// InjectionConfig bounds what reflection output may cost at prompt-injection
// time; reflection uses it as its acceptance budget.
type InjectionConfig struct {
	MaxContextTokens int `json:"maxContextTokens"`
}

// SemanticDedupConfig controls the standalone merge maintenance job.
type SemanticDedupConfig struct {
	Enabled                     bool    `json:"enabled"`
	HeuristicPrefilterThreshold float64 `json:"heuristicPrefilterThreshold"`
	SemanticMergeThreshold      int     `json:"semanticMergeThreshold"` // 50..100
	MaxBlockSize                int     `json:"maxBlockSize"`           // 2..10
	MaxBlocksPerRun             int     `json:"maxBlocksPerRun"`        // 1..50
	MaxBodyCharsPerNode         int     `json:"maxBodyCharsPerNode"`    // 100..2000
	TimeWindowDays              int     `json:"timeWindowDays"`         // 1..90
	CronSchedule                string  `json:"cronSchedule,omitempty"`
}

// MergeConfig weights the observation merge decision.
type MergeConfig struct {
	LocalTopM      int     `json:"localTopM"`
	SemanticTopS   int     `json:"semanticTopS"`
	FinalTopK      int     `json:"finalTopK"`
	LocalWeight    float64 `json:"localWeight"`
	SemanticWeight float64 `json:"semanticWeight"`
	MergeThreshold float64 `json:"mergeThreshold"`
}

// BootstrapConfig controls historical ingestion.
type BootstrapConfig struct {
	Sources           BootstrapSources `json:"sources"`
	BatchCharBudget   int              `json:"batchCharBudget"`   // 0 disables packing
	BatchBudgetPerRun int              `json:"batchBudgetPerRun"` // batches per tick
	MaxChunkChars     int              `json:"maxChunkChars"`
	RequestsPerMinute int              `json:"requestsPerMinute"` // 0 = unlimited
	CronSchedule      string           `json:"cronSchedule,omitempty"`
}

// BootstrapSources toggles the historical corpora.
type BootstrapSources struct {
	WorkspaceMemory  bool   `json:"workspaceMemory"`
	OpenclawSessions bool   `json:"openclawSessions"`
	OpenclawLogs     bool   `json:"openclawLogs"`
	SessionsDBPath   string `json:"sessionsDbPath,omitempty"` // host SQLite database
	LogsDir          string `json:"logsDir,omitempty"`
}

// ProviderConfig selects and configures the LLM transport.
// APIKey is never read from the config file, only from the environment.
type ProviderConfig struct {
	Name    string `json:"name"` // "anthropic" (default) or "openai"
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"-"` // from OMG_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY
}

// MetricsConfig controls the metrics sink.
type MetricsConfig struct {
	FileOutput bool `json:"fileOutput"`
}

// TelemetryConfig controls the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the collector
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Workspace:   "~/.openclaw/workspace",
		StoragePath: "memory/omg",
		Observation: ObservationConfig{
			MessageTokenThreshold: 4000,
			TriggerMode:           TriggerThreshold,
			MaxTokens:             8192,
		},
		Reflection: ReflectionConfig{
			ObservationTokenThreshold: 40000,
			AgeCutoffDays:             7,
			MaxCompressionLevel:       3,
			Clustering: ClusteringConfig{
				Enabled:                 true,
				WindowSpanDays:          14,
				MaxNodesPerCluster:      30,
				MaxInputTokensPerCluster: 8000,
				EnableAnchorSplit:       false,
			},
		},
		Injection: InjectionConfig{MaxContextTokens: 4000},
		Guardrails: fingerprint.Config{
			Enabled:                       true,
			SkipOverlapThreshold:          0.85,
			TruncateOverlapThreshold:      0.55,
			CandidateSuppressionThreshold: 0.82,
			RecentWindowSize:              8,
		},
		SemanticDedup: SemanticDedupConfig{
			Enabled:                     true,
			HeuristicPrefilterThreshold: 0.35,
			SemanticMergeThreshold:      80,
			MaxBlockSize:                5,
			MaxBlocksPerRun:             10,
			MaxBodyCharsPerNode:         800,
			TimeWindowDays:              30,
		},
		Merge: MergeConfig{
			LocalTopM:      8,
			SemanticTopS:   5,
			FinalTopK:      3,
			LocalWeight:    0.6,
			SemanticWeight: 0.4,
			MergeThreshold: 0.78,
		},
		Bootstrap: BootstrapConfig{
			Sources: BootstrapSources{
				WorkspaceMemory:  true,
				OpenclawSessions: false,
				OpenclawLogs:     false,
			},
			BatchCharBudget:   24000,
			BatchBudgetPerRun: 10,
			MaxChunkChars:     12000,
			RequestsPerMinute: 20,
		},
		Provider: ProviderConfig{Name: "anthropic"},
	}
}
