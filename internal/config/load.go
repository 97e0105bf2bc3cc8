package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Load reads a config file (JSON5: comments and trailing commas tolerated),
// layers it over Default(), applies environment overrides, clamps soft
// ranges, and validates. An empty path (or a missing file) starts from
// Default() with no file layered over it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv reads secrets and overrides from the environment. The API key is
// never persisted in the config file.
func (c *Config) applyEnv() {
	for _, key := range []string{"OMG_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			c.Provider.APIKey = v
			break
		}
	}
	if v := os.Getenv("OMG_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("OMG_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("OMG_MODEL"); v != "" {
		c.Provider.Model = v
	}
}

// clamp pulls soft-ranged knobs back into their documented ranges, warning
// rather than failing.
func (c *Config) clamp() {
	clampInt := func(name string, v *int, lo, hi int) {
		if *v < lo {
			slog.Warn("config: clamping", "field", name, "value", *v, "floor", lo)
			*v = lo
		} else if hi > 0 && *v > hi {
			slog.Warn("config: clamping", "field", name, "value", *v, "ceiling", hi)
			*v = hi
		}
	}

	clampInt("observation.messageTokenThreshold", &c.Observation.MessageTokenThreshold, 1000, 0)
	clampInt("reflection.clustering.windowSpanDays", &c.Reflection.Clustering.WindowSpanDays, 1, 30)
	clampInt("reflection.clustering.maxNodesPerCluster", &c.Reflection.Clustering.MaxNodesPerCluster, 5, 100)
	clampInt("reflection.clustering.maxInputTokensPerCluster", &c.Reflection.Clustering.MaxInputTokensPerCluster, 1000, 20000)
	clampInt("reflection.maxCompressionLevel", &c.Reflection.MaxCompressionLevel, 0, 3)
	clampInt("extractionGuardrails.recentWindowSize", &c.Guardrails.RecentWindowSize, 1, 20)
	clampInt("semanticDedup.semanticMergeThreshold", &c.SemanticDedup.SemanticMergeThreshold, 50, 100)
	clampInt("semanticDedup.maxBlockSize", &c.SemanticDedup.MaxBlockSize, 2, 10)
	clampInt("semanticDedup.maxBlocksPerRun", &c.SemanticDedup.MaxBlocksPerRun, 1, 50)
	clampInt("semanticDedup.maxBodyCharsPerNode", &c.SemanticDedup.MaxBodyCharsPerNode, 100, 2000)
	clampInt("semanticDedup.timeWindowDays", &c.SemanticDedup.TimeWindowDays, 1, 90)
}

// ValidationError aggregates every config problem found, path-qualified.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// Validate checks cross-field and format constraints. Returns a
// *ValidationError listing every problem, or nil.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Observation.TriggerMode {
	case TriggerThreshold, TriggerEveryTurn, TriggerManual:
	default:
		add("observation.triggerMode: unknown mode %q", c.Observation.TriggerMode)
	}

	if err := validateStoragePath(c.StoragePath); err != nil {
		add("storagePath: %v", err)
	}

	if t := c.Guardrails.SkipOverlapThreshold; t < 0 || t > 1 {
		add("extractionGuardrails.skipOverlapThreshold: %v out of [0,1]", t)
	}
	if t := c.Guardrails.TruncateOverlapThreshold; t < 0 || t > 1 {
		add("extractionGuardrails.truncateOverlapThreshold: %v out of [0,1]", t)
	}
	if c.Guardrails.TruncateOverlapThreshold > c.Guardrails.SkipOverlapThreshold {
		add("extractionGuardrails: truncateOverlapThreshold %v above skipOverlapThreshold %v",
			c.Guardrails.TruncateOverlapThreshold, c.Guardrails.SkipOverlapThreshold)
	}

	if w := c.Merge.LocalWeight + c.Merge.SemanticWeight; w > 1.0001 {
		add("merge: localWeight+semanticWeight = %v exceeds 1", w)
	}
	if t := c.Merge.MergeThreshold; t < 0 || t > 1 {
		add("merge.mergeThreshold: %v out of [0,1]", t)
	}

	if c.Bootstrap.BatchCharBudget < 0 {
		add("bootstrap.batchCharBudget: negative")
	}
	gron := gronx.New()
	if s := c.Bootstrap.CronSchedule; s != "" && !gron.IsValid(s) {
		add("bootstrap.cronSchedule: invalid cron expression %q", s)
	}
	if s := c.SemanticDedup.CronSchedule; s != "" && !gron.IsValid(s) {
		add("semanticDedup.cronSchedule: invalid cron expression %q", s)
	}

	switch c.Provider.Name {
	case "anthropic", "openai", "":
	default:
		add("provider.name: unknown provider %q", c.Provider.Name)
	}
	switch c.Telemetry.Protocol {
	case "", "http", "grpc":
	default:
		add("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateStoragePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty")
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("must use forward slashes")
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return fmt.Errorf("must be relative")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("traversal segment not allowed")
		}
	}
	return nil
}

// GraphRoot resolves the graph directory under the workspace.
func (c *Config) GraphRoot() string {
	return filepath.Join(ExpandHome(c.Workspace), filepath.FromSlash(c.StoragePath))
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
		}
	}
	return p
}
