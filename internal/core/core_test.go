package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/providers"
	"github.com/hculap/openclaw-omg/internal/session"
)

func testCore(t *testing.T, gen providers.Generator) *Core {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Workspace = root
	cfg.StoragePath = "memory/omg"

	graphRoot := cfg.GraphRoot()
	reg := graph.NewRegistry(graphRoot)
	return &Core{
		Cfg:      cfg,
		Registry: reg,
		Store:    graph.NewStore(graphRoot, root, reg),
		Sessions: session.NewManager(filepath.Join(graphRoot, ".sessions")),
		Gen:      gen,
		Metrics:  metrics.NopSink{},
	}
}

const observationResponse = `<observations>
  <operation action="upsert" type="fact">
    <title>Deploy Target</title>
    <canonical-key>facts.deploy-target</canonical-key>
    <description>Deploys go to the staging cluster first</description>
    <priority>medium</priority>
    <body>Staging before production, always.</body>
  </operation>
</observations>`

func TestOnTurnEnd_ThresholdAccumulates(t *testing.T) {
	called := false
	c := testCore(t, providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		called = true
		return &providers.GenerateResult{Content: observationResponse}, nil
	}))
	c.Cfg.Observation.TriggerMode = config.TriggerThreshold
	c.Cfg.Observation.MessageTokenThreshold = 1000

	// A short turn stays under the threshold: no LLM call, tokens pending.
	if err := c.OnTurnEnd(context.Background(), "agent:main:chat", []string{"short turn"}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("observation fired below threshold")
	}
	st, _ := c.Sessions.Peek("agent:main:chat")
	if st.PendingMessageTokens == 0 {
		t.Error("pending tokens not accumulated")
	}
	if st.ObservationBoundaryMessageIndex != 1 {
		t.Errorf("boundary = %d", st.ObservationBoundaryMessageIndex)
	}
}

func TestOnTurnEnd_EveryTurnObserves(t *testing.T) {
	c := testCore(t, providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		return &providers.GenerateResult{Content: observationResponse, Usage: providers.Usage{InputTokens: 10, OutputTokens: 10}}, nil
	}))
	c.Cfg.Observation.TriggerMode = config.TriggerEveryTurn

	if err := c.OnTurnEnd(context.Background(), "agent:main:chat", []string{"user: we deploy to staging first"}); err != nil {
		t.Fatal(err)
	}

	n, err := c.Store.NodeByID("omg/fact/facts-deploy-target")
	if err != nil || n == nil {
		t.Fatalf("node not written: %v %v", n, err)
	}
}

func TestOnTurnEnd_ManualNeverObserves(t *testing.T) {
	called := false
	c := testCore(t, providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		called = true
		return &providers.GenerateResult{}, nil
	}))
	c.Cfg.Observation.TriggerMode = config.TriggerManual

	long := strings.Repeat("many words in a very long message ", 1000)
	if err := c.OnTurnEnd(context.Background(), "agent:main:chat", []string{long}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("manual mode called the LLM")
	}
}

func TestBuildGenerator(t *testing.T) {
	if g, err := buildGenerator(config.ProviderConfig{Name: "anthropic"}); err != nil || g.Name() != "anthropic" {
		t.Errorf("anthropic: %v %v", g, err)
	}
	if g, err := buildGenerator(config.ProviderConfig{Name: "openai"}); err != nil || g.Name() != "openai" {
		t.Errorf("openai: %v %v", g, err)
	}
	if g, err := buildGenerator(config.ProviderConfig{}); err != nil || g.Name() != "anthropic" {
		t.Errorf("default: %v %v", g, err)
	}
	if _, err := buildGenerator(config.ProviderConfig{Name: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestMaintenanceDue(t *testing.T) {
	c := testCore(t, nil)
	c.Cfg.SemanticDedup.CronSchedule = "* * * * *"
	c.Cfg.Bootstrap.CronSchedule = ""

	dedupDue, bootstrapDue := c.MaintenanceDue(time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC))
	if !dedupDue {
		t.Error("every-minute schedule not due")
	}
	if bootstrapDue {
		t.Error("empty schedule reported due")
	}
}
