// Package core owns the process-wide handle over one memory graph: the
// registry, node store, session manager, LLM transport, and metrics sink,
// plus the turn-end entry point that drives the pipelines.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hculap/openclaw-omg/internal/bootstrap"
	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/dedup"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/observer"
	"github.com/hculap/openclaw-omg/internal/providers"
	"github.com/hculap/openclaw-omg/internal/reflector"
	"github.com/hculap/openclaw-omg/internal/session"
	"github.com/hculap/openclaw-omg/internal/telemetry"
)

// Core is the explicit handle replacing any ambient process state. One Core
// per graph root.
type Core struct {
	Cfg      *config.Config
	Registry *graph.Registry
	Store    *graph.Store
	Sessions *session.Manager
	Gen      providers.Generator
	Metrics  metrics.Sink
}

// New builds a Core over the configured graph root.
func New(cfg *config.Config) (*Core, error) {
	root := cfg.GraphRoot()
	reg := graph.NewRegistry(root)
	workspace := config.ExpandHome(cfg.Workspace)

	gen, err := buildGenerator(cfg.Provider)
	if err != nil {
		return nil, err
	}

	var sink metrics.Sink = metrics.NopSink{}
	if cfg.Metrics.FileOutput {
		sink = metrics.NewFileSink(filepath.Join(root, ".metrics.jsonl"))
	}

	return &Core{
		Cfg:      cfg,
		Registry: reg,
		Store:    graph.NewStore(root, workspace, reg),
		Sessions: session.NewManager(filepath.Join(root, ".sessions")),
		Gen:      gen,
		Metrics:  sink,
	}, nil
}

func buildGenerator(pc config.ProviderConfig) (providers.Generator, error) {
	switch pc.Name {
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey,
			providers.WithOpenAIModel(pc.Model),
			providers.WithOpenAIBaseURL(pc.BaseURL),
		), nil
	case "anthropic", "":
		return providers.NewAnthropicProvider(pc.APIKey,
			providers.WithAnthropicModel(pc.Model),
			providers.WithAnthropicBaseURL(pc.BaseURL),
		), nil
	default:
		return nil, fmt.Errorf("core: unknown provider %q", pc.Name)
	}
}

// Observer returns the observation pipeline bound to this core.
func (c *Core) Observer() *observer.Pipeline {
	return &observer.Pipeline{
		Store:    c.Store,
		Sessions: c.Sessions,
		Gen:      c.Gen,
		Cfg:      c.Cfg,
		Metrics:  c.Metrics,
	}
}

// Reflector returns the reflection pipeline bound to this core.
func (c *Core) Reflector() *reflector.Pipeline {
	return &reflector.Pipeline{Store: c.Store, Gen: c.Gen, Cfg: c.Cfg, Metrics: c.Metrics}
}

// Deduper returns the semantic dedup pipeline bound to this core.
func (c *Core) Deduper() *dedup.Pipeline {
	return &dedup.Pipeline{Store: c.Store, Gen: c.Gen, Cfg: c.Cfg, Metrics: c.Metrics}
}

// Bootstrapper returns the bootstrap executor bound to this core. Its
// observation calls run through the same pipeline as live turns.
func (c *Core) Bootstrapper() *bootstrap.Executor {
	obs := c.Observer()
	return &bootstrap.Executor{
		GraphRoot: c.Cfg.GraphRoot(),
		Workspace: config.ExpandHome(c.Cfg.Workspace),
		Cfg:       c.Cfg,
		Metrics:   c.Metrics,
		Observe: func(ctx context.Context, sessionKey string, messages []string) (bootstrap.ObserveOutcome, error) {
			res, err := obs.Observe(ctx, sessionKey, messages)
			if err != nil {
				return bootstrap.ObserveOutcome{}, err
			}
			return bootstrap.ObserveOutcome{
				NodesWritten: len(res.WrittenIDs),
				Dropped:      res.Dropped,
				Skipped:      res.Skipped,
			}, nil
		},
	}
}

// OnTurnEnd is the host's per-turn entry point: count unobserved tokens,
// consult the trigger mode, run observation when due, and chain a
// reflection pass behind a crossed watermark. A failed reflection leaves
// the watermark untouched so it retries at the next crossing.
func (c *Core) OnTurnEnd(ctx context.Context, sessionKey string, messages []string) error {
	st, err := c.Sessions.Peek(sessionKey)
	if err != nil {
		return err
	}

	newTokens := session.CountUnobserved(messages, st.ObservationBoundaryMessageIndex)
	if !session.ShouldObserve(&st, newTokens, c.Cfg.Observation) {
		// Accumulate pending tokens so a later quiet turn can trip the
		// threshold.
		return c.Sessions.WithState(sessionKey, func(s *session.State) error {
			s.PendingMessageTokens += newTokens
			s.ObservationBoundaryMessageIndex = len(messages)
			return nil
		})
	}

	ctx, span := telemetry.StartSpan(ctx, "omg.observe",
		attribute.String("session", sessionKey))
	res, err := c.Observer().Observe(ctx, sessionKey, messages)
	span.End()
	if err != nil {
		return err
	}

	if res.ReflectionDue {
		if err := c.RunReflection(ctx, sessionKey); err != nil {
			slog.Warn("core: reflection pass failed, watermark kept", "error", err)
		}
	}
	return nil
}

// RunReflection executes one reflection pass and, on success, advances the
// session's watermark.
func (c *Core) RunReflection(ctx context.Context, sessionKey string) error {
	ctx, span := telemetry.StartSpan(ctx, "omg.reflect")
	res, err := c.Reflector().Run(ctx)
	span.End()
	if err != nil {
		return err
	}
	slog.Info("core: reflection pass finished",
		"clusters", res.ClustersProcessed, "written", res.NodesWritten,
		"archived", res.NodesArchived, "tokens", res.TokensUsed)

	if sessionKey == "" {
		return nil
	}
	return c.Sessions.WithState(sessionKey, func(s *session.State) error {
		session.AdvanceWatermark(s)
		return nil
	})
}

// RunDedup executes one semantic dedup pass.
func (c *Core) RunDedup(ctx context.Context) (*dedup.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "omg.dedup")
	defer span.End()
	return c.Deduper().Run(ctx)
}

// MaintenanceDue reports which cron-scheduled jobs are due at ref. The host
// calls this from its scheduler tick.
func (c *Core) MaintenanceDue(ref time.Time) (dedupDue, bootstrapDue bool) {
	gron := gronx.New()
	if s := c.Cfg.SemanticDedup.CronSchedule; s != "" {
		if due, err := gron.IsDue(s, ref); err == nil && due {
			dedupDue = true
		}
	}
	if s := c.Cfg.Bootstrap.CronSchedule; s != "" {
		if due, err := gron.IsDue(s, ref); err == nil && due {
			bootstrapDue = true
		}
	}
	return dedupDue, bootstrapDue
}

// WatchRegistry runs the external-change watcher until ctx ends.
func (c *Core) WatchRegistry(ctx context.Context) error {
	return graph.WatchRegistry(ctx, c.Registry)
}
