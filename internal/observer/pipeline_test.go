package observer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/providers"
	"github.com/hculap/openclaw-omg/internal/session"
)

func testPipeline(t *testing.T, gen providers.Generator) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	reg := graph.NewRegistry(root)
	cfg := config.Default()
	cfg.Observation.TriggerMode = config.TriggerEveryTurn
	return &Pipeline{
		Store:    graph.NewStore(root, "ws", reg),
		Sessions: session.NewManager(filepath.Join(root, "sessions")),
		Gen:      gen,
		Cfg:      cfg,
	}, root
}

func scriptedGen(responses ...string) providers.Generator {
	i := 0
	return providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		resp := responses[i%len(responses)]
		i++
		return &providers.GenerateResult{Content: resp, Usage: providers.Usage{InputTokens: 100, OutputTokens: 50}}, nil
	})
}

func TestObserve_WritesNodesAndState(t *testing.T) {
	p, root := testPipeline(t, scriptedGen(sampleResponse))

	msgs := []string{"user: set everything to dark mode please", "assistant: done, switched the editor and terminal"}
	res, err := p.Observe(context.Background(), "agent:main:chat", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.WrittenIDs) != 1 || res.WrittenIDs[0] != "omg/preference/preferences-dark-mode" {
		t.Fatalf("written = %v", res.WrittenIDs)
	}
	if !res.NowUpdated {
		t.Error("now not updated")
	}

	// Node file exists at the content-addressed path.
	if _, err := os.Stat(filepath.Join(root, "nodes", "preference", "preferences-dark-mode.md")); err != nil {
		t.Errorf("node file: %v", err)
	}
	// MOC created from hint/link.
	if _, err := os.Stat(filepath.Join(root, "mocs", "moc-preferences.md")); err != nil {
		t.Errorf("moc file: %v", err)
	}
	// now.md links the written node.
	now, _ := p.Store.NodeByID(graph.NowNodeID)
	if now == nil || len(now.Links) != 1 {
		t.Errorf("now node = %+v", now)
	}
	// index.md reports the count.
	if _, err := os.Stat(filepath.Join(root, "index.md")); err != nil {
		t.Errorf("index file: %v", err)
	}

	st, _ := p.Sessions.Peek("agent:main:chat")
	if st.ObservationBoundaryMessageIndex != 2 {
		t.Errorf("boundary = %d", st.ObservationBoundaryMessageIndex)
	}
	if st.TotalObservationTokens != 150 {
		t.Errorf("total tokens = %d", st.TotalObservationTokens)
	}
	if len(st.RecentFingerprints) != 1 {
		t.Errorf("fingerprints = %d", len(st.RecentFingerprints))
	}
	if len(st.LastObservationNodeIds) != 1 {
		t.Errorf("lastObservationNodeIds = %v", st.LastObservationNodeIds)
	}
}

func TestObserve_SkipOnRepeatAdvancesBoundary(t *testing.T) {
	p, _ := testPipeline(t, scriptedGen(sampleResponse))
	key := "agent:main:chat"
	msgs := []string{"user: please remember I always want dark mode enabled in every single tool I use daily"}

	if _, err := p.Observe(context.Background(), key, msgs); err != nil {
		t.Fatal(err)
	}

	// Same content again as new messages: guardrail skips without an LLM call.
	repeat := append(append([]string{}, msgs...), msgs[0])
	called := false
	p.Gen = providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		called = true
		return &providers.GenerateResult{}, nil
	})

	res, err := p.Observe(context.Background(), key, repeat)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Errorf("res = %+v, want skip (overlap %v)", res, res.Overlap)
	}
	if called {
		t.Error("LLM called on a skip decision")
	}

	// Skip still advances the boundary: the messages are intentionally dropped.
	st, _ := p.Sessions.Peek(key)
	if st.ObservationBoundaryMessageIndex != 2 {
		t.Errorf("boundary = %d, want 2", st.ObservationBoundaryMessageIndex)
	}
}

func TestObserve_LLMFailureLeavesBoundary(t *testing.T) {
	boom := errors.New("transport down")
	p, _ := testPipeline(t, nil)
	p.Gen = providers.GeneratorFunc(func(ctx context.Context, system, user string, maxTokens int) (*providers.GenerateResult, error) {
		return nil, boom
	})

	key := "agent:main:chat"
	_, err := p.Observe(context.Background(), key, []string{"user: a new message worth observing later"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	st, _ := p.Sessions.Peek(key)
	if st.ObservationBoundaryMessageIndex != 0 {
		t.Errorf("boundary advanced on failure: %d", st.ObservationBoundaryMessageIndex)
	}
	if st.TotalObservationTokens != 0 {
		t.Errorf("tokens counted on failure: %d", st.TotalObservationTokens)
	}
}

func TestObserve_IdempotentSecondExtract(t *testing.T) {
	p, _ := testPipeline(t, scriptedGen(sampleResponse))
	p.Cfg.Guardrails.Enabled = false // isolate merge behaviour from guardrails
	key := "agent:main:chat"

	if _, err := p.Observe(context.Background(), key, []string{"turn one about dark mode"}); err != nil {
		t.Fatal(err)
	}
	first, _ := p.Store.NodeByID("omg/preference/preferences-dark-mode")

	// A later turn produces the identical extraction: merge layer no-ops.
	msgs := []string{"turn one about dark mode", "turn two repeating it"}
	res, err := p.Observe(context.Background(), key, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.WrittenIDs) != 0 {
		t.Errorf("second extract wrote %v", res.WrittenIDs)
	}
	second, _ := p.Store.NodeByID("omg/preference/preferences-dark-mode")
	if !second.Created.Equal(first.Created) || !second.Updated.Equal(first.Updated) {
		t.Errorf("node changed: %+v vs %+v", first.Updated, second.Updated)
	}
}

func TestObserve_NoNewMessages(t *testing.T) {
	p, _ := testPipeline(t, scriptedGen(sampleResponse))
	key := "agent:main:chat"
	msgs := []string{"only message"}
	if _, err := p.Observe(context.Background(), key, msgs); err != nil {
		t.Fatal(err)
	}

	res, err := p.Observe(context.Background(), key, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("no-new-messages turn should be a skip")
	}
}

func TestTouchMocs_LinksAuthoritativeTagsNot(t *testing.T) {
	p, root := testPipeline(t, nil)

	cands := []Candidate{
		{
			ID:    "omg/fact/facts-linked",
			Links: []string{"omg/moc-infra"},
			Tags:  []string{"infra"},
		},
		{
			ID:   "omg/fact/facts-tagged-only",
			Tags: []string{"gardening"},
		},
	}
	p.touchMocs(cands, nil)

	if _, err := os.Stat(filepath.Join(root, "mocs", "moc-infra.md")); err != nil {
		t.Errorf("link-carrying node did not create its MOC: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "mocs", "moc-gardening.md")); !os.IsNotExist(err) {
		t.Error("tag alone created a MOC")
	}

	moc, err := p.Store.NodeByID("omg/moc-infra")
	if err != nil || moc == nil {
		t.Fatalf("moc node: %v %v", moc, err)
	}
	ids := graph.ParseWikilinks(moc.Body)
	if len(ids) != 1 || ids[0] != "omg/fact/facts-linked" {
		t.Errorf("moc members = %v", ids)
	}
}
