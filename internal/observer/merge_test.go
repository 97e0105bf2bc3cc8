package observer

import (
	"testing"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
)

func mergeFixture(t *testing.T) (*graph.Store, config.MergeConfig) {
	t.Helper()
	root := t.TempDir()
	reg := graph.NewRegistry(root)
	store := graph.NewStore(root, "ws", reg)
	store.WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) })
	return store, config.Default().Merge
}

func TestDecideMerge_WriteNewWhenNoNeighbour(t *testing.T) {
	store, mcfg := mergeFixture(t)

	c := Candidate{Action: ActionUpsert, Type: graph.NodeFact, ID: "omg/fact/facts-go-version",
		CanonicalKey: "facts.go-version", Description: "Go version in use", Body: "1.25"}
	d, err := DecideMerge(c, store.Registry(), store, mcfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeWriteNew {
		t.Errorf("action = %s", d.Action)
	}
}

func TestDecideMerge_NoopWhenSubsumed(t *testing.T) {
	store, mcfg := mergeFixture(t)
	store.WriteObservationUpsert(graph.UpsertOp{
		Type: graph.NodePreference, CanonicalKey: "preferences.editor-theme",
		Description: "Editor theme", Priority: graph.PriorityMedium,
		Body: "Prefers dark themes in the editor and terminal.",
	})

	c := Candidate{Action: ActionUpsert, Type: graph.NodePreference,
		ID: "omg/preference/preferences-editor-theme", CanonicalKey: "preferences.editor-theme",
		Description: "Editor theme", Body: "Prefers dark themes"}
	d, err := DecideMerge(c, store.Registry(), store, mcfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeNoop {
		t.Errorf("action = %s", d.Action)
	}
}

func TestDecideMerge_AppendWhenNewContent(t *testing.T) {
	store, mcfg := mergeFixture(t)
	store.WriteObservationUpsert(graph.UpsertOp{
		Type: graph.NodePreference, CanonicalKey: "preferences.editor-theme",
		Description: "Editor theme", Priority: graph.PriorityMedium, Body: "Prefers dark themes.",
	})

	c := Candidate{Action: ActionUpsert, Type: graph.NodePreference,
		ID: "omg/preference/preferences-editor-theme", CanonicalKey: "preferences.editor-theme",
		Description: "Editor theme", Body: "Font size should stay at fourteen points."}
	d, err := DecideMerge(c, store.Registry(), store, mcfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeAppend || d.NeighborID != c.ID {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecideMerge_AliasOnSimilarKey(t *testing.T) {
	store, mcfg := mergeFixture(t)
	store.WriteObservationUpsert(graph.UpsertOp{
		Type: graph.NodePreference, CanonicalKey: "preferences.editor-theme",
		Description: "Prefers a dark editor theme everywhere", Priority: graph.PriorityMedium, Body: "dark",
	})

	c := Candidate{Action: ActionUpsert, Type: graph.NodePreference,
		ID: "omg/preference/preferences-theme", CanonicalKey: "preferences.theme",
		Description: "Prefers a dark editor theme everywhere", Body: "dark"}
	d, err := DecideMerge(c, store.Registry(), store, mcfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeAlias || d.NeighborID != "omg/preference/preferences-editor-theme" {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecideMerge_NoopWhenKeyAlreadyAliased(t *testing.T) {
	store, mcfg := mergeFixture(t)
	n, _ := store.WriteObservationUpsert(graph.UpsertOp{
		Type: graph.NodePreference, CanonicalKey: "preferences.editor-theme",
		Description: "theme", Priority: graph.PriorityMedium, Body: "dark",
	})
	store.AddAlias(n.ID, "preferences.theme")

	c := Candidate{Action: ActionUpsert, Type: graph.NodePreference,
		ID: "omg/preference/preferences-theme", CanonicalKey: "preferences.theme",
		Description: "completely different words here", Body: "x"}
	d, err := DecideMerge(c, store.Registry(), store, mcfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeNoop || d.NeighborID != n.ID {
		t.Errorf("decision = %+v", d)
	}
}

func TestSuppressDuplicates(t *testing.T) {
	store, _ := mergeFixture(t)
	n, _ := store.WriteObservationUpsert(graph.UpsertOp{
		Type: graph.NodePreference, CanonicalKey: "preferences.dark-mode",
		Description: "Wants dark mode in every tool", Priority: graph.PriorityHigh, Body: "dark",
	})

	cfg := fingerprint.Config{Enabled: true, CandidateSuppressionThreshold: 0.8}
	cands := []Candidate{
		{ID: "omg/preference/preferences-dark-mode", CanonicalKey: "preferences.dark-mode",
			Description: "Wants dark mode in every tool"},
		{ID: "omg/fact/facts-shell", CanonicalKey: "facts.shell",
			Description: "Uses fish as the login shell"},
	}

	res, err := SuppressDuplicates(cands, []string{n.ID}, store.Registry(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suppressed) != 1 || res.Suppressed[0].CanonicalKey != "preferences.dark-mode" {
		t.Errorf("suppressed = %+v", res.Suppressed)
	}
	if len(res.Survivors) != 1 || res.Survivors[0].CanonicalKey != "facts.shell" {
		t.Errorf("survivors = %+v", res.Survivors)
	}

	t.Run("disabled lets all survive", func(t *testing.T) {
		res, err := SuppressDuplicates(cands, []string{n.ID}, store.Registry(), fingerprint.Config{})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Survivors) != 2 {
			t.Errorf("survivors = %d", len(res.Survivors))
		}
	})
}

func TestKeyAffinity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"preferences.theme", "preferences.theme", 1},
		{"preferences.theme", "preferences.editor", 0.5},
		{"preferences.a.b", "preferences.a.c", 2.0 / 3.0},
		{"facts.x", "preferences.x", 0},
		{"", "x.y", 0},
	}
	for _, tt := range tests {
		if got := keyAffinity(tt.a, tt.b); got != tt.want {
			t.Errorf("keyAffinity(%q,%q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
