package reflector

import (
	"fmt"
	"testing"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/graph"
)

func entryAt(id string, key string, updated time.Time, archived bool, t graph.NodeType) graph.RegEntry {
	return graph.RegEntry{
		ID: id,
		Entry: graph.Entry{
			Type:         t,
			CanonicalKey: key,
			Updated:      updated,
			Archived:     archived,
			FilePath:     "nodes/x.md",
		},
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -10)
	fresh := now.AddDate(0, 0, -2)

	entries := []graph.RegEntry{
		entryAt("omg/fact/a", "facts.a", old, false, graph.NodeFact),
		entryAt("omg/fact/b", "facts.b", fresh, false, graph.NodeFact),
		entryAt("omg/fact/c", "facts.c", old, true, graph.NodeFact),
		entryAt("omg/reflection/r", "", old, false, graph.NodeReflection),
		entryAt("omg/moc-facts", "", old, false, graph.NodeMOC),
		entryAt("omg/now", "", old, false, graph.NodeNow),
	}

	got := Eligible(entries, 7, now)
	if len(got) != 1 || got[0].ID != "omg/fact/a" {
		t.Errorf("eligible = %+v", got)
	}
}

func TestDomainOf(t *testing.T) {
	if d := DomainOf(graph.Entry{CanonicalKey: "projects.omg.rollout"}); d != "projects" {
		t.Errorf("domain = %q", d)
	}
	if d := DomainOf(graph.Entry{Type: graph.NodeEpisode}); d != "episode" {
		t.Errorf("fallback domain = %q", d)
	}
}

func nodeAt(key string, updated time.Time, bodyLines int) *graph.Node {
	body := ""
	for i := 0; i < bodyLines; i++ {
		body += fmt.Sprintf("line %d of the node body with some words in it\n", i)
	}
	return &graph.Node{
		ID:           "omg/fact/" + key,
		CanonicalKey: "facts." + key,
		Type:         graph.NodeFact,
		Description:  "node " + key,
		Updated:      updated,
		Body:         body,
	}
}

func TestBuildClusters_WindowSpan(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ccfg := config.ClusteringConfig{WindowSpanDays: 7, MaxNodesPerCluster: 100, MaxInputTokensPerCluster: 100000}

	nodes := []*graph.Node{
		nodeAt("a", base, 2),
		nodeAt("b", base.AddDate(0, 0, 3), 2),
		nodeAt("c", base.AddDate(0, 0, 10), 2), // past the 7-day window from a
		nodeAt("d", base.AddDate(0, 0, 12), 2),
	}

	clusters := BuildClusters("facts", nodes, ccfg)
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}
	if len(clusters[0].Nodes) != 2 || len(clusters[1].Nodes) != 2 {
		t.Errorf("sizes = %d/%d", len(clusters[0].Nodes), len(clusters[1].Nodes))
	}
	if !clusters[0].Start.Equal(base) || !clusters[0].End.Equal(base.AddDate(0, 0, 3)) {
		t.Errorf("window = %v..%v", clusters[0].Start, clusters[0].End)
	}
}

func TestBuildClusters_NodeCap(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ccfg := config.ClusteringConfig{WindowSpanDays: 30, MaxNodesPerCluster: 5, MaxInputTokensPerCluster: 100000}

	var nodes []*graph.Node
	for i := 0; i < 12; i++ {
		nodes = append(nodes, nodeAt(fmt.Sprintf("n%02d", i), base.Add(time.Duration(i)*time.Hour), 1))
	}

	clusters := BuildClusters("facts", nodes, ccfg)
	if len(clusters) != 3 {
		t.Fatalf("clusters = %d, want 3", len(clusters))
	}
	for i, c := range clusters[:2] {
		if len(c.Nodes) != 5 {
			t.Errorf("cluster %d size = %d", i, len(c.Nodes))
		}
	}
}

func TestBuildClusters_TokenBudget(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ccfg := config.ClusteringConfig{WindowSpanDays: 30, MaxNodesPerCluster: 100, MaxInputTokensPerCluster: 200}

	nodes := []*graph.Node{
		nodeAt("big1", base, 10),
		nodeAt("big2", base.Add(time.Hour), 10),
		nodeAt("big3", base.Add(2*time.Hour), 10),
	}
	clusters := BuildClusters("facts", nodes, ccfg)
	if len(clusters) < 2 {
		t.Errorf("token budget not enforced: %d clusters", len(clusters))
	}
	// Every node still lands somewhere.
	total := 0
	for _, c := range clusters {
		total += len(c.Nodes)
	}
	if total != 3 {
		t.Errorf("nodes scattered: %d", total)
	}
}

func TestBuildClusters_SortedByUpdated(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ccfg := config.ClusteringConfig{WindowSpanDays: 30, MaxNodesPerCluster: 10, MaxInputTokensPerCluster: 100000}

	nodes := []*graph.Node{
		nodeAt("late", base.AddDate(0, 0, 5), 1),
		nodeAt("early", base, 1),
	}
	clusters := BuildClusters("facts", nodes, ccfg)
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d", len(clusters))
	}
	if clusters[0].Nodes[0].CanonicalKey != "facts.early" {
		t.Errorf("not sorted ascending: %v", clusters[0].Nodes[0].CanonicalKey)
	}
}

func TestSplitAroundAnchor(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ccfg := config.ClusteringConfig{
		Enabled: true, WindowSpanDays: 30, MaxNodesPerCluster: 3,
		MaxInputTokensPerCluster: 150, EnableAnchorSplit: true,
	}

	anchor := nodeAt("hub", base, 3)
	anchor.Links = []string{"omg/fact/a", "omg/fact/b", "omg/fact/c"}
	nodes := []*graph.Node{anchor, nodeAt("s1", base, 3), nodeAt("s2", base, 3), nodeAt("s3", base, 3)}

	oversized := Cluster{Domain: "facts", Nodes: nodes, Start: base, End: base, EstTokens: 10000}
	subs := SplitAroundAnchor(oversized, ccfg)
	if len(subs) < 2 {
		t.Fatalf("subclusters = %d, want split", len(subs))
	}
	for i, sub := range subs {
		if sub.Nodes[0].CanonicalKey != "facts.hub" {
			t.Errorf("subcluster %d missing anchor first: %v", i, sub.Nodes[0].CanonicalKey)
		}
	}

	t.Run("disabled passes through", func(t *testing.T) {
		off := ccfg
		off.EnableAnchorSplit = false
		subs := SplitAroundAnchor(oversized, off)
		if len(subs) != 1 {
			t.Errorf("subclusters = %d, want 1", len(subs))
		}
	})
}
