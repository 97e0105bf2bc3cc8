package reflector

import (
	"sort"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/session"
)

// Eligible filters registry entries down to reflection inputs: non-archived
// content nodes whose last update is older than the age cutoff.
func Eligible(entries []graph.RegEntry, ageCutoffDays int, now time.Time) []graph.RegEntry {
	cutoff := now.AddDate(0, 0, -ageCutoffDays)
	var out []graph.RegEntry
	for _, re := range entries {
		e := re.Entry
		if e.Archived || !e.Type.IsContent() {
			continue
		}
		if !e.Updated.Before(cutoff) {
			continue
		}
		out = append(out, re)
	}
	return out
}

// DomainOf computes an entry's reflection domain: the canonical-key prefix
// before the first dot, falling back to the node type.
func DomainOf(e graph.Entry) string {
	if e.CanonicalKey != "" {
		for i := 0; i < len(e.CanonicalKey); i++ {
			if e.CanonicalKey[i] == '.' {
				return e.CanonicalKey[:i]
			}
		}
		return e.CanonicalKey
	}
	return string(e.Type)
}

// AssignDomains groups eligible entries by domain.
func AssignDomains(entries []graph.RegEntry) map[string][]graph.RegEntry {
	domains := map[string][]graph.RegEntry{}
	for _, re := range entries {
		d := DomainOf(re.Entry)
		domains[d] = append(domains[d], re)
	}
	return domains
}

// Cluster is one domain time-window group headed for a single LLM call.
type Cluster struct {
	Domain    string
	Nodes     []*graph.Node
	Start     time.Time
	End       time.Time
	EstTokens int
}

// BuildClusters greedily forms clusters over the domain's nodes sorted by
// updated ascending. A new cluster starts whenever adding the next node
// would exceed the window span, the node cap, or the input token budget.
func BuildClusters(domain string, nodes []*graph.Node, ccfg config.ClusteringConfig) []Cluster {
	if len(nodes) == 0 {
		return nil
	}
	sorted := make([]*graph.Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Updated.Before(sorted[j].Updated) })

	span := time.Duration(ccfg.WindowSpanDays) * 24 * time.Hour

	var clusters []Cluster
	var cur *Cluster
	for _, n := range sorted {
		tokens := session.EstimateTokens(RenderPackets([]Packet{BuildPacket(n)}))

		fits := cur != nil &&
			len(cur.Nodes) < ccfg.MaxNodesPerCluster &&
			cur.EstTokens+tokens <= ccfg.MaxInputTokensPerCluster &&
			n.Updated.Sub(cur.Start) <= span

		if !fits {
			clusters = append(clusters, Cluster{Domain: domain, Start: n.Updated})
			cur = &clusters[len(clusters)-1]
		}
		cur.Nodes = append(cur.Nodes, n)
		cur.End = n.Updated
		cur.EstTokens += tokens
	}
	return clusters
}

// SplitAroundAnchor splits a still-oversized cluster around its most-linked
// node so that each subcluster keeps the anchor plus a bounded
// neighbourhood. Clusters within bounds pass through untouched.
func SplitAroundAnchor(c Cluster, ccfg config.ClusteringConfig) []Cluster {
	if !ccfg.EnableAnchorSplit || c.EstTokens <= ccfg.MaxInputTokensPerCluster || len(c.Nodes) <= 2 {
		return []Cluster{c}
	}

	anchorIdx := 0
	for i, n := range c.Nodes {
		if len(n.Links) > len(c.Nodes[anchorIdx].Links) {
			anchorIdx = i
		}
	}
	anchor := c.Nodes[anchorIdx]
	anchorTokens := session.EstimateTokens(RenderPackets([]Packet{BuildPacket(anchor)}))

	var rest []*graph.Node
	for i, n := range c.Nodes {
		if i != anchorIdx {
			rest = append(rest, n)
		}
	}

	var out []Cluster
	var cur *Cluster
	for _, n := range rest {
		tokens := session.EstimateTokens(RenderPackets([]Packet{BuildPacket(n)}))
		if cur == nil || cur.EstTokens+tokens > ccfg.MaxInputTokensPerCluster || len(cur.Nodes) >= ccfg.MaxNodesPerCluster {
			out = append(out, Cluster{
				Domain:    c.Domain,
				Nodes:     []*graph.Node{anchor},
				Start:     c.Start,
				End:       c.End,
				EstTokens: anchorTokens,
			})
			cur = &out[len(out)-1]
		}
		cur.Nodes = append(cur.Nodes, n)
		cur.EstTokens += tokens
	}
	if cur == nil {
		return []Cluster{c}
	}
	return out
}
