package reflector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/providers"
	"github.com/hculap/openclaw-omg/internal/session"
)

// reflectionMaxTokens is the fixed response cap for every compression call.
const reflectionMaxTokens = 8192

// Pipeline wires the reflection pass.
type Pipeline struct {
	Store   *graph.Store
	Gen     providers.Generator
	Cfg     *config.Config
	Metrics metrics.Sink

	now func() time.Time
}

// PassResult summarises one reflection pass.
type PassResult struct {
	Domains           int
	ClustersProcessed int
	ClustersAbandoned int
	NodesWritten      int
	NodesArchived     int
	MocUpdates        int
	FieldUpdates      int
	TokensUsed        int
	Errors            []string
}

// Run executes a full reflection pass: eligibility filter, domain
// assignment, time clustering, per-cluster compression-escalated synthesis,
// and the apply phase. Per-cluster failures are recorded and do not abort
// the pass.
func (p *Pipeline) Run(ctx context.Context) (*PassResult, error) {
	res := &PassResult{}
	sink := p.sink()
	now := p.clock()()

	entries, err := p.Store.Registry().List()
	if err != nil {
		return res, err
	}

	eligible := Eligible(entries, p.Cfg.Reflection.AgeCutoffDays, now)
	if len(eligible) == 0 {
		return res, nil
	}

	domains := AssignDomains(eligible)
	res.Domains = len(domains)

	for domain, domainEntries := range domains {
		nodes := make([]*graph.Node, 0, len(domainEntries))
		for _, re := range domainEntries {
			n, err := p.Store.NodeByID(re.ID)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", re.ID, err))
				continue
			}
			if n != nil {
				nodes = append(nodes, n)
			}
		}
		if len(nodes) == 0 {
			continue
		}

		var clusters []Cluster
		if p.Cfg.Reflection.Clustering.Enabled {
			for _, c := range BuildClusters(domain, nodes, p.Cfg.Reflection.Clustering) {
				clusters = append(clusters, SplitAroundAnchor(c, p.Cfg.Reflection.Clustering)...)
			}
		} else {
			clusters = []Cluster{{Domain: domain, Nodes: nodes, Start: nodes[0].Updated, End: nodes[len(nodes)-1].Updated}}
		}

		for _, cluster := range clusters {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			p.runCluster(ctx, cluster, res)
		}
	}

	sink.Emit("reflection.completed", map[string]any{
		"domains":   res.Domains,
		"clusters":  res.ClustersProcessed,
		"abandoned": res.ClustersAbandoned,
		"written":   res.NodesWritten,
		"archived":  res.NodesArchived,
		"tokens":    res.TokensUsed,
	})
	return res, nil
}

// runCluster performs the progressive-compression loop for one cluster and
// applies the accepted output. An LLM error at any level abandons the
// cluster; an invariant violation discards its output.
func (p *Pipeline) runCluster(ctx context.Context, cluster Cluster, res *PassResult) {
	packets := make([]Packet, 0, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		packets = append(packets, BuildPacket(n))
	}
	rendered := RenderPackets(packets)

	maxLevel := p.Cfg.Reflection.MaxCompressionLevel
	budget := p.Cfg.Injection.MaxContextTokens

	var accepted *Output
	var acceptedLevel graph.CompressionLevel
	tokensUsed := 0

	for level := 0; level <= maxLevel; level++ {
		system, user := BuildReflectionPrompt(cluster, rendered, graph.CompressionLevel(level))
		gen, err := p.Gen.Generate(ctx, system, user, reflectionMaxTokens)
		if err != nil {
			slog.Warn("reflector: abandoning cluster", "domain", cluster.Domain, "level", level, "error", err)
			res.ClustersAbandoned++
			res.Errors = append(res.Errors, fmt.Sprintf("cluster %s: %v", cluster.Domain, err))
			return
		}
		tokensUsed += gen.Usage.Total()

		out := ParseReflection(gen.Content)
		for _, d := range out.Diagnostics {
			slog.Warn("reflector: dropped record", "domain", cluster.Domain, "reason", d)
		}

		bodyTokens := 0
		for _, n := range out.Nodes {
			bodyTokens += session.EstimateTokens(n.Body)
			if len(n.Tags) < minExpectedTags {
				slog.Warn("reflector: node carries few tags", "id", n.ID, "tags", len(n.Tags))
			}
		}

		if bodyTokens <= budget || level == maxLevel {
			accepted = out
			acceptedLevel = graph.CompressionLevel(level)
			break
		}
		slog.Info("reflector: escalating compression", "domain", cluster.Domain,
			"level", level, "bodyTokens", bodyTokens, "budget", budget)
	}
	res.TokensUsed += tokensUsed

	if accepted == nil {
		res.ClustersAbandoned++
		return
	}
	if err := CheckInvariants(accepted, tokensUsed); err != nil {
		slog.Warn("reflector: invariant violation, discarding cluster output",
			"domain", cluster.Domain, "error", err)
		res.ClustersAbandoned++
		res.Errors = append(res.Errors, err.Error())
		return
	}

	p.apply(cluster, accepted, acceptedLevel, res)
	res.ClustersProcessed++
}

// BuildReflectionPrompt assembles the prompt pair for one cluster at one
// compression level.
func BuildReflectionPrompt(cluster Cluster, packets string, level graph.CompressionLevel) (system, user string) {
	retention := map[graph.CompressionLevel]string{
		graph.CompressionNone:   "Reorganise only; retain close to 100% of the body content.",
		graph.CompressionLight:  "Compress to roughly 70% of the body content.",
		graph.CompressionMedium: "Compress to roughly 50% of the body content.",
		graph.CompressionMax:    "Compress aggressively to roughly 40%, bullet points only.",
	}

	system = `You reorganise a knowledge-graph domain. Given compact node packets, synthesise reflection nodes that consolidate the domain, archive nodes that are fully absorbed, and emit targeted field updates.

Respond with exactly one <reflection> block:

<reflection>
  <reflection-nodes>
    <node compression-level="` + fmt.Sprint(int(level)) + `">
      <id>omg/reflection/domain-topic</id>
      <description>One line</description>
      <sources>omg/type/slug, omg/type/other</sources>
      <tags>at, least, ten, comma, separated, tags, for, retrieval, please, thanks</tags>
      <body>Markdown synthesis</body>
    </node>
  </reflection-nodes>
  <archive-nodes><node-id>omg/type/slug</node-id></archive-nodes>
  <moc-updates><moc domain="d" nodeId="omg/type/slug" action="add"/></moc-updates>
  <node-updates><update targetId="omg/type/slug" field="description" action="set">New text</update></node-updates>
</reflection>

Never list an id in both node-updates and archive-nodes.`

	var b strings.Builder
	b.WriteString("Domain: " + cluster.Domain + "\n")
	b.WriteString("Window: " + cluster.Start.UTC().Format("2006-01-02") + " .. " + cluster.End.UTC().Format("2006-01-02") + "\n")
	b.WriteString("Directive: " + retention[level] + "\n\n")
	b.WriteString(packets)
	return system, b.String()
}

func (p *Pipeline) sink() metrics.Sink {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.NopSink{}
}

func (p *Pipeline) clock() func() time.Time {
	if p.now != nil {
		return p.now
	}
	return time.Now
}

// WithClock overrides the pipeline's clock. Tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}
