// Package dedup is the standalone semantic merge job: block similar nodes
// by type, key prefix, and time window, confirm merges with the LLM, and
// fold losers into a survivor.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/providers"
)

// Pipeline wires the dedup maintenance pass.
type Pipeline struct {
	Store   *graph.Store
	Gen     providers.Generator
	Cfg     *config.Config
	Metrics metrics.Sink
}

// Result summarises one dedup run.
type Result struct {
	BlocksProcessed int
	MergesExecuted  int
	NodesArchived   int
	TokensUsed      int
	Errors          []string
}

// candidate pairs a registry row with its loaded node.
type candidate struct {
	ID   string
	Node *graph.Node
}

// Run executes the pass. Disabled config is a no-op.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	if !p.Cfg.SemanticDedup.Enabled {
		return res, nil
	}
	dcfg := p.Cfg.SemanticDedup

	entries, err := p.Store.Registry().List()
	if err != nil {
		return res, err
	}

	var cands []candidate
	for _, re := range entries {
		if re.Entry.Archived || !re.Entry.Type.IsContent() {
			continue
		}
		n, err := p.Store.NodeByID(re.ID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", re.ID, err))
			continue
		}
		if n != nil {
			cands = append(cands, candidate{ID: re.ID, Node: n})
		}
	}

	blocks := BuildBlocks(cands, dcfg)
	if len(blocks) > dcfg.MaxBlocksPerRun {
		slog.Info("dedup: capping blocks this run", "found", len(blocks), "cap", dcfg.MaxBlocksPerRun)
		blocks = blocks[:dcfg.MaxBlocksPerRun]
	}

	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.BlocksProcessed++

		verdict, usage, err := p.judgeBlock(ctx, block, dcfg)
		res.TokensUsed += usage.Total()
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("block %s: %v", block[0].ID, err))
			continue
		}
		if verdict < dcfg.SemanticMergeThreshold {
			continue
		}

		if err := p.mergeBlock(block, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("merge %s: %v", block[0].ID, err))
		}
	}

	p.sink().Emit("dedup.completed", map[string]any{
		"blocks":   res.BlocksProcessed,
		"merges":   res.MergesExecuted,
		"archived": res.NodesArchived,
		"tokens":   res.TokensUsed,
		"errors":   len(res.Errors),
	})
	return res, nil
}

// BuildBlocks groups candidates by (type, canonical-key first segment), then
// by time window, then keeps the pairwise-similar ones in greedy blocks up
// to the block size cap.
func BuildBlocks(cands []candidate, dcfg config.SemanticDedupConfig) [][]candidate {
	type bucketKey struct {
		t      graph.NodeType
		prefix string
	}
	buckets := map[bucketKey][]candidate{}
	for _, c := range cands {
		prefix := c.Node.Domain()
		buckets[bucketKey{c.Node.Type, prefix}] = append(buckets[bucketKey{c.Node.Type, prefix}], c)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].t != keys[j].t {
			return keys[i].t < keys[j].t
		}
		return keys[i].prefix < keys[j].prefix
	})

	window := time.Duration(dcfg.TimeWindowDays) * 24 * time.Hour

	var blocks [][]candidate
	for _, k := range keys {
		group := buckets[k]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Node.Updated.Before(group[j].Node.Updated)
		})

		used := make([]bool, len(group))
		for i := range group {
			if used[i] {
				continue
			}
			block := []candidate{group[i]}
			used[i] = true
			for j := i + 1; j < len(group) && len(block) < dcfg.MaxBlockSize; j++ {
				if used[j] {
					continue
				}
				if group[j].Node.Updated.Sub(group[i].Node.Updated) > window {
					break
				}
				if heuristicSimilarity(group[i].Node, group[j].Node, dcfg.MaxBodyCharsPerNode) < dcfg.HeuristicPrefilterThreshold {
					continue
				}
				block = append(block, group[j])
				used[j] = true
			}
			if len(block) >= 2 {
				blocks = append(blocks, block)
			}
		}
	}
	return blocks
}

// heuristicSimilarity is the max of description, key, and body-sample
// Jaccard similarities.
func heuristicSimilarity(a, b *graph.Node, maxBodyChars int) float64 {
	desc := fingerprint.TokenJaccard(a.Description, b.Description)
	key := fingerprint.TokenJaccard(
		strings.ReplaceAll(a.CanonicalKey, ".", " "),
		strings.ReplaceAll(b.CanonicalKey, ".", " "))
	body := fingerprint.TokenJaccard(truncate(a.Body, maxBodyChars), truncate(b.Body, maxBodyChars))

	best := desc
	if key > best {
		best = key
	}
	if body > best {
		best = body
	}
	return best
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

var verdictRe = regexp.MustCompile(`\b(\d{1,3})\b`)

// judgeBlock asks the LLM for a 0–100 merge verdict over the block's bodies.
func (p *Pipeline) judgeBlock(ctx context.Context, block []candidate, dcfg config.SemanticDedupConfig) (int, providers.Usage, error) {
	var b strings.Builder
	b.WriteString("Decide whether these knowledge nodes describe the same fact and should merge.\n")
	b.WriteString("Answer with a single integer 0-100 (100 = certainly the same).\n\n")
	for _, c := range block {
		b.WriteString("--- " + c.ID + " (" + c.Node.Description + ")\n")
		b.WriteString(truncate(c.Node.Body, dcfg.MaxBodyCharsPerNode))
		b.WriteString("\n\n")
	}

	gen, err := p.Gen.Generate(ctx, "You compare knowledge nodes for semantic identity.", b.String(), 64)
	if err != nil {
		return 0, providers.Usage{}, err
	}

	m := verdictRe.FindStringSubmatch(gen.Content)
	if m == nil {
		return 0, gen.Usage, fmt.Errorf("no verdict in response %q", strings.TrimSpace(gen.Content))
	}
	verdict, _ := strconv.Atoi(m[1])
	if verdict > 100 {
		verdict = 100
	}
	return verdict, gen.Usage, nil
}

// mergeBlock picks the survivor (highest priority, then most recent) and
// archives the rest with mergedInto pointers and alias transfer.
func (p *Pipeline) mergeBlock(block []candidate, res *Result) error {
	survivor := block[0]
	for _, c := range block[1:] {
		sp, cp := survivor.Node.Priority.Rank(), c.Node.Priority.Rank()
		if cp > sp || (cp == sp && c.Node.Updated.After(survivor.Node.Updated)) {
			survivor = c
		}
	}

	for _, c := range block {
		if c.ID == survivor.ID {
			continue
		}

		if err := p.Store.MutateNode(c.ID, func(n *graph.Node) error {
			n.Archived = true
			n.MergedInto = survivor.ID
			return nil
		}); err != nil {
			return err
		}
		if key := c.Node.CanonicalKey; key != "" {
			if err := p.Store.AddAlias(survivor.ID, key); err != nil {
				return err
			}
		}
		res.NodesArchived++
		slog.Info("dedup: merged", "loser", c.ID, "survivor", survivor.ID)
	}
	res.MergesExecuted++
	return nil
}

func (p *Pipeline) sink() metrics.Sink {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.NopSink{}
}
