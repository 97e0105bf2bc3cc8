package reflector

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// apply writes the accepted output of one cluster: reflection nodes,
// archives, MOC updates, and field updates. Settled semantics throughout:
// each failure is recorded and the rest proceeds.
func (p *Pipeline) apply(cluster Cluster, out *Output, level graph.CompressionLevel, res *PassResult) {
	for _, rn := range out.Nodes {
		lvl := rn.CompressionLevel
		if lvl == graph.CompressionNone {
			lvl = level
		}
		node := &graph.Node{
			ID:               rn.ID,
			Type:             graph.NodeReflection,
			Priority:         graph.PriorityMedium,
			Description:      rn.Description,
			Links:            rn.Sources,
			Tags:             rn.Tags,
			CompressionLevel: &lvl,
			Body:             rn.Body,
		}
		if _, err := p.Store.WriteClusteredReflection(graph.ClusteredReflection{
			Node:   node,
			Domain: cluster.Domain,
			Start:  cluster.Start,
			End:    cluster.End,
		}); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("write %s: %v", rn.ID, err))
			continue
		}
		res.NodesWritten++
	}

	for _, id := range out.Archive {
		if err := p.Store.MutateNode(id, func(n *graph.Node) error {
			if n.Archived {
				return graph.ErrNoChange
			}
			n.Archived = true
			return nil
		}); err != nil {
			slog.Warn("reflector: archive failed", "id", id, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("archive %s: %v", id, err))
			continue
		}
		res.NodesArchived++
	}

	for _, u := range out.MocUpdates {
		if err := p.Store.ApplyMocUpdate(u); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("moc %s/%s: %v", u.Domain, u.NodeID, err))
			continue
		}
		res.MocUpdates++
	}

	for _, u := range out.NodeUpdates {
		if err := p.applyFieldUpdate(u); err != nil {
			slog.Warn("reflector: field update failed", "target", u.TargetID, "field", u.Field, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("update %s.%s: %v", u.TargetID, u.Field, err))
			continue
		}
		res.FieldUpdates++
	}

	if _, err := p.Store.WriteIndex(); err != nil {
		slog.Warn("reflector: index write failed", "error", err)
	}
}

// applyFieldUpdate mutates one node field per the update semantics:
// body set/add/remove replaces/appends/strips text; tags and links keep set
// semantics; description and priority accept set only.
func (p *Pipeline) applyFieldUpdate(u NodeUpdate) error {
	return p.Store.MutateNode(u.TargetID, func(n *graph.Node) error {
		switch u.Field {
		case "description":
			n.Description = u.Value
		case "priority":
			n.Priority = graph.ParsePriority(strings.ToLower(u.Value))
		case "body":
			switch u.Action {
			case "set":
				n.Body = u.Value
			case "add":
				if strings.TrimSpace(n.Body) == "" {
					n.Body = u.Value
				} else {
					n.Body = strings.TrimRight(n.Body, "\n") + "\n\n" + u.Value
				}
			case "remove":
				n.Body = strings.ReplaceAll(n.Body, u.Value, "")
			}
		case "tags":
			n.Tags = applySetUpdate(n.Tags, u.Action, u.Value)
		case "links":
			n.Links = applySetUpdate(n.Links, u.Action, u.Value)
		default:
			return fmt.Errorf("unknown field %q", u.Field)
		}
		return nil
	})
}

// applySetUpdate applies set/add/remove over a comma-separated value with
// set-dedup semantics.
func applySetUpdate(current []string, action, value string) []string {
	items := splitComma(value)
	switch action {
	case "set":
		return dedup(items)
	case "add":
		return dedup(append(append([]string{}, current...), items...))
	case "remove":
		drop := map[string]bool{}
		for _, it := range items {
			drop[it] = true
		}
		var kept []string
		for _, c := range current {
			if !drop[c] {
				kept = append(kept, c)
			}
		}
		return kept
	}
	return current
}

func dedup(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
