package reflector

import (
	"strings"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// Packet limits, matching what one node contributes to a cluster prompt.
const (
	maxSummaryLines  = 10
	maxRecentUpdates = 3
	maxKeyLinks      = 5
)

// Packet is the compact projection of one node for the reflection prompt.
type Packet struct {
	CanonicalKey  string
	Type          string
	Description   string
	SummaryLines  []string
	RecentUpdates []string
	KeyLinks      []string
}

// BuildPacket projects a node: the first non-empty body lines, the trailing
// bullets of its "## Updates" section, and its leading links.
func BuildPacket(n *graph.Node) Packet {
	p := Packet{
		CanonicalKey: n.CanonicalKey,
		Type:         string(n.Type),
		Description:  n.Description,
	}
	if p.CanonicalKey == "" {
		p.CanonicalKey = n.ID
	}

	for _, line := range strings.Split(n.Body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.SummaryLines = append(p.SummaryLines, line)
		if len(p.SummaryLines) == maxSummaryLines {
			break
		}
	}

	p.RecentUpdates = updatesBullets(n.Body)

	for _, l := range n.Links {
		p.KeyLinks = append(p.KeyLinks, l)
		if len(p.KeyLinks) == maxKeyLinks {
			break
		}
	}
	return p
}

// updatesBullets returns the last bullets under a "## Updates" heading.
func updatesBullets(body string) []string {
	lines := strings.Split(body, "\n")
	inUpdates := false
	var bullets []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			inUpdates = strings.EqualFold(trimmed, "## updates")
		case inUpdates && (strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ")):
			bullets = append(bullets, trimmed)
		}
	}
	if len(bullets) > maxRecentUpdates {
		bullets = bullets[len(bullets)-maxRecentUpdates:]
	}
	return bullets
}

// RenderPackets serialises packets into one fenced block each.
func RenderPackets(packets []Packet) string {
	var b strings.Builder
	for _, p := range packets {
		b.WriteString("```packet\n")
		b.WriteString("key: " + p.CanonicalKey + "\n")
		b.WriteString("type: " + p.Type + "\n")
		b.WriteString("description: " + p.Description + "\n")
		if len(p.SummaryLines) > 0 {
			b.WriteString("summary:\n")
			for _, l := range p.SummaryLines {
				b.WriteString("  " + l + "\n")
			}
		}
		if len(p.RecentUpdates) > 0 {
			b.WriteString("recent:\n")
			for _, l := range p.RecentUpdates {
				b.WriteString("  " + l + "\n")
			}
		}
		if len(p.KeyLinks) > 0 {
			b.WriteString("links: " + strings.Join(p.KeyLinks, " ") + "\n")
		}
		b.WriteString("```\n")
	}
	return b.String()
}
