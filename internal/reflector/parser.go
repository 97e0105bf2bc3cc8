package reflector

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// ReflectionNode is one synthesised node from a reflection response.
type ReflectionNode struct {
	ID               string
	Description      string
	Sources          []string
	Tags             []string
	CompressionLevel graph.CompressionLevel
	Body             string
}

// NodeUpdate is one targeted field edit from a reflection response.
type NodeUpdate struct {
	TargetID string
	Field    string // description | priority | body | tags | links
	Action   string // set | add | remove
	Value    string
}

// Output is the recovered content of one reflection response.
type Output struct {
	Nodes       []ReflectionNode
	Archive     []string
	MocUpdates  []graph.MocUpdate
	NodeUpdates []NodeUpdate
	Diagnostics []string
}

var (
	reflWrapRe  = regexp.MustCompile(`(?s)<reflection\b[^>]*>(.*?)</reflection>`)
	reflNodeRe  = regexp.MustCompile(`(?s)<node\b([^>]*)>(.*?)</node>`)
	nodesWrapRe = regexp.MustCompile(`(?s)<reflection-nodes\b[^>]*>(.*?)</reflection-nodes>`)
	archiveRe   = regexp.MustCompile(`(?s)<archive-nodes\b[^>]*>(.*?)</archive-nodes>`)
	nodeIDRe    = regexp.MustCompile(`(?s)<node-id\b[^>]*>(.*?)</node-id>`)
	updatesRe   = regexp.MustCompile(`(?s)<node-updates\b[^>]*>(.*?)</node-updates>`)
	updateRe    = regexp.MustCompile(`(?s)<update\b([^>]*)>(.*?)</update>`)
	mocsRe      = regexp.MustCompile(`(?s)<moc-updates\b[^>]*>(.*?)</moc-updates>`)
	mocTagRe    = regexp.MustCompile(`<moc\b([^>]*?)/?>`)
	attrPairRe  = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9-]*)\s*=\s*"([^"]*)"`)
	fencedRe    = regexp.MustCompile("(?s)```(?:xml|XML)?\\s*(.*?)```")
)

var validUpdateFields = map[string]bool{"description": true, "priority": true, "body": true, "tags": true, "links": true}
var validUpdateActions = map[string]bool{"set": true, "add": true, "remove": true}

// minExpectedTags is the tag richness the prompt asks for; fewer only warns.
const minExpectedTags = 10

// ParseReflection recovers an Output from a model response. Like the
// observation parser it never fails: invalid pieces are dropped into
// Diagnostics.
func ParseReflection(raw string) *Output {
	out := &Output{}

	body := raw
	if m := fencedRe.FindStringSubmatch(body); m != nil && strings.Contains(m[1], "<") {
		body = m[1]
	}
	if m := reflWrapRe.FindStringSubmatch(body); m != nil {
		body = m[1]
	} else if !strings.Contains(body, "<reflection-nodes") && !strings.Contains(body, "<archive-nodes") {
		out.Diagnostics = append(out.Diagnostics, "no <reflection> block found")
		return out
	}

	if m := nodesWrapRe.FindStringSubmatch(body); m != nil {
		for _, nm := range reflNodeRe.FindAllStringSubmatch(m[1], -1) {
			node, diag := parseReflectionNode(nm[1], nm[2])
			if diag != "" {
				out.Diagnostics = append(out.Diagnostics, diag)
				continue
			}
			out.Nodes = append(out.Nodes, *node)
		}
	}

	if m := archiveRe.FindStringSubmatch(body); m != nil {
		seen := map[string]bool{}
		for _, im := range nodeIDRe.FindAllStringSubmatch(m[1], -1) {
			id := strings.TrimSpace(html.UnescapeString(im[1]))
			if !strings.HasPrefix(id, graph.Namespace+"/") {
				out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("invalid archive id %q", id))
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			out.Archive = append(out.Archive, id)
		}
	}

	if m := mocsRe.FindStringSubmatch(body); m != nil {
		for _, tm := range mocTagRe.FindAllStringSubmatch(m[1], -1) {
			attrs := parseAttrPairs(tm[1])
			u := graph.MocUpdate{
				Domain: attrs["domain"],
				NodeID: attrs["nodeid"],
				Action: graph.MocAction(strings.ToLower(attrs["action"])),
			}
			if u.Domain == "" || u.NodeID == "" || (u.Action != graph.MocAdd && u.Action != graph.MocRemove) {
				out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("invalid moc update: %v", attrs))
				continue
			}
			out.MocUpdates = append(out.MocUpdates, u)
		}
	}

	if m := updatesRe.FindStringSubmatch(body); m != nil {
		for _, um := range updateRe.FindAllStringSubmatch(m[1], -1) {
			attrs := parseAttrPairs(um[1])
			u := NodeUpdate{
				TargetID: attrs["targetid"],
				Field:    strings.ToLower(attrs["field"]),
				Action:   strings.ToLower(attrs["action"]),
				Value:    strings.TrimSpace(html.UnescapeString(um[2])),
			}
			switch {
			case u.TargetID == "":
				out.Diagnostics = append(out.Diagnostics, "node update missing targetId")
			case !validUpdateFields[u.Field]:
				out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("node update unknown field %q", u.Field))
			case !validUpdateActions[u.Action]:
				out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("node update unknown action %q", u.Action))
			case (u.Field == "description" || u.Field == "priority") && u.Action != "set":
				out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("field %s only supports set", u.Field))
			default:
				out.NodeUpdates = append(out.NodeUpdates, u)
			}
		}
	}

	return out
}

func parseReflectionNode(attrText, content string) (*ReflectionNode, string) {
	attrs := parseAttrPairs(attrText)

	n := &ReflectionNode{
		ID:          childOf(content, "id"),
		Description: childOf(content, "description"),
		Body:        childOf(content, "body"),
	}
	if n.ID == "" {
		return nil, "reflection node missing id"
	}
	if !strings.HasPrefix(n.ID, graph.Namespace+"/reflection/") {
		return nil, fmt.Sprintf("reflection node id %q outside omg/reflection/", n.ID)
	}
	if n.Description == "" {
		return nil, fmt.Sprintf("reflection node %s missing description", n.ID)
	}

	if lvlText := attrs["compression-level"]; lvlText != "" {
		if lvl, err := strconv.Atoi(lvlText); err == nil {
			if parsed, perr := graph.ParseCompressionLevel(lvl); perr == nil {
				n.CompressionLevel = parsed
			}
		}
	}

	n.Sources = splitComma(childOf(content, "sources"))
	n.Tags = splitComma(childOf(content, "tags"))

	return n, ""
}

func childOf(content, tag string) string {
	re := regexp.MustCompile(`(?s)<` + tag + `\b[^>]*>(.*?)</` + tag + `>`)
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(m[1]))
}

func parseAttrPairs(s string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrPairRe.FindAllStringSubmatch(s, -1) {
		attrs[strings.ToLower(m[1])] = html.UnescapeString(m[2])
	}
	return attrs
}

func splitComma(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CheckInvariants enforces the reflector output contract:
//   - no id appears in both the edit set and the archive set;
//   - every reflection node id stays inside the reflection namespace
//     (checked at parse, re-checked here for defence at the apply boundary);
//   - tokensUsed is non-negative.
func CheckInvariants(out *Output, tokensUsed int) error {
	if tokensUsed < 0 {
		return &InvariantError{Kind: "negative-tokens",
			Message: fmt.Sprintf("tokensUsed = %d", tokensUsed)}
	}

	archived := map[string]bool{}
	for _, id := range out.Archive {
		archived[id] = true
	}
	for _, u := range out.NodeUpdates {
		if archived[u.TargetID] {
			return &InvariantError{Kind: "overlap",
				Message: fmt.Sprintf("id %s in both edits and deletions", u.TargetID)}
		}
	}
	for _, n := range out.Nodes {
		if archived[n.ID] {
			return &InvariantError{Kind: "overlap",
				Message: fmt.Sprintf("reflection node %s also archived", n.ID)}
		}
		if !strings.HasPrefix(n.ID, graph.Namespace+"/reflection/") {
			return &InvariantError{Kind: "id-mismatch",
				Message: fmt.Sprintf("reflection node id %q outside namespace", n.ID)}
		}
	}
	return nil
}
