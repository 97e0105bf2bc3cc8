package observer

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// The model response is XML-shaped but frequently sloppy: fenced in
// markdown, wrapped in prose, pluralised type names, entity-escaped.
// Everything here is regexp-based recovery; encoding/xml would reject most
// real responses outright.
var (
	fenceRe    = regexp.MustCompile("(?s)```(?:xml|XML)?\\s*(.*?)```")
	wrapperRe  = regexp.MustCompile(`(?s)<(observations|operations|output|response)\b[^>]*>(.*?)</(?:observations|operations|output|response)>`)
	opRe       = regexp.MustCompile(`(?s)<operation\b([^>]*)>(.*?)</operation>`)
	nowRe      = regexp.MustCompile(`(?s)<now-update\b[^>]*>(.*?)</now-update>`)
	mocBlockRe = regexp.MustCompile(`(?s)<moc-updates\b[^>]*>(.*?)</moc-updates>`)
	mocRe      = regexp.MustCompile(`<moc\b([^>]*?)/?>`)
	attrRe     = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9-]*)\s*=\s*"([^"]*)"`)
	linkRe     = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)
)

// ParseResponse recovers a Parsed from an arbitrary model response string.
// It never fails: unusable input produces an empty result with a logged
// diagnostic; individually invalid operations are dropped with diagnostics.
func ParseResponse(raw string) *Parsed {
	out := &Parsed{}

	body := raw
	if m := fenceRe.FindStringSubmatch(body); m != nil && strings.Contains(m[1], "<") {
		body = m[1]
	}
	if m := wrapperRe.FindStringSubmatch(body); m != nil {
		body = m[2]
	} else if !strings.Contains(body, "<operation") && !strings.Contains(body, "<now-update") {
		slog.Warn("observer: response carried no recognisable block", "chars", len(raw))
		out.Diagnostics = append(out.Diagnostics, "no <observations> block found")
		return out
	}

	for _, m := range opRe.FindAllStringSubmatch(body, -1) {
		cand, diag := parseOperation(m[1], m[2])
		if diag != "" {
			out.Diagnostics = append(out.Diagnostics, diag)
			continue
		}
		out.Operations = append(out.Operations, *cand)
	}

	if m := nowRe.FindStringSubmatch(body); m != nil {
		out.NowUpdate = strings.TrimSpace(html.UnescapeString(m[1]))
		out.HasNow = true
	}

	if m := mocBlockRe.FindStringSubmatch(body); m != nil {
		for _, tag := range mocRe.FindAllStringSubmatch(m[1], -1) {
			attrs := parseAttrs(tag[1])
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

	return out
}

func parseOperation(attrText, content string) (*Candidate, string) {
	attrs := parseAttrs(attrText)

	action := strings.ToLower(strings.TrimSpace(attrs["action"]))
	if action == "" {
		action = ActionUpsert
	}
	if !knownActions[action] {
		return nil, fmt.Sprintf("unknown action %q", attrs["action"])
	}

	typeName := attrs["type"]
	if typeName == "" {
		typeName = childText(content, "type")
	}
	nodeType, ok := NormalizeType(typeName)
	if !ok {
		return nil, fmt.Sprintf("unknown type %q", typeName)
	}

	c := &Candidate{
		Action:      action,
		Type:        nodeType,
		Title:       childText(content, "title"),
		Description: childText(content, "description"),
		Priority:    graph.ParsePriority(strings.ToLower(childText(content, "priority"))),
		Body:        childText(content, "body"),
		TargetID:    childText(content, "target-id"),
	}

	c.CanonicalKey = strings.ToLower(childText(content, "canonical-key"))
	if c.CanonicalKey == "" {
		// Regenerate from type + title: "<type>.<slug(title)>".
		slug, err := graph.Slugify(c.Title)
		if err == nil {
			c.CanonicalKey = string(nodeType) + "." + slug
		}
	}
	if c.CanonicalKey != "" && !graph.ValidCanonicalKey(c.CanonicalKey) {
		// One more attempt: slug the whole key into a valid tail segment.
		if slug, err := graph.Slugify(c.CanonicalKey); err == nil {
			c.CanonicalKey = string(nodeType) + "." + slug
		}
	}

	if c.CanonicalKey != "" {
		if id, err := graph.NodeID(nodeType, c.CanonicalKey); err == nil {
			c.ID = id
		}
	}

	if c.ID == "" {
		return nil, fmt.Sprintf("operation %q/%q has no derivable id", typeName, c.Title)
	}
	if c.Description == "" {
		return nil, fmt.Sprintf("operation %s missing description", c.ID)
	}
	if (action == ActionUpdate || action == ActionSupersede) && c.TargetID == "" {
		return nil, fmt.Sprintf("operation %s action %s missing target-id", c.ID, action)
	}

	for _, m := range linkRe.FindAllStringSubmatch(childText(content, "links"), -1) {
		if target := strings.TrimSpace(m[1]); target != "" {
			c.Links = append(c.Links, target)
		}
	}
	c.Tags = splitCommaList(childText(content, "tags"))
	c.MocHints = splitCommaList(childText(content, "moc-hints"))

	return c, ""
}

// childText extracts the entity-decoded, trimmed text of the first <tag>
// element in content.
func childText(content, tag string) string {
	re := regexp.MustCompile(`(?s)<` + tag + `\b[^>]*>(.*?)</` + tag + `>`)
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(m[1]))
}

func parseAttrs(s string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		attrs[strings.ToLower(m[1])] = html.UnescapeString(m[2])
	}
	return attrs
}

func splitCommaList(s string) []string {
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

// typeVariants maps common model spellings onto canonical node types.
var typeVariants = map[string]graph.NodeType{
	"preferences": graph.NodePreference,
	"pref":        graph.NodePreference,
	"facts":       graph.NodeFact,
	"projects":    graph.NodeProject,
	"decisions":   graph.NodeDecision,
	"episodes":    graph.NodeEpisode,
	"identities":  graph.NodeIdentity,
	"memory":      graph.NodeFact,
	"note":        graph.NodeFact,
	"notes":       graph.NodeFact,
}

// NormalizeType coerces a sloppy type attribute (case, plurals, variants)
// onto the canonical type set.
func NormalizeType(s string) (graph.NodeType, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	if t, ok := graph.ParseNodeType(name); ok {
		return t, true
	}
	if t, ok := typeVariants[name]; ok {
		return t, true
	}
	if trimmed, found := strings.CutSuffix(name, "s"); found {
		if t, ok := graph.ParseNodeType(trimmed); ok {
			return t, true
		}
	}
	return "", false
}
