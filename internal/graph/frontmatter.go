package graph

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// frontmatter is the YAML header of a node file. Field order here is the
// canonical serialisation order; yaml.v3 emits struct fields in declaration
// order and omits empty optional fields.
type frontmatter struct {
	ID               string   `yaml:"id"`
	Description      string   `yaml:"description"`
	Type             string   `yaml:"type"`
	Priority         string   `yaml:"priority"`
	Created          string   `yaml:"created"`
	Updated          string   `yaml:"updated"`
	UID              string   `yaml:"uid,omitempty"`
	CanonicalKey     string   `yaml:"canonicalKey,omitempty"`
	Aliases          []string `yaml:"aliases,omitempty"`
	AppliesTo        string   `yaml:"appliesTo,omitempty"`
	Sources          []Source `yaml:"sources,omitempty"`
	Links            []string `yaml:"links,omitempty"`
	Tags             []string `yaml:"tags,omitempty"`
	Supersedes       []string `yaml:"supersedes,omitempty"`
	CompressionLevel *int     `yaml:"compressionLevel,omitempty"`
	Archived         bool     `yaml:"archived,omitempty"`
	MergedInto       string   `yaml:"mergedInto,omitempty"`
}

const fmDelimiter = "---"

// SplitFrontmatter separates an optional leading `---` block from the body.
// Returns ok=false when the content carries no frontmatter.
func SplitFrontmatter(content string) (header, body string, ok bool) {
	rest, found := strings.CutPrefix(content, fmDelimiter+"\n")
	if !found {
		// Tolerate a CRLF-terminated opening delimiter.
		rest, found = strings.CutPrefix(content, fmDelimiter+"\r\n")
		if !found {
			return "", content, false
		}
	}

	idx := strings.Index(rest, "\n"+fmDelimiter)
	if idx < 0 {
		return "", content, false
	}
	header = rest[:idx]

	body = rest[idx+1+len(fmDelimiter):]
	body = strings.TrimPrefix(body, "\r")
	body = strings.TrimPrefix(body, "\n")
	return header, body, true
}

// ParseFrontmatter parses the YAML header of content into a generic map and
// returns the body. Malformed YAML yields an empty map and the original body
// rather than an error; callers that need typed fields use DecodeNode.
func ParseFrontmatter(content string) (map[string]any, string) {
	header, body, ok := SplitFrontmatter(content)
	if !ok {
		return map[string]any{}, content
	}
	fields := map[string]any{}
	if err := yaml.Unmarshal([]byte(header), &fields); err != nil {
		return map[string]any{}, content
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, body
}

// DecodeNode parses a node file's content into a Node. Unlike
// ParseFrontmatter it reports malformed or missing headers as errors so that
// readers can warn and skip the file.
func DecodeNode(content string) (*Node, error) {
	header, body, ok := SplitFrontmatter(content)
	if !ok {
		return nil, fmt.Errorf("no frontmatter header")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.ID == "" {
		return nil, fmt.Errorf("frontmatter missing id")
	}

	n := &Node{
		ID:           fm.ID,
		UID:          fm.UID,
		CanonicalKey: fm.CanonicalKey,
		Type:         NodeType(fm.Type),
		Priority:     ParsePriority(fm.Priority),
		Description:  fm.Description,
		Aliases:      fm.Aliases,
		AppliesTo:    fm.AppliesTo,
		Links:        fm.Links,
		Tags:         fm.Tags,
		Sources:      fm.Sources,
		Supersedes:   fm.Supersedes,
		Archived:     fm.Archived,
		MergedInto:   fm.MergedInto,
		Body:         body,
	}
	n.Created = parseTimestamp(fm.Created)
	n.Updated = parseTimestamp(fm.Updated)
	if n.Updated.Before(n.Created) {
		n.Updated = n.Created
	}
	if fm.CompressionLevel != nil {
		if level, err := ParseCompressionLevel(*fm.CompressionLevel); err == nil {
			n.CompressionLevel = &level
		}
	}
	return n, nil
}

// EncodeNode serialises a node into its on-disk form: canonical-order YAML
// header between `---` delimiters, then the markdown body.
func EncodeNode(n *Node) ([]byte, error) {
	fm := frontmatter{
		ID:           n.ID,
		Description:  n.Description,
		Type:         string(n.Type),
		Priority:     string(n.Priority),
		Created:      formatTimestamp(n.Created),
		Updated:      formatTimestamp(n.Updated),
		UID:          n.UID,
		CanonicalKey: n.CanonicalKey,
		Aliases:      n.Aliases,
		AppliesTo:    n.AppliesTo,
		Sources:      n.Sources,
		Links:        n.Links,
		Tags:         n.Tags,
		Supersedes:   n.Supersedes,
		Archived:     n.Archived,
		MergedInto:   n.MergedInto,
	}
	if n.CompressionLevel != nil {
		level := int(*n.CompressionLevel)
		fm.CompressionLevel = &level
	}

	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("encode node %s: %w", n.ID, err)
	}

	var b strings.Builder
	b.WriteString(fmDelimiter)
	b.WriteString("\n")
	b.Write(header)
	b.WriteString(fmDelimiter)
	b.WriteString("\n")
	b.WriteString(n.Body)
	if n.Body != "" && !strings.HasSuffix(n.Body, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
