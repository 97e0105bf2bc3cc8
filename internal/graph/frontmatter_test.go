package graph

import (
	"strings"
	"testing"
	"time"
)

func TestParseFrontmatter(t *testing.T) {
	content := "---\nid: omg/fact/x\ndescription: a fact\n---\nbody text\n"
	fields, body := ParseFrontmatter(content)
	if fields["id"] != "omg/fact/x" {
		t.Errorf("id = %v", fields["id"])
	}
	if body != "body text\n" {
		t.Errorf("body = %q", body)
	}
}

func TestParseFrontmatter_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "---\n: : :\n\t\tbroken\n---\nbody\n"},
		{"no header", "just a body\n"},
		{"unterminated", "---\nid: x\nnever closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, body := ParseFrontmatter(tt.content)
			if len(fields) != 0 {
				t.Errorf("fields = %v, want empty", fields)
			}
			if body != tt.content {
				t.Errorf("body = %q, want original content", body)
			}
		})
	}
}

func TestEncodeDecodeNode_Roundtrip(t *testing.T) {
	created := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	level := CompressionLight
	n := &Node{
		ID:           "omg/preference/preferences-editor-theme",
		UID:          "abcdefghijklmnopqrstuvwxyz",
		CanonicalKey: "preferences.editor-theme",
		Type:         NodePreference,
		Priority:     PriorityHigh,
		Description:  "Editor theme preference",
		Created:      created,
		Updated:      created.Add(time.Hour),
		Aliases:      []string{"preferences.theme"},
		Links:        []string{"omg/moc-preferences"},
		Tags:         []string{"editor", "ui"},
		Sources:      []Source{{SessionKey: "agent:main:x", Kind: "observation", Timestamp: 1736496000000}},
		CompressionLevel: &level,
		Body:         "Prefers dark themes.\n",
	}

	data, err := EncodeNode(n)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeNode(string(data))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != n.ID || got.CanonicalKey != n.CanonicalKey || got.Type != n.Type {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if !got.Created.Equal(created) {
		t.Errorf("created = %v, want %v", got.Created, created)
	}
	if got.CompressionLevel == nil || *got.CompressionLevel != CompressionLight {
		t.Errorf("compressionLevel = %v", got.CompressionLevel)
	}
	if got.Body != n.Body {
		t.Errorf("body = %q", got.Body)
	}
	if len(got.Sources) != 1 || got.Sources[0].Timestamp != 1736496000000 {
		t.Errorf("sources = %+v", got.Sources)
	}
}

func TestEncodeNode_CanonicalOrder(t *testing.T) {
	n := &Node{
		ID:           "omg/fact/facts-x",
		CanonicalKey: "facts.x",
		Type:         NodeFact,
		Priority:     PriorityMedium,
		Description:  "x",
		Created:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Updated:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Tags:         []string{"t"},
		Body:         "b",
	}
	data, err := EncodeNode(n)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)

	order := []string{"id:", "description:", "type:", "priority:", "created:", "updated:", "canonicalKey:", "tags:"}
	last := -1
	for _, key := range order {
		idx := strings.Index(text, key)
		if idx < 0 {
			t.Fatalf("key %q missing in output:\n%s", key, text)
		}
		if idx < last {
			t.Errorf("key %q out of canonical order:\n%s", key, text)
		}
		last = idx
	}

	if strings.Contains(text, "archived:") {
		t.Error("zero-value archived should be omitted")
	}
}

func TestDecodeNode_UpdatedNeverBeforeCreated(t *testing.T) {
	content := "---\nid: omg/fact/x\ndescription: d\ntype: fact\npriority: low\ncreated: 2026-02-01T00:00:00Z\nupdated: 2026-01-01T00:00:00Z\n---\n"
	n, err := DecodeNode(content)
	if err != nil {
		t.Fatal(err)
	}
	if n.Updated.Before(n.Created) {
		t.Errorf("updated %v before created %v", n.Updated, n.Created)
	}
}

func TestDecodeNode_MissingID(t *testing.T) {
	if _, err := DecodeNode("---\ndescription: d\n---\nbody"); err == nil {
		t.Error("DecodeNode without id should fail")
	}
}
