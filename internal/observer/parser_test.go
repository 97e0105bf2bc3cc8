package observer

import (
	"strings"
	"testing"

	"github.com/hculap/openclaw-omg/internal/graph"
)

const sampleResponse = `<observations>
  <operation action="upsert" type="preference">
    <title>Dark Mode Everywhere</title>
    <canonical-key>preferences.dark-mode</canonical-key>
    <description>Wants dark mode in every tool</description>
    <priority>high</priority>
    <body>Asked for dark themes in editor &amp; terminal.</body>
    <links>[[omg/moc-preferences]] [[omg/fact/facts-terminal]]</links>
    <tags>ui, theme</tags>
    <moc-hints>preferences</moc-hints>
  </operation>
  <now-update>Setting up the new laptop.</now-update>
  <moc-updates>
    <moc domain="preferences" nodeId="omg/preference/preferences-dark-mode" action="add"/>
  </moc-updates>
</observations>`

func TestParseResponse_WellFormed(t *testing.T) {
	p := ParseResponse(sampleResponse)
	if len(p.Operations) != 1 {
		t.Fatalf("operations = %d, diagnostics = %v", len(p.Operations), p.Diagnostics)
	}
	op := p.Operations[0]
	if op.Type != graph.NodePreference || op.Action != ActionUpsert {
		t.Errorf("op = %+v", op)
	}
	if op.ID != "omg/preference/preferences-dark-mode" {
		t.Errorf("id = %q", op.ID)
	}
	if op.Body != "Asked for dark themes in editor & terminal." {
		t.Errorf("body entities not decoded: %q", op.Body)
	}
	if len(op.Links) != 2 || op.Links[0] != "omg/moc-preferences" {
		t.Errorf("links = %v", op.Links)
	}
	if len(op.Tags) != 2 || op.Tags[1] != "theme" {
		t.Errorf("tags = %v", op.Tags)
	}
	if !p.HasNow || p.NowUpdate != "Setting up the new laptop." {
		t.Errorf("now = %q hasNow=%v", p.NowUpdate, p.HasNow)
	}
	if len(p.MocUpdates) != 1 || p.MocUpdates[0].Action != graph.MocAdd {
		t.Errorf("mocUpdates = %+v", p.MocUpdates)
	}
}

func TestParseResponse_FencedAndWrapped(t *testing.T) {
	fenced := "Here is the result:\n```xml\n" + sampleResponse + "\n```\nHope that helps!"
	p := ParseResponse(fenced)
	if len(p.Operations) != 1 {
		t.Fatalf("fenced: operations = %d", len(p.Operations))
	}

	alt := strings.ReplaceAll(sampleResponse, "observations>", "response>")
	p = ParseResponse(alt)
	if len(p.Operations) != 1 {
		t.Fatalf("alt wrapper: operations = %d", len(p.Operations))
	}
}

func TestParseResponse_TypeNormalisation(t *testing.T) {
	tests := []struct {
		attr string
		want graph.NodeType
	}{
		{"Preferences", graph.NodePreference},
		{"FACT", graph.NodeFact},
		{"Facts", graph.NodeFact},
		{"projects", graph.NodeProject},
		{"Decisions", graph.NodeDecision},
		{"memory", graph.NodeFact},
	}
	for _, tt := range tests {
		t.Run(tt.attr, func(t *testing.T) {
			raw := `<observations><operation action="upsert" type="` + tt.attr + `">
				<title>Some Thing</title><description>d</description></operation></observations>`
			p := ParseResponse(raw)
			if len(p.Operations) != 1 {
				t.Fatalf("dropped: %v", p.Diagnostics)
			}
			if p.Operations[0].Type != tt.want {
				t.Errorf("type = %q, want %q", p.Operations[0].Type, tt.want)
			}
		})
	}
}

func TestParseResponse_RegeneratesCanonicalKey(t *testing.T) {
	raw := `<observations><operation action="upsert" type="preference">
		<title>Dark Mode Everywhere</title><description>d</description></operation></observations>`
	p := ParseResponse(raw)
	if len(p.Operations) != 1 {
		t.Fatalf("dropped: %v", p.Diagnostics)
	}
	if p.Operations[0].CanonicalKey != "preference.dark-mode-everywhere" {
		t.Errorf("canonicalKey = %q", p.Operations[0].CanonicalKey)
	}
	// The regenerated key's type prefix is not repeated in the id.
	if p.Operations[0].ID != "omg/preference/dark-mode-everywhere" {
		t.Errorf("id = %q", p.Operations[0].ID)
	}
}

func TestParseResponse_DropsInvalidRecords(t *testing.T) {
	raw := `<observations>
	  <operation action="teleport" type="fact"><title>A</title><description>d</description></operation>
	  <operation action="upsert" type="starsign"><title>B</title><description>d</description></operation>
	  <operation action="update" type="fact"><title>C</title><description>d</description></operation>
	  <operation action="upsert" type="fact"><title>D</title></operation>
	  <operation action="upsert" type="fact"><title>Valid One</title><description>ok</description></operation>
	</observations>`
	p := ParseResponse(raw)
	if len(p.Operations) != 1 || p.Operations[0].Title != "Valid One" {
		t.Errorf("operations = %+v", p.Operations)
	}
	if len(p.Diagnostics) != 4 {
		t.Errorf("diagnostics = %v", p.Diagnostics)
	}
}

func TestParseResponse_NeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"plain prose with no xml at all",
		"<observations>truncated",
		"<observations><operation action=\"upsert\" type=\"fact\"><title>x</title>",
		"\x00\xff\xfe random bytes <<<>>>",
		"```\nfenced nothing\n```",
		strings.Repeat("<operation>", 1000),
		"<observations><operation></operation></observations>",
	}
	for _, in := range inputs {
		p := ParseResponse(in)
		if p == nil {
			t.Fatalf("nil result for %q", in)
		}
	}
}

func TestParseResponse_InvalidMocUpdatesDropped(t *testing.T) {
	raw := `<observations>
	  <moc-updates>
	    <moc domain="" nodeId="omg/x" action="add"/>
	    <moc domain="d" nodeId="omg/x" action="explode"/>
	    <moc domain="good" nodeId="omg/fact/x" action="remove"/>
	  </moc-updates>
	</observations>`
	p := ParseResponse(raw)
	if len(p.MocUpdates) != 1 || p.MocUpdates[0].Domain != "good" {
		t.Errorf("mocUpdates = %+v", p.MocUpdates)
	}
	if len(p.Diagnostics) != 2 {
		t.Errorf("diagnostics = %v", p.Diagnostics)
	}
}
