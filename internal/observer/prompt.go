package observer

import (
	"strings"
)

// The prompt pair sent for one observation call. The response contract (the
// <observations> schema) is what the parser consumes; the wording here is
// deliberately compact.
const observationSystem = `You maintain a long-lived memory graph for an AI agent. Distill the new conversation messages into durable knowledge operations.

Respond with exactly one <observations> block:

<observations>
  <operation action="upsert" type="preference|identity|project|decision|fact|episode">
    <title>Short Title</title>
    <canonical-key>domain.dotted-key</canonical-key>
    <description>One-line summary</description>
    <priority>high|medium|low</priority>
    <body>Markdown details</body>
    <links>[[omg/moc-domain]] [[omg/fact/other-node]]</links>
    <tags>comma, separated</tags>
    <moc-hints>domain</moc-hints>
  </operation>
  <now-update>Current-state snapshot in markdown</now-update>
  <moc-updates>
    <moc domain="d" nodeId="omg/type/slug" action="add"/>
  </moc-updates>
</observations>

Extract only durable knowledge: identities, preferences, projects, decisions, facts, notable episodes. Skip chit-chat. Reuse canonical keys for knowledge you have seen before. Emit no operations when nothing durable appeared.`

// BuildPrompt assembles the system and user strings for one observation
// call. nowBody, when present, shows the model the current snapshot so its
// <now-update> evolves instead of resetting.
func BuildPrompt(messages []string, nowBody string) (system, user string) {
	var b strings.Builder
	if nowBody != "" {
		b.WriteString("Current state snapshot:\n\n")
		b.WriteString(nowBody)
		b.WriteString("\n\n---\n\n")
	}
	b.WriteString("New messages:\n\n")
	for _, m := range messages {
		b.WriteString(m)
		b.WriteString("\n\n")
	}
	return observationSystem, b.String()
}
