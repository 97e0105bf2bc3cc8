// Package observer implements the observation pipeline: distill a turn's
// messages into node operations via the LLM, dedup and merge them against
// the existing graph, and write the results.
package observer

import (
	"github.com/hculap/openclaw-omg/internal/graph"
)

// Actions a parsed operation may carry. Upsert is the content-addressed
// path; create/update/supersede are the legacy schema.
const (
	ActionUpsert    = "upsert"
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionSupersede = "supersede"
)

var knownActions = map[string]bool{
	ActionUpsert:    true,
	ActionCreate:    true,
	ActionUpdate:    true,
	ActionSupersede: true,
}

// Candidate is one validated operation extracted from the model response.
type Candidate struct {
	Action       string
	Type         graph.NodeType
	ID           string
	Title        string
	CanonicalKey string
	TargetID     string
	Description  string
	Priority     graph.Priority
	Body         string
	Links        []string
	Tags         []string
	MocHints     []string
}

// Parsed is the recovered content of one observation response. Individual
// invalid records are dropped into Diagnostics; a completely unusable
// response yields a Parsed with no operations and a single diagnostic, never
// an error.
type Parsed struct {
	Operations  []Candidate
	NowUpdate   string
	HasNow      bool
	MocUpdates  []graph.MocUpdate
	Diagnostics []string
}
