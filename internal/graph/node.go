// Package graph is the persistent layer of the observational memory graph:
// node files (YAML frontmatter + markdown body), the registry index,
// Map-of-Content files, and the atomic write primitives shared by every
// pipeline that touches disk.
package graph

import (
	"fmt"
	"time"
)

// NodeType classifies a knowledge node.
type NodeType string

const (
	NodeIdentity   NodeType = "identity"
	NodePreference NodeType = "preference"
	NodeProject    NodeType = "project"
	NodeDecision   NodeType = "decision"
	NodeFact       NodeType = "fact"
	NodeEpisode    NodeType = "episode"
	NodeReflection NodeType = "reflection"
	NodeMOC        NodeType = "moc"
	NodeIndex      NodeType = "index"
	NodeNow        NodeType = "now"
)

var nodeTypes = map[NodeType]bool{
	NodeIdentity:   true,
	NodePreference: true,
	NodeProject:    true,
	NodeDecision:   true,
	NodeFact:       true,
	NodeEpisode:    true,
	NodeReflection: true,
	NodeMOC:        true,
	NodeIndex:      true,
	NodeNow:        true,
}

// ParseNodeType returns the NodeType for s, or false if s is not one of the
// canonical type names. Callers that accept sloppy model output should
// normalise first (see observer.NormalizeType).
func ParseNodeType(s string) (NodeType, bool) {
	t := NodeType(s)
	return t, nodeTypes[t]
}

// IsContent reports whether t is eligible for reflection and dedup:
// everything except the structural types (reflection, moc, index, now).
func (t NodeType) IsContent() bool {
	switch t {
	case NodeReflection, NodeMOC, NodeIndex, NodeNow:
		return false
	}
	return nodeTypes[t]
}

// Priority is the importance of a node.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	}
	return PriorityMedium
}

// Rank orders priorities for survivor selection (higher wins).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// CompressionLevel is the reflection compression tier: 0 reorganises only,
// 3 compresses to bullets.
type CompressionLevel int

const (
	CompressionNone     CompressionLevel = 0
	CompressionLight    CompressionLevel = 1
	CompressionMedium   CompressionLevel = 2
	CompressionMax      CompressionLevel = 3
	MaxCompressionLevel                  = CompressionMax
)

// ParseCompressionLevel converts a parse-boundary integer into a
// CompressionLevel, rejecting out-of-range values.
func ParseCompressionLevel(n int) (CompressionLevel, error) {
	if n < int(CompressionNone) || n > int(CompressionMax) {
		return CompressionNone, fmt.Errorf("compression level out of range: %d", n)
	}
	return CompressionLevel(n), nil
}

// Source records where a node's content came from.
type Source struct {
	SessionKey string `yaml:"sessionKey" json:"sessionKey"`
	Kind       string `yaml:"kind" json:"kind"`
	Timestamp  int64  `yaml:"timestamp" json:"timestamp"` // unix ms
}

// Node is one knowledge file: YAML header plus markdown body.
type Node struct {
	ID           string
	UID          string
	CanonicalKey string
	Type         NodeType
	Priority     Priority
	Description  string
	Created      time.Time
	Updated      time.Time
	Aliases      []string
	AppliesTo    string
	Links        []string
	Tags         []string
	Sources      []Source
	Supersedes   []string

	// Reflection nodes only.
	CompressionLevel *CompressionLevel

	Archived   bool
	MergedInto string

	Body string

	// Path is where the node lives on disk. Not serialised.
	Path string
}

// Domain returns the node's reflection domain: the canonical-key prefix
// before the first dot, or the type as fallback.
func (n *Node) Domain() string {
	if n.CanonicalKey != "" {
		for i := 0; i < len(n.CanonicalKey); i++ {
			if n.CanonicalKey[i] == '.' {
				return n.CanonicalKey[:i]
			}
		}
		return n.CanonicalKey
	}
	return string(n.Type)
}

// HasAlias reports whether key is already one of the node's aliases.
func (n *Node) HasAlias(key string) bool {
	for _, a := range n.Aliases {
		if a == key {
			return true
		}
	}
	return false
}
