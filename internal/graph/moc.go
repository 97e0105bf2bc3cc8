package graph

import (
	"fmt"
	"strings"
)

// MocAction is an add or remove of one node in a domain MOC.
type MocAction string

const (
	MocAdd    MocAction = "add"
	MocRemove MocAction = "remove"
)

// MocUpdate is one membership change for a domain's Map-of-Content.
type MocUpdate struct {
	Domain string
	NodeID string
	Action MocAction
}

// ApplyMocUpdate inserts or removes a wikilink in the domain's MOC file,
// creating the file on first add. Insertion order is preserved and entries
// are de-duplicated; removals are stable.
func (s *Store) ApplyMocUpdate(u MocUpdate) error {
	if u.Domain == "" || u.NodeID == "" {
		return fmt.Errorf("moc update: empty domain or node id")
	}

	rel := MocRelPath(u.Domain)
	n, err := s.ReadNode(s.abs(rel))
	if err != nil {
		return err
	}

	var ids []string
	if n != nil {
		ids = ParseWikilinks(n.Body)
	}

	switch u.Action {
	case MocAdd:
		for _, id := range ids {
			if id == u.NodeID {
				return nil // already listed
			}
		}
		ids = append(ids, u.NodeID)
	case MocRemove:
		if n == nil {
			return nil // nothing to remove from
		}
		kept := ids[:0]
		for _, id := range ids {
			if id != u.NodeID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ids) {
			return nil
		}
		ids = kept
	default:
		return fmt.Errorf("moc update: unknown action %q", u.Action)
	}

	return s.RegenerateMoc(u.Domain, ids)
}

// RegenerateMoc fully rewrites the domain's MOC body from ids.
func (s *Store) RegenerateMoc(domain string, ids []string) error {
	rel := MocRelPath(domain)

	seen := map[string]bool{}
	var b strings.Builder
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		b.WriteString("- [[" + id + "]]\n")
	}

	now := s.now().UTC()
	n := &Node{
		ID:          MocNodeID(domain),
		Type:        NodeMOC,
		Priority:    PriorityMedium,
		Description: "Map of content: " + domain,
		Created:     now,
		Updated:     now,
		Body:        b.String(),
	}
	if prev, err := s.ReadNode(s.abs(rel)); err != nil {
		return err
	} else if prev != nil && !prev.Created.IsZero() {
		n.Created = prev.Created
	}

	return s.writeAndRegister(n, rel)
}

// ParseWikilinks extracts the [[...]] targets from a markdown body, in order.
func ParseWikilinks(body string) []string {
	var ids []string
	for i := 0; i < len(body); {
		open := strings.Index(body[i:], "[[")
		if open < 0 {
			break
		}
		open += i
		end := strings.Index(body[open+2:], "]]")
		if end < 0 {
			break
		}
		id := strings.TrimSpace(body[open+2 : open+2+end])
		if id != "" {
			ids = append(ids, id)
		}
		i = open + 2 + end + 2
	}
	return ids
}

// MocDomainFromLink extracts the domain from a MOC wikilink target such as
// "omg/moc-projects". Returns "" when the target is not a MOC id.
func MocDomainFromLink(target string) string {
	rest, ok := strings.CutPrefix(target, Namespace+"/moc-")
	if !ok || rest == "" {
		return ""
	}
	return rest
}
