package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoChange can be returned from a MutateNode callback to signal that the
// node is already in the desired state and the write should be skipped.
var ErrNoChange = errors.New("no change")

// Store performs every node file operation for one graph root. All writes go
// through WriteFileAtomic, and every write path updates the registry with the
// node already on disk, so a reader that sees a registry row always finds the
// file.
type Store struct {
	root  string
	scope string
	reg   *Registry

	now func() time.Time
}

// NewStore creates a store over the graph root. scope qualifies UIDs
// (typically the workspace identifier).
func NewStore(root, scope string, reg *Registry) *Store {
	return &Store{root: root, scope: scope, reg: reg, now: time.Now}
}

// WithClock overrides the store's clock. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Root returns the graph root directory.
func (s *Store) Root() string { return s.root }

// Registry returns the registry backing this store.
func (s *Store) Registry() *Registry { return s.reg }

// abs resolves a registry-relative path against the graph root.
func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// ReadNode reads and decodes one node file. A missing file or an unparseable
// header returns (nil, nil) with a warning; other IO errors propagate.
func (s *Store) ReadNode(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read node %s: %w", path, err)
	}
	n, err := DecodeNode(string(data))
	if err != nil {
		slog.Warn("store: skipping unparseable node", "path", path, "error", err)
		return nil, nil
	}
	n.Path = path
	return n, nil
}

// NodeByID resolves an id through the registry and reads its file.
func (s *Store) NodeByID(id string) (*Node, error) {
	e, ok, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.ReadNode(s.abs(e.FilePath))
}

// ListByType returns all nodes of one type, sorted by updated descending.
func (s *Store) ListByType(t NodeType) ([]*Node, error) {
	return s.list(func(e Entry) bool { return e.Type == t })
}

// ListAll returns every node in the graph, sorted by updated descending.
func (s *Store) ListAll() ([]*Node, error) {
	return s.list(func(Entry) bool { return true })
}

func (s *Store) list(keep func(Entry) bool) ([]*Node, error) {
	entries, err := s.reg.List()
	if err != nil {
		return nil, err
	}
	var nodes []*Node
	for _, re := range entries {
		if !keep(re.Entry) {
			continue
		}
		n, err := s.ReadNode(s.abs(re.Entry.FilePath))
		if err != nil {
			return nil, err
		}
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Updated.After(nodes[j].Updated) })
	return nodes, nil
}

// UpsertOp is a content-addressed write request from the observation pipeline.
type UpsertOp struct {
	Type         NodeType
	CanonicalKey string
	Description  string
	Priority     Priority
	Body         string
	AppliesTo    string
	Aliases      []string
	Links        []string
	Tags         []string
	Sources      []Source
	Supersedes   []string
}

// WriteObservationUpsert writes a node at its deterministic content-addressed
// path. An existing file keeps its created timestamp; the uid is derived from
// (scope, type, canonicalKey).
func (s *Store) WriteObservationUpsert(op UpsertOp) (*Node, error) {
	rel, err := NodeRelPath(op.Type, op.CanonicalKey)
	if err != nil {
		return nil, err
	}
	id, err := NodeID(op.Type, op.CanonicalKey)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	n := &Node{
		ID:           id,
		UID:          UID(s.scope, op.Type, op.CanonicalKey),
		CanonicalKey: op.CanonicalKey,
		Type:         op.Type,
		Priority:     op.Priority,
		Description:  op.Description,
		Created:      now,
		Updated:      now,
		Aliases:      op.Aliases,
		AppliesTo:    op.AppliesTo,
		Links:        op.Links,
		Tags:         op.Tags,
		Sources:      op.Sources,
		Supersedes:   op.Supersedes,
		Body:         op.Body,
	}

	if prev, err := s.ReadNode(s.abs(rel)); err != nil {
		return nil, err
	} else if prev != nil && !prev.Created.IsZero() {
		n.Created = prev.Created
	}

	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// LegacyOp is a create/update/supersede write from the legacy observation
// schema, stored at a date-based collision-safe path.
type LegacyOp struct {
	Type        NodeType
	Title       string
	Description string
	Priority    Priority
	Body        string
	Links       []string
	Tags        []string
	Sources     []Source
	Supersedes  []string
}

// WriteLegacy writes a node at nodes/<type>/<type>-<slug>-YYYY-MM-DD[-N].md,
// probing N in 2..99 on collision.
func (s *Store) WriteLegacy(op LegacyOp) (*Node, error) {
	slug, err := Slugify(op.Title)
	if err != nil {
		return nil, fmt.Errorf("legacy write %q: %w", op.Title, err)
	}

	now := s.now().UTC()
	base := fmt.Sprintf("%s-%s-%s", op.Type, slug, now.Format("2006-01-02"))
	rel, err := s.probeFreePath(filepath.Join("nodes", string(op.Type)), base)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:          Namespace + "/" + string(op.Type) + "/" + slug,
		Type:        op.Type,
		Priority:    op.Priority,
		Description: op.Description,
		Created:     now,
		Updated:     now,
		Links:       op.Links,
		Tags:        op.Tags,
		Sources:     op.Sources,
		Supersedes:  op.Supersedes,
		Body:        op.Body,
	}
	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// probeFreePath finds <dir>/<base>.md or <dir>/<base>-N.md for N in 2..99.
func (s *Store) probeFreePath(dir, base string) (string, error) {
	rel := filepath.ToSlash(filepath.Join(dir, base+".md"))
	if _, err := os.Stat(s.abs(rel)); os.IsNotExist(err) {
		return rel, nil
	}
	for n := 2; n <= 99; n++ {
		rel = filepath.ToSlash(filepath.Join(dir, fmt.Sprintf("%s-%d.md", base, n)))
		if _, err := os.Stat(s.abs(rel)); os.IsNotExist(err) {
			return rel, nil
		}
	}
	return "", fmt.Errorf("no free path for %s under %s: suffixes exhausted", base, dir)
}

// WriteReflection writes a reflection node at a date-suffixed path under
// reflections/.
func (s *Store) WriteReflection(n *Node) (*Node, error) {
	slug, err := Slugify(strings.TrimPrefix(n.ID, Namespace+"/reflection/"))
	if err != nil {
		return nil, fmt.Errorf("reflection write %q: %w", n.ID, err)
	}

	now := s.now().UTC()
	if n.Created.IsZero() {
		n.Created = now
	}
	n.Updated = now
	n.Type = NodeReflection

	base := fmt.Sprintf("%s-%s", slug, now.Format("2006-01-02"))
	rel, err := s.probeFreePath("reflections", base)
	if err != nil {
		return nil, err
	}
	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// ClusteredReflection is a reflection produced for one domain time cluster.
type ClusteredReflection struct {
	Node   *Node
	Domain string
	Start  time.Time
	End    time.Time
}

// WriteClusteredReflection writes at the deterministic path
// reflections/<domain>/<start>__<end>.md so that same-cluster reruns
// overwrite rather than accumulate.
func (s *Store) WriteClusteredReflection(cr ClusteredReflection) (*Node, error) {
	domainSlug, err := Slugify(cr.Domain)
	if err != nil {
		return nil, fmt.Errorf("clustered reflection for %q: %w", cr.Domain, err)
	}

	rel := filepath.ToSlash(filepath.Join("reflections", domainSlug,
		cr.Start.UTC().Format("2006-01-02")+"__"+cr.End.UTC().Format("2006-01-02")+".md"))

	n := cr.Node
	n.Type = NodeReflection
	now := s.now().UTC()
	if prev, err := s.ReadNode(s.abs(rel)); err != nil {
		return nil, err
	} else if prev != nil && !prev.Created.IsZero() {
		n.Created = prev.Created
	} else if n.Created.IsZero() {
		n.Created = now
	}
	n.Updated = now

	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// WriteNow overwrites the singleton now.md snapshot. The created timestamp is
// preserved across overwrites; links are set only when recentIDs is non-empty.
func (s *Store) WriteNow(body string, recentIDs []string) (*Node, error) {
	const rel = "now.md"

	now := s.now().UTC()
	n := &Node{
		ID:          NowNodeID,
		Type:        NodeNow,
		Priority:    PriorityHigh,
		Description: "Current state snapshot",
		Created:     now,
		Updated:     now,
		Body:        body,
	}
	if len(recentIDs) > 0 {
		n.Links = recentIDs
	}

	if prev, err := s.ReadNode(s.abs(rel)); err != nil {
		return nil, err
	} else if prev != nil && !prev.Created.IsZero() {
		n.Created = prev.Created
	}

	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// WriteIndex rewrites the singleton index.md listing every MOC plus the
// non-archived node count.
func (s *Store) WriteIndex() (*Node, error) {
	entries, err := s.reg.List()
	if err != nil {
		return nil, err
	}

	var mocs []string
	count := 0
	for _, re := range entries {
		if re.Entry.Type == NodeMOC {
			mocs = append(mocs, re.ID)
		}
		if !re.Entry.Archived {
			count++
		}
	}
	sort.Strings(mocs)

	var b strings.Builder
	b.WriteString("# Memory Index\n\n")
	b.WriteString(fmt.Sprintf("Nodes: %d\n", count))
	if len(mocs) > 0 {
		b.WriteString("\n## Maps of Content\n\n")
		for _, id := range mocs {
			b.WriteString("- [[" + id + "]]\n")
		}
	}

	const rel = "index.md"
	now := s.now().UTC()
	n := &Node{
		ID:          IndexNodeID,
		Type:        NodeIndex,
		Priority:    PriorityMedium,
		Description: "Memory graph index",
		Created:     now,
		Updated:     now,
		Body:        b.String(),
	}
	if prev, err := s.ReadNode(s.abs(rel)); err != nil {
		return nil, err
	} else if prev != nil && !prev.Created.IsZero() {
		n.Created = prev.Created
	}
	if err := s.writeAndRegister(n, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// AppendToExisting appends bodyAppend to a node's body, separated by a blank
// line, and bumps updated. Serialised through the registry mutex so
// concurrent mutators of the same node cannot interleave.
func (s *Store) AppendToExisting(id, bodyAppend string) error {
	return s.MutateNode(id, func(n *Node) error {
		extra := strings.TrimSpace(bodyAppend)
		if extra == "" {
			return ErrNoChange
		}
		if strings.TrimSpace(n.Body) == "" {
			n.Body = extra + "\n"
		} else {
			n.Body = strings.TrimRight(n.Body, "\n") + "\n\n" + extra + "\n"
		}
		return nil
	})
}

// AddAlias merges aliasKey into the node's alias set and bumps updated.
func (s *Store) AddAlias(id, aliasKey string) error {
	return s.MutateNode(id, func(n *Node) error {
		if aliasKey == "" || aliasKey == n.CanonicalKey || n.HasAlias(aliasKey) {
			return ErrNoChange
		}
		n.Aliases = append(n.Aliases, aliasKey)
		return nil
	})
}

// MutateNode runs a read-modify-write cycle on one node under the registry
// mutex: read file, apply mutate, bump updated, atomic write, mirror the
// registry entry. A missing registry row or node file is an error.
func (s *Store) MutateNode(id string, mutate func(*Node) error) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if err := s.reg.ensureLoadedLocked(); err != nil {
		return err
	}

	e, ok := s.reg.cache[id]
	if !ok {
		return fmt.Errorf("mutate %s: not in registry", id)
	}

	abs := s.abs(e.FilePath)
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("mutate %s: %w", id, err)
	}
	n, err := DecodeNode(string(data))
	if err != nil {
		return fmt.Errorf("mutate %s: %w", id, err)
	}
	n.Path = abs

	if err := mutate(n); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	n.Updated = s.now().UTC()
	if n.Updated.Before(n.Created) {
		n.Updated = n.Created
	}

	encoded, err := EncodeNode(n)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(abs, encoded); err != nil {
		return err
	}

	s.reg.cache[id] = entryFromNode(n, e.FilePath)
	return s.reg.saveLocked()
}

// writeAndRegister encodes the node, writes the file atomically, then records
// the registry row. File before registry: a visible row implies a visible
// file.
func (s *Store) writeAndRegister(n *Node, rel string) error {
	abs := s.abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("write %s: %w", n.ID, err)
	}

	data, err := EncodeNode(n)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(abs, data); err != nil {
		return err
	}
	n.Path = abs

	return s.reg.Register(n.ID, entryFromNode(n, filepath.ToSlash(rel)))
}
