package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistry_RegisterGetList(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	e := Entry{Type: NodeFact, Description: "d", Priority: PriorityLow, FilePath: "nodes/fact/x.md"}
	if err := r.Register("omg/fact/x", e); err != nil {
		t.Fatal(err)
	}

	got, ok, err := r.Get("omg/fact/x")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.FilePath != "nodes/fact/x.md" {
		t.Errorf("filePath = %q", got.FilePath)
	}

	list, err := r.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v %v", list, err)
	}

	// File on disk is one complete JSON document.
	data, err := os.ReadFile(filepath.Join(root, RegistryFile))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("registry.json not valid JSON: %v", err)
	}
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("omg/fact/x", Entry{Type: NodeFact, Description: "old", Priority: PriorityLow, FilePath: "nodes/fact/x.md"})

	if err := r.Update("omg/fact/x", func(e *Entry) { e.Archived = true }); err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Get("omg/fact/x")
	if !got.Archived {
		t.Error("update not applied")
	}

	// Unknown id is a no-op, not an error.
	if err := r.Update("omg/fact/nope", func(e *Entry) { e.Archived = true }); err != nil {
		t.Errorf("unknown id update: %v", err)
	}
}

func TestRegistry_RebuildFromDisk(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry(root)
	s := NewStore(root, "ws", reg)
	s.WithClock(func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) })

	s.WriteObservationUpsert(UpsertOp{Type: NodeFact, CanonicalKey: "facts.alpha", Description: "a", Priority: PriorityLow, Body: "x"})
	s.WriteObservationUpsert(UpsertOp{Type: NodePreference, CanonicalKey: "preferences.beta", Description: "b", Priority: PriorityHigh, Body: "y"})

	// Corrupt the registry file; a fresh registry must rebuild from node files.
	os.WriteFile(filepath.Join(root, RegistryFile), []byte("{broken"), 0644)

	fresh := NewRegistry(root)
	list, err := fresh.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("rebuilt entries = %d, want 2", len(list))
	}
	for _, re := range list {
		if re.Entry.FilePath == "" || !strings.HasPrefix(re.Entry.FilePath, "nodes/") {
			t.Errorf("rebuilt entry %s has filePath %q", re.ID, re.Entry.FilePath)
		}
	}
}

func TestRegistry_ConcurrentWrites(t *testing.T) {
	r := NewRegistry(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "omg/fact/facts-" + string(rune('a'+i))
			r.Register(id, Entry{Type: NodeFact, Description: "d", Priority: PriorityLow, FilePath: "nodes/fact/x.md"})
		}(i)
	}
	wg.Wait()

	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 20 {
		t.Errorf("entries = %d, want 20", len(list))
	}
}

func TestRegistry_NodeCountExcludesArchived(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("a", Entry{Type: NodeFact, FilePath: "nodes/fact/a.md"})
	r.Register("b", Entry{Type: NodeFact, FilePath: "nodes/fact/b.md", Archived: true})

	n, err := r.NodeCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("NodeCount = %d, want 1", n)
	}
}
