// Package bootstrap ingests a historical corpus into the memory graph as a
// resumable, budget-bounded batch job: crash-safe state, cross-process
// locking, rate-limit backoff, and a structured failure log.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// File names under the graph root.
const (
	StateFile       = ".bootstrap-state.json"
	LockFile        = ".bootstrap-lock"
	FailureLogFile  = ".bootstrap-failures.jsonl"
	legacyDoneFile  = ".bootstrap-done"
	stateVersion    = 2
)

// Status of a bootstrap run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the persisted v2 bootstrap document. It is written after every
// batch attempt, success or not, so a crash never loses progress.
type State struct {
	Version         int            `json:"version"`
	Status          Status         `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	Cursor          int            `json:"cursor"`
	Total           int            `json:"total"`
	OK              int            `json:"ok"`
	Fail            int            `json:"fail"`
	Done            map[string]bool `json:"done"` // batch index (decimal) → true
	LastError       string         `json:"lastError,omitempty"`
	MaintenanceDone bool           `json:"maintenanceDone,omitempty"`
}

// NewState creates a fresh running state for total batches.
func NewState(total int) *State {
	now := time.Now().UTC()
	return &State{
		Version:   stateVersion,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
		Total:     total,
		Done:      map[string]bool{},
	}
}

// IsDone reports whether batch index i completed in a previous attempt.
func (s *State) IsDone(i int) bool {
	return s.Done[fmt.Sprint(i)]
}

// MarkDone records batch i as completed and advances the cursor to
// 1 + max(done).
func (s *State) MarkDone(i int) {
	if s.Done == nil {
		s.Done = map[string]bool{}
	}
	s.Done[fmt.Sprint(i)] = true
	if i+1 > s.Cursor {
		s.Cursor = i + 1
	}
}

// DoneCount returns the number of completed batches.
func (s *State) DoneCount() int { return len(s.Done) }

// DoneIndices returns the sorted completed batch indices.
func (s *State) DoneIndices() []int {
	out := make([]int, 0, len(s.Done))
	for k := range s.Done {
		var i int
		if _, err := fmt.Sscanf(k, "%d", &i); err == nil {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// LoadState reads the graph's bootstrap state. A missing file returns
// (nil, nil). A pre-v2 `.bootstrap-done` sentinel is migrated in place to a
// completed v2 state and honoured.
func LoadState(root string) (*State, error) {
	path := filepath.Join(root, StateFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var st State
		if jsonErr := json.Unmarshal(data, &st); jsonErr != nil {
			return nil, fmt.Errorf("bootstrap state: parse %s: %w", path, jsonErr)
		}
		if st.Done == nil {
			st.Done = map[string]bool{}
		}
		return &st, nil
	case os.IsNotExist(err):
		return migrateLegacySentinel(root)
	default:
		return nil, fmt.Errorf("bootstrap state: read %s: %w", path, err)
	}
}

// migrateLegacySentinel upgrades a `.bootstrap-done` marker left by the v1
// format into a completed v2 state file.
func migrateLegacySentinel(root string) (*State, error) {
	legacy := filepath.Join(root, legacyDoneFile)
	info, err := os.Stat(legacy)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap state: stat %s: %w", legacy, err)
	}

	st := &State{
		Version:   stateVersion,
		Status:    StatusCompleted,
		StartedAt: info.ModTime().UTC(),
		UpdatedAt: time.Now().UTC(),
		Done:      map[string]bool{},
	}
	if err := SaveState(root, st); err != nil {
		return nil, err
	}
	os.Remove(legacy)
	return st, nil
}

// SaveState atomically persists the state under the graph root.
func SaveState(root string, st *State) error {
	st.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("bootstrap state: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("bootstrap state: marshal: %w", err)
	}
	return graph.WriteFileAtomic(filepath.Join(root, StateFile), data)
}
