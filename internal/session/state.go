// Package session tracks per-session observation state: token counters,
// trigger thresholds, the reflection watermark, and recent source
// fingerprints. One JSON document per (workspace, sessionKey), persisted
// atomically on every update.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
)

// State is the persisted per-session snapshot.
type State struct {
	LastObservedAtMs                int64                     `json:"lastObservedAtMs"`
	PendingMessageTokens            int                       `json:"pendingMessageTokens"`
	TotalObservationTokens          int                       `json:"totalObservationTokens"`
	LastReflectionTotalTokens       int                       `json:"lastReflectionTotalTokens"`
	ObservationBoundaryMessageIndex int                       `json:"observationBoundaryMessageIndex"`
	NodeCount                       int                       `json:"nodeCount"`
	LastObservationNodeIds          []string                  `json:"lastObservationNodeIds,omitempty"`
	RecentFingerprints              []fingerprint.Fingerprint `json:"recentFingerprints,omitempty"`
}

// MaxRecentNodeIDs bounds the suppression hint list (newest first).
const MaxRecentNodeIDs = 50

// StateError is a classified session-state invariant violation.
type StateError struct {
	Kind    string // "session-state-negative" | "session-state-decreasing-total"
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session state [%s]: %s", e.Kind, e.Message)
}

// validate enforces counter invariants against the previous snapshot.
func (s *State) validate(prev *State) error {
	if s.PendingMessageTokens < 0 || s.TotalObservationTokens < 0 ||
		s.ObservationBoundaryMessageIndex < 0 || s.NodeCount < 0 {
		return &StateError{Kind: "session-state-negative",
			Message: fmt.Sprintf("negative counter: pending=%d total=%d boundary=%d nodes=%d",
				s.PendingMessageTokens, s.TotalObservationTokens,
				s.ObservationBoundaryMessageIndex, s.NodeCount)}
	}
	if prev != nil && s.TotalObservationTokens < prev.TotalObservationTokens {
		return &StateError{Kind: "session-state-decreasing-total",
			Message: fmt.Sprintf("totalObservationTokens decreased %d → %d",
				prev.TotalObservationTokens, s.TotalObservationTokens)}
	}
	if s.LastReflectionTotalTokens > s.TotalObservationTokens {
		s.LastReflectionTotalTokens = s.TotalObservationTokens
	}
	return nil
}

// Manager loads, mutates, and saves session state documents. Concurrent
// turns with the same session key are serialised through a per-key mutex.
type Manager struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*State
}

// NewManager creates a manager storing state files under dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*State),
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// WithState runs fn on the session's state under its key mutex, validates
// the result against the prior snapshot, and persists it. The state is
// persisted even when fn returns an error, so partial progress (fingerprints,
// counters) survives failed turns; invariant violations are not persisted.
func (m *Manager) WithState(sessionKey string, fn func(*State) error) error {
	lock := m.keyLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.load(sessionKey)
	if err != nil {
		return err
	}
	prev := *st

	fnErr := fn(st)

	if verr := st.validate(&prev); verr != nil {
		// Roll back to the last valid snapshot; do not persist the violation.
		*st = prev
		return verr
	}
	if saveErr := m.save(sessionKey, st); saveErr != nil {
		if fnErr != nil {
			return fnErr
		}
		return saveErr
	}
	return fnErr
}

// Peek returns a copy of the session's current state.
func (m *Manager) Peek(sessionKey string) (State, error) {
	lock := m.keyLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.load(sessionKey)
	if err != nil {
		return State{}, err
	}
	return *st, nil
}

func (m *Manager) load(key string) (*State, error) {
	m.mu.Lock()
	if st, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	st := &State{}
	data, err := os.ReadFile(m.path(key))
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, st); jsonErr != nil {
			// A corrupt state file resets the session rather than wedging it.
			st = &State{}
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("session state: read %s: %w", key, err)
	}

	m.mu.Lock()
	m.cache[key] = st
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) save(key string, st *State) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("session state: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("session state: marshal %s: %w", key, err)
	}
	return graph.WriteFileAtomic(m.path(key), data)
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, sanitizeFilename(key)+".json")
}

func sanitizeFilename(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\':
			return '_'
		}
		return r
	}, key)
}

// TrimRecentNodeIDs keeps at most MaxRecentNodeIDs ids, newest first.
func TrimRecentNodeIDs(ids []string) []string {
	if len(ids) > MaxRecentNodeIDs {
		return ids[:MaxRecentNodeIDs]
	}
	return ids
}
