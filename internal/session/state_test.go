package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hculap/openclaw-omg/internal/config"
)

func TestWithState_PersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(dir)
	err := m1.WithState("agent:main:chat", func(st *State) error {
		st.TotalObservationTokens = 1200
		st.ObservationBoundaryMessageIndex = 4
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(dir)
	st, err := m2.Peek("agent:main:chat")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalObservationTokens != 1200 || st.ObservationBoundaryMessageIndex != 4 {
		t.Errorf("state = %+v", st)
	}
}

func TestWithState_PersistsEvenOnFnError(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	fnErr := errors.New("llm exploded")
	err := m.WithState("k", func(st *State) error {
		st.PendingMessageTokens = 77
		return fnErr
	})
	if !errors.Is(err, fnErr) {
		t.Fatalf("err = %v", err)
	}

	st, _ := NewManager(dir).Peek("k")
	if st.PendingMessageTokens != 77 {
		t.Errorf("partial progress lost: %+v", st)
	}
}

func TestWithState_RejectsDecreasingTotal(t *testing.T) {
	m := NewManager(t.TempDir())
	m.WithState("k", func(st *State) error {
		st.TotalObservationTokens = 500
		return nil
	})

	err := m.WithState("k", func(st *State) error {
		st.TotalObservationTokens = 100
		return nil
	})
	var se *StateError
	if !errors.As(err, &se) || se.Kind != "session-state-decreasing-total" {
		t.Fatalf("err = %v", err)
	}

	// The violation was not persisted.
	st, _ := m.Peek("k")
	if st.TotalObservationTokens != 500 {
		t.Errorf("total = %d, want 500", st.TotalObservationTokens)
	}
}

func TestWithState_RejectsNegativeCounters(t *testing.T) {
	m := NewManager(t.TempDir())
	err := m.WithState("k", func(st *State) error {
		st.PendingMessageTokens = -1
		return nil
	})
	var se *StateError
	if !errors.As(err, &se) || se.Kind != "session-state-negative" {
		t.Fatalf("err = %v", err)
	}
}

func TestWithState_SerialisesSameKey(t *testing.T) {
	m := NewManager(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithState("same", func(st *State) error {
				st.TotalObservationTokens++
				return nil
			})
		}()
	}
	wg.Wait()

	st, _ := m.Peek("same")
	if st.TotalObservationTokens != 50 {
		t.Errorf("total = %d, want 50", st.TotalObservationTokens)
	}
}

func TestLoad_CorruptFileResets(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "k.json"), []byte("{nope"), 0644)

	st, err := NewManager(dir).Peek("k")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalObservationTokens != 0 {
		t.Errorf("state = %+v, want zero", st)
	}
}

func TestSanitizeFilename(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.WithState("agent:main:discord/guild", func(st *State) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "agent_main_discord_guild.json")); err != nil {
		t.Errorf("sanitized file missing: %v", err)
	}
}

func TestShouldObserve(t *testing.T) {
	tests := []struct {
		mode    config.TriggerMode
		pending int
		fresh   int
		want    bool
	}{
		{config.TriggerManual, 100000, 100000, false},
		{config.TriggerEveryTurn, 0, 1, true},
		{config.TriggerEveryTurn, 0, 0, false},
		{config.TriggerThreshold, 900, 200, true},
		{config.TriggerThreshold, 100, 200, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, tt.mode), func(t *testing.T) {
			cfg := config.ObservationConfig{TriggerMode: tt.mode, MessageTokenThreshold: 1000}
			st := &State{PendingMessageTokens: tt.pending}
			if got := ShouldObserve(st, tt.fresh, cfg); got != tt.want {
				t.Errorf("ShouldObserve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldReflectAndWatermark(t *testing.T) {
	st := &State{TotalObservationTokens: 50000, LastReflectionTotalTokens: 10000}
	if !ShouldReflect(st, 40000) {
		t.Error("should reflect at threshold")
	}
	if ShouldReflect(st, 0) {
		t.Error("zero threshold disables reflection")
	}

	AdvanceWatermark(st)
	if st.LastReflectionTotalTokens != 50000 {
		t.Errorf("watermark = %d", st.LastReflectionTotalTokens)
	}
	if ShouldReflect(st, 40000) {
		t.Error("watermark advance should clear the trigger")
	}
}

func TestCountUnobserved(t *testing.T) {
	msgs := []string{"aaaa", "bbbbbbbb", "cc"}
	if got := CountUnobserved(msgs, 1); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
	if got := CountUnobserved(msgs, 99); got != 0 {
		t.Errorf("boundary past end = %d", got)
	}
	if got := CountUnobserved(msgs, -5); got != CountUnobserved(msgs, 0) {
		t.Errorf("negative boundary mishandled: %d", got)
	}
}

func TestTrimRecentNodeIDs(t *testing.T) {
	ids := make([]string, 80)
	for i := range ids {
		ids[i] = fmt.Sprintf("omg/fact/f%d", i)
	}
	trimmed := TrimRecentNodeIDs(ids)
	if len(trimmed) != MaxRecentNodeIDs {
		t.Errorf("len = %d", len(trimmed))
	}
	if trimmed[0] != "omg/fact/f0" {
		t.Errorf("should keep the head (newest first): %s", trimmed[0])
	}
}
