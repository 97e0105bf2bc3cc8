package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// ErrLockBusy means another live process owns the bootstrap lock. Callers
// return {ran:false} rather than failing.
var ErrLockBusy = errors.New("bootstrap lock held by a live process")

// staleHeartbeat is the heartbeat age above which a stolen lock is logged as
// stale. A dead-pid lock is stolen whatever its heartbeat age.
const staleHeartbeat = 5 * time.Minute

// Lock is the on-disk cross-process exclusion record. Presence of the file
// marks active processing, not a paused job.
type Lock struct {
	PID       int       `json:"pid"`
	Token     string    `json:"token"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AcquireLock claims the bootstrap lock for this process. An existing lock
// whose pid is dead is stolen with a log line; a live owner yields
// ErrLockBusy.
func AcquireLock(root string) (*Lock, error) {
	path := filepath.Join(root, LockFile)

	if existing, err := readLock(path); err != nil {
		return nil, err
	} else if existing != nil {
		if pidAlive(existing.PID) {
			return nil, fmt.Errorf("%w (pid %d)", ErrLockBusy, existing.PID)
		}
		slog.Warn("bootstrap: stealing lock from dead process",
			"pid", existing.PID, "heartbeatAge", time.Since(existing.UpdatedAt).Round(time.Second),
			"stale", time.Since(existing.UpdatedAt) > staleHeartbeat)
	}

	now := time.Now().UTC()
	l := &Lock{
		PID:       os.Getpid(),
		Token:     uuid.NewString(),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := writeLock(path, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Heartbeat refreshes the lock's updatedAt. Called at every batch boundary.
func (l *Lock) Heartbeat(root string) error {
	l.UpdatedAt = time.Now().UTC()
	return writeLock(filepath.Join(root, LockFile), l)
}

// Release removes the lock file unconditionally. A paused tick releases the
// lock too; the file marks active processing, not pause.
func (l *Lock) Release(root string) {
	if err := os.Remove(filepath.Join(root, LockFile)); err != nil && !os.IsNotExist(err) {
		slog.Warn("bootstrap: lock release failed", "error", err)
	}
}

func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap lock: read: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		// A corrupt lock is treated as absent: it cannot name a live owner.
		slog.Warn("bootstrap: ignoring corrupt lock file", "path", path, "error", err)
		return nil, nil
	}
	return &l, nil
}

func writeLock(path string, l *Lock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("bootstrap lock: marshal: %w", err)
	}
	return graph.WriteFileAtomic(path, data)
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes for existence without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
