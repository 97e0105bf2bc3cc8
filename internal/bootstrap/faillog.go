package bootstrap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hculap/openclaw-omg/internal/graph"
)

// Failure error types recorded in the log.
const (
	ErrTypeLLM              = "llm-error"
	ErrTypeParseEmpty       = "parse-empty"
	ErrTypeZeroOperations   = "zero-operations"
	ErrTypeRateLimitAborted = "rate-limit-aborted"
)

// FailureLogEntry is one JSONL record in `.bootstrap-failures.jsonl`.
type FailureLogEntry struct {
	BatchIndex  int      `json:"batchIndex"`
	Labels      []string `json:"labels"`
	ErrorType   string   `json:"errorType"`
	Error       string   `json:"error,omitempty"`
	Timestamp   string   `json:"timestamp"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	ChunkCount  int      `json:"chunkCount"`
}

// AppendFailure appends one entry to the failure log.
func AppendFailure(root string, e FailureLogEntry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failure log: marshal: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(root, FailureLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failure log: open: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, string(line))
	return err
}

// ReadFailures reads every parseable entry from the failure log. A missing
// log yields an empty slice; corrupt lines are skipped with a warning.
func ReadFailures(root string) ([]FailureLogEntry, error) {
	f, err := os.Open(filepath.Join(root, FailureLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failure log: open: %w", err)
	}
	defer f.Close()

	var entries []FailureLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e FailureLogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("bootstrap: skipping corrupt failure-log line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// RewriteFailures atomically replaces the failure log with entries (used by
// the retry path to keep unmatched entries plus new failures).
func RewriteFailures(root string, entries []FailureLogEntry) error {
	var b strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failure log: marshal: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return graph.WriteFileAtomic(filepath.Join(root, FailureLogFile), []byte(b.String()))
}
