package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hculap/openclaw-omg/internal/config"
)

// Chunk is one unit of historical text with a stable label. Labels are
// deterministic across runs so batch indices stay aligned on resume.
type Chunk struct {
	Label string
	Text  string
}

// EnumerateSources collects chunks from every enabled corpus, in a
// deterministic order: workspace memory files, host session database,
// host log files.
func EnumerateSources(cfg config.BootstrapConfig, workspace string) ([]Chunk, error) {
	maxChars := cfg.MaxChunkChars
	if maxChars <= 0 {
		maxChars = 12000
	}

	var chunks []Chunk

	if cfg.Sources.WorkspaceMemory {
		got, err := workspaceMemoryChunks(workspace, maxChars)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, got...)
	}

	if cfg.Sources.OpenclawSessions {
		dbPath := cfg.Sources.SessionsDBPath
		if dbPath == "" {
			dbPath = filepath.Join(workspace, "..", "sessions.db")
		}
		got, err := sessionChunks(dbPath, maxChars)
		if err != nil {
			// A missing or unreadable host database disables the source
			// rather than failing the whole bootstrap.
			slog.Warn("bootstrap: session source unavailable", "db", dbPath, "error", err)
		} else {
			chunks = append(chunks, got...)
		}
	}

	if cfg.Sources.OpenclawLogs && cfg.Sources.LogsDir != "" {
		got, err := logChunks(cfg.Sources.LogsDir, maxChars)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, got...)
	}

	return chunks, nil
}

// workspaceMemoryChunks reads the workspace's markdown memory files:
// top-level *.md plus memory/*.md, sorted by path.
func workspaceMemoryChunks(workspace string, maxChars int) ([]Chunk, error) {
	var paths []string
	for _, pattern := range []string{"*.md", "memory/*.md"} {
		matches, err := filepath.Glob(filepath.Join(workspace, pattern))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	var chunks []Chunk
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		chunks = append(chunks, splitChunks("memory:"+filepath.ToSlash(rel), text, maxChars)...)
	}
	return chunks, nil
}

// sessionChunks reads conversation history from the host's SQLite session
// store, one chunk stream per session, ordered by session then row id.
func sessionChunks(dbPath string, maxChars int) ([]Chunk, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open %s: %w", dbPath, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT session_id, role, content FROM messages ORDER BY session_id, id`)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: query sessions: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	currentSession := ""
	var b strings.Builder
	flush := func() {
		if currentSession != "" && b.Len() > 0 {
			chunks = append(chunks, splitChunks("session:"+currentSession, b.String(), maxChars)...)
		}
		b.Reset()
	}

	for rows.Next() {
		var sessionID, role, content string
		if err := rows.Scan(&sessionID, &role, &content); err != nil {
			return nil, fmt.Errorf("bootstrap: scan session row: %w", err)
		}
		if sessionID != currentSession {
			flush()
			currentSession = sessionID
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	flush()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bootstrap: iterate session rows: %w", err)
	}
	return chunks, nil
}

// logChunks reads host log files (*.log), sorted by name.
func logChunks(dir string, maxChars int) ([]Chunk, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: glob logs: %w", err)
	}
	sort.Strings(matches)

	var chunks []Chunk
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		chunks = append(chunks, splitChunks("log:"+filepath.Base(path), text, maxChars)...)
	}
	return chunks, nil
}

// splitChunks cuts text into ≤maxChars pieces on line boundaries where
// possible, labelling continuations with a stable #N suffix.
func splitChunks(label, text string, maxChars int) []Chunk {
	if len(text) <= maxChars {
		return []Chunk{{Label: label, Text: text}}
	}

	var chunks []Chunk
	part := 0
	for len(text) > 0 {
		cut := maxChars
		if cut > len(text) {
			cut = len(text)
		} else if idx := strings.LastIndexByte(text[:cut], '\n'); idx > maxChars/2 {
			cut = idx + 1
		}
		piece := strings.TrimSpace(text[:cut])
		text = text[cut:]
		if piece == "" {
			continue
		}
		chunks = append(chunks, Chunk{Label: fmt.Sprintf("%s#%d", label, part), Text: piece})
		part++
	}
	return chunks
}
