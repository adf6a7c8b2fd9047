// Package db opens the workspace SQLite database. All daylog state lives
// in a .daylog directory inside the workspace; the database holds tracked
// repositories, activity log takes, and persisted workflow events.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".daylog"
	dbFile   = "daylog.db"
)

// pragmas applied through the DSN. Foreign keys back the log→detail
// cascade; WAL plus a busy timeout lets the event recorder write while a
// read is in flight on another connection.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

// EnsureWorkspace creates the .daylog state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file path for a workspace without creating it.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}

// Open ensures the workspace exists and opens its database.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(Path(workspace)))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}
