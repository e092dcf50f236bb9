// Package db opens the formline SQLite database inside a hidden workspace
// directory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".formline"
	fileName     = "formline.db"
)

// pragmas run on every new connection via the DSN. WAL keeps readers (the
// draft store, event tail) from blocking behind navigation writes; the busy
// timeout covers the remaining writer contention.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, fileName)
}

// EnsureWorkspace creates the hidden workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the workspace exists and opens its database. The connection
// is verified with a short ping before it is handed out, so callers get a
// usable handle or an error, never a lazily-broken one.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	path := Path(cfg.Workspace)
	dsn := fmt.Sprintf("file:%s?_pragma=%s", path, strings.Join(pragmas, "&_pragma="))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}
