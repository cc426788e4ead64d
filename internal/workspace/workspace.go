// Package workspace manages the grouping collections jobs belong to and the
// on-disk layout of their output directories.
package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workspace is a named grouping of jobs against related targets.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Store persists workspaces and hands out per-job output directories under
// a common base. Output paths never escape the base directory.
type Store struct {
	db      *sql.DB
	baseDir string
}

func NewStore(db *sql.DB, baseDir string) (*Store, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Store{db: db, baseDir: filepath.Clean(trimmed)}, nil
}

// Ensure returns the workspace named name, creating it if absent.
func (s *Store) Ensure(ctx context.Context, name string) (*Workspace, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid workspace name %q", name)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO workspaces(id, name, created_at) VALUES(?, ?, ?);
`, uuid.NewString(), name, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	var (
		ws         Workspace
		createdAtS string
	)
	err = s.db.QueryRowContext(ctx, `
SELECT id, name, created_at FROM workspaces WHERE name = ?;
`, name).Scan(&ws.ID, &ws.Name, &createdAtS)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		ws.CreatedAt = t
	}
	return &ws, nil
}

// List returns all workspaces sorted by name.
func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, created_at FROM workspaces ORDER BY name ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var (
			ws         Workspace
			createdAtS string
		)
		if err := rows.Scan(&ws.ID, &ws.Name, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			ws.CreatedAt = t
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// OutDir creates and returns the output directory for one module run:
// <base>/<workspace>/<target>/<module>. The caller owns it exclusively for
// the duration of the job.
func (s *Store) OutDir(workspace, target, module string) (string, error) {
	for _, part := range []string{workspace, target, module} {
		if !namePattern.MatchString(sanitizePathPart(part)) {
			return "", fmt.Errorf("invalid path component %q", part)
		}
	}

	dir := filepath.Join(s.baseDir, sanitizePathPart(workspace), sanitizePathPart(target), sanitizePathPart(module))
	if !strings.HasPrefix(dir, s.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("output directory escapes workspace base: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return dir, nil
}

func sanitizePathPart(part string) string {
	part = strings.ToLower(strings.TrimSpace(part))
	part = strings.ReplaceAll(part, "/", "_")
	part = strings.ReplaceAll(part, ":", "_")
	return part
}
