package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Project is a locally registered coding-agent workspace. Name is unique
// case-insensitively; Directory is unique after cleaning. Port is the local
// agent HTTP port the router forwards to.
type Project struct {
	Name      string
	Directory string
	Port      int
	CreatedAt time.Time
}

// NormalizeDirectory cleans and absolutizes a project directory so that
// uniqueness checks compare like with like.
func NormalizeDirectory(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return filepath.Clean(abs)
}

// SaveDeviceKey persists the credential issued at pairing time, replacing
// any previous key. The table holds at most one row.
func (s *SQLiteStore) SaveDeviceKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO device_key (id, device_key, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET device_key = excluded.device_key, saved_at = excluded.saved_at
	`, key, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save device key: %w", err)
	}
	return nil
}

// LoadDeviceKey returns the stored credential, or ErrKeyNotFound if the
// daemon has never paired.
func (s *SQLiteStore) LoadDeviceKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var key string
	err := s.db.QueryRow("SELECT device_key FROM device_key WHERE id = 1").Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load device key: %w", err)
	}
	return key, nil
}

// ClearDeviceKey removes the stored credential. Called when the
// orchestrator rejects the key so the daemon re-pairs instead of
// retrying a dead credential forever.
func (s *SQLiteStore) ClearDeviceKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM device_key WHERE id = 1"); err != nil {
		return fmt.Errorf("clear device key: %w", err)
	}
	return nil
}

// AddProject registers a project. Returns ErrProjectExists if the name
// (case-insensitive) or directory is already registered.
func (s *SQLiteStore) AddProject(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Directory = NormalizeDirectory(p.Directory)

	_, err := s.db.Exec(`
		INSERT INTO projects (name, directory, port, created_at) VALUES (?, ?, ?, ?)
	`, p.Name, p.Directory, p.Port, time.Now().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProjectExists
		}
		return fmt.Errorf("add project: %w", err)
	}
	return nil
}

// RemoveProject deletes a project by name (case-insensitive).
// Returns ErrProjectNotFound if no such project exists.
func (s *SQLiteStore) RemoveProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM projects WHERE name = ? COLLATE NOCASE", name)
	if err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// GetProject returns a project by name (case-insensitive).
func (s *SQLiteStore) GetProject(name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, directory, port, created_at FROM projects WHERE name = ? COLLATE NOCASE
	`, name)

	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all registered projects ordered by name.
func (s *SQLiteStore) ListProjects() ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT name, directory, port, created_at FROM projects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var createdAt string
	if err := row.Scan(&p.Name, &p.Directory, &p.Port, &createdAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
