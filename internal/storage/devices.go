package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Device is a paired daemon identity held by the orchestrator. KeyHash is a
// bcrypt hash of the device key issued at pairing; the raw key leaves the
// orchestrator exactly once, in the pair_response envelope.
type Device struct {
	ID        string
	UserID    string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	LastSeen  time.Time
	Revoked   bool
}

// APIKey is a bearer credential for a mobile client, stored hashed.
type APIKey struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SaveDevice inserts or replaces a device record.
func (s *SQLiteStore) SaveDevice(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO devices (id, user_id, name, key_hash, created_at, last_seen, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Name, d.KeyHash,
		d.CreatedAt.Format(time.RFC3339), d.LastSeen.Format(time.RFC3339), boolToInt(d.Revoked))
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// GetDevice returns a device by ID, or ErrDeviceNotFound.
func (s *SQLiteStore) GetDevice(id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, user_id, name, key_hash, created_at, last_seen, revoked
		FROM devices WHERE id = ?
	`, id)

	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices, including revoked ones, newest first.
func (s *SQLiteStore) ListDevices() ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, name, key_hash, created_at, last_seen, revoked
		FROM devices ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ActiveDevices returns devices whose keys still authenticate.
func (s *SQLiteStore) ActiveDevices() ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, name, key_hash, created_at, last_seen, revoked
		FROM devices WHERE revoked = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RevokeDevice marks a device revoked. The row stays so the audit trail
// survives, but the key no longer authenticates.
func (s *SQLiteStore) RevokeDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE devices SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchDevice updates a device's last_seen timestamp.
func (s *SQLiteStore) TouchDevice(id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE devices SET last_seen = ? WHERE id = ?",
		when.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// SaveAPIKey inserts a mobile bearer credential.
func (s *SQLiteStore) SaveAPIKey(k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, user_id, token_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`, k.ID, k.UserID, k.TokenHash,
		k.CreatedAt.Format(time.RFC3339), k.LastSeen.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns all mobile bearer credentials.
func (s *SQLiteStore) ListAPIKeys() ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, user_id, token_hash, created_at, last_seen FROM api_keys")
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var createdAt, lastSeen string
		if err := rows.Scan(&k.ID, &k.UserID, &k.TokenHash, &createdAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			k.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, lastSeen); err == nil {
			k.LastSeen = t
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a mobile bearer credential.
func (s *SQLiteStore) DeleteAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var createdAt, lastSeen string
	var revoked int
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.KeyHash, &createdAt, &lastSeen, &revoked); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, lastSeen); err == nil {
		d.LastSeen = t
	}
	d.Revoked = revoked != 0
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
