package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 4

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migrate to v3: %w", err)
		}
	}

	if version < 4 {
		if err := s.migrateToV4(); err != nil {
			return fmt.Errorf("migrate to v4: %w", err)
		}
	}

	return nil
}

// recordMigration inserts a schema_version row for the given version.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the daemon-side tables: the single-row device key and
// the project list.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// The device_key table holds at most one row: the long-lived credential
	// issued by the orchestrator at pairing time. The raw key is stored as
	// received; it is the daemon's proof of identity, equivalent to a
	// password, so the database file must stay 0600.
	//
	// The projects table persists the daemon's project list across
	// restarts. Names are unique case-insensitively (enforced with
	// COLLATE NOCASE) and directories are unique after normalization.
	const daemonTables = `
		CREATE TABLE IF NOT EXISTS device_key (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			device_key TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			name TEXT NOT NULL COLLATE NOCASE PRIMARY KEY,
			directory TEXT NOT NULL UNIQUE,
			port INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(daemonTables); err != nil {
		return fmt.Errorf("create daemon tables: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the orchestrator-side identity tables: paired daemon
// devices and mobile API keys.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	// The devices table stores paired daemons. Each device has a unique ID
	// and a bcrypt-hashed key for tunnel authentication. The key hash is
	// never exposed; the raw key is sent to the daemon exactly once during
	// pairing. Revoked devices keep their row (revoked = 1) so the audit
	// trail survives, but their keys no longer authenticate.
	//
	// The api_keys table stores bearer credentials for mobile clients,
	// hashed the same way.
	const identityTables = `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`

	if _, err := s.db.Exec(identityTables); err != nil {
		return fmt.Errorf("create identity tables: %w", err)
	}

	return s.recordMigration(2)
}

// migrateToV3 adds the degraded-mode cache tables. These mirror session and
// message metadata observed on successful forwards so reads keep working
// while no tunnel is connected. The cache is never authoritative.
func (s *SQLiteStore) migrateToV3() error {
	log.Printf("storage: applying migration to schema version 3")

	// Timestamps on cache rows are unix milliseconds because they are
	// compared against envelope timestamps during sync.
	const cacheTables = `
		CREATE TABLE IF NOT EXISTS cached_sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_sessions_user ON cached_sessions(user_id);

		CREATE TABLE IF NOT EXISTS cached_messages (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, session_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_session
			ON cached_messages(user_id, session_id, timestamp_ms);
	`

	if _, err := s.db.Exec(cacheTables); err != nil {
		return fmt.Errorf("create cache tables: %w", err)
	}

	return s.recordMigration(3)
}

// migrateToV4 adds push registrations and the per-user event cursor used
// by the sync protocol to ask for everything since the last seen event.
func (s *SQLiteStore) migrateToV4() error {
	log.Printf("storage: applying migration to schema version 4")

	const pushTables = `
		CREATE TABLE IF NOT EXISTS push_tokens (
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, token)
		);

		CREATE TABLE IF NOT EXISTS event_cursor (
			user_id TEXT PRIMARY KEY,
			last_event_ms INTEGER NOT NULL
		);
	`

	if _, err := s.db.Exec(pushTables); err != nil {
		return fmt.Errorf("create push tables: %w", err)
	}

	return s.recordMigration(4)
}

// SchemaVersion returns the current database schema version.
// This is useful for diagnostics and testing.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
