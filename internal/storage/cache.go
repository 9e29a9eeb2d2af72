package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CachedSession mirrors session metadata observed on successful forwards.
// UpdatedAt is unix milliseconds so it can be compared against envelope
// timestamps during sync.
type CachedSession struct {
	UserID    string
	SessionID string
	Project   string
	Title     string
	UpdatedAt int64
}

// CachedMessage mirrors a message body observed on a successful forward.
// Complete marks messages confirmed finished; incomplete ones are replaced
// when sync delivers the final body.
type CachedMessage struct {
	UserID    string
	SessionID string
	MessageID string
	Role      string
	Body      string
	Timestamp int64
	Complete  bool
}

// UpsertCachedSession inserts or updates a cached session record.
func (s *SQLiteStore) UpsertCachedSession(cs *CachedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cached_sessions (user_id, session_id, project, title, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			project = excluded.project,
			title = excluded.title,
			updated_at = MAX(updated_at, excluded.updated_at)
	`, cs.UserID, cs.SessionID, cs.Project, cs.Title, cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert cached session: %w", err)
	}
	return nil
}

// ListCachedSessions returns a user's cached sessions, most recent first.
func (s *SQLiteStore) ListCachedSessions(userID string) ([]*CachedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, session_id, project, title, updated_at
		FROM cached_sessions WHERE user_id = ? ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cached sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*CachedSession
	for rows.Next() {
		var cs CachedSession
		if err := rows.Scan(&cs.UserID, &cs.SessionID, &cs.Project, &cs.Title, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cached session: %w", err)
		}
		sessions = append(sessions, &cs)
	}
	return sessions, rows.Err()
}

// GetCachedSession returns one cached session, or nil if absent.
func (s *SQLiteStore) GetCachedSession(userID, sessionID string) (*CachedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cs CachedSession
	err := s.db.QueryRow(`
		SELECT user_id, session_id, project, title, updated_at
		FROM cached_sessions WHERE user_id = ? AND session_id = ?
	`, userID, sessionID).Scan(&cs.UserID, &cs.SessionID, &cs.Project, &cs.Title, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached session: %w", err)
	}
	return &cs, nil
}

// CachedSessionIDs returns the session IDs a user has cached entries for.
// This is what the sync request advertises back to the daemon.
func (s *SQLiteStore) CachedSessionIDs(userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT session_id FROM cached_sessions WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("cached session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertCachedMessage inserts or replaces a cached message.
func (s *SQLiteStore) UpsertCachedMessage(m *CachedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cached_messages
			(user_id, session_id, message_id, role, body, timestamp_ms, complete)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.UserID, m.SessionID, m.MessageID, m.Role, m.Body, m.Timestamp, boolToInt(m.Complete))
	if err != nil {
		return fmt.Errorf("upsert cached message: %w", err)
	}
	return nil
}

// ListCachedMessages returns a session's cached messages in timestamp order.
func (s *SQLiteStore) ListCachedMessages(userID, sessionID string) ([]*CachedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, session_id, message_id, role, body, timestamp_ms, complete
		FROM cached_messages WHERE user_id = ? AND session_id = ?
		ORDER BY timestamp_ms
	`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}
	defer rows.Close()

	var messages []*CachedMessage
	for rows.Next() {
		var m CachedMessage
		var complete int
		if err := rows.Scan(&m.UserID, &m.SessionID, &m.MessageID, &m.Role, &m.Body, &m.Timestamp, &complete); err != nil {
			return nil, fmt.Errorf("scan cached message: %w", err)
		}
		m.Complete = complete != 0
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// DeleteCachedSession removes a session and its messages from the cache.
// Used when sync reports the session no longer exists on the daemon.
func (s *SQLiteStore) DeleteCachedSession(userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cached_messages WHERE user_id = ? AND session_id = ?", userID, sessionID); err != nil {
		return fmt.Errorf("delete cached messages: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM cached_sessions WHERE user_id = ? AND session_id = ?", userID, sessionID); err != nil {
		return fmt.Errorf("delete cached session: %w", err)
	}
	return nil
}

// SavePushToken registers a push notification token for a user.
func (s *SQLiteStore) SavePushToken(userID, platform, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO push_tokens (user_id, platform, token, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, platform, token, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save push token: %w", err)
	}
	return nil
}

// ListPushTokens returns a user's registered push tokens.
func (s *SQLiteStore) ListPushTokens(userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT token FROM push_tokens WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// EventCursor returns the timestamp of the last event observed for a user,
// in unix milliseconds, or 0 if no events have been seen.
func (s *SQLiteStore) EventCursor(userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ms int64
	err := s.db.QueryRow("SELECT last_event_ms FROM event_cursor WHERE user_id = ?", userID).Scan(&ms)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("event cursor: %w", err)
	}
	return ms, nil
}

// AdvanceEventCursor moves the cursor forward. Older timestamps are ignored
// so out-of-order events never rewind sync.
func (s *SQLiteStore) AdvanceEventCursor(userID string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO event_cursor (user_id, last_event_ms) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_event_ms = MAX(last_event_ms, excluded.last_event_ms)
	`, userID, ms)
	if err != nil {
		return fmt.Errorf("advance event cursor: %w", err)
	}
	return nil
}
