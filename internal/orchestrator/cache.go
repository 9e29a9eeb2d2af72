package orchestrator

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/storage"
)

// CacheStore is the slice of storage the cache writer needs.
type CacheStore interface {
	UpsertCachedSession(cs *storage.CachedSession) error
	UpsertCachedMessage(m *storage.CachedMessage) error
	DeleteCachedSession(userID, sessionID string) error
	AdvanceEventCursor(userID string, ms int64) error
}

// cacheQueueSize bounds the write queue. Cache writes are a best-effort
// side channel; when the queue is full new writes are dropped rather
// than blocking the request path.
const cacheQueueSize = 256

// CacheWriter applies degraded-mode cache writes off the request path.
// Enqueue operations never block and never fail the caller; a worker
// goroutine drains the queue and logs write errors.
type CacheWriter struct {
	store CacheStore
	queue chan func(CacheStore) error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCacheWriter starts the worker.
func NewCacheWriter(store CacheStore) *CacheWriter {
	w := &CacheWriter{
		store:  store,
		queue:  make(chan func(CacheStore) error, cacheQueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop drains the queue and stops the worker.
func (w *CacheWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *CacheWriter) run() {
	defer close(w.doneCh)
	for {
		select {
		case op := <-w.queue:
			if err := op(w.store); err != nil {
				log.Printf("orchestrator: cache write failed: %v", err)
			}
		case <-w.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case op := <-w.queue:
					if err := op(w.store); err != nil {
						log.Printf("orchestrator: cache write failed: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue never blocks; a full queue drops the write.
func (w *CacheWriter) enqueue(op func(CacheStore) error) {
	select {
	case w.queue <- op:
	default:
		log.Printf("orchestrator: cache queue full, dropping write")
	}
}

// RecordSessions mirrors a session-listing response body.
func (w *CacheWriter) RecordSessions(userID string, body json.RawMessage) {
	var items []struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Project string `json:"project"`
		Time    struct {
			Updated int64 `json:"updated"`
		} `json:"time"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return
	}
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		cs := &storage.CachedSession{
			UserID:    userID,
			SessionID: it.ID,
			Project:   it.Project,
			Title:     it.Title,
			UpdatedAt: it.Time.Updated,
		}
		if cs.UpdatedAt == 0 {
			cs.UpdatedAt = time.Now().UnixMilli()
		}
		w.enqueue(func(s CacheStore) error { return s.UpsertCachedSession(cs) })
	}
}

// RecordSessionCreated mirrors a successful session-creation response.
func (w *CacheWriter) RecordSessionCreated(userID string, body json.RawMessage) {
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return
	}
	cs := &storage.CachedSession{
		UserID:    userID,
		SessionID: created.ID,
		Title:     created.Title,
		UpdatedAt: time.Now().UnixMilli(),
	}
	w.enqueue(func(s CacheStore) error { return s.UpsertCachedSession(cs) })
}

// RecordUserMessage appends a synthetic user message after a successful
// prompt submission, so degraded reads show what was sent.
func (w *CacheWriter) RecordUserMessage(userID, sessionID string, body json.RawMessage) {
	m := &storage.CachedMessage{
		UserID:    userID,
		SessionID: sessionID,
		MessageID: uuid.New().String(),
		Role:      "user",
		Body:      string(body),
		Timestamp: time.Now().UnixMilli(),
		Complete:  true,
	}
	w.enqueue(func(s CacheStore) error { return s.UpsertCachedMessage(m) })

	cs := &storage.CachedSession{
		UserID:    userID,
		SessionID: sessionID,
		UpdatedAt: m.Timestamp,
	}
	w.enqueue(func(s CacheStore) error { return s.UpsertCachedSession(cs) })
}

// RecordSync applies a daemon's sync_response to the cache: missed
// messages are upserted and sessions the daemon reports gone are pruned.
func (w *CacheWriter) RecordSync(userID string, sessions []protocol.SyncSession, deleted []string) {
	for _, sessionID := range deleted {
		id := sessionID
		w.enqueue(func(s CacheStore) error { return s.DeleteCachedSession(userID, id) })
	}
	for _, sess := range sessions {
		sessionID := sess.ID
		for _, msg := range sess.Messages {
			m := &storage.CachedMessage{
				UserID:    userID,
				SessionID: sessionID,
				MessageID: msg.ID,
				Role:      "assistant",
				Body:      string(msg.Body),
				Timestamp: msg.Timestamp,
				Complete:  true,
			}
			if m.MessageID == "" {
				m.MessageID = uuid.New().String()
			}
			w.enqueue(func(s CacheStore) error { return s.UpsertCachedMessage(m) })
		}
	}
}

// RecordEvent advances the user's event cursor so the next sync asks
// only for what came after.
func (w *CacheWriter) RecordEvent(userID string, timestamp int64) {
	if timestamp == 0 {
		return
	}
	w.enqueue(func(s CacheStore) error { return s.AdvanceEventCursor(userID, timestamp) })
}
