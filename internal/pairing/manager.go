package pairing

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/storage"
)

// DefaultWindow is how long a handshake waits for verification before it
// expires. Codes are dead after this window even if never verified.
const DefaultWindow = 5 * time.Minute

// DeviceStore persists paired device identities.
type DeviceStore interface {
	SaveDevice(d *storage.Device) error
}

// Verdict is delivered to a waiting handshake when its code is verified.
// DeviceKey is the raw credential; it is sent to the daemon exactly once
// and only its bcrypt hash is retained.
type Verdict struct {
	DeviceKey string
	DeviceID  string
}

type handshake struct {
	code      string
	hostname  string
	projects  []string
	createdAt time.Time
	verdict   chan Verdict
}

// Manager tracks pending handshakes on the orchestrator, keyed by code.
// Verification is rate limited to keep the 6-digit space from being
// brute forced.
type Manager struct {
	store   DeviceStore
	window  time.Duration
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]*handshake

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager returns a pairing manager with the default 5-minute window
// and a verification budget of one attempt per second, burst 5.
func NewManager(store DeviceStore) *Manager {
	return &Manager{
		store:   store,
		window:  DefaultWindow,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		pending: make(map[string]*handshake),
		now:     time.Now,
	}
}

// Begin registers a handshake for the given code. The returned channel
// receives exactly one Verdict if the code is verified in time. Returns
// an error if the code is already pending.
func (m *Manager) Begin(code, hostname string, projects []string) (<-chan Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[code]; exists {
		return nil, apperrors.PairCodeUsed()
	}

	h := &handshake{
		code:      code,
		hostname:  hostname,
		projects:  projects,
		createdAt: m.now(),
		verdict:   make(chan Verdict, 1),
	}
	m.pending[code] = h
	log.Printf("pairing: handshake pending for %q (%d active)", hostname, len(m.pending))
	return h.verdict, nil
}

// Cancel drops a pending handshake. Called when the daemon's pairing
// tunnel closes or its deadline expires before verification.
func (m *Manager) Cancel(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, code)
}

// Verify resolves a pending handshake: it mints a device key, stores its
// bcrypt hash under a new device id, and delivers the raw key to the
// waiting daemon. Codes are single-use; a second Verify with the same
// code fails.
func (m *Manager) Verify(code, userID string) (*storage.Device, error) {
	if !m.limiter.Allow() {
		return nil, apperrors.PairRateLimited()
	}

	code = NormalizeCode(code)

	m.mu.Lock()
	h, ok := m.pending[code]
	if ok {
		delete(m.pending, code)
	}
	m.mu.Unlock()

	if !ok {
		return nil, apperrors.PairCodeInvalid()
	}
	if m.now().Sub(h.createdAt) > m.window {
		return nil, apperrors.PairCodeInvalid()
	}

	key, err := GenerateDeviceKey()
	if err != nil {
		return nil, apperrors.Internal("mint device key", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal("hash device key", err)
	}

	name := h.hostname
	if name == "" {
		name = "daemon"
	}
	now := m.now()
	device := &storage.Device{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := m.store.SaveDevice(device); err != nil {
		return nil, apperrors.Internal("save device", err)
	}

	h.verdict <- Verdict{DeviceKey: key, DeviceID: device.ID}
	log.Printf("pairing: device %s paired for %q", device.ID, name)
	return device, nil
}

// PendingCount reports how many handshakes are waiting for verification.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
