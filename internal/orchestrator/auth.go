package orchestrator

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/storage"
)

// IdentityStore is the slice of storage authentication needs.
type IdentityStore interface {
	ActiveDevices() ([]*storage.Device, error)
	ListAPIKeys() ([]*storage.APIKey, error)
	TouchDevice(id string, when time.Time) error
}

// extractBearerToken pulls the credential from the Authorization header,
// falling back to a token query parameter for clients that cannot set
// headers on websocket dials.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// validateAPIKey checks a mobile bearer credential against the stored
// hashes and returns the owning user id. bcrypt comparison is linear in
// the number of keys, which stays tiny in practice.
func validateAPIKey(store IdentityStore, token string) (string, error) {
	if token == "" {
		return "", apperrors.AuthRequired()
	}
	keys, err := store.ListAPIKeys()
	if err != nil {
		return "", apperrors.Internal("listing api keys", err)
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.TokenHash), []byte(token)) == nil {
			return k.UserID, nil
		}
	}
	return "", apperrors.AuthInvalid()
}

// validateDeviceKey checks a daemon's device key against every active
// device and returns the matching record. Revoked devices never match;
// their keys are dead the moment they are revoked.
func validateDeviceKey(store IdentityStore, key string) (*storage.Device, error) {
	if key == "" {
		return nil, apperrors.AuthRequired()
	}
	devices, err := store.ActiveDevices()
	if err != nil {
		return nil, apperrors.Internal("listing devices", err)
	}
	for _, d := range devices {
		if bcrypt.CompareHashAndPassword([]byte(d.KeyHash), []byte(key)) == nil {
			store.TouchDevice(d.ID, time.Now())
			return d, nil
		}
	}
	return nil, apperrors.AuthInvalid()
}
