package storage

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSchemaVersion(t *testing.T) {
	store := newTestStore(t)

	v, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, currentSchemaVersion)
	}
}

func TestDeviceKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LoadDeviceKey(); err != ErrKeyNotFound {
		t.Fatalf("LoadDeviceKey on empty store: got %v, want ErrKeyNotFound", err)
	}

	if err := store.SaveDeviceKey("abc123"); err != nil {
		t.Fatalf("SaveDeviceKey: %v", err)
	}
	key, err := store.LoadDeviceKey()
	if err != nil {
		t.Fatalf("LoadDeviceKey: %v", err)
	}
	if key != "abc123" {
		t.Errorf("key = %q, want %q", key, "abc123")
	}

	// Re-pairing replaces the key rather than adding a second row.
	if err := store.SaveDeviceKey("def456"); err != nil {
		t.Fatalf("SaveDeviceKey replace: %v", err)
	}
	key, err = store.LoadDeviceKey()
	if err != nil {
		t.Fatalf("LoadDeviceKey after replace: %v", err)
	}
	if key != "def456" {
		t.Errorf("key after replace = %q, want %q", key, "def456")
	}

	if err := store.ClearDeviceKey(); err != nil {
		t.Fatalf("ClearDeviceKey: %v", err)
	}
	if _, err := store.LoadDeviceKey(); err != ErrKeyNotFound {
		t.Errorf("LoadDeviceKey after clear: got %v, want ErrKeyNotFound", err)
	}
}

func TestProjectCRUD(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddProject(Project{Name: "alpha", Directory: "/code/alpha", Port: 4001}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if err := store.AddProject(Project{Name: "beta", Directory: "/code/beta", Port: 4002}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}

	// Duplicate name differing only in case is rejected.
	err := store.AddProject(Project{Name: "Alpha", Directory: "/code/other", Port: 4003})
	if err != ErrProjectExists {
		t.Errorf("duplicate name: got %v, want ErrProjectExists", err)
	}

	// Duplicate directory is rejected.
	err = store.AddProject(Project{Name: "gamma", Directory: "/code/alpha", Port: 4004})
	if err != ErrProjectExists {
		t.Errorf("duplicate directory: got %v, want ErrProjectExists", err)
	}

	p, err := store.GetProject("ALPHA")
	if err != nil {
		t.Fatalf("GetProject case-insensitive: %v", err)
	}
	if p.Port != 4001 {
		t.Errorf("port = %d, want 4001", p.Port)
	}

	projects, err := store.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("ListProjects returned %d projects, want 2", len(projects))
	}

	if err := store.RemoveProject("beta"); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	if err := store.RemoveProject("beta"); err != ErrProjectNotFound {
		t.Errorf("RemoveProject missing: got %v, want ErrProjectNotFound", err)
	}
}

func TestNormalizeDirectory(t *testing.T) {
	got := NormalizeDirectory("/code/alpha/")
	if got != "/code/alpha" {
		t.Errorf("NormalizeDirectory trailing slash = %q, want %q", got, "/code/alpha")
	}
	got = NormalizeDirectory("/code//alpha/../alpha")
	if got != "/code/alpha" {
		t.Errorf("NormalizeDirectory messy path = %q, want %q", got, "/code/alpha")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	d := &Device{
		ID:        "dev-1",
		UserID:    "user-1",
		Name:      "workstation",
		KeyHash:   "$2a$10$fakehash",
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.SaveDevice(d); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	got, err := store.GetDevice("dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Name != "workstation" || got.Revoked {
		t.Errorf("unexpected device: %+v", got)
	}

	active, err := store.ActiveDevices()
	if err != nil {
		t.Fatalf("ActiveDevices: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ActiveDevices returned %d, want 1", len(active))
	}

	if err := store.RevokeDevice("dev-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	active, err = store.ActiveDevices()
	if err != nil {
		t.Fatalf("ActiveDevices after revoke: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveDevices after revoke returned %d, want 0", len(active))
	}

	// Revoked devices remain listed.
	all, err := store.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(all) != 1 || !all[0].Revoked {
		t.Errorf("ListDevices after revoke: %+v", all)
	}

	if err := store.RevokeDevice("missing"); err != ErrDeviceNotFound {
		t.Errorf("RevokeDevice missing: got %v, want ErrDeviceNotFound", err)
	}
}

func TestCachedSessionUpsert(t *testing.T) {
	store := newTestStore(t)

	cs := &CachedSession{UserID: "u1", SessionID: "s1", Project: "alpha", Title: "first", UpdatedAt: 100}
	if err := store.UpsertCachedSession(cs); err != nil {
		t.Fatalf("UpsertCachedSession: %v", err)
	}

	// An older update must not rewind updated_at.
	older := &CachedSession{UserID: "u1", SessionID: "s1", Project: "alpha", Title: "stale", UpdatedAt: 50}
	if err := store.UpsertCachedSession(older); err != nil {
		t.Fatalf("UpsertCachedSession older: %v", err)
	}

	got, err := store.GetCachedSession("u1", "s1")
	if err != nil {
		t.Fatalf("GetCachedSession: %v", err)
	}
	if got.UpdatedAt != 100 {
		t.Errorf("updated_at = %d, want 100", got.UpdatedAt)
	}

	ids, err := store.CachedSessionIDs("u1")
	if err != nil {
		t.Fatalf("CachedSessionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("CachedSessionIDs = %v, want [s1]", ids)
	}

	// Other users never see the cache entry.
	other, err := store.GetCachedSession("u2", "s1")
	if err != nil {
		t.Fatalf("GetCachedSession other user: %v", err)
	}
	if other != nil {
		t.Errorf("expected nil session for other user, got %+v", other)
	}
}

func TestCachedMessagesOrdered(t *testing.T) {
	store := newTestStore(t)

	msgs := []*CachedMessage{
		{UserID: "u1", SessionID: "s1", MessageID: "m2", Role: "assistant", Body: "second", Timestamp: 200, Complete: true},
		{UserID: "u1", SessionID: "s1", MessageID: "m1", Role: "user", Body: "first", Timestamp: 100, Complete: true},
	}
	for _, m := range msgs {
		if err := store.UpsertCachedMessage(m); err != nil {
			t.Fatalf("UpsertCachedMessage: %v", err)
		}
	}

	got, err := store.ListCachedMessages("u1", "s1")
	if err != nil {
		t.Fatalf("ListCachedMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].MessageID != "m1" || got[1].MessageID != "m2" {
		t.Errorf("messages out of order: %s, %s", got[0].MessageID, got[1].MessageID)
	}
}

func TestDeleteCachedSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertCachedSession(&CachedSession{UserID: "u1", SessionID: "s1", UpdatedAt: 1}); err != nil {
		t.Fatalf("UpsertCachedSession: %v", err)
	}
	if err := store.UpsertCachedMessage(&CachedMessage{UserID: "u1", SessionID: "s1", MessageID: "m1", Timestamp: 1}); err != nil {
		t.Fatalf("UpsertCachedMessage: %v", err)
	}

	if err := store.DeleteCachedSession("u1", "s1"); err != nil {
		t.Fatalf("DeleteCachedSession: %v", err)
	}

	ids, err := store.CachedSessionIDs("u1")
	if err != nil {
		t.Fatalf("CachedSessionIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no cached sessions, got %v", ids)
	}
	messages, err := store.ListCachedMessages("u1", "s1")
	if err != nil {
		t.Fatalf("ListCachedMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected no cached messages, got %d", len(messages))
	}
}

func TestEventCursor(t *testing.T) {
	store := newTestStore(t)

	ms, err := store.EventCursor("u1")
	if err != nil {
		t.Fatalf("EventCursor: %v", err)
	}
	if ms != 0 {
		t.Errorf("fresh cursor = %d, want 0", ms)
	}

	if err := store.AdvanceEventCursor("u1", 500); err != nil {
		t.Fatalf("AdvanceEventCursor: %v", err)
	}
	// Stale advances are ignored.
	if err := store.AdvanceEventCursor("u1", 300); err != nil {
		t.Fatalf("AdvanceEventCursor stale: %v", err)
	}

	ms, err = store.EventCursor("u1")
	if err != nil {
		t.Fatalf("EventCursor: %v", err)
	}
	if ms != 500 {
		t.Errorf("cursor = %d, want 500", ms)
	}
}
