package xui

import (
	"errors"
	"testing"

	apperrors "vpnonboard/internal/errors"
)

const (
	uuidBob   = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	uuidAlice = "11111111-2222-3333-4444-555555555555"
)

// fixtureSettings carries an unknown client field (limitIp) and an unknown
// top-level field (decryption); both must survive every rewrite.
const fixtureSettings = `{"clients":[{"id":"` + uuidBob + `","email":"bob@corp","flow":"xtls-rprx-vision","limitIp":3}],"decryption":"none"}`

// setupStore creates a panel-shaped database with one inbound on port 32062
// and a traffic table whose expiry_time column is NOT NULL without a default.
func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, path := openTestDB(t,
		`CREATE TABLE inbounds (id INTEGER PRIMARY KEY AUTOINCREMENT, port INTEGER, tag TEXT, settings TEXT, stream_settings TEXT)`,
		`CREATE TABLE client_traffics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			inbound_id INTEGER NOT NULL,
			email TEXT NOT NULL,
			up INTEGER NOT NULL,
			down INTEGER NOT NULL,
			total INTEGER NOT NULL,
			enable INTEGER NOT NULL,
			expiry_time INTEGER NOT NULL
		)`,
	)
	err := db.Exec(`INSERT INTO inbounds (port, tag, settings, stream_settings) VALUES (?, ?, ?, ?)`,
		32062, "main-reality", fixtureSettings, `{"network":"tcp","security":"reality"}`).Error
	if err != nil {
		t.Fatalf("insert inbound: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStore_MissingFile(t *testing.T) {
	_, err := OpenStore("/nonexistent/x-ui.db", nil)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadInbound_Selectors(t *testing.T) {
	store := setupStore(t)

	byPort, err := store.LoadInbound(SelectByPort(32062))
	if err != nil {
		t.Fatalf("by port: %v", err)
	}
	byTag, err := store.LoadInbound(SelectByTag("main-reality"))
	if err != nil {
		t.Fatalf("by tag: %v", err)
	}
	byID, err := store.LoadInbound(SelectByID(byPort.ID))
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if byPort.ID != byTag.ID || byTag.ID != byID.ID {
		t.Errorf("selectors disagree: %d %d %d", byPort.ID, byTag.ID, byID.ID)
	}

	if _, err := store.LoadInbound(SelectByPort(9)); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown port, got %v", err)
	}
	if _, err := store.LoadInbound(Selector{}); err == nil {
		t.Error("expected error for empty selector")
	}
}

// TestLoadInbound_NullColumns: some forks leave port or tag NULL; those rows
// load with zero values, the same as when the column is absent entirely.
func TestLoadInbound_NullColumns(t *testing.T) {
	db, path := openTestDB(t,
		`CREATE TABLE inbounds (id INTEGER PRIMARY KEY AUTOINCREMENT, port INTEGER, tag TEXT, settings TEXT, stream_settings TEXT)`,
	)
	if err := db.Exec(`INSERT INTO inbounds (port, settings) VALUES (32062, '{"clients":[]}')`).Error; err != nil {
		t.Fatalf("insert null-tag row: %v", err)
	}
	if err := db.Exec(`INSERT INTO inbounds (tag, settings) VALUES ('no-port', '{"clients":[]}')`).Error; err != nil {
		t.Fatalf("insert null-port row: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	inb, err := store.LoadInbound(SelectByPort(32062))
	if err != nil {
		t.Fatalf("LoadInbound with NULL tag: %v", err)
	}
	if inb.Tag != "" || inb.Port != 32062 {
		t.Errorf("unexpected inbound: %+v", inb)
	}

	inb, err = store.LoadInbound(SelectByTag("no-port"))
	if err != nil {
		t.Fatalf("LoadInbound with NULL port: %v", err)
	}
	if inb.Port != 0 {
		t.Errorf("NULL port should read as zero, got %d", inb.Port)
	}
}

func TestAddClient_AppendsAndPreserves(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)

	added, err := store.AddClient(inb, Client{ID: uuidAlice, Email: "alice@corp", Flow: "xtls-rprx-vision"})
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if added.ID != uuidAlice {
		t.Errorf("added id = %q", added.ID)
	}

	// Re-read from disk and check both clients plus the unknown fields.
	fresh := mustLoad(t, store)
	clients, err := store.ListClients(fresh)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if fresh.settings["decryption"] != "none" {
		t.Error("top-level settings field lost on rewrite")
	}
	entries := fresh.settings["clients"].([]any)
	bob := entries[0].(map[string]any)
	if bob["limitIp"] != float64(3) {
		t.Errorf("unknown client field lost on rewrite: %v", bob["limitIp"])
	}
}

func TestAddClient_ConflictLeavesStoreUntouched(t *testing.T) {
	store := setupStore(t)

	cases := []Client{
		{ID: uuidAlice, Email: "bob@corp"},                           // duplicate email
		{ID: "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE", Email: "c@d"},   // duplicate UUID, different case
		{ID: " aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee ", Email: "e@f"}, // duplicate UUID, whitespace
	}
	for _, c := range cases {
		if _, err := store.AddClient(mustLoad(t, store), c); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("AddClient(%+v): expected ErrConflict, got %v", c, err)
		}
	}

	fresh := mustLoad(t, store)
	clients, _ := store.ListClients(fresh)
	if len(clients) != 1 {
		t.Errorf("conflicting adds must not modify the store, got %d clients", len(clients))
	}
}

func TestAddClient_RejectsInvalidUUID(t *testing.T) {
	store := setupStore(t)
	if _, err := store.AddClient(mustLoad(t, store), Client{ID: "not-a-uuid", Email: "x@y"}); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestRemoveClients_ByEmailAndUUID(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)
	if _, err := store.AddClient(inb, Client{ID: uuidAlice, Email: "alice@corp"}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	res, err := store.RemoveClients(mustLoad(t, store), RemovalRequest{
		Emails: []string{"bob@corp"},
		UUIDs:  []string{"11111111-2222-3333-4444-555555555555"},
	})
	if err != nil {
		t.Fatalf("RemoveClients: %v", err)
	}
	if len(res.Removed) != 2 || res.Before != 2 || res.After != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	clients, _ := store.ListClients(mustLoad(t, store))
	if len(clients) != 0 {
		t.Errorf("expected empty client list, got %d", len(clients))
	}
}

// TestRemoveClients_DeletesTrafficRows: removal clears the accounting rows of
// the clients it removed, whether they were matched by email or by UUID.
func TestRemoveClients_DeletesTrafficRows(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)
	if _, err := store.AddClient(inb, Client{ID: uuidAlice, Email: "alice@corp"}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	inb = mustLoad(t, store)
	for _, c := range []Client{{ID: uuidBob, Email: "bob@corp"}, {ID: uuidAlice, Email: "alice@corp"}} {
		if _, err := store.EnsureTrafficRow(inb, c); err != nil {
			t.Fatalf("EnsureTrafficRow(%s): %v", c.Email, err)
		}
	}

	res, err := store.RemoveClients(mustLoad(t, store), RemovalRequest{
		Emails: []string{"bob@corp"},
		UUIDs:  []string{uuidAlice},
	})
	if err != nil {
		t.Fatalf("RemoveClients: %v", err)
	}
	if res.Traffic.Deleted != 2 || res.Traffic.Warning != "" {
		t.Errorf("unexpected traffic outcome: %+v", res.Traffic)
	}

	var count int64
	if err := store.db.Raw(`SELECT COUNT(1) FROM client_traffics`).Scan(&count).Error; err != nil {
		t.Fatalf("count traffic rows: %v", err)
	}
	if count != 0 {
		t.Errorf("traffic rows left behind after removal: %d", count)
	}
}

func TestRemoveClients_NoMatch(t *testing.T) {
	store := setupStore(t)

	_, err := store.RemoveClients(mustLoad(t, store), RemovalRequest{Emails: []string{"nobody@corp"}})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	res, err := store.RemoveClients(mustLoad(t, store), RemovalRequest{Emails: []string{"nobody@corp"}, Force: true})
	if err != nil {
		t.Fatalf("forced removal: %v", err)
	}
	if len(res.Removed) != 0 || res.Before != 1 || res.After != 1 {
		t.Errorf("unexpected forced result: %+v", res)
	}
}

// TestRemoveClients_KeepsForeignEntries: entries that are not JSON objects are
// panel data we do not understand and must survive a removal rewrite.
func TestRemoveClients_KeepsForeignEntries(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)
	inb.settings["clients"] = append(inb.settings["clients"].([]any), "opaque-marker")
	if err := store.persistSettings(inb); err != nil {
		t.Fatalf("persistSettings: %v", err)
	}

	res, err := store.RemoveClients(mustLoad(t, store), RemovalRequest{Emails: []string{"bob@corp"}})
	if err != nil {
		t.Fatalf("RemoveClients: %v", err)
	}
	if res.After != 1 {
		t.Fatalf("foreign entry dropped: %+v", res)
	}
	fresh := mustLoad(t, store)
	entries := fresh.settings["clients"].([]any)
	if len(entries) != 1 || entries[0] != "opaque-marker" {
		t.Errorf("foreign entry not preserved: %v", entries)
	}
}

func TestEnsureTrafficRow_IdempotentWithBackfill(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)
	c := Client{ID: uuidBob, Email: "bob@corp"}

	// First call inserts; the NOT-NULL expiry_time column has no default, so
	// success proves the generic backfill kicked in.
	inserted, err := store.EnsureTrafficRow(inb, c)
	if err != nil {
		t.Fatalf("EnsureTrafficRow: %v", err)
	}
	if !inserted {
		t.Fatal("expected insert on first call")
	}

	inserted, err = store.EnsureTrafficRow(inb, c)
	if err != nil {
		t.Fatalf("second EnsureTrafficRow: %v", err)
	}
	if inserted {
		t.Fatal("expected no-op on second call")
	}

	var row struct {
		Enable     int
		Up         int
		ExpiryTime int
	}
	err = store.db.Raw(`SELECT enable, up, expiry_time FROM client_traffics WHERE email = ? AND inbound_id = ?`,
		"bob@corp", inb.ID).Scan(&row).Error
	if err != nil {
		t.Fatalf("read back row: %v", err)
	}
	if row.Enable != 1 || row.Up != 0 || row.ExpiryTime != 0 {
		t.Errorf("unexpected backfill values: %+v", row)
	}
}

func TestSyncTraffic_Counts(t *testing.T) {
	store := setupStore(t)
	inb := mustLoad(t, store)
	if _, err := store.AddClient(inb, Client{ID: uuidAlice, Email: "alice@corp"}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	// A hand-edited entry with no email is skipped, not an error.
	inb = mustLoad(t, store)
	inb.settings["clients"] = append(inb.settings["clients"].([]any),
		map[string]any{"id": "99999999-8888-7777-6666-555555555555"})
	if err := store.persistSettings(inb); err != nil {
		t.Fatalf("persistSettings: %v", err)
	}

	res, err := store.SyncTraffic(SelectByPort(32062))
	if err != nil {
		t.Fatalf("SyncTraffic: %v", err)
	}
	if res.Changed != 2 || res.Skipped != 1 || len(res.Errors) != 0 {
		t.Errorf("unexpected sync result: %+v", res)
	}

	// Second run backfills nothing.
	res, err = store.SyncTraffic(SelectByPort(32062))
	if err != nil {
		t.Fatalf("second SyncTraffic: %v", err)
	}
	if res.Changed != 0 || res.Skipped != 3 {
		t.Errorf("unexpected second sync result: %+v", res)
	}
}

func TestFindClient(t *testing.T) {
	store := setupStore(t)

	c, found, err := store.FindClient(SelectByPort(32062), "bob@corp")
	if err != nil || !found {
		t.Fatalf("FindClient: found=%v err=%v", found, err)
	}
	if c.ID != uuidBob {
		t.Errorf("found wrong client: %+v", c)
	}

	// Exact, case-sensitive match only.
	if _, found, _ := store.FindClient(SelectByPort(32062), "BOB@corp"); found {
		t.Error("email matching must be case-sensitive")
	}
}

func TestListClients_NonArrayClientsIsSchemaError(t *testing.T) {
	db, path := openTestDB(t,
		`CREATE TABLE inbounds (id INTEGER PRIMARY KEY, port INTEGER, tag TEXT, settings TEXT, stream_settings TEXT)`,
	)
	if err := db.Exec(`INSERT INTO inbounds (port, settings) VALUES (1, '{"clients":"oops"}')`).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	inb, err := store.LoadInbound(SelectByPort(1))
	if err != nil {
		t.Fatalf("LoadInbound: %v", err)
	}
	if _, err := store.ListClients(inb); !apperrors.IsSchemaError(err) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func mustLoad(t *testing.T, store *SQLiteStore) *Inbound {
	t.Helper()
	inb, err := store.LoadInbound(SelectByPort(32062))
	if err != nil {
		t.Fatalf("LoadInbound: %v", err)
	}
	return inb
}
