package packages

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "vpnonboard/internal/errors"
)

func setupMap(t *testing.T) *Map {
	t.Helper()
	return NewMap(filepath.Join(t.TempDir(), "package_files.json"))
}

func TestSetGetDelete(t *testing.T) {
	m := setupMap(t)

	rec := Record{FileID: "file-abc", FileName: "vpn-android.apk", MimeType: "application/vnd.android.package-archive"}
	if err := m.Set("android", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := m.Get("android")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileID != "file-abc" || got.FileName != "vpn-android.apk" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.UpdatedTS == 0 {
		t.Error("UpdatedTS not stamped")
	}

	if err := m.Delete("android"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get("android"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := m.Delete("android"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for double delete, got %v", err)
	}
}

func TestGet_UnknownPlatform(t *testing.T) {
	m := setupMap(t)
	if _, err := m.Get("ios"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestPersistence: a second Map over the same file sees earlier writes.
func TestPersistence(t *testing.T) {
	m := setupMap(t)
	if err := m.Set("ios", Record{FileID: "f1", UpdatedTS: 42}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	m2 := NewMap(m.path)
	got, err := m2.Get("ios")
	if err != nil {
		t.Fatalf("Get via second map: %v", err)
	}
	if got.FileID != "f1" || got.UpdatedTS != 42 {
		t.Errorf("record did not round-trip: %+v", got)
	}
}

func TestCorruptFileIsEmpty(t *testing.T) {
	m := setupMap(t)
	if err := os.WriteFile(m.path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if all := m.All(); len(all) != 0 {
		t.Errorf("expected empty map over corrupt file, got %+v", all)
	}
	// Writes still work and replace the corrupt document.
	if err := m.Set("linux", Record{FileID: "f2"}); err != nil {
		t.Fatalf("Set over corrupt file: %v", err)
	}
	if _, err := m.Get("linux"); err != nil {
		t.Errorf("Get after repair: %v", err)
	}
}
