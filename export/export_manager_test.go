package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"devmate/config"
	"devmate/storage"
)

func setupManager(t *testing.T) (*ExportManager, *storage.Database, string) {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.NewDatabase(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Export: config.ExportConfig{Format: "json", PrettyPrint: true},
	}
	return NewExportManager(cfg, db), db, dir
}

func seedRequests(t *testing.T, db *storage.Database, ids ...string) {
	t.Helper()
	for i, id := range ids {
		rec := &storage.CapturedRequest{
			ID:        id,
			URL:       "https://example.com/" + id,
			Method:    "GET",
			Timestamp: int64(1000 + i),
		}
		if err := db.AppendCapturedRequest(rec); err != nil {
			t.Fatalf("failed to seed request %s: %v", id, err)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m, db, dir := setupManager(t)
	seedRequests(t, db, "a", "b", "c")
	if err := db.PutCollectionItem(storage.CollectionUsefulLinks, "docs", json.RawMessage(`{"url":"https://docs.example.com"}`)); err != nil {
		t.Fatalf("failed to seed collection: %v", err)
	}

	path := filepath.Join(dir, "out.json")
	if err := m.ExportAll(path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if err := db.ClearCapturedRequests(); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if err := db.ClearCollection(storage.CollectionUsefulLinks); err != nil {
		t.Fatalf("failed to clear collection: %v", err)
	}

	if err := m.Import(path, "append"); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	requests, err := db.ListCapturedRequests()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(requests))
	}
	// Newest first, same as before the round trip.
	if requests[0].ID != "c" || requests[2].ID != "a" {
		t.Errorf("capture order lost: %s ... %s", requests[0].ID, requests[2].ID)
	}

	items, err := db.GetCollection(storage.CollectionUsefulLinks)
	if err != nil {
		t.Fatalf("failed to read collection: %v", err)
	}
	if len(items) != 1 || items[0].Key != "docs" {
		t.Errorf("collection lost in round trip: %+v", items)
	}
}

func TestImportReplaceClearsExisting(t *testing.T) {
	m, db, dir := setupManager(t)
	seedRequests(t, db, "old1", "old2")

	path := filepath.Join(dir, "out.json")
	if err := m.ExportAll(path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	seedRequests(t, db, "extra")
	if err := m.Import(path, "replace"); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	requests, _ := db.ListCapturedRequests()
	if len(requests) != 2 {
		t.Fatalf("replace kept stale records, have %d", len(requests))
	}
	for _, rec := range requests {
		if rec.ID == "extra" {
			t.Error("pre-import record survived replace")
		}
	}
}

func TestImportAppendKeepsExisting(t *testing.T) {
	m, db, dir := setupManager(t)
	seedRequests(t, db, "old")

	path := filepath.Join(dir, "out.json")
	if err := m.ExportAll(path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if err := db.ClearCapturedRequests(); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	seedRequests(t, db, "kept")

	if err := m.Import(path, "append"); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	count, _ := db.CountCapturedRequests()
	if count != 2 {
		t.Errorf("append dropped records, have %d", count)
	}
}

func TestCompressedExport(t *testing.T) {
	m, db, dir := setupManager(t)
	m.config.Export.Compress = true
	seedRequests(t, db, "z")

	path := filepath.Join(dir, "out.json.gz")
	if err := m.ExportAll(path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Fatal("output is not gzip-compressed")
	}

	if err := db.ClearCapturedRequests(); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if err := m.Import(path, "append"); err != nil {
		t.Fatalf("import of compressed archive failed: %v", err)
	}
	count, _ := db.CountCapturedRequests()
	if count != 1 {
		t.Errorf("compressed round trip lost records, have %d", count)
	}
}

func TestImportRejectsInvalidArchive(t *testing.T) {
	m, _, dir := setupManager(t)

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"requests":[{"id":"","url":""}]}`), 0644); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}

	err := m.Import(path, "append")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "invalid archive") {
		t.Errorf("unexpected error: %v", err)
	}
}
