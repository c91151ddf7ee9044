package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"docledger/internal/archive"
	"docledger/internal/core"
	"docledger/pkg/domain"
)

func seedSQLite(t *testing.T) (dbPath, origin string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "ledger.db")
	store, err := core.OpenPersistentStore(context.Background(), core.StorageConfig{Driver: domain.StorageSQLite, SQLitePath: dbPath}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = store.Close() }()
	doc, err := core.NewService(store).Save(context.Background(), domain.Document{Fields: map[string]any{"name": "John"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return dbPath, doc.ID
}

func TestRunExportsToFilesystem(t *testing.T) {
	dbPath, origin := seedSQLite(t)
	root := filepath.Join(t.TempDir(), "archives")
	testChdir(t, t.TempDir())
	t.Setenv("DOCLEDGER_STORAGE_SQLITE_PATH", dbPath)
	t.Setenv("DOCLEDGER_BLOB_FS_ROOT", root)

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-origin", origin, "-format", "csv", "-columns", "name"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	var obj archive.Object
	if err := json.Unmarshal(stdout.Bytes(), &obj); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !strings.HasPrefix(obj.Key, "history/"+origin+"/") || obj.ContentType != "text/csv" {
		t.Fatalf("unexpected object %+v", obj)
	}

	stdout.Reset()
	if code := run(context.Background(), []string{"-origin", origin, "-list"}, &stdout, &stderr); code != 0 {
		t.Fatalf("list exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), obj.Key) {
		t.Fatalf("listing misses %s: %s", obj.Key, stdout.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit for missing origin, got %d", code)
	}
	if code := run(context.Background(), []string{"-origin", "x", "-format", "pdf"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit for bad format, got %d", code)
	}
}

func TestRunUnknownOrigin(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("DOCLEDGER_STORAGE_DRIVER", "memory")
	t.Setenv("DOCLEDGER_BLOB_DRIVER", "memory")
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-origin", "ghost"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected failure for unknown origin, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}
