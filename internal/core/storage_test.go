package core

import (
	"context"
	"path/filepath"
	"testing"

	"docledger/pkg/domain"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	ctx := context.Background()
	mem, err := OpenPersistentStore(ctx, StorageConfig{Driver: domain.StorageMemory}, nil)
	if err != nil || mem.Driver() != domain.StorageMemory {
		t.Fatalf("memory: %v", err)
	}
	_ = mem.Close()

	path := filepath.Join(t.TempDir(), "ledger.db")
	lite, err := OpenPersistentStore(ctx, StorageConfig{SQLitePath: path}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = lite.Close() }()
	if lite.Driver() != domain.StorageSQLite {
		t.Fatalf("empty driver should default to sqlite, got %s", lite.Driver())
	}

	if _, err := OpenPersistentStore(ctx, StorageConfig{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestServiceOverSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPersistentStore(ctx, StorageConfig{Driver: domain.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "svc.db")}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = store.Close() }()
	svc := NewService(store, WithClock(newSteppingClock()))

	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"title": "one"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc.Fields["title"] = "two"
	doc, err = svc.Save(ctx, doc)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.Delete(ctx, doc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := svc.History().ListFor(ctx, doc.ID, domain.Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 3 || len(res.Items) != 2 || !res.HasNext() {
		t.Fatalf("unexpected page: %+v", res)
	}
	if res.Items[0].Action != domain.ActionCreate || res.Items[1].Version != 2 {
		t.Fatalf("unexpected ordering: %+v", res.Items)
	}
}
