package archive

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	fs, err := Open(ctx, Config{FSRoot: filepath.Join(t.TempDir(), "archives")})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	return map[string]Store{"memory": mem, "fs": fs}
}

func TestStoresWriteOnce(t *testing.T) {
	for name, store := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			obj, err := store.Put(ctx, "history/doc-1/10.csv", strings.NewReader("id,version\n"), PutOptions{
				ContentType: "text/csv",
				Metadata:    map[string]string{"origin": "doc-1"},
			})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if obj.Size != 11 || obj.ETag == "" || obj.Metadata["origin"] != "doc-1" {
				t.Fatalf("unexpected object %+v", obj)
			}
			if _, err := store.Put(ctx, "history/doc-1/10.csv", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}

			got, rc, err := store.Get(ctx, "history/doc-1/10.csv")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			body, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(body) != "id,version\n" || got.ContentType != "text/csv" {
				t.Fatalf("unexpected read %q %+v", body, got)
			}
			if _, _, err := store.Get(ctx, "history/doc-1/missing.csv"); !errors.Is(err, ErrMissing) {
				t.Fatalf("expected ErrMissing, got %v", err)
			}
		})
	}
}

func TestStoresListByPrefix(t *testing.T) {
	for name, store := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"history/b/2.json", "history/a/1.json", "history/b/1.json"} {
				if _, err := store.Put(ctx, key, strings.NewReader("[]"), PutOptions{}); err != nil {
					t.Fatalf("put %s: %v", key, err)
				}
			}
			list, err := store.List(ctx, "history/b/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].Key != "history/b/1.json" || list[1].Key != "history/b/2.json" {
				t.Fatalf("unexpected listing %+v", list)
			}
		})
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	store, err := Open(context.Background(), Config{Driver: "FS", FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../outside", "a/b.meta"} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	url, err := store.PresignURL(context.Background(), "history/a/1.json", 0)
	if err != nil || !strings.HasPrefix(url, "file://") {
		t.Fatalf("unexpected local url %q (%v)", url, err)
	}
}

func TestMemoryPresignUnsupported(t *testing.T) {
	store, _ := Open(context.Background(), Config{Driver: DriverMemory})
	if _, err := store.PresignURL(context.Background(), "k", 0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "gcs"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
