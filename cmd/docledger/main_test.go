package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docledger/internal/archive"
	"docledger/internal/config"
	"docledger/internal/logging"
	"docledger/pkg/domain"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	testChdir(t, t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Storage.Driver = domain.StorageMemory
	cfg.Blob.Driver = archive.DriverMemory
	return cfg
}

func TestNewAppServesDocuments(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{"title":"hello"}`))
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated || rr.Header().Get("ETag") != `"1"` {
		t.Fatalf("unexpected create response %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("metrics endpoint missing runtime collectors")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("DOCLEDGER_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("DOCLEDGER_STORAGE_DRIVER", "memory")
	t.Setenv("DOCLEDGER_BLOB_DRIVER", "memory")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var logs bytes.Buffer
	if err := run(ctx, nil, &logs); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("DOCLEDGER_STORAGE_DRIVER", "mongo")
	var logs bytes.Buffer
	if err := run(context.Background(), nil, &logs); err == nil {
		t.Fatalf("expected config error")
	}
}
