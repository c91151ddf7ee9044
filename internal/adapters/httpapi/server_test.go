package httpapi

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"docledger/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.create(t, `{"a":1}`)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","storage":"memory"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `docledger_operations_total{operation="create",status="success"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodOptions, "/api/v1/documents/x", "", map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  http.MethodPatch,
		"Access-Control-Request-Headers": "If-Match",
	})
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = f.do(t, http.MethodOptions, "/api/v1/documents/x", "", map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": http.MethodPatch,
	})
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWithPrincipal(t *testing.T) {
	var seen string
	h := WithPrincipal(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = auth.PrincipalFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(PrincipalHeader, "  carol ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "carol", seen)

	seen = "unchanged"
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, seen)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Contains(t, buf.String(), "path=/brew")
	assert.Contains(t, buf.String(), "status=418")
}
