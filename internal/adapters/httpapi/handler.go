// Package httpapi exposes documents and their history ledger over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"docledger/internal/archive"
	"docledger/internal/core"
	"docledger/internal/export"
	"docledger/pkg/domain"
)

const (
	documentsPath = "/api/v1/documents"

	// HistoryStatusHeader is set to "failed" when a write committed but its
	// history record could not be appended.
	HistoryStatusHeader = "X-History-Status"
)

// protectedKeys may not appear in a document body; versions are owned by
// the engine.
var protectedKeys = []string{"id", "version", "_version", "doc_version"}

// Handler serves /api/v1/documents and its sub-resources.
type Handler struct {
	Service        *core.Service
	Exports        *export.Exporter
	DefaultPerPage int
	Logger         *slog.Logger
}

// NewHandler constructs a document handler with the default page size.
func NewHandler(svc *core.Service) *Handler {
	return &Handler{Service: svc, DefaultPerPage: domain.DefaultPerPage}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "document service not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == documentsPath {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleCreate(w, r)
		return
	}
	if !strings.HasPrefix(path, documentsPath+"/") {
		http.NotFound(w, r)
		return
	}
	segments := strings.Split(strings.TrimPrefix(path, documentsPath+"/"), "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(segments) == 1:
		h.handleDocument(w, r, id)
	case len(segments) == 2 && segments[1] == "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleHistoryList(w, r, id)
	case len(segments) == 3 && segments[1] == "history" && segments[2] == "exports":
		h.handleExports(w, r, id)
	case len(segments) == 3 && segments[1] == "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleHistoryRecord(w, r, id, segments[2])
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		doc, err := h.Service.Get(r.Context(), id)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		w.Header().Set("ETag", core.ETag(doc.Version))
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPatch:
		h.handlePatch(w, r, id)
	case http.MethodDelete:
		doc, err := h.Service.Remove(r.Context(), id, r.Header.Get("If-Match"))
		if !h.committed(w, r, err) {
			return
		}
		w.Header().Set("ETag", core.ETag(doc.Version))
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	doc, err := h.Service.Save(r.Context(), domain.Document{Fields: fields})
	if !h.committed(w, r, err) {
		return
	}
	w.Header().Set("ETag", core.ETag(doc.Version))
	w.Header().Set("Location", documentsPath+"/"+url.PathEscape(doc.ID))
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	patch, ok := decodeFields(w, r)
	if !ok {
		return
	}
	doc, err := h.Service.Patch(r.Context(), id, r.Header.Get("If-Match"), patch)
	if !h.committed(w, r, err) {
		return
	}
	w.Header().Set("ETag", core.ETag(doc.Version))
	writeJSON(w, http.StatusOK, doc)
}

type historyMeta struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

type historyLinks struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
	Origin   string `json:"origin"`
}

type historyPage struct {
	Items []domain.HistoryRecord `json:"_items"`
	Meta  historyMeta            `json:"_meta"`
	Links historyLinks           `json:"_links"`
}

func (h *Handler) handleHistoryList(w http.ResponseWriter, r *http.Request, id string) {
	page, err := h.parsePage(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Service.History().ListFor(r.Context(), id, page)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	items := res.Items
	if items == nil {
		items = []domain.HistoryRecord{}
	}
	links := historyLinks{
		Self:   historyURL(id, page),
		Origin: documentsPath + "/" + url.PathEscape(id),
	}
	if res.HasNext() {
		links.Next = historyURL(id, domain.Page{Number: page.Number + 1, Size: page.Size})
	}
	if res.HasPrevious() {
		links.Previous = historyURL(id, domain.Page{Number: page.Number - 1, Size: page.Size})
	}
	writeJSON(w, http.StatusOK, historyPage{
		Items: items,
		Meta:  historyMeta{Page: page.Number, PerPage: page.Size, Total: res.Total},
		Links: links,
	})
}

func (h *Handler) handleHistoryRecord(w http.ResponseWriter, r *http.Request, id, recordID string) {
	rec, err := h.Service.History().Get(r.Context(), id, recordID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request, id string) {
	if h.Exports == nil {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		objs, err := h.Exports.List(r.Context(), id)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if objs == nil {
			objs = []archive.Object{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"exports": objs})
	case http.MethodPost:
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var columns []string
		if raw := r.URL.Query().Get("columns"); raw != "" {
			for _, c := range strings.Split(raw, ",") {
				if c = strings.TrimSpace(c); c != "" {
					columns = append(columns, c)
				}
			}
		}
		obj, err := h.Exports.Export(r.Context(), export.Request{OriginID: id, Format: format, Columns: columns})
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"export": obj})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// parsePage reads page and per_page. Both must be integers; page starts at
// one and per_page zero means every record.
func (h *Handler) parsePage(q url.Values) (domain.Page, error) {
	page := domain.Page{Number: 1, Size: h.DefaultPerPage}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Page{}, fmt.Errorf("page must be an integer, got %q", raw)
		}
		page.Number = n
	}
	if raw := q.Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Page{}, fmt.Errorf("per_page must be an integer, got %q", raw)
		}
		page.Size = n
	}
	return page, page.Validate()
}

func historyURL(id string, page domain.Page) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page.Number))
	q.Set("per_page", strconv.Itoa(page.Size))
	return documentsPath + "/" + url.PathEscape(id) + "/history?" + q.Encode()
}

// decodeFields reads a JSON object body and rejects engine-owned keys.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid document payload")
		return nil, false
	}
	if fields == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	for _, key := range protectedKeys {
		if _, ok := fields[key]; ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("field %q is managed by the server", key))
			return nil, false
		}
	}
	return fields, true
}

// committed reports whether a write took effect. A history append failure
// still counts; it is surfaced through HistoryStatusHeader.
func (h *Handler) committed(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return true
	}
	var haf *core.HistoryAppendFailure
	if errors.As(err, &haf) {
		w.Header().Set(HistoryStatusHeader, "failed")
		return true
	}
	h.writeFailure(w, r, err)
	return false
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func statusFor(err error) int {
	switch {
	case core.IsConflict(err):
		return http.StatusPreconditionFailed
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyExists), errors.Is(err, archive.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
