package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// RouterOptions assembles the full HTTP surface.
type RouterOptions struct {
	Documents      *Handler
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter mounts the document API, /metrics and /healthz behind CORS,
// principal extraction and request logging.
func NewRouter(opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	if opts.Documents != nil {
		mux.Handle(documentsPath, opts.Documents)
		mux.Handle(documentsPath+"/", opts.Documents)
	}
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		body := map[string]any{"status": "ok"}
		if opts.Documents != nil && opts.Documents.Service != nil {
			body["storage"] = string(opts.Documents.Service.Store().Driver())
		}
		writeJSON(w, http.StatusOK, body)
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "If-Match", PrincipalHeader},
		ExposedHeaders:   []string{"ETag", "Location", HistoryStatusHeader},
	})
	return corsHandler.Handler(RequestLogger(opts.Logger, WithPrincipal(mux)))
}
