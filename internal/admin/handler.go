// Package admin serves the read-only endpoints behind the admin health
// display: backend status, a liveness probe and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/pagecache/internal/cache"
	"github.com/oriys/pagecache/internal/logging"
	"github.com/oriys/pagecache/internal/metrics"
	"github.com/oriys/pagecache/internal/observability"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Site    string       `json:"site"`
	Kind    cache.Kind   `json:"kind"`
	Alive   bool         `json:"alive"`
	Error   string       `json:"error,omitempty"`
	Servers cache.Health `json:"servers,omitempty"`
	Up      int          `json:"up"`
	Down    int          `json:"down"`
}

// Handler routes the admin endpoints.
type Handler struct {
	client *cache.Client
	site   string
	mux    *http.ServeMux
}

// New returns the admin handler for client serving site.
func New(client *cache.Client, site string) *Handler {
	h := &Handler{client: client, site: site, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /status", h.status)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.Handle("GET /metrics", metrics.PrometheusHandler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	observability.HTTPMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Site: h.site, Kind: h.client.Kind(), Alive: h.client.Alive()}
	code := http.StatusOK

	health, err := h.client.Status(r.Context())
	if err != nil {
		code = http.StatusServiceUnavailable
		if initErr := h.client.Err(); initErr != nil {
			resp.Error = initErr.Error()
		} else {
			resp.Error = err.Error()
		}
	} else {
		resp.Servers = health
		resp.Up = health.Count(cache.StatusUp)
		resp.Down = health.Count(cache.StatusDown)
	}
	writeJSON(w, code, resp)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if !h.client.Alive() {
		http.Error(w, "cache backend unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("write admin response", "error", err)
	}
}
