package host

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/domirror/wsconn"
)

// RegisterHTTP mounts the capture endpoints on r:
//
//	GET /mirror   websocket, one inspector peer per connection
//	GET /health   liveness
//	GET /stats    capture counters and peer count
func (h *Host) RegisterHTTP(r chi.Router) {
	r.Get("/mirror", h.handleMirror)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", h.handleStats)
}

// Handler returns a chi router with RegisterHTTP applied.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	h.RegisterHTTP(r)
	return r
}

func (h *Host) handleMirror(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r, wsconn.WithLogger(h.logger))
	if err != nil {
		h.logger.Warn("host: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if err := h.Serve(r.Context(), conn); err != nil {
		h.logger.Warn("host: peer ended", "remote", r.RemoteAddr, "error", err)
	}
}

func (h *Host) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capture": st, "peers": h.Peers()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
