package inspector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/domirror/kit"
)

// RegisterHTTP mounts the inspector API on r:
//
//	GET  /health
//	GET  /api/tree            rendered tree
//	GET  /api/stats
//	GET  /api/nodes/{id}
//	POST /api/select/{id}
//	POST /api/expand/{id}     ?collapse=1 closes it
//	POST /api/refresh/{id}    re-describe the subtree
//	POST /api/filter          {"filter": "..."}
//	POST /api/reload
func (in *Inspector) RegisterHTTP(r chi.Router) {
	ep := in.endpoints()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/tree", in.serve(ep.tree, noRequest))
		r.Get("/stats", in.serve(ep.stats, noRequest))
		r.Get("/nodes/{id}", in.serve(ep.node, nodeFromPath))
		r.Post("/select/{id}", in.serve(ep.sel, nodeFromPath))
		r.Post("/expand/{id}", in.serve(ep.expand, func(r *http.Request) (any, error) {
			id, err := pathID(r)
			if err != nil {
				return nil, err
			}
			collapse, _ := strconv.ParseBool(r.URL.Query().Get("collapse"))
			return &expandRequest{ID: id, Collapse: collapse}, nil
		}))
		r.Post("/refresh/{id}", in.serve(ep.refresh, nodeFromPath))
		r.Post("/filter", in.serve(ep.filter, func(r *http.Request) (any, error) {
			var req filterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			return &req, nil
		}))
		r.Post("/reload", in.serve(ep.reload, noRequest))
	})
}

// Handler returns a chi router with RegisterHTTP applied.
func (in *Inspector) Handler() http.Handler {
	r := chi.NewRouter()
	in.RegisterHTTP(r)
	return r
}

type decodeFunc func(*http.Request) (any, error)

func noRequest(*http.Request) (any, error) { return nil, nil }

func nodeFromPath(r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return &nodeRequest{ID: id}, nil
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (in *Inspector) serve(e kit.Endpoint, decode decodeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ctx := kit.WithTransport(r.Context(), "http")
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		resp, err := e(ctx, req)
		if err != nil {
			writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, ErrNoDocument):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
