package api

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
)

type Router struct {
	mux *http.ServeMux
}

// NewRouter wires the handler's routes. When accessLog is non-nil every
// request is written to it in Apache combined format.
func NewRouter(handler *Handler, accessLog io.Writer) http.Handler {
	r := &Router{mux: http.NewServeMux()}
	r.registerRoutes(handler)

	var h http.Handler = corsMiddleware(r.mux)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return h
}

func (r *Router) registerRoutes(handler *Handler) {
	r.mux.HandleFunc("/health", handler.Health)

	r.mux.HandleFunc("/v1/evaluations", handler.Evaluations)
	r.mux.HandleFunc(evaluationsPrefix, handler.Evaluation)

	r.mux.HandleFunc("/v1/stats", handler.Stats)
	r.mux.HandleFunc("/v1/stats/stream", handler.StatsStream)
	r.mux.HandleFunc("/v1/metrics", handler.Metrics)
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
