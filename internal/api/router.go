package api

import (
	"net/http"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Handler        *Handler
	Limiter        *RateLimiter
	AllowedOrigins []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	adminOnly := func(fn http.HandlerFunc) http.Handler {
		return AdminOnly(h.adminKey, fn)
	}

	r := mux.NewRouter()
	r.Use(MonitorMiddleware)

	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	if cfg.Limiter != nil {
		api.Use(cfg.Limiter.Middleware)
	}

	api.HandleFunc("/scores", h.SubmitScore).Methods(http.MethodPost)

	api.HandleFunc("/leaderboards/{scope}", h.GetLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/leaderboards/{scope}/users/{id:[0-9]+}", h.GetUserEntry).Methods(http.MethodGet)
	api.HandleFunc("/leaderboards/{scope}/users/{id:[0-9]+}/stats", h.GetUserStats).Methods(http.MethodGet)
	api.HandleFunc("/leaderboards/{scope}/users/{id:[0-9]+}/events", h.GetUserHistory).Methods(http.MethodGet)
	api.Handle("/leaderboards/{scope}/recompute", adminOnly(h.Recompute)).Methods(http.MethodPost)

	api.HandleFunc("/scopes", h.ListScopes).Methods(http.MethodGet)
	api.Handle("/scopes", adminOnly(h.CreateScope)).Methods(http.MethodPost)
	api.HandleFunc("/scopes/{scope}", h.GetScope).Methods(http.MethodGet)
	api.Handle("/scopes/{scope}", adminOnly(h.UpdateScope)).Methods(http.MethodPatch)
	api.Handle("/scopes/{scope}", adminOnly(h.DeleteScope)).Methods(http.MethodDelete)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins(origins),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", AdminKeyHeader, requestIDHeader}),
		gorillaHandlers.ExposedHeaders([]string{"Content-Length", requestIDHeader}),
	)

	return RecoveryMiddleware(LoggingMiddleware(corsHandler(r)))
}
