package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"goa.design/clue/log"
)

// RouterOptions configures the transport middleware.
type RouterOptions struct {
	CORSOrigins            []string
	RateLimitRequests      int
	RateLimitWindowSeconds int
}

// Handler assembles the full HTTP surface: routes, request identification,
// structured request logging, rate limiting and CORS. logCtx carries the
// process logger every request context inherits.
func (s *Server) Handler(logCtx context.Context, opts RouterOptions) http.Handler {
	r := mux.NewRouter()

	// Liveness and readiness are unauthenticated and not rate limited.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if opts.RateLimitRequests > 0 && opts.RateLimitWindowSeconds > 0 {
		rl := newRateLimiter(opts.RateLimitRequests, opts.RateLimitWindowSeconds)
		v1.Use(rl.middleware)
	}

	v1.HandleFunc("/traces", s.requireAuth(s.handleIngest)).Methods(http.MethodPost)
	v1.HandleFunc("/traces", s.requireAuth(s.handleListTraces)).Methods(http.MethodGet)
	v1.HandleFunc("/traces/{trace_id}", s.requireAuth(s.handleGetTrace)).Methods(http.MethodGet)
	v1.HandleFunc("/traces/{trace_id}", s.requireAuth(s.handlePatchTrace)).Methods(http.MethodPatch)
	v1.HandleFunc("/traces/{trace_id}/events/{span_id}", s.requireAuth(s.handleAppendEvent)).Methods(http.MethodPost)
	v1.HandleFunc("/spans", s.requireAuth(s.handleListSpans)).Methods(http.MethodGet)

	v1.HandleFunc("/projects", s.requireAuth(s.handleCreateProject)).Methods(http.MethodPost)
	v1.HandleFunc("/projects", s.guestAuth(s.handleListProjects)).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{project_id}", s.guestAuth(s.handleGetProject)).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{project_id}/rotate-key", s.requireAuth(s.handleRotateKey)).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{project_id}/settings", s.requireAuth(s.handleGetSettings)).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{project_id}/settings", s.requireAuth(s.handlePutSettings)).Methods(http.MethodPut)

	v1.HandleFunc("/traces/{trace_id}/replay", s.requireAuth(s.handleCreateEstimate)).Methods(http.MethodPost)
	v1.HandleFunc("/traces/{trace_id}/replay/{replay_id}", s.requireAuth(s.handleGetReplay)).Methods(http.MethodGet)
	v1.HandleFunc("/traces/{trace_id}/replay/{replay_id}/confirm", s.requireAuth(s.handleConfirmReplay)).Methods(http.MethodPost)
	v1.HandleFunc("/traces/{trace_id}/replay/{replay_id}/cancel", s.requireAuth(s.handleCancelReplay)).Methods(http.MethodPost)
	v1.HandleFunc("/traces/{trace_id}/replay/{replay_id}/diff", s.requireAuth(s.handleGetDiff)).Methods(http.MethodGet)

	v1.HandleFunc("/drift/alerts", s.guestAuth(s.handleListDriftAlerts)).Methods(http.MethodGet)
	v1.HandleFunc("/drift/summary", s.guestAuth(s.handleDriftSummary)).Methods(http.MethodGet)
	v1.HandleFunc("/drift/alerts/{alert_id}/resolve", s.requireAuth(s.handleResolveAlert)).Methods(http.MethodPatch)

	v1.HandleFunc("/notifications", s.requireAuth(s.handleListNotifications)).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/count", s.requireAuth(s.handleNotificationCount)).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/read-all", s.requireAuth(s.handleReadAll)).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{notification_id}/read", s.requireAuth(s.handleReadOne)).Methods(http.MethodPatch)

	v1.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
	}).Handler(handler)
	// The logger middleware runs outermost so the request-id middleware can
	// attach the id to an initialized log context.
	handler = requestID(handler)
	handler = log.HTTP(logCtx)(handler)
	return handler
}
