// Package httpapi mounts the REST and websocket surface: routing,
// authentication, request identification, rate limiting, CORS, and the
// uniform error rendering.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/auth"
	"github.com/linnemanlabs/vigil/internal/drift"
	"github.com/linnemanlabs/vigil/internal/hub"
	"github.com/linnemanlabs/vigil/internal/notify"
	"github.com/linnemanlabs/vigil/internal/project"
	"github.com/linnemanlabs/vigil/internal/replay"
	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/trace"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

const defaultPageLimit = 50

// Server holds the services the handlers dispatch to.
type Server struct {
	auth     *auth.Service
	traces   *trace.Service
	projects *project.Service
	drift    *drift.Detector
	replays  *replay.Engine
	notify   *notify.Service
	hub      *hub.Hub
	store    store.Store

	upgrader websocket.Upgrader
}

// NewServer builds the HTTP server facade over the services.
func NewServer(
	authSvc *auth.Service,
	traces *trace.Service,
	projects *project.Service,
	detector *drift.Detector,
	replays *replay.Engine,
	notifier *notify.Service,
	h *hub.Hub,
	st store.Store,
) (*Server, error) {
	if authSvc == nil || traces == nil || projects == nil || detector == nil ||
		replays == nil || notifier == nil || h == nil || st == nil {
		return nil, errors.New("all services are required")
	}
	return &Server{
		auth:     authSvc,
		traces:   traces,
		projects: projects,
		drift:    detector,
		replays:  replays,
		notify:   notifier,
		hub:      h,
		store:    st,
		upgrader: websocket.Upgrader{
			// Browser origins are vetted by the CORS layer; the websocket
			// endpoint authenticates by token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

type principalKey struct{}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// requireAuth resolves the bearer token and injects the principal, rejecting
// the request with 401 when resolution fails.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			renderError(r.Context(), w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// guestAuth resolves the bearer token but falls back to the default project
// on missing or invalid credentials.
func (s *Server) guestAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.auth.ResolveOrGuest(r.Context(), bearerToken(r))
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// --- query helpers ---

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, vigilerr.Validation("%s must be an integer", name)
	}
	return v, nil
}

func boolQuery(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func timeQuery(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, vigilerr.Validation("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func pageParams(r *http.Request) (offset, limit int, err error) {
	if offset, err = intQuery(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit, err = intQuery(r, "limit", defaultPageLimit); err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

// --- traces ---

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	traceID, count, err := s.traces.Ingest(r.Context(), p.ProjectID, trace.Batch{
		TraceName:     req.TraceName,
		TraceMetadata: req.TraceMetadata,
		ExternalID:    req.ExternalID,
		ProjectID:     req.ProjectID,
		Spans:         toSpanInputs(req.Spans),
	})
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusCreated, ingestResponse{TraceID: traceID, SpanCount: count})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	startDate, err := timeQuery(r, "start_date")
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	endDate, err := timeQuery(r, "end_date")
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	traces, total, err := s.traces.List(r.Context(), p.ProjectID, trace.ListParams{
		Status:    r.URL.Query().Get("status"),
		StartDate: startDate,
		EndDate:   endDate,
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	resp := traceListResponse{Traces: make([]traceResponse, 0, len(traces)), Total: total, Offset: offset, Limit: limit}
	for _, t := range traces {
		resp.Traces = append(resp.Traces, toTraceResponse(t, nil))
	}
	respond(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	detail, err := s.traces.Get(r.Context(), p.ProjectID, mux.Vars(r)["trace_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toTraceResponse(detail.Trace, detail.Spans))
}

func (s *Server) handlePatchTrace(w http.ResponseWriter, r *http.Request) {
	var req traceUpdateRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	t, err := s.traces.Patch(r.Context(), p.ProjectID, mux.Vars(r)["trace_id"], req.Status, req.Metadata)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toTraceResponse(t, nil))
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req eventAppendRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	vars := mux.Vars(r)
	ev, err := s.traces.AppendEvent(r.Context(), p.ProjectID, vars["trace_id"], vars["span_id"], req.Name, req.Attributes)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusCreated, eventResponse{Name: ev.Name, Timestamp: ev.Timestamp, Attributes: ev.Attributes})
}

func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	spans, total, err := s.traces.ListSpans(r.Context(), p.ProjectID, trace.SpanListParams{
		Kind:    r.URL.Query().Get("kind"),
		Status:  r.URL.Query().Get("status"),
		TraceID: r.URL.Query().Get("trace_id"),
		Offset:  offset,
		Limit:   limit,
	})
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	resp := spanListResponse{Spans: make([]spanResponse, 0, len(spans)), Total: total, Offset: offset, Limit: limit}
	for _, sp := range spans {
		resp.Spans = append(resp.Spans, toSpanResponse(sp))
	}
	respond(r.Context(), w, http.StatusOK, resp)
}

// --- projects ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectCreateRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p, key, err := s.projects.Create(r.Context(), req.Name, req.Description)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusCreated, toProjectResponse(p, key))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	resp := projectListResponse{Projects: make([]projectResponse, 0, len(projects)), Total: len(projects)}
	for _, p := range projects {
		resp.Projects = append(resp.Projects, toProjectResponse(p))
	}
	respond(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), mux.Vars(r)["project_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toProjectResponse(p))
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.projects.RotateKey(r.Context(), mux.Vars(r)["project_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusCreated, map[string]string{"key": key.Key})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if _, err := s.projects.Get(r.Context(), projectID); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	view, err := s.projects.GetSettings(r.Context(), projectID)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toSettingsResponse(view))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if _, err := s.projects.Get(r.Context(), projectID); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	var req settingsUpdateRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	view, err := s.projects.UpdateSettings(r.Context(), projectID, project.SettingsUpdate{
		OpenAIAPIKey:              req.OpenAIAPIKey,
		AnthropicAPIKey:           req.AnthropicAPIKey,
		DefaultOpenAIModel:        req.DefaultOpenAIModel,
		DefaultAnthropicModel:     req.DefaultAnthropicModel,
		DriftCheckIntervalMinutes: req.DriftCheckIntervalMinutes,
		DriftCheckEnabled:         req.DriftCheckEnabled,
	})
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toSettingsResponse(view))
}

// --- replay ---

func (s *Server) handleCreateEstimate(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	est, err := s.replays.CreateEstimate(r.Context(), p.ProjectID, mux.Vars(r)["trace_id"], p.UserID, req.Mutations)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toEstimateResponse(est))
}

func (s *Server) handleConfirmReplay(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	vars := mux.Vars(r)
	run, err := s.replays.Confirm(r.Context(), p.ProjectID, vars["trace_id"], vars["replay_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toReplayRunResponse(run))
}

func (s *Server) handleCancelReplay(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	vars := mux.Vars(r)
	run, err := s.replays.Cancel(r.Context(), p.ProjectID, vars["trace_id"], vars["replay_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toReplayRunResponse(run))
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	vars := mux.Vars(r)
	run, err := s.replays.Get(r.Context(), p.ProjectID, vars["trace_id"], vars["replay_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toReplayRunResponse(run))
}

func (s *Server) handleGetDiff(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	vars := mux.Vars(r)
	d, err := s.replays.GetDiff(r.Context(), p.ProjectID, vars["trace_id"], vars["replay_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, diffResponse{
		OriginalTraceID: d.OriginalTraceID,
		ReplayRunID:     d.ReplayRunID,
		Mutations:       d.Mutations,
		Diffs:           d.Diffs,
	})
}

// --- drift ---

func (s *Server) handleListDriftAlerts(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	alerts, err := s.drift.Alerts(r.Context(), p.ProjectID, boolQuery(r, "include_resolved"))
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	resp := make([]driftAlertResponse, 0, len(alerts))
	for _, a := range alerts {
		resp = append(resp, toDriftAlertResponse(a))
	}
	respond(r.Context(), w, http.StatusOK, map[string]any{"alerts": resp, "total": len(resp)})
}

func (s *Server) handleDriftSummary(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	summary, err := s.drift.Summarize(r.Context(), p.ProjectID)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toDriftSummaryResponse(summary))
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	a, err := s.drift.Resolve(r.Context(), p.ProjectID, mux.Vars(r)["alert_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	s.hub.Broadcast(r.Context(), p.ProjectID, hub.Message{
		Type: hub.EventDriftResolved,
		Data: map[string]any{"alert_id": a.ID},
	})
	respond(r.Context(), w, http.StatusOK, toDriftAlertResponse(a))
}

// --- notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	p := principalFrom(r.Context())
	ns, err := s.notify.List(r.Context(), p.ProjectID, notify.ListParams{
		UnreadOnly: boolQuery(r, "unread_only"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	resp := make([]notificationResponse, 0, len(ns))
	for _, n := range ns {
		resp = append(resp, toNotificationResponse(n))
	}
	respond(r.Context(), w, http.StatusOK, map[string]any{"notifications": resp})
}

func (s *Server) handleNotificationCount(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n, err := s.notify.UnreadCount(r.Context(), p.ProjectID)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n, err := s.notify.MarkAllRead(r.Context(), p.ProjectID)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, map[string]int{"marked_read": n})
}

func (s *Server) handleReadOne(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n, err := s.notify.MarkRead(r.Context(), p.ProjectID, mux.Vars(r)["notification_id"])
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, toNotificationResponse(n))
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	u, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusCreated, toUserResponse(u))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		renderError(r.Context(), w, err)
		return
	}
	token, expiresAt, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		renderError(r.Context(), w, err)
		return
	}
	respond(r.Context(), w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt})
}

// --- health / websocket ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(r.Context(), w, http.StatusServiceUnavailable, "storage unavailable", nil)
		return
	}
	respond(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleWS authenticates via the token query parameter. An invalid token
// closes the socket with code 4001 after the upgrade, matching how browser
// clients observe websocket auth failures.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	p, rerr := s.auth.Resolve(r.Context(), token)
	if rerr != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "Invalid token"), deadline)
		conn.Close()
		return
	}
	log.Info(r.Context(), log.KV{K: "msg", V: "websocket connected"},
		log.KV{K: "project_id", V: p.ProjectID})
	s.hub.Serve(r.Context(), p.ProjectID, conn)
}
