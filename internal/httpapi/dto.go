package httpapi

import (
	"time"

	"github.com/linnemanlabs/vigil/internal/drift"
	"github.com/linnemanlabs/vigil/internal/project"
	"github.com/linnemanlabs/vigil/internal/replay"
	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/trace"
)

// Request bodies.
type (
	spanIngest struct {
		SpanID       string            `json:"span_id"`
		TraceID      string            `json:"trace_id"`
		ParentSpanID string            `json:"parent_span_id"`
		Name         string            `json:"name"`
		Kind         string            `json:"kind"`
		Status       string            `json:"status"`
		Input        map[string]any    `json:"input"`
		Output       map[string]any    `json:"output"`
		Metadata     map[string]any    `json:"metadata"`
		Events       []store.SpanEvent `json:"events"`
		StartTime    *time.Time        `json:"start_time"`
		EndTime      *time.Time        `json:"end_time"`
	}

	ingestRequest struct {
		Spans         []spanIngest   `json:"spans"`
		ProjectID     string         `json:"project_id"`
		TraceName     string         `json:"trace_name"`
		TraceMetadata map[string]any `json:"trace_metadata"`
		ExternalID    string         `json:"external_id"`
	}

	traceUpdateRequest struct {
		Status   string         `json:"status"`
		Metadata map[string]any `json:"metadata"`
	}

	eventAppendRequest struct {
		Name       string         `json:"name"`
		Attributes map[string]any `json:"attributes"`
	}

	projectCreateRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	settingsUpdateRequest struct {
		OpenAIAPIKey              *string `json:"openai_api_key"`
		AnthropicAPIKey           *string `json:"anthropic_api_key"`
		DefaultOpenAIModel        *string `json:"default_openai_model"`
		DefaultAnthropicModel     *string `json:"default_anthropic_model"`
		DriftCheckIntervalMinutes *int    `json:"drift_check_interval_minutes"`
		DriftCheckEnabled         *bool   `json:"drift_check_enabled"`
	}

	replayRequest struct {
		Mutations map[string]any `json:"mutations"`
	}

	registerRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
)

// Response bodies.
type (
	ingestResponse struct {
		TraceID   string `json:"trace_id"`
		SpanCount int    `json:"span_count"`
	}

	spanResponse struct {
		ID           string            `json:"id"`
		TraceID      string            `json:"trace_id"`
		ParentSpanID string            `json:"parent_span_id,omitempty"`
		Name         string            `json:"name"`
		Kind         string            `json:"kind"`
		Status       string            `json:"status"`
		Input        map[string]any    `json:"input"`
		Output       map[string]any    `json:"output"`
		Metadata     map[string]any    `json:"metadata"`
		Events       []store.SpanEvent `json:"events"`
		StartTime    *time.Time        `json:"start_time"`
		EndTime      *time.Time        `json:"end_time"`
		CreatedAt    time.Time         `json:"created_at"`
	}

	traceResponse struct {
		ID         string         `json:"id"`
		ProjectID  string         `json:"project_id"`
		Name       string         `json:"name"`
		Status     string         `json:"status"`
		ExternalID string         `json:"external_id,omitempty"`
		Metadata   map[string]any `json:"metadata"`
		StartTime  *time.Time     `json:"start_time"`
		EndTime    *time.Time     `json:"end_time"`
		CreatedAt  time.Time      `json:"created_at"`
		SpanCount  int            `json:"span_count"`
		Spans      []spanResponse `json:"spans,omitempty"`
	}

	traceListResponse struct {
		Traces []traceResponse `json:"traces"`
		Total  int             `json:"total"`
		Offset int             `json:"offset"`
		Limit  int             `json:"limit"`
	}

	spanListResponse struct {
		Spans  []spanResponse `json:"spans"`
		Total  int            `json:"total"`
		Offset int            `json:"offset"`
		Limit  int            `json:"limit"`
	}

	eventResponse struct {
		Name       string         `json:"name"`
		Timestamp  time.Time      `json:"timestamp"`
		Attributes map[string]any `json:"attributes"`
	}

	apiKeyResponse struct {
		ID        string    `json:"id"`
		Key       string    `json:"key"`
		Name      string    `json:"name"`
		IsActive  bool      `json:"is_active"`
		CreatedAt time.Time `json:"created_at"`
	}

	projectResponse struct {
		ID          string           `json:"id"`
		Name        string           `json:"name"`
		Description string           `json:"description"`
		CreatedAt   time.Time        `json:"created_at"`
		APIKeys     []apiKeyResponse `json:"api_keys,omitempty"`
	}

	projectListResponse struct {
		Projects []projectResponse `json:"projects"`
		Total    int               `json:"total"`
	}

	settingsResponse struct {
		ID                        string    `json:"id"`
		ProjectID                 string    `json:"project_id"`
		OpenAIAPIKeySet           bool      `json:"openai_api_key_set"`
		OpenAIAPIKeyMasked        string    `json:"openai_api_key_masked,omitempty"`
		AnthropicAPIKeySet        bool      `json:"anthropic_api_key_set"`
		AnthropicAPIKeyMasked     string    `json:"anthropic_api_key_masked,omitempty"`
		DefaultOpenAIModel        string    `json:"default_openai_model"`
		DefaultAnthropicModel     string    `json:"default_anthropic_model"`
		DriftCheckIntervalMinutes int       `json:"drift_check_interval_minutes"`
		DriftCheckEnabled         bool      `json:"drift_check_enabled"`
		CreatedAt                 time.Time `json:"created_at"`
		UpdatedAt                 time.Time `json:"updated_at"`
	}

	estimateResponse struct {
		ReplayRunID     string                   `json:"replay_run_id"`
		OriginalTraceID string                   `json:"original_trace_id"`
		Status          string                   `json:"status"`
		EstimatedCost   float64                  `json:"estimated_cost_usd"`
		LLMSpanCount    int                      `json:"llm_spans_count"`
		LLMSpans        []replay.LLMSpanEstimate `json:"llm_spans"`
	}

	replayRunResponse struct {
		ID              string    `json:"id"`
		OriginalTraceID string    `json:"original_trace_id"`
		ProjectID       string    `json:"project_id"`
		Status          string    `json:"status"`
		ResultTraceID   string    `json:"result_trace_id,omitempty"`
		EstimatedCost   float64   `json:"estimated_cost_usd"`
		ActualCost      float64   `json:"actual_cost_usd"`
		LLMSpanCount    int       `json:"llm_spans_count"`
		ErrorMessage    string    `json:"error_message,omitempty"`
		CreatedAt       time.Time `json:"created_at"`
	}

	diffResponse struct {
		OriginalTraceID string         `json:"original_trace_id"`
		ReplayRunID     string         `json:"replay_run_id"`
		Mutations       map[string]any `json:"mutations"`
		Diffs           []any          `json:"diffs"`
	}

	driftAlertResponse struct {
		ID            string    `json:"id"`
		ProjectID     string    `json:"project_id"`
		SpanKind      string    `json:"span_kind"`
		MetricName    string    `json:"metric_name"`
		BaselineValue float64   `json:"baseline_value"`
		CurrentValue  float64   `json:"current_value"`
		PSIScore      float64   `json:"psi_score"`
		Severity      string    `json:"severity"`
		Resolved      bool      `json:"resolved"`
		CreatedAt     time.Time `json:"created_at"`
	}

	driftSummaryResponse struct {
		TotalAlerts  int                  `json:"total_alerts"`
		Unresolved   int                  `json:"unresolved"`
		BySeverity   map[string]int       `json:"by_severity"`
		RecentAlerts []driftAlertResponse `json:"recent_alerts"`
	}

	notificationResponse struct {
		ID          string    `json:"id"`
		ProjectID   string    `json:"project_id"`
		Type        string    `json:"type"`
		Title       string    `json:"title"`
		Body        string    `json:"body"`
		ReferenceID string    `json:"reference_id,omitempty"`
		Read        bool      `json:"read"`
		CreatedAt   time.Time `json:"created_at"`
	}

	userResponse struct {
		ID        string    `json:"id"`
		Email     string    `json:"email"`
		IsActive  bool      `json:"is_active"`
		CreatedAt time.Time `json:"created_at"`
	}

	tokenResponse struct {
		AccessToken string    `json:"access_token"`
		TokenType   string    `json:"token_type"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
)

func toSpanResponse(sp store.Span) spanResponse {
	return spanResponse{
		ID:           sp.ID,
		TraceID:      sp.TraceID,
		ParentSpanID: sp.ParentSpanID,
		Name:         sp.Name,
		Kind:         sp.Kind,
		Status:       sp.Status,
		Input:        sp.Input,
		Output:       sp.Output,
		Metadata:     sp.Metadata,
		Events:       sp.Events,
		StartTime:    sp.StartTime,
		EndTime:      sp.EndTime,
		CreatedAt:    sp.CreatedAt,
	}
}

func toTraceResponse(t store.Trace, spans []store.Span) traceResponse {
	resp := traceResponse{
		ID:         t.ID,
		ProjectID:  t.ProjectID,
		Name:       t.Name,
		Status:     t.Status,
		ExternalID: t.ExternalID,
		Metadata:   t.Metadata,
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		CreatedAt:  t.CreatedAt,
		SpanCount:  t.SpanCount,
	}
	for _, sp := range spans {
		resp.Spans = append(resp.Spans, toSpanResponse(sp))
	}
	return resp
}

func toAPIKeyResponse(k store.APIKey) apiKeyResponse {
	return apiKeyResponse{ID: k.ID, Key: k.Key, Name: k.Name, IsActive: k.Active, CreatedAt: k.CreatedAt}
}

func toProjectResponse(p store.Project, keys ...store.APIKey) projectResponse {
	resp := projectResponse{ID: p.ID, Name: p.Name, Description: p.Description, CreatedAt: p.CreatedAt}
	for _, k := range keys {
		resp.APIKeys = append(resp.APIKeys, toAPIKeyResponse(k))
	}
	return resp
}

func toSettingsResponse(v project.SettingsView) settingsResponse {
	s := v.Settings
	return settingsResponse{
		ID:                        s.ID,
		ProjectID:                 s.ProjectID,
		OpenAIAPIKeySet:           v.OpenAIKeySet,
		OpenAIAPIKeyMasked:        v.OpenAIMasked,
		AnthropicAPIKeySet:        v.AnthropicKeySet,
		AnthropicAPIKeyMasked:     v.AnthropicMasked,
		DefaultOpenAIModel:        s.DefaultOpenAIModel,
		DefaultAnthropicModel:     s.DefaultAnthropicModel,
		DriftCheckIntervalMinutes: s.DriftCheckIntervalMinutes,
		DriftCheckEnabled:         s.DriftCheckEnabled,
		CreatedAt:                 s.CreatedAt,
		UpdatedAt:                 s.UpdatedAt,
	}
}

func toEstimateResponse(e replay.Estimate) estimateResponse {
	return estimateResponse{
		ReplayRunID:     e.ReplayRunID,
		OriginalTraceID: e.OriginalTraceID,
		Status:          e.Status,
		EstimatedCost:   e.EstimatedCost,
		LLMSpanCount:    e.LLMSpanCount,
		LLMSpans:        e.LLMSpans,
	}
}

func toReplayRunResponse(r store.ReplayRun) replayRunResponse {
	return replayRunResponse{
		ID:              r.ID,
		OriginalTraceID: r.OriginalTraceID,
		ProjectID:       r.ProjectID,
		Status:          r.Status,
		ResultTraceID:   r.ResultTraceID,
		EstimatedCost:   r.EstimatedCost,
		ActualCost:      r.ActualCost,
		LLMSpanCount:    r.LLMSpanCount,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
	}
}

func toDriftAlertResponse(a store.DriftAlert) driftAlertResponse {
	return driftAlertResponse{
		ID:            a.ID,
		ProjectID:     a.ProjectID,
		SpanKind:      a.SpanKind,
		MetricName:    a.MetricName,
		BaselineValue: a.BaselineValue,
		CurrentValue:  a.CurrentValue,
		PSIScore:      a.PSIScore,
		Severity:      a.Severity,
		Resolved:      a.Resolved,
		CreatedAt:     a.CreatedAt,
	}
}

func toDriftSummaryResponse(s drift.Summary) driftSummaryResponse {
	resp := driftSummaryResponse{
		TotalAlerts: s.TotalAlerts,
		Unresolved:  s.Unresolved,
		BySeverity:  s.BySeverity,
	}
	resp.RecentAlerts = make([]driftAlertResponse, 0, len(s.RecentAlerts))
	for _, a := range s.RecentAlerts {
		resp.RecentAlerts = append(resp.RecentAlerts, toDriftAlertResponse(a))
	}
	return resp
}

func toNotificationResponse(n store.Notification) notificationResponse {
	return notificationResponse{
		ID:          n.ID,
		ProjectID:   n.ProjectID,
		Type:        n.Type,
		Title:       n.Title,
		Body:        n.Body,
		ReferenceID: n.ReferenceID,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
}

func toUserResponse(u store.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, IsActive: u.Active, CreatedAt: u.CreatedAt}
}

func toSpanInputs(spans []spanIngest) []trace.SpanInput {
	out := make([]trace.SpanInput, len(spans))
	for i, sp := range spans {
		out[i] = trace.SpanInput{
			SpanID:       sp.SpanID,
			TraceID:      sp.TraceID,
			ParentSpanID: sp.ParentSpanID,
			Name:         sp.Name,
			Kind:         sp.Kind,
			Status:       sp.Status,
			Input:        sp.Input,
			Output:       sp.Output,
			Metadata:     sp.Metadata,
			Events:       sp.Events,
			StartTime:    sp.StartTime,
			EndTime:      sp.EndTime,
		}
	}
	return out
}
