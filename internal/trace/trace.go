// Package trace implements span ingestion and trace querying. Ingest
// assembles producer-supplied span batches into traces; the query side
// serves the dashboard's list, detail, patch and event operations, always
// scoped to the caller's project.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// Field length bounds for producer-supplied values.
const (
	maxIDLen   = 128
	maxNameLen = 512
	maxEvtLen  = 256
	maxLimit   = 200
)

var (
	validKinds    = map[string]bool{"llm": true, "tool": true, "chain": true, "retriever": true, "agent": true, "custom": true}
	validStatuses = map[string]bool{"ok": true, "error": true, "unset": true}
)

type (
	// SpanInput is one producer-supplied span in an ingest batch.
	SpanInput struct {
		SpanID       string
		TraceID      string
		ParentSpanID string
		Name         string
		Kind         string
		Status       string
		Input        map[string]any
		Output       map[string]any
		Metadata     map[string]any
		Events       []store.SpanEvent
		StartTime    *time.Time
		EndTime      *time.Time
	}

	// Batch is one ingest request: a non-empty ordered span sequence plus
	// optional trace attributes.
	Batch struct {
		TraceName     string
		TraceMetadata map[string]any
		ExternalID    string
		ProjectID     string
		Spans         []SpanInput
	}

	// TraceDetail is a trace with its spans eagerly loaded.
	TraceDetail struct {
		Trace store.Trace
		Spans []store.Span
	}

	// ListParams narrows and pages a trace listing.
	ListParams struct {
		Status    string
		StartDate *time.Time
		EndDate   *time.Time
		Offset    int
		Limit     int
	}

	// SpanListParams narrows and pages a span listing.
	SpanListParams struct {
		Kind    string
		Status  string
		TraceID string
		Offset  int
		Limit   int
	}

	// Service implements ingestion and querying on top of a Store.
	Service struct {
		store store.Store
		now   func() time.Time
	}
)

// NewService builds a trace service.
func NewService(st store.Store) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Service{store: st, now: time.Now}, nil
}

// newHexID returns a 32-char lowercase hex identifier, the same shape
// producers use for trace ids.
func newHexID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func validateSpan(i int, sp SpanInput) error {
	if sp.SpanID == "" || len(sp.SpanID) > maxIDLen {
		return vigilerr.Validation("span %d: span_id must be 1-%d characters", i, maxIDLen)
	}
	if len(sp.TraceID) > maxIDLen {
		return vigilerr.Validation("span %d: trace_id must be at most %d characters", i, maxIDLen)
	}
	if len(sp.Name) > maxNameLen {
		return vigilerr.Validation("span %d: name must be at most %d characters", i, maxNameLen)
	}
	if sp.Kind != "" && !validKinds[sp.Kind] {
		return vigilerr.Validation("span %d: invalid kind %q", i, sp.Kind)
	}
	if sp.Status != "" && !validStatuses[sp.Status] {
		return vigilerr.Validation("span %d: invalid status %q", i, sp.Status)
	}
	return nil
}

// Ingest validates and stores one span batch atomically. The trace id comes
// from the first span, or a fresh hex uuid when empty. The trace's project is
// the caller's, falling back to the batch-supplied project and then
// "default". Returns the trace id and the number of spans inserted.
func (s *Service) Ingest(ctx context.Context, callerProject string, b Batch) (string, int, error) {
	if len(b.Spans) == 0 {
		return "", 0, vigilerr.Validation("spans must not be empty")
	}
	if len(b.TraceName) > maxNameLen {
		return "", 0, vigilerr.Validation("trace_name must be at most %d characters", maxNameLen)
	}
	for i, sp := range b.Spans {
		if err := validateSpan(i, sp); err != nil {
			return "", 0, err
		}
	}

	traceID := b.Spans[0].TraceID
	if traceID == "" {
		traceID = newHexID()
	}
	projectID := callerProject
	if projectID == "" {
		projectID = b.ProjectID
	}
	if projectID == "" {
		projectID = "default"
	}

	now := s.now().UTC()
	t := store.Trace{
		ID:         traceID,
		ProjectID:  projectID,
		Name:       b.TraceName,
		Status:     "unset",
		ExternalID: b.ExternalID,
		Metadata:   b.TraceMetadata,
		CreatedAt:  now,
	}
	spans := make([]store.Span, len(b.Spans))
	for i, in := range b.Spans {
		kind, status := in.Kind, in.Status
		if kind == "" {
			kind = "custom"
		}
		if status == "" {
			status = "unset"
		}
		spans[i] = store.Span{
			ID:           in.SpanID,
			TraceID:      traceID,
			ParentSpanID: in.ParentSpanID,
			Name:         in.Name,
			Kind:         kind,
			Status:       status,
			Input:        in.Input,
			Output:       in.Output,
			Metadata:     in.Metadata,
			Events:       in.Events,
			StartTime:    in.StartTime,
			EndTime:      in.EndTime,
			CreatedAt:    now,
		}
	}
	if err := s.store.IngestBatch(ctx, t, spans); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", 0, vigilerr.Conflict("external_id %q is already in use", b.ExternalID)
		}
		return "", 0, vigilerr.Internal("failed to ingest batch", err)
	}
	return traceID, len(spans), nil
}

func validateLimit(limit int) error {
	if limit < 1 || limit > maxLimit {
		return vigilerr.Validation("limit must be between 1 and %d", maxLimit)
	}
	return nil
}

// List returns one page of the project's traces, newest first, plus the
// total matching count.
func (s *Service) List(ctx context.Context, projectID string, p ListParams) ([]store.Trace, int, error) {
	if err := validateLimit(p.Limit); err != nil {
		return nil, 0, err
	}
	if p.Offset < 0 {
		return nil, 0, vigilerr.Validation("offset must not be negative")
	}
	traces, total, err := s.store.ListTraces(ctx, store.TraceFilter{
		ProjectID: projectID,
		Status:    p.Status,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		Offset:    p.Offset,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, 0, vigilerr.Internal("failed to list traces", err)
	}
	return traces, total, nil
}

// getOwned loads a trace and enforces project ownership. A trace in another
// project is indistinguishable from a missing one.
func (s *Service) getOwned(ctx context.Context, projectID, id string) (store.Trace, error) {
	t, err := s.store.GetTrace(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Trace{}, vigilerr.NotFound("trace", id)
		}
		return store.Trace{}, vigilerr.Internal("failed to load trace", err)
	}
	if t.ProjectID != projectID {
		return store.Trace{}, vigilerr.NotFound("trace", id)
	}
	return t, nil
}

// Get returns a trace with all spans loaded.
func (s *Service) Get(ctx context.Context, projectID, id string) (TraceDetail, error) {
	t, err := s.getOwned(ctx, projectID, id)
	if err != nil {
		return TraceDetail{}, err
	}
	spans, err := s.store.GetTraceSpans(ctx, id)
	if err != nil {
		return TraceDetail{}, vigilerr.Internal("failed to load spans", err)
	}
	return TraceDetail{Trace: t, Spans: spans}, nil
}

// Patch sets the trace status and/or merges metadata keys additively.
func (s *Service) Patch(ctx context.Context, projectID, id, status string, metadata map[string]any) (store.Trace, error) {
	if status != "" && !validStatuses[status] {
		return store.Trace{}, vigilerr.Validation("invalid status %q", status)
	}
	if _, err := s.getOwned(ctx, projectID, id); err != nil {
		return store.Trace{}, err
	}
	t, err := s.store.UpdateTrace(ctx, id, status, metadata)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Trace{}, vigilerr.NotFound("trace", id)
		}
		return store.Trace{}, vigilerr.Internal("failed to update trace", err)
	}
	return t, nil
}

// ListSpans returns one page of the project's spans.
func (s *Service) ListSpans(ctx context.Context, projectID string, p SpanListParams) ([]store.Span, int, error) {
	if err := validateLimit(p.Limit); err != nil {
		return nil, 0, err
	}
	if p.Offset < 0 {
		return nil, 0, vigilerr.Validation("offset must not be negative")
	}
	if p.Kind != "" && !validKinds[p.Kind] {
		return nil, 0, vigilerr.Validation("invalid kind %q", p.Kind)
	}
	if p.Status != "" && !validStatuses[p.Status] {
		return nil, 0, vigilerr.Validation("invalid status %q", p.Status)
	}
	spans, total, err := s.store.ListSpans(ctx, store.SpanFilter{
		ProjectID: projectID,
		Kind:      p.Kind,
		Status:    p.Status,
		TraceID:   p.TraceID,
		Offset:    p.Offset,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, 0, vigilerr.Internal("failed to list spans", err)
	}
	return spans, total, nil
}

// AppendEvent appends a named event to a span, stamped with the server
// clock. 404 when the trace or span is missing.
func (s *Service) AppendEvent(ctx context.Context, projectID, traceID, spanID, name string, attributes map[string]any) (store.SpanEvent, error) {
	if name == "" || len(name) > maxEvtLen {
		return store.SpanEvent{}, vigilerr.Validation("event name must be 1-%d characters", maxEvtLen)
	}
	if _, err := s.getOwned(ctx, projectID, traceID); err != nil {
		return store.SpanEvent{}, err
	}
	ev := store.SpanEvent{Name: name, Timestamp: s.now().UTC(), Attributes: attributes}
	if err := s.store.AppendSpanEvent(ctx, traceID, spanID, ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.SpanEvent{}, vigilerr.NotFound("span", spanID)
		}
		return store.SpanEvent{}, vigilerr.Internal("failed to append event", err)
	}
	return ev, nil
}
