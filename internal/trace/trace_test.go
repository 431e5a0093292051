package trace

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/vigil/internal/store/memory"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

func errStatus(t *testing.T, err error) int {
	t.Helper()
	ve, ok := vigilerr.As(err)
	require.True(t, ok, "expected *vigilerr.Error, got %v", err)
	return ve.Status
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc, err := NewService(st)
	require.NoError(t, err)
	return svc, st
}

func TestIngestGeneratesTraceID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, n, err := svc.Ingest(ctx, "p1", Batch{Spans: []SpanInput{{SpanID: "s1"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, id, 32)

	// A producer-supplied trace id wins.
	id, _, err = svc.Ingest(ctx, "p1", Batch{Spans: []SpanInput{{SpanID: "s2", TraceID: "abc123"}}})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestIngestDefaultsAndProjectFallback(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	id, _, err := svc.Ingest(ctx, "", Batch{
		TraceName: "run",
		ProjectID: "from-batch",
		Spans:     []SpanInput{{SpanID: "s1"}},
	})
	require.NoError(t, err)
	tr, err := st.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "from-batch", tr.ProjectID)
	assert.Equal(t, "unset", tr.Status)

	id, _, err = svc.Ingest(ctx, "", Batch{Spans: []SpanInput{{SpanID: "s2"}}})
	require.NoError(t, err)
	tr, err = st.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "default", tr.ProjectID)

	// Missing kind and status get defaults.
	spans, err := st.GetTraceSpans(ctx, id)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "custom", spans[0].Kind)
	assert.Equal(t, "unset", spans[0].Status)
}

func TestIngestRejectsDuplicateExternalID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Ingest(ctx, "p1", Batch{
		ExternalID: "run-7",
		Spans:      []SpanInput{{SpanID: "s1", TraceID: "t1"}},
	})
	require.NoError(t, err)

	_, _, err = svc.Ingest(ctx, "p1", Batch{
		ExternalID: "run-7",
		Spans:      []SpanInput{{SpanID: "s2", TraceID: "t2"}},
	})
	assert.Equal(t, 409, errStatus(t, err))
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		batch Batch
	}{
		{"empty batch", Batch{}},
		{"missing span id", Batch{Spans: []SpanInput{{}}}},
		{"span id too long", Batch{Spans: []SpanInput{{SpanID: strings.Repeat("x", 129)}}}},
		{"bad kind", Batch{Spans: []SpanInput{{SpanID: "s1", Kind: "database"}}}},
		{"bad status", Batch{Spans: []SpanInput{{SpanID: "s1", Status: "pending"}}}},
		{"trace name too long", Batch{TraceName: strings.Repeat("x", 513), Spans: []SpanInput{{SpanID: "s1"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Ingest(ctx, "p1", tc.batch)
			assert.Equal(t, 422, errStatus(t, err))
		})
	}
}

func TestListLimitBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, limit := range []int{0, -1, 201} {
		_, _, err := svc.List(ctx, "p1", ListParams{Limit: limit})
		assert.Equal(t, 422, errStatus(t, err), "limit %d", limit)
	}
	_, _, err := svc.List(ctx, "p1", ListParams{Limit: 10, Offset: -1})
	assert.Equal(t, 422, errStatus(t, err))
}

func TestGetScopesToProject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id, _, err := svc.Ingest(ctx, "p1", Batch{Spans: []SpanInput{{SpanID: "s1"}}})
	require.NoError(t, err)

	detail, err := svc.Get(ctx, "p1", id)
	require.NoError(t, err)
	assert.Len(t, detail.Spans, 1)

	// Another project's caller sees a 404, not a 403.
	_, err = svc.Get(ctx, "p2", id)
	assert.Equal(t, 404, errStatus(t, err))
	_, err = svc.Get(ctx, "p1", "missing")
	assert.Equal(t, 404, errStatus(t, err))
}

func TestPatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id, _, err := svc.Ingest(ctx, "p1", Batch{
		TraceMetadata: map[string]any{"env": "prod"},
		Spans:         []SpanInput{{SpanID: "s1"}},
	})
	require.NoError(t, err)

	tr, err := svc.Patch(ctx, "p1", id, "ok", map[string]any{"rerun": true})
	require.NoError(t, err)
	assert.Equal(t, "ok", tr.Status)
	assert.Equal(t, map[string]any{"env": "prod", "rerun": true}, tr.Metadata)

	_, err = svc.Patch(ctx, "p1", id, "bogus", nil)
	assert.Equal(t, 422, errStatus(t, err))
	_, err = svc.Patch(ctx, "p2", id, "ok", nil)
	assert.Equal(t, 404, errStatus(t, err))
}

func TestListSpansValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.ListSpans(ctx, "p1", SpanListParams{Limit: 10, Kind: "bogus"})
	assert.Equal(t, 422, errStatus(t, err))
	_, _, err = svc.ListSpans(ctx, "p1", SpanListParams{Limit: 10, Status: "bogus"})
	assert.Equal(t, 422, errStatus(t, err))

	id, _, err := svc.Ingest(ctx, "p1", Batch{Spans: []SpanInput{
		{SpanID: "s1", Kind: "llm", Status: "ok"},
		{SpanID: "s2", Kind: "tool", Status: "ok"},
	}})
	require.NoError(t, err)

	spans, total, err := svc.ListSpans(ctx, "p1", SpanListParams{Limit: 10, Kind: "llm", TraceID: id})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, spans, 1)
	assert.Equal(t, "s1", spans[0].ID)
}

func TestAppendEvent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id, _, err := svc.Ingest(ctx, "p1", Batch{Spans: []SpanInput{{SpanID: "s1"}}})
	require.NoError(t, err)

	ev, err := svc.AppendEvent(ctx, "p1", id, "s1", "cache_hit", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "cache_hit", ev.Name)
	assert.False(t, ev.Timestamp.IsZero())

	spans, err := st.GetTraceSpans(ctx, id)
	require.NoError(t, err)
	require.Len(t, spans[0].Events, 1)

	_, err = svc.AppendEvent(ctx, "p1", id, "s1", "", nil)
	assert.Equal(t, 422, errStatus(t, err))
	_, err = svc.AppendEvent(ctx, "p1", id, "missing", "x", nil)
	assert.Equal(t, 404, errStatus(t, err))
	_, err = svc.AppendEvent(ctx, "p2", id, "s1", "x", nil)
	assert.Equal(t, 404, errStatus(t, err))
}
