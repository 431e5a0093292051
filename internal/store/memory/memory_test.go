package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/vigil/internal/store"
)

func TestIngestBatchUpsertsTrace(t *testing.T) {
	s := New()
	ctx := context.Background()

	tr := store.Trace{ID: "t1", ProjectID: "p1", Status: "unset", CreatedAt: time.Now()}
	require.NoError(t, s.IngestBatch(ctx, tr, []store.Span{{ID: "s1", TraceID: "t1"}}))

	// Second batch for the same trace appends spans and updates the name.
	tr.Name = "pipeline"
	require.NoError(t, s.IngestBatch(ctx, tr, []store.Span{{ID: "s2", TraceID: "t1"}}))

	got, err := s.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Name)
	assert.Equal(t, 2, got.SpanCount)

	// An empty name does not clobber the stored one.
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1"}, nil))
	got, err = s.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Name)

	_, total, err := s.ListTraces(ctx, store.TraceFilter{ProjectID: "p1", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestExternalIDUniqueAcrossTraces(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1", ProjectID: "p1", ExternalID: "run-7"}, nil))

	// A new trace claiming the same external id conflicts; re-ingesting the
	// owning trace does not.
	err := s.IngestBatch(ctx, store.Trace{ID: "t2", ProjectID: "p1", ExternalID: "run-7"}, nil)
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1", ProjectID: "p1", ExternalID: "run-7"}, nil))

	err = s.CreateTrace(ctx, store.Trace{ID: "t3", ExternalID: "run-7"})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Empty external ids never collide.
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t4", ProjectID: "p1"}, nil))
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t5", ProjectID: "p1"}, nil))
}

func TestListTracesNewestFirstWithPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: id, ProjectID: "p1"}, nil))
	}

	page1, total, err := s.ListTraces(ctx, store.TraceFilter{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "t4", page1[0].ID)
	assert.Equal(t, "t3", page1[1].ID)

	page3, total, err := s.ListTraces(ctx, store.TraceFilter{ProjectID: "p1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page3, 1)
	assert.Equal(t, "t0", page3[0].ID)

	none, _, err := s.ListTraces(ctx, store.TraceFilter{ProjectID: "p1", Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateTraceMergesMetadata(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.IngestBatch(ctx, store.Trace{
		ID: "t1", ProjectID: "p1", Status: "unset",
		Metadata: map[string]any{"env": "prod", "version": "1"},
	}, nil))

	got, err := s.UpdateTrace(ctx, "t1", "ok", map[string]any{"version": "2", "region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, map[string]any{"env": "prod", "version": "2", "region": "eu"}, got.Metadata)

	// Empty status leaves the stored one alone.
	got, err = s.UpdateTrace(ctx, "t1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Status)

	_, err = s.UpdateTrace(ctx, "missing", "ok", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendSpanEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1", ProjectID: "p1"},
		[]store.Span{{ID: "s1", TraceID: "t1"}}))

	ev := store.SpanEvent{Name: "retry", Timestamp: time.Now()}
	require.NoError(t, s.AppendSpanEvent(ctx, "t1", "s1", ev))

	spans, err := s.GetTraceSpans(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "retry", spans[0].Events[0].Name)

	assert.ErrorIs(t, s.AppendSpanEvent(ctx, "t1", "nope", ev), store.ErrNotFound)
	assert.ErrorIs(t, s.AppendSpanEvent(ctx, "nope", "s1", ev), store.ErrNotFound)
}

func TestListSpansScopesToProject(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1", ProjectID: "p1"},
		[]store.Span{{ID: "s1", TraceID: "t1", Kind: "llm", Status: "ok"}}))
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t2", ProjectID: "p2"},
		[]store.Span{{ID: "s2", TraceID: "t2", Kind: "llm", Status: "ok"}}))

	spans, total, err := s.ListSpans(ctx, store.SpanFilter{ProjectID: "p1", Kind: "llm", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, spans, 1)
	assert.Equal(t, "s1", spans[0].ID)
}

func TestRotateAPIKeyLeavesOneActive(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAPIKey(ctx, store.APIKey{ID: "k1", ProjectID: "p1", Key: "vgl_one", Active: true}))

	require.NoError(t, s.RotateAPIKey(ctx, "p1", store.APIKey{ID: "k2", ProjectID: "p1", Key: "vgl_two", Active: true}))

	_, err := s.GetActiveAPIKey(ctx, "vgl_one")
	assert.ErrorIs(t, err, store.ErrNotFound)
	k, err := s.GetActiveAPIKey(ctx, "vgl_two")
	require.NoError(t, err)
	assert.Equal(t, "p1", k.ProjectID)

	// Duplicate bearer strings are rejected.
	assert.ErrorIs(t, s.CreateAPIKey(ctx, store.APIKey{ID: "k3", Key: "vgl_two"}), store.ErrConflict)
}

func TestCreateUserCaseInsensitiveConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, store.User{ID: "u1", Email: "Dev@Example.com", Active: true}))
	assert.ErrorIs(t, s.CreateUser(ctx, store.User{ID: "u2", Email: "dev@example.COM"}), store.ErrConflict)

	u, err := s.GetUserByEmail(ctx, "DEV@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestTransitionReplayRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateReplayRun(ctx, store.ReplayRun{ID: "r1", Status: "estimating"}))

	r, err := s.TransitionReplayRun(ctx, "r1", []string{"estimating"}, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", r.Status)

	// Already moved: the same edge no longer applies.
	_, err = s.TransitionReplayRun(ctx, "r1", []string{"estimating"}, "confirmed")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.TransitionReplayRun(ctx, "missing", []string{"estimating"}, "confirmed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailStuckReplayRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	for id, status := range map[string]string{
		"r1": "running", "r2": "confirmed", "r3": "completed", "r4": "estimating",
	} {
		require.NoError(t, s.CreateReplayRun(ctx, store.ReplayRun{ID: id, Status: status}))
	}

	n, err := s.FailStuckReplayRuns(ctx, "restart")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"r1", "r2"} {
		r, err := s.GetReplayRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "failed", r.Status)
		assert.Equal(t, "restart", r.ErrorMessage)
	}
	r, err := s.GetReplayRun(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, "completed", r.Status)
	r, err = s.GetReplayRun(ctx, "r4")
	require.NoError(t, err)
	assert.Equal(t, "estimating", r.Status)
}

func TestNotifications(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateNotification(ctx, store.Notification{
			ID: fmt.Sprintf("n%d", i), ProjectID: "p1", Type: "drift_alert",
		}))
	}
	require.NoError(t, s.CreateNotification(ctx, store.Notification{ID: "other", ProjectID: "p2"}))

	count, err := s.UnreadNotificationCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// A foreign project id does not match and does not mutate.
	_, err = s.MarkNotificationRead(ctx, "p2", "n0")
	assert.ErrorIs(t, err, store.ErrNotFound)
	count, err = s.UnreadNotificationCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Marking read is idempotent.
	n, err := s.MarkNotificationRead(ctx, "p1", "n0")
	require.NoError(t, err)
	assert.True(t, n.Read)
	n, err = s.MarkNotificationRead(ctx, "p1", "n0")
	require.NoError(t, err)
	assert.True(t, n.Read)

	unread, err := s.ListNotifications(ctx, "p1", true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	changed, err := s.MarkAllNotificationsRead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	count, err = s.UnreadNotificationCount(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, count)

	// The other project is untouched.
	count, err = s.UnreadNotificationCount(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLatencySamplesSkipUntimedSpans(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	start := now.Add(-time.Minute)
	end := now
	require.NoError(t, s.IngestBatch(ctx, store.Trace{ID: "t1", ProjectID: "p1"}, []store.Span{
		{ID: "timed", TraceID: "t1", Kind: "llm", StartTime: &start, EndTime: &end},
		{ID: "untimed", TraceID: "t1", Kind: "llm"},
	}))

	samples, err := s.LatencySamples(ctx, "p1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "llm", samples[0].Kind)

	// Nothing before the window.
	samples, err = s.LatencySamples(ctx, "p1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, samples)
}
