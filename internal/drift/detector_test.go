package drift

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/store/memory"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

func errStatus(t *testing.T, err error) int {
	t.Helper()
	ve, ok := vigilerr.As(err)
	require.True(t, ok, "expected a vigilerr, got %v", err)
	return ve.Status
}

// seedSpans inserts n spans of the given kind whose latencies are latency
// seconds, starting at the given offset before now.
func seedSpans(t *testing.T, st store.Store, projectID, traceID, kind string, n int, latency float64, ago time.Duration, now time.Time) {
	t.Helper()
	spans := make([]store.Span, n)
	for i := range spans {
		start := now.Add(-ago).Add(time.Duration(i) * time.Second)
		end := start.Add(time.Duration(latency * float64(time.Second)))
		spans[i] = store.Span{
			ID:        fmt.Sprintf("%s-%s-%d-%d", traceID, kind, int(ago.Seconds()), i),
			TraceID:   traceID,
			Kind:      kind,
			Status:    "ok",
			StartTime: &start,
			EndTime:   &end,
			CreatedAt: now,
		}
	}
	err := st.IngestBatch(context.Background(), store.Trace{
		ID: traceID, ProjectID: projectID, Status: "unset", CreatedAt: now,
	}, spans)
	require.NoError(t, err)
}

func newTestDetector(t *testing.T, st store.Store, now time.Time) *Detector {
	t.Helper()
	d, err := NewDetector(st, DetectorOptions{Now: func() time.Time { return now }})
	require.NoError(t, err)
	return d
}

func TestDetectCreatesAlertOnShift(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()

	// Baseline around 1s over the last day, current window jumped to 5s.
	seedSpans(t, st, "p1", "t1", "llm", 20, 1.0, 10*time.Hour, now)
	seedSpans(t, st, "p1", "t1", "llm", 6, 5.0, 30*time.Minute, now)

	d := newTestDetector(t, st, now)
	alerts, err := d.Detect(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "llm", a.SpanKind)
	assert.Equal(t, "latency", a.MetricName)
	assert.Greater(t, a.PSIScore, 0.1)
	assert.Equal(t, SeverityFromPSI(a.PSIScore), a.Severity)
	assert.InDelta(t, 5.0, a.CurrentValue, 0.01)
	assert.False(t, a.Resolved)

	stored, err := st.ListDriftAlerts(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDetectSkipsSparseKinds(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()

	// Plenty of baseline but only 2 current samples: below the minimum.
	seedSpans(t, st, "p1", "t1", "tool", 20, 1.0, 10*time.Hour, now)
	seedSpans(t, st, "p1", "t1", "tool", 2, 9.0, 30*time.Minute, now)

	d := newTestDetector(t, st, now)
	alerts, err := d.Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetectNoAlertOnStableDistribution(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()

	seedSpans(t, st, "p1", "t1", "llm", 30, 1.0, 10*time.Hour, now)
	seedSpans(t, st, "p1", "t1", "llm", 8, 1.0, 30*time.Minute, now)

	d := newTestDetector(t, st, now)
	alerts, err := d.Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetectDiscardsNegativeLatencies(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()

	// End before start: clock skew, must be ignored rather than poison the
	// histogram.
	start := now.Add(-30 * time.Minute)
	end := start.Add(-2 * time.Second)
	err := st.IngestBatch(context.Background(), store.Trace{
		ID: "t1", ProjectID: "p1", Status: "unset", CreatedAt: now,
	}, []store.Span{{
		ID: "skewed", TraceID: "t1", Kind: "llm", Status: "ok",
		StartTime: &start, EndTime: &end, CreatedAt: now,
	}})
	require.NoError(t, err)

	d := newTestDetector(t, st, now)
	alerts, err := d.Detect(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestResolveIsMonotone(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()
	seedSpans(t, st, "p1", "t1", "llm", 20, 1.0, 10*time.Hour, now)
	seedSpans(t, st, "p1", "t1", "llm", 6, 5.0, 30*time.Minute, now)

	d := newTestDetector(t, st, now)
	alerts, err := d.Detect(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	resolved, err := d.Resolve(context.Background(), "p1", alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	// Resolving again stays resolved.
	again, err := d.Resolve(context.Background(), "p1", alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, again.Resolved)

	// Unresolved listing no longer includes it.
	open, err := d.Alerts(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveScopesToProject(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()
	require.NoError(t, st.CreateDriftAlert(context.Background(), store.DriftAlert{
		ID: "a1", ProjectID: "p2", SpanKind: "llm",
		MetricName: "latency", PSIScore: 0.3, Severity: "high", CreatedAt: now,
	}))

	d := newTestDetector(t, st, now)
	_, err := d.Resolve(context.Background(), "p1", "a1")
	assert.Equal(t, 404, errStatus(t, err))

	// The owning project's alert is untouched.
	alerts, err := st.ListDriftAlerts(context.Background(), "p2", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Resolved)
}

func TestSummarize(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateDriftAlert(context.Background(), store.DriftAlert{
			ID: fmt.Sprintf("a%d", i), ProjectID: "p1", SpanKind: "llm",
			MetricName: "latency", PSIScore: 0.3, Severity: "high", CreatedAt: now,
		}))
	}
	_, err := st.ResolveDriftAlert(context.Background(), "p1", "a0")
	require.NoError(t, err)

	d := newTestDetector(t, st, now)
	s, err := d.Summarize(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalAlerts)
	assert.Equal(t, 2, s.Unresolved)
	assert.Equal(t, map[string]int{"high": 2}, s.BySeverity)
	assert.Len(t, s.RecentAlerts, 3)
}
