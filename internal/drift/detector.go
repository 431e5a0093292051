// Package drift detects latency distribution shift per span kind using the
// Population Stability Index and runs the periodic check scheduler.
package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// Window defaults for the sampling policy.
const (
	DefaultBaselineHours = 24
	DefaultCurrentHours  = 1

	minBaselineSamples = 10
	minCurrentSamples  = 5
)

type (
	// Summary aggregates a project's alert history for the dashboard.
	Summary struct {
		TotalAlerts  int
		Unresolved   int
		BySeverity   map[string]int
		RecentAlerts []store.DriftAlert
	}

	// Detector computes drift alerts from stored span latencies.
	Detector struct {
		store         store.Store
		baselineHours int
		currentHours  int
		now           func() time.Time
	}

	// DetectorOptions overrides the sampling windows. Zero values select the
	// defaults.
	DetectorOptions struct {
		BaselineHours int
		CurrentHours  int
		Now           func() time.Time
	}
)

// NewDetector builds a Detector.
func NewDetector(st store.Store, opts DetectorOptions) (*Detector, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if opts.BaselineHours <= 0 {
		opts.BaselineHours = DefaultBaselineHours
	}
	if opts.CurrentHours <= 0 {
		opts.CurrentHours = DefaultCurrentHours
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		store:         st,
		baselineHours: opts.BaselineHours,
		currentHours:  opts.CurrentHours,
		now:           opts.Now,
	}, nil
}

// Detect compares the project's recent span latencies against the baseline
// window, grouped by span kind, and persists an alert for every kind whose
// PSI reaches the low threshold. Returns the created alerts.
//
// The current window is a subset of the baseline: samples from the last hour
// count on both sides. Spans without timing or with negative latency are
// skipped. A kind needs at least 10 baseline and 5 current samples to be
// evaluated.
func (d *Detector) Detect(ctx context.Context, projectID string) ([]store.DriftAlert, error) {
	now := d.now().UTC()
	baselineStart := now.Add(-time.Duration(d.baselineHours) * time.Hour)
	currentStart := now.Add(-time.Duration(d.currentHours) * time.Hour)

	samples, err := d.store.LatencySamples(ctx, projectID, baselineStart)
	if err != nil {
		return nil, fmt.Errorf("query latency samples: %w", err)
	}

	baseline := make(map[string][]float64)
	current := make(map[string][]float64)
	for _, s := range samples {
		latency := s.EndTime.Sub(s.StartTime).Seconds()
		if latency < 0 {
			continue
		}
		baseline[s.Kind] = append(baseline[s.Kind], latency)
		if !s.StartTime.Before(currentStart) {
			current[s.Kind] = append(current[s.Kind], latency)
		}
	}

	// Deterministic kind order keeps alert creation stable across runs.
	kinds := make([]string, 0, len(baseline))
	for kind := range baseline {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var alerts []store.DriftAlert
	for _, kind := range kinds {
		b, c := baseline[kind], current[kind]
		if len(b) < minBaselineSamples || len(c) < minCurrentSamples {
			continue
		}
		psi := ComputePSI(b, c)
		if psi < PSILow {
			continue
		}
		alert := store.DriftAlert{
			ID:            uuid.NewString(),
			ProjectID:     projectID,
			SpanKind:      kind,
			MetricName:    "latency",
			BaselineValue: mean(b),
			CurrentValue:  mean(c),
			PSIScore:      psi,
			Severity:      SeverityFromPSI(psi),
			CreatedAt:     now,
		}
		if err := d.store.CreateDriftAlert(ctx, alert); err != nil {
			return alerts, fmt.Errorf("save drift alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "drift detection finished"},
		log.KV{K: "project_id", V: projectID}, log.KV{K: "alerts", V: len(alerts)})
	return alerts, nil
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// Alerts returns the project's alerts, newest first.
func (d *Detector) Alerts(ctx context.Context, projectID string, includeResolved bool) ([]store.DriftAlert, error) {
	alerts, err := d.store.ListDriftAlerts(ctx, projectID, includeResolved)
	if err != nil {
		return nil, vigilerr.Internal("failed to list drift alerts", err)
	}
	return alerts, nil
}

// Resolve marks an alert resolved. Resolution is monotone. Alerts belonging
// to other projects are reported as not found without being modified.
func (d *Detector) Resolve(ctx context.Context, projectID, id string) (store.DriftAlert, error) {
	a, err := d.store.ResolveDriftAlert(ctx, projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.DriftAlert{}, vigilerr.NotFound("drift alert", id)
		}
		return store.DriftAlert{}, vigilerr.Internal("failed to resolve drift alert", err)
	}
	return a, nil
}

// Summarize aggregates the project's alert history: total count, unresolved
// count, unresolved counts by severity, and the ten most recent alerts.
func (d *Detector) Summarize(ctx context.Context, projectID string) (Summary, error) {
	all, err := d.store.ListDriftAlerts(ctx, projectID, true)
	if err != nil {
		return Summary{}, vigilerr.Internal("failed to list drift alerts", err)
	}
	s := Summary{TotalAlerts: len(all), BySeverity: make(map[string]int)}
	for _, a := range all {
		if !a.Resolved {
			s.Unresolved++
			s.BySeverity[a.Severity]++
		}
	}
	recent := all
	if len(recent) > 10 {
		recent = recent[:10]
	}
	s.RecentAlerts = recent
	return s, nil
}
