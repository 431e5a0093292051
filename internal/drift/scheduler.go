package drift

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/hub"
	"github.com/linnemanlabs/vigil/internal/notify"
	"github.com/linnemanlabs/vigil/internal/store"
)

// TickInterval is how often the scheduler wakes up to look for due projects.
// Each project then runs at its own configured interval.
const TickInterval = 30 * time.Second

// Scheduler periodically runs the detector for every project with drift
// checking enabled. One scheduler runs per process; ticks are serial, so a
// slow pass extends the interval rather than overlapping.
type Scheduler struct {
	store    store.Store
	detector *Detector
	notifier *notify.Service
	hub      *hub.Hub
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastCheck map[string]time.Time
}

// NewScheduler builds a Scheduler. The hub may be nil in tests.
func NewScheduler(st store.Store, detector *Detector, notifier *notify.Service, h *hub.Hub) (*Scheduler, error) {
	if st == nil || detector == nil || notifier == nil {
		return nil, fmt.Errorf("store, detector and notifier are required")
	}
	return &Scheduler{
		store:     st,
		detector:  detector,
		notifier:  notifier,
		hub:       h,
		interval:  TickInterval,
		now:       time.Now,
		lastCheck: make(map[string]time.Time),
	}, nil
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	log.Info(ctx, log.KV{K: "msg", V: "drift scheduler started"})
}

// Stop cancels the loop and waits for it to exit. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkProjects(ctx)
		}
	}
}

// checkProjects runs the detector for every due project. lastCheck is
// stamped before the run so a failing project cannot starve its schedule.
func (s *Scheduler) checkProjects(ctx context.Context) {
	settings, err := s.store.ListDriftEnabledSettings(ctx)
	if err != nil {
		log.Errorf(ctx, err, "list drift-enabled settings")
		return
	}
	now := s.now().UTC()
	for _, ps := range settings {
		interval := time.Duration(ps.DriftCheckIntervalMinutes) * time.Minute
		if last, ok := s.lastCheck[ps.ProjectID]; ok && now.Sub(last) < interval {
			continue
		}
		s.lastCheck[ps.ProjectID] = now
		if err := s.runCheck(ctx, ps.ProjectID); err != nil {
			log.Errorf(ctx, err, "drift check failed for project %s", ps.ProjectID)
		}
	}
}

func (s *Scheduler) runCheck(ctx context.Context, projectID string) error {
	alerts, err := s.detector.Detect(ctx, projectID)
	if err != nil {
		return err
	}
	for _, alert := range alerts {
		title := fmt.Sprintf("Drift detected in %s spans", alert.SpanKind)
		body := fmt.Sprintf("PSI score: %.3f, severity: %s", alert.PSIScore, alert.Severity)
		if _, err := s.notifier.Create(ctx, projectID, notify.TypeDriftAlert, title, body, alert.ID); err != nil {
			log.Errorf(ctx, err, "create drift notification")
		}
		if s.hub != nil {
			s.hub.Broadcast(ctx, projectID, hub.Message{
				Type: hub.EventDriftAlert,
				Data: map[string]any{
					"alert_id":  alert.ID,
					"span_kind": alert.SpanKind,
					"psi_score": alert.PSIScore,
					"severity":  alert.Severity,
				},
			})
		}
	}
	if len(alerts) > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "drift check created alerts"},
			log.KV{K: "project_id", V: projectID}, log.KV{K: "alerts", V: len(alerts)})
	}
	return nil
}
