// Package memory provides an in-memory implementation of the Vigil store.
//
// It backs development runs without a database and the unit tests. Data does
// not survive a restart. All methods are safe for concurrent use.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/vigil/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	traces        map[string]*store.Trace
	traceOrder    []string
	spans         []*store.Span
	projects      map[string]*store.Project
	projectOrder  []string
	apiKeys       map[string]*store.APIKey // by bearer string
	settings      map[string]*store.ProjectSettings
	users         map[string]*store.User // by lowercased email
	alerts        []*store.DriftAlert
	replays       map[string]*store.ReplayRun
	notifications []*store.Notification
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		traces:   make(map[string]*store.Trace),
		projects: make(map[string]*store.Project),
		apiKeys:  make(map[string]*store.APIKey),
		settings: make(map[string]*store.ProjectSettings),
		users:    make(map[string]*store.User),
		replays:  make(map[string]*store.ReplayRun),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// IngestBatch upserts the trace and appends spans under one lock so the
// batch is atomic with respect to concurrent readers.
func (s *Store) IngestBatch(ctx context.Context, t store.Trace, spans []store.Span) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.traces[t.ID]
	if !ok {
		if s.externalIDTakenLocked(t.ExternalID, t.ID) {
			return store.ErrConflict
		}
		tc := t
		s.traces[t.ID] = &tc
		s.traceOrder = append(s.traceOrder, t.ID)
	} else if t.Name != "" {
		existing.Name = t.Name
	}
	for i := range spans {
		sp := spans[i]
		s.spans = append(s.spans, &sp)
	}
	return nil
}

func (s *Store) spanCountLocked(traceID string) int {
	n := 0
	for _, sp := range s.spans {
		if sp.TraceID == traceID {
			n++
		}
	}
	return n
}

// GetTrace returns a trace with its span count populated.
func (s *Store) GetTrace(ctx context.Context, id string) (store.Trace, error) {
	if err := ctx.Err(); err != nil {
		return store.Trace{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return store.Trace{}, store.ErrNotFound
	}
	out := *t
	out.SpanCount = s.spanCountLocked(id)
	return out, nil
}

// GetTraceSpans returns the spans of a trace in insertion order.
func (s *Store) GetTraceSpans(ctx context.Context, traceID string) ([]store.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Span
	for _, sp := range s.spans {
		if sp.TraceID == traceID {
			out = append(out, *sp)
		}
	}
	return out, nil
}

// ListTraces returns one page of traces, newest first.
func (s *Store) ListTraces(ctx context.Context, f store.TraceFilter) ([]store.Trace, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []store.Trace
	for i := len(s.traceOrder) - 1; i >= 0; i-- {
		t := s.traces[s.traceOrder[i]]
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.StartDate != nil && t.CreatedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && t.CreatedAt.After(*f.EndDate) {
			continue
		}
		out := *t
		out.SpanCount = s.spanCountLocked(t.ID)
		matched = append(matched, out)
	}
	total := len(matched)
	return page(matched, f.Offset, f.Limit), total, nil
}

// UpdateTrace sets the status when non-empty and merges metadata keys.
func (s *Store) UpdateTrace(ctx context.Context, id, status string, metadata map[string]any) (store.Trace, error) {
	if err := ctx.Err(); err != nil {
		return store.Trace{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return store.Trace{}, store.ErrNotFound
	}
	if status != "" {
		t.Status = status
	}
	if len(metadata) > 0 {
		merged := make(map[string]any, len(t.Metadata)+len(metadata))
		for k, v := range t.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		t.Metadata = merged
	}
	out := *t
	out.SpanCount = s.spanCountLocked(id)
	return out, nil
}

// externalIDTakenLocked reports whether another trace already claims the
// external id. Empty external ids are not unique.
func (s *Store) externalIDTakenLocked(externalID, traceID string) bool {
	if externalID == "" {
		return false
	}
	for _, other := range s.traces {
		if other.ExternalID == externalID && other.ID != traceID {
			return true
		}
	}
	return false
}

// CreateTrace inserts a trace row.
func (s *Store) CreateTrace(ctx context.Context, t store.Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[t.ID]; ok {
		return store.ErrConflict
	}
	if s.externalIDTakenLocked(t.ExternalID, t.ID) {
		return store.ErrConflict
	}
	tc := t
	s.traces[t.ID] = &tc
	s.traceOrder = append(s.traceOrder, t.ID)
	return nil
}

// SetTraceEndTime stamps the end of a trace.
func (s *Store) SetTraceEndTime(ctx context.Context, id string, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return store.ErrNotFound
	}
	t.EndTime = &end
	return nil
}

// InsertSpan appends a single span.
func (s *Store) InsertSpan(ctx context.Context, sp store.Span) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sp
	s.spans = append(s.spans, &c)
	return nil
}

// ListSpans returns one page of spans scoped to the filter's project.
func (s *Store) ListSpans(ctx context.Context, f store.SpanFilter) ([]store.Span, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []store.Span
	for i := len(s.spans) - 1; i >= 0; i-- {
		sp := s.spans[i]
		t, ok := s.traces[sp.TraceID]
		if !ok || t.ProjectID != f.ProjectID {
			continue
		}
		if f.Kind != "" && sp.Kind != f.Kind {
			continue
		}
		if f.Status != "" && sp.Status != f.Status {
			continue
		}
		if f.TraceID != "" && sp.TraceID != f.TraceID {
			continue
		}
		matched = append(matched, *sp)
	}
	total := len(matched)
	return page(matched, f.Offset, f.Limit), total, nil
}

// AppendSpanEvent appends an event to the span identified by
// (traceID, spanID).
func (s *Store) AppendSpanEvent(ctx context.Context, traceID, spanID string, ev store.SpanEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[traceID]; !ok {
		return store.ErrNotFound
	}
	for _, sp := range s.spans {
		if sp.TraceID == traceID && sp.ID == spanID {
			sp.Events = append(sp.Events, ev)
			return nil
		}
	}
	return store.ErrNotFound
}

// LatencySamples returns timing for project spans starting at or after since.
func (s *Store) LatencySamples(ctx context.Context, projectID string, since time.Time) ([]store.LatencySample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.LatencySample
	for _, sp := range s.spans {
		t, ok := s.traces[sp.TraceID]
		if !ok || t.ProjectID != projectID {
			continue
		}
		if sp.StartTime == nil || sp.EndTime == nil || sp.StartTime.Before(since) {
			continue
		}
		out = append(out, store.LatencySample{Kind: sp.Kind, StartTime: *sp.StartTime, EndTime: *sp.EndTime})
	}
	return out, nil
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p store.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return store.ErrConflict
	}
	c := p
	s.projects[p.ID] = &c
	s.projectOrder = append(s.projectOrder, p.ID)
	return nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (store.Project, error) {
	if err := ctx.Err(); err != nil {
		return store.Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return *p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Project, 0, len(s.projectOrder))
	for i := len(s.projectOrder) - 1; i >= 0; i-- {
		out = append(out, *s.projects[s.projectOrder[i]])
	}
	return out, nil
}

// CreateAPIKey inserts an API key.
func (s *Store) CreateAPIKey(ctx context.Context, k store.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[k.Key]; ok {
		return store.ErrConflict
	}
	c := k
	s.apiKeys[k.Key] = &c
	return nil
}

// GetActiveAPIKey resolves an active bearer string.
func (s *Store) GetActiveAPIKey(ctx context.Context, secret string) (store.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return store.APIKey{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[secret]
	if !ok || !k.Active {
		return store.APIKey{}, store.ErrNotFound
	}
	return *k, nil
}

// RotateAPIKey deactivates every project key and inserts the replacement.
func (s *Store) RotateAPIKey(ctx context.Context, projectID string, replacement store.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[replacement.Key]; ok {
		return store.ErrConflict
	}
	for _, k := range s.apiKeys {
		if k.ProjectID == projectID {
			k.Active = false
		}
	}
	c := replacement
	s.apiKeys[replacement.Key] = &c
	return nil
}

// GetProjectSettings returns the settings row for a project.
func (s *Store) GetProjectSettings(ctx context.Context, projectID string) (store.ProjectSettings, error) {
	if err := ctx.Err(); err != nil {
		return store.ProjectSettings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.settings[projectID]
	if !ok {
		return store.ProjectSettings{}, store.ErrNotFound
	}
	return *ps, nil
}

// CreateProjectSettings inserts a settings row.
func (s *Store) CreateProjectSettings(ctx context.Context, ps store.ProjectSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[ps.ProjectID]; ok {
		return store.ErrConflict
	}
	c := ps
	s.settings[ps.ProjectID] = &c
	return nil
}

// UpdateProjectSettings replaces the settings row for ps.ProjectID.
func (s *Store) UpdateProjectSettings(ctx context.Context, ps store.ProjectSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[ps.ProjectID]; !ok {
		return store.ErrNotFound
	}
	c := ps
	c.UpdatedAt = time.Now().UTC()
	s.settings[ps.ProjectID] = &c
	return nil
}

// ListDriftEnabledSettings returns settings with drift checking on.
func (s *Store) ListDriftEnabledSettings(ctx context.Context) ([]store.ProjectSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ProjectSettings
	for _, ps := range s.settings {
		if ps.DriftCheckEnabled {
			out = append(out, *ps)
		}
	}
	return out, nil
}

// CreateUser inserts a user keyed by lowercased email.
func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := s.users[key]; ok {
		return store.ErrConflict
	}
	c := u
	s.users[key] = &c
	return nil
}

// GetUserByEmail looks up a user case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if err := ctx.Err(); err != nil {
		return store.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return *u, nil
}

// CreateDriftAlert inserts an alert.
func (s *Store) CreateDriftAlert(ctx context.Context, a store.DriftAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := a
	s.alerts = append(s.alerts, &c)
	return nil
}

// ListDriftAlerts returns project alerts, newest first.
func (s *Store) ListDriftAlerts(ctx context.Context, projectID string, includeResolved bool) ([]store.DriftAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DriftAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.ProjectID != projectID {
			continue
		}
		if !includeResolved && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// ResolveDriftAlert marks an alert resolved. The mutation is scoped to the
// project so a foreign id cannot flip another project's alert.
func (s *Store) ResolveDriftAlert(ctx context.Context, projectID, id string) (store.DriftAlert, error) {
	if err := ctx.Err(); err != nil {
		return store.DriftAlert{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id && a.ProjectID == projectID {
			a.Resolved = true
			return *a, nil
		}
	}
	return store.DriftAlert{}, store.ErrNotFound
}

// CreateReplayRun inserts a run.
func (s *Store) CreateReplayRun(ctx context.Context, r store.ReplayRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replays[r.ID]; ok {
		return store.ErrConflict
	}
	c := r
	s.replays[r.ID] = &c
	return nil
}

// GetReplayRun returns a run by id.
func (s *Store) GetReplayRun(ctx context.Context, id string) (store.ReplayRun, error) {
	if err := ctx.Err(); err != nil {
		return store.ReplayRun{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replays[id]
	if !ok {
		return store.ReplayRun{}, store.ErrNotFound
	}
	return *r, nil
}

// TransitionReplayRun conditionally moves a run between statuses.
func (s *Store) TransitionReplayRun(ctx context.Context, id string, from []string, to string) (store.ReplayRun, error) {
	if err := ctx.Err(); err != nil {
		return store.ReplayRun{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replays[id]
	if !ok {
		return store.ReplayRun{}, store.ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			return *r, nil
		}
	}
	return store.ReplayRun{}, store.ErrConflict
}

// UpdateReplayRun replaces the mutable fields of a run.
func (s *Store) UpdateReplayRun(ctx context.Context, r store.ReplayRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.replays[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = r.Status
	existing.Config = r.Config
	existing.ResultTraceID = r.ResultTraceID
	existing.EstimatedCost = r.EstimatedCost
	existing.ActualCost = r.ActualCost
	existing.LLMSpanCount = r.LLMSpanCount
	existing.ErrorMessage = r.ErrorMessage
	return nil
}

// FailStuckReplayRuns fails every run left in running or confirmed.
func (s *Store) FailStuckReplayRuns(ctx context.Context, message string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.replays {
		if r.Status == "running" || r.Status == "confirmed" {
			r.Status = "failed"
			r.ErrorMessage = message
			n++
		}
	}
	return n, nil
}

// CreateNotification inserts a notification.
func (s *Store) CreateNotification(ctx context.Context, n store.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := n
	s.notifications = append(s.notifications, &c)
	return nil
}

// ListNotifications returns one page of project notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, projectID string, unreadOnly bool, limit, offset int) ([]store.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []store.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if n.ProjectID != projectID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		matched = append(matched, *n)
	}
	return page(matched, offset, limit), nil
}

// MarkNotificationRead sets the read flag. The mutation is scoped to the
// project so a foreign id cannot mark another project's notification.
func (s *Store) MarkNotificationRead(ctx context.Context, projectID, id string) (store.Notification, error) {
	if err := ctx.Err(); err != nil {
		return store.Notification{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID == id && n.ProjectID == projectID {
			n.Read = true
			return *n, nil
		}
	}
	return store.Notification{}, store.ErrNotFound
}

// MarkAllNotificationsRead marks every unread project notification read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, notif := range s.notifications {
		if notif.ProjectID == projectID && !notif.Read {
			notif.Read = true
			n++
		}
	}
	return n, nil
}

// UnreadNotificationCount counts unread project notifications.
func (s *Store) UnreadNotificationCount(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, notif := range s.notifications {
		if notif.ProjectID == projectID && !notif.Read {
			n++
		}
	}
	return n, nil
}

// page applies offset/limit pagination to an already-ordered slice.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
