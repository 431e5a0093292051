// Package store defines the persistence layer for Vigil: entity records and
// the Store interface the services program against. Available
// implementations:
//
//   - memory: in-memory store for development, testing, and single-node
//     runs without a database
//   - postgres: pgx-backed store for production persistence
//
// Implementations must be safe for concurrent use and must return
// ErrNotFound for missing rows and ErrConflict for unique-constraint and
// compare-and-swap failures.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on unique-constraint violations and failed
// conditional updates.
var ErrConflict = errors.New("conflict")

type (
	// Trace is a named DAG of spans representing one agent execution.
	Trace struct {
		ID         string
		ProjectID  string
		Name       string
		Status     string
		ExternalID string // empty when not supplied
		Metadata   map[string]any
		StartTime  *time.Time
		EndTime    *time.Time
		CreatedAt  time.Time

		// SpanCount is populated on reads; it is not a stored column.
		SpanCount int
	}

	// SpanEvent is a timestamped annotation appended to a span.
	SpanEvent struct {
		Name       string         `json:"name"`
		Timestamp  time.Time      `json:"timestamp"`
		Attributes map[string]any `json:"attributes"`
	}

	// Span is a single observed step with input, output, kind and timing.
	Span struct {
		ID           string
		TraceID      string
		ParentSpanID string // empty for roots
		Name         string
		Kind         string
		Status       string
		Input        map[string]any
		Output       map[string]any
		Metadata     map[string]any
		Events       []SpanEvent
		StartTime    *time.Time
		EndTime      *time.Time
		CreatedAt    time.Time
	}

	// Project owns traces, API keys and one optional settings row.
	Project struct {
		ID          string
		Name        string
		Description string
		CreatedAt   time.Time
	}

	// APIKey is a bearer credential scoped to one project.
	APIKey struct {
		ID        string
		ProjectID string
		Key       string
		Name      string
		Active    bool
		CreatedAt time.Time
	}

	// ProjectSettings holds per-project configuration, one row per project.
	// Provider API keys are stored encrypted.
	ProjectSettings struct {
		ID                        string
		ProjectID                 string
		OpenAIKeyEncrypted        string
		AnthropicKeyEncrypted     string
		DefaultOpenAIModel        string
		DefaultAnthropicModel     string
		DriftCheckIntervalMinutes int
		DriftCheckEnabled         bool
		CreatedAt                 time.Time
		UpdatedAt                 time.Time
	}

	// User is a dashboard account used only for JWT-authenticated browsing.
	User struct {
		ID             string
		Email          string
		HashedPassword string
		Active         bool
		CreatedAt      time.Time
	}

	// DriftAlert records a PSI threshold crossing for one span kind.
	DriftAlert struct {
		ID            string
		ProjectID     string
		SpanKind      string
		MetricName    string
		BaselineValue float64
		CurrentValue  float64
		PSIScore      float64
		Severity      string
		Resolved      bool
		CreatedAt     time.Time
	}

	// ReplayRun is the persisted state machine of one trace replay.
	ReplayRun struct {
		ID              string
		OriginalTraceID string
		ProjectID       string
		Status          string
		CreatedBy       string // empty when unattributed
		Config          map[string]any
		ResultTraceID   string
		EstimatedCost   float64
		ActualCost      float64
		LLMSpanCount    int
		ErrorMessage    string
		CreatedAt       time.Time
	}

	// Notification is an in-app inbox entry.
	Notification struct {
		ID          string
		ProjectID   string
		Type        string
		Title       string
		Body        string
		ReferenceID string
		Read        bool
		CreatedAt   time.Time
	}

	// LatencySample is the minimal span projection the drift detector needs.
	LatencySample struct {
		Kind      string
		StartTime time.Time
		EndTime   time.Time
	}

	// TraceFilter narrows ListTraces. Zero values mean "no filter"; Limit
	// must be positive.
	TraceFilter struct {
		ProjectID string
		Status    string
		StartDate *time.Time
		EndDate   *time.Time
		Offset    int
		Limit     int
	}

	// SpanFilter narrows ListSpans. ProjectID scopes through the parent
	// trace and is required.
	SpanFilter struct {
		ProjectID string
		Kind      string
		Status    string
		TraceID   string
		Offset    int
		Limit     int
	}
)

// Store is the persistence interface for all Vigil entities.
type Store interface {
	// Ping verifies connectivity; used by the readiness endpoint.
	Ping(ctx context.Context) error

	// IngestBatch atomically upserts a trace and appends its spans. When no
	// trace with t.ID exists one is created from t; otherwise only the name
	// is updated, and only when t.Name is non-empty. Spans are inserted in
	// input order.
	IngestBatch(ctx context.Context, t Trace, spans []Span) error

	// GetTrace returns a trace with its span count populated.
	GetTrace(ctx context.Context, id string) (Trace, error)
	// GetTraceSpans returns every span of a trace in creation order.
	GetTraceSpans(ctx context.Context, traceID string) ([]Span, error)
	// ListTraces returns one page of traces, newest first, plus the total
	// count matching the filter.
	ListTraces(ctx context.Context, f TraceFilter) ([]Trace, int, error)
	// UpdateTrace sets the status when non-empty and merges metadata keys
	// additively. Returns the updated trace.
	UpdateTrace(ctx context.Context, id, status string, metadata map[string]any) (Trace, error)
	// CreateTrace inserts a trace row (used for replay result traces).
	CreateTrace(ctx context.Context, t Trace) error
	// SetTraceEndTime stamps the end of a trace.
	SetTraceEndTime(ctx context.Context, id string, end time.Time) error

	// InsertSpan appends a single span (used for replay result spans).
	InsertSpan(ctx context.Context, s Span) error
	// ListSpans returns one page of spans scoped to the filter's project via
	// the parent trace, newest first, plus the total count.
	ListSpans(ctx context.Context, f SpanFilter) ([]Span, int, error)
	// AppendSpanEvent appends an event to the span identified by
	// (traceID, spanID). Returns ErrNotFound when either is missing.
	AppendSpanEvent(ctx context.Context, traceID, spanID string, ev SpanEvent) error
	// LatencySamples returns kind and timing for every project span whose
	// start time is at or after since. Spans without timing are skipped.
	LatencySamples(ctx context.Context, projectID string, since time.Time) ([]LatencySample, error)

	// CreateProject inserts a project.
	CreateProject(ctx context.Context, p Project) error
	// GetProject returns a project by id.
	GetProject(ctx context.Context, id string) (Project, error)
	// ListProjects returns all projects, newest first.
	ListProjects(ctx context.Context) ([]Project, error)

	// CreateAPIKey inserts an API key. Returns ErrConflict when the bearer
	// string already exists.
	CreateAPIKey(ctx context.Context, k APIKey) error
	// GetActiveAPIKey resolves an active bearer string to its key row.
	GetActiveAPIKey(ctx context.Context, secret string) (APIKey, error)
	// RotateAPIKey atomically deactivates every key of the project and
	// inserts the replacement.
	RotateAPIKey(ctx context.Context, projectID string, replacement APIKey) error

	// GetProjectSettings returns the settings row for a project.
	GetProjectSettings(ctx context.Context, projectID string) (ProjectSettings, error)
	// CreateProjectSettings inserts a settings row.
	CreateProjectSettings(ctx context.Context, s ProjectSettings) error
	// UpdateProjectSettings replaces the settings row identified by
	// s.ProjectID.
	UpdateProjectSettings(ctx context.Context, s ProjectSettings) error
	// ListDriftEnabledSettings returns settings of every project with drift
	// checking switched on.
	ListDriftEnabledSettings(ctx context.Context) ([]ProjectSettings, error)

	// CreateUser inserts a user. Returns ErrConflict when the email is
	// already registered (comparison is case-insensitive).
	CreateUser(ctx context.Context, u User) error
	// GetUserByEmail looks up a user by lowercased email.
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// CreateDriftAlert inserts an alert.
	CreateDriftAlert(ctx context.Context, a DriftAlert) error
	// ListDriftAlerts returns project alerts, newest first, optionally
	// including resolved ones.
	ListDriftAlerts(ctx context.Context, projectID string, includeResolved bool) ([]DriftAlert, error)
	// ResolveDriftAlert marks an alert resolved. Resolution is monotone.
	// Alerts outside the project are not found and not touched.
	ResolveDriftAlert(ctx context.Context, projectID, id string) (DriftAlert, error)

	// CreateReplayRun inserts a run.
	CreateReplayRun(ctx context.Context, r ReplayRun) error
	// GetReplayRun returns a run by id.
	GetReplayRun(ctx context.Context, id string) (ReplayRun, error)
	// TransitionReplayRun conditionally moves a run from one of the given
	// statuses to the target status. Returns ErrConflict when the current
	// status is not in from, so illegal and backward edges never commit.
	TransitionReplayRun(ctx context.Context, id string, from []string, to string) (ReplayRun, error)
	// UpdateReplayRun replaces the mutable fields of a run (status, config,
	// result trace, costs, error message).
	UpdateReplayRun(ctx context.Context, r ReplayRun) error
	// FailStuckReplayRuns marks every run left in running or confirmed as
	// failed with the given message. Returns the number of rows changed.
	FailStuckReplayRuns(ctx context.Context, message string) (int, error)

	// CreateNotification inserts a notification.
	CreateNotification(ctx context.Context, n Notification) error
	// ListNotifications returns one page of project notifications, newest
	// first.
	ListNotifications(ctx context.Context, projectID string, unreadOnly bool, limit, offset int) ([]Notification, error)
	// MarkNotificationRead sets the read flag; calling twice is a no-op.
	// Notifications outside the project are not found and not touched.
	MarkNotificationRead(ctx context.Context, projectID, id string) (Notification, error)
	// MarkAllNotificationsRead marks every unread project notification read
	// and returns how many changed.
	MarkAllNotificationsRead(ctx context.Context, projectID string) (int, error)
	// UnreadNotificationCount counts unread project notifications.
	UnreadNotificationCount(ctx context.Context, projectID string) (int, error)
}
