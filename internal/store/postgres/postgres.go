// Package postgres provides the pgx-backed implementation of the Vigil
// store. The schema is created at startup with idempotent DDL; all
// timestamps are timezone-aware UTC and the JSON columns hold arbitrary
// maps.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vigil/internal/store"
)

// Store is a Postgres implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	key        TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT 'default',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id);
CREATE TABLE IF NOT EXISTS project_settings (
	id                           TEXT PRIMARY KEY,
	project_id                   TEXT NOT NULL UNIQUE,
	openai_api_key_encrypted     TEXT,
	anthropic_api_key_encrypted  TEXT,
	default_openai_model         TEXT NOT NULL DEFAULT 'gpt-4o',
	default_anthropic_model     TEXT NOT NULL DEFAULT 'claude-sonnet-4-5-20250929',
	drift_check_interval_minutes INTEGER NOT NULL DEFAULT 60,
	drift_check_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at                   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL,
	hashed_password TEXT NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(lower(email));
CREATE TABLE IF NOT EXISTS traces (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'unset',
	external_id TEXT UNIQUE,
	metadata    JSONB NOT NULL DEFAULT '{}',
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_traces_project ON traces(project_id);
CREATE TABLE IF NOT EXISTS spans (
	id             TEXT NOT NULL,
	trace_id       TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	parent_span_id TEXT,
	name           TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL DEFAULT 'custom',
	status         TEXT NOT NULL DEFAULT 'unset',
	input          JSONB,
	output         JSONB,
	metadata       JSONB NOT NULL DEFAULT '{}',
	events         JSONB NOT NULL DEFAULT '[]',
	start_time     TIMESTAMPTZ,
	end_time       TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq            BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_kind ON spans(kind);
CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time);
CREATE TABLE IF NOT EXISTS drift_alerts (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	span_kind      TEXT NOT NULL,
	metric_name    TEXT NOT NULL,
	baseline_value DOUBLE PRECISION NOT NULL,
	current_value  DOUBLE PRECISION NOT NULL,
	psi_score      DOUBLE PRECISION NOT NULL,
	severity       TEXT NOT NULL,
	resolved       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_drift_alerts_project ON drift_alerts(project_id);
CREATE TABLE IF NOT EXISTS replay_runs (
	id                 TEXT PRIMARY KEY,
	original_trace_id  TEXT NOT NULL,
	project_id         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	created_by         TEXT NOT NULL DEFAULT '',
	config             JSONB NOT NULL DEFAULT '{}',
	result_trace_id    TEXT NOT NULL DEFAULT '',
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	llm_spans_count    INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_replay_runs_trace ON replay_runs(original_trace_id);
CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	type         TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	reference_id TEXT NOT NULL DEFAULT '',
	read         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_notifications_project ON notifications(project_id);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalMap(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func marshalNullableMap(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func marshalEvents(evs []store.SpanEvent) []byte {
	if evs == nil {
		evs = []store.SpanEvent{}
	}
	b, err := json.Marshal(evs)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func unmarshalMap(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalEvents(b []byte) []store.SpanEvent {
	if len(b) == 0 {
		return nil
	}
	var evs []store.SpanEvent
	if err := json.Unmarshal(b, &evs); err != nil {
		return nil
	}
	return evs
}

// IngestBatch upserts the trace and inserts spans in one transaction.
func (s *Store) IngestBatch(ctx context.Context, t store.Trace, spans []store.Span) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO traces (id, project_id, name, status, external_id, metadata, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE traces.name END`,
		t.ID, t.ProjectID, t.Name, t.Status, t.ExternalID, marshalMap(t.Metadata), t.StartTime, t.EndTime, t.CreatedAt)
	// Id conflicts take the upsert path, so a unique violation here means the
	// external id is already claimed by another trace.
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("upsert trace: %w", err)
	}

	batch := &pgx.Batch{}
	for _, sp := range spans {
		batch.Queue(`
			INSERT INTO spans (id, trace_id, parent_span_id, name, kind, status, input, output, metadata, events, start_time, end_time, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			sp.ID, sp.TraceID, sp.ParentSpanID, sp.Name, sp.Kind, sp.Status,
			marshalNullableMap(sp.Input), marshalNullableMap(sp.Output),
			marshalMap(sp.Metadata), marshalEvents(sp.Events),
			sp.StartTime, sp.EndTime, sp.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert spans: %w", err)
	}
	return tx.Commit(ctx)
}

const traceColumns = `t.id, t.project_id, t.name, t.status, COALESCE(t.external_id, ''), t.metadata, t.start_time, t.end_time, t.created_at,
	(SELECT count(*) FROM spans s WHERE s.trace_id = t.id)`

func scanTrace(row pgx.Row) (store.Trace, error) {
	var (
		t    store.Trace
		meta []byte
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Status, &t.ExternalID, &meta,
		&t.StartTime, &t.EndTime, &t.CreatedAt, &t.SpanCount)
	if err != nil {
		return store.Trace{}, err
	}
	t.Metadata = unmarshalMap(meta)
	return t, nil
}

// GetTrace returns a trace with its span count populated.
func (s *Store) GetTrace(ctx context.Context, id string) (store.Trace, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM traces t WHERE t.id = $1`, id)
	t, err := scanTrace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Trace{}, store.ErrNotFound
	}
	if err != nil {
		return store.Trace{}, fmt.Errorf("get trace: %w", err)
	}
	return t, nil
}

const spanColumns = `s.id, s.trace_id, COALESCE(s.parent_span_id, ''), s.name, s.kind, s.status,
	s.input, s.output, s.metadata, s.events, s.start_time, s.end_time, s.created_at`

func scanSpan(rows pgx.Rows) (store.Span, error) {
	var (
		sp                          store.Span
		input, output, meta, events []byte
	)
	err := rows.Scan(&sp.ID, &sp.TraceID, &sp.ParentSpanID, &sp.Name, &sp.Kind, &sp.Status,
		&input, &output, &meta, &events, &sp.StartTime, &sp.EndTime, &sp.CreatedAt)
	if err != nil {
		return store.Span{}, err
	}
	sp.Input = unmarshalMap(input)
	sp.Output = unmarshalMap(output)
	sp.Metadata = unmarshalMap(meta)
	sp.Events = unmarshalEvents(events)
	return sp, nil
}

// GetTraceSpans returns the spans of a trace in insertion order.
func (s *Store) GetTraceSpans(ctx context.Context, traceID string) ([]store.Span, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+spanColumns+` FROM spans s WHERE s.trace_id = $1 ORDER BY s.seq`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query trace spans: %w", err)
	}
	defer rows.Close()
	var out []store.Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// ListTraces returns one page of traces, newest first, plus the total.
func (s *Store) ListTraces(ctx context.Context, f store.TraceFilter) ([]store.Trace, int, error) {
	where := `WHERE ($1 = '' OR t.project_id = $1)
		AND ($2 = '' OR t.status = $2)
		AND ($3::timestamptz IS NULL OR t.created_at >= $3)
		AND ($4::timestamptz IS NULL OR t.created_at <= $4)`
	args := []any{f.ProjectID, f.Status, f.StartDate, f.EndDate}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM traces t `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces t `+where+` ORDER BY t.created_at DESC OFFSET $5 LIMIT $6`,
		append(args, f.Offset, f.Limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()
	var out []store.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// UpdateTrace sets the status when non-empty and merges metadata keys using
// the JSONB concatenation operator, which is additive at the top level.
func (s *Store) UpdateTrace(ctx context.Context, id, status string, metadata map[string]any) (store.Trace, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE traces t
		SET status = CASE WHEN $2 <> '' THEN $2 ELSE t.status END,
		    metadata = t.metadata || $3
		WHERE t.id = $1
		RETURNING `+traceColumns,
		id, status, marshalMap(metadata))
	t, err := scanTrace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Trace{}, store.ErrNotFound
	}
	if err != nil {
		return store.Trace{}, fmt.Errorf("update trace: %w", err)
	}
	return t, nil
}

// CreateTrace inserts a trace row.
func (s *Store) CreateTrace(ctx context.Context, t store.Trace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO traces (id, project_id, name, status, external_id, metadata, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		t.ID, t.ProjectID, t.Name, t.Status, t.ExternalID, marshalMap(t.Metadata), t.StartTime, t.EndTime, t.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

// SetTraceEndTime stamps the end of a trace.
func (s *Store) SetTraceEndTime(ctx context.Context, id string, end time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE traces SET end_time = $2 WHERE id = $1`, id, end)
	if err != nil {
		return fmt.Errorf("set trace end time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertSpan appends a single span.
func (s *Store) InsertSpan(ctx context.Context, sp store.Span) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spans (id, trace_id, parent_span_id, name, kind, status, input, output, metadata, events, start_time, end_time, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sp.ID, sp.TraceID, sp.ParentSpanID, sp.Name, sp.Kind, sp.Status,
		marshalNullableMap(sp.Input), marshalNullableMap(sp.Output),
		marshalMap(sp.Metadata), marshalEvents(sp.Events),
		sp.StartTime, sp.EndTime, sp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	return nil
}

// ListSpans returns one page of spans scoped to the filter's project.
func (s *Store) ListSpans(ctx context.Context, f store.SpanFilter) ([]store.Span, int, error) {
	where := `JOIN traces t ON t.id = s.trace_id
		WHERE t.project_id = $1
		AND ($2 = '' OR s.kind = $2)
		AND ($3 = '' OR s.status = $3)
		AND ($4 = '' OR s.trace_id = $4)`
	args := []any{f.ProjectID, f.Kind, f.Status, f.TraceID}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM spans s `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count spans: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+spanColumns+` FROM spans s `+where+` ORDER BY s.created_at DESC, s.seq DESC OFFSET $5 LIMIT $6`,
		append(args, f.Offset, f.Limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()
	var out []store.Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan span: %w", err)
		}
		out = append(out, sp)
	}
	return out, total, rows.Err()
}

// AppendSpanEvent appends an event to the span's events list.
func (s *Store) AppendSpanEvent(ctx context.Context, traceID, spanID string, ev store.SpanEvent) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM traces WHERE id = $1)`, traceID).Scan(&exists); err != nil {
		return fmt.Errorf("check trace: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE spans SET events = events || $3::jsonb WHERE trace_id = $1 AND id = $2`,
		traceID, spanID, evJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LatencySamples returns kind and timing for project spans starting at or
// after since.
func (s *Store) LatencySamples(ctx context.Context, projectID string, since time.Time) ([]store.LatencySample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.kind, s.start_time, s.end_time
		FROM spans s JOIN traces t ON t.id = s.trace_id
		WHERE t.project_id = $1 AND s.start_time >= $2 AND s.end_time IS NOT NULL`,
		projectID, since)
	if err != nil {
		return nil, fmt.Errorf("query latency samples: %w", err)
	}
	defer rows.Close()
	var out []store.LatencySample
	for rows.Next() {
		var ls store.LatencySample
		if err := rows.Scan(&ls.Kind, &ls.StartTime, &ls.EndTime); err != nil {
			return nil, fmt.Errorf("scan latency sample: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p store.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Description, p.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (store.Project, error) {
	var p store.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Project{}, store.ErrNotFound
	}
	if err != nil {
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	var out []store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts an API key.
func (s *Store) CreateAPIKey(ctx context.Context, k store.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, key, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.ProjectID, k.Key, k.Name, k.Active, k.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetActiveAPIKey resolves an active bearer string.
func (s *Store) GetActiveAPIKey(ctx context.Context, secret string) (store.APIKey, error) {
	var k store.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, key, name, is_active, created_at FROM api_keys WHERE key = $1 AND is_active`, secret).
		Scan(&k.ID, &k.ProjectID, &k.Key, &k.Name, &k.Active, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.APIKey{}, store.ErrNotFound
	}
	if err != nil {
		return store.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// RotateAPIKey deactivates every project key and inserts the replacement in
// one transaction.
func (s *Store) RotateAPIKey(ctx context.Context, projectID string, replacement store.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("deactivate keys: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, key, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		replacement.ID, replacement.ProjectID, replacement.Key, replacement.Name, replacement.Active, replacement.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert replacement key: %w", err)
	}
	return tx.Commit(ctx)
}

const settingsColumns = `id, project_id, COALESCE(openai_api_key_encrypted, ''), COALESCE(anthropic_api_key_encrypted, ''),
	default_openai_model, default_anthropic_model, drift_check_interval_minutes, drift_check_enabled, created_at, updated_at`

func scanSettings(row pgx.Row) (store.ProjectSettings, error) {
	var ps store.ProjectSettings
	err := row.Scan(&ps.ID, &ps.ProjectID, &ps.OpenAIKeyEncrypted, &ps.AnthropicKeyEncrypted,
		&ps.DefaultOpenAIModel, &ps.DefaultAnthropicModel,
		&ps.DriftCheckIntervalMinutes, &ps.DriftCheckEnabled, &ps.CreatedAt, &ps.UpdatedAt)
	return ps, err
}

// GetProjectSettings returns the settings row for a project.
func (s *Store) GetProjectSettings(ctx context.Context, projectID string) (store.ProjectSettings, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM project_settings WHERE project_id = $1`, projectID)
	ps, err := scanSettings(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ProjectSettings{}, store.ErrNotFound
	}
	if err != nil {
		return store.ProjectSettings{}, fmt.Errorf("get project settings: %w", err)
	}
	return ps, nil
}

// CreateProjectSettings inserts a settings row.
func (s *Store) CreateProjectSettings(ctx context.Context, ps store.ProjectSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_settings (id, project_id, openai_api_key_encrypted, anthropic_api_key_encrypted,
			default_openai_model, default_anthropic_model, drift_check_interval_minutes, drift_check_enabled, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		ps.ID, ps.ProjectID, ps.OpenAIKeyEncrypted, ps.AnthropicKeyEncrypted,
		ps.DefaultOpenAIModel, ps.DefaultAnthropicModel,
		ps.DriftCheckIntervalMinutes, ps.DriftCheckEnabled, ps.CreatedAt, ps.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create project settings: %w", err)
	}
	return nil
}

// UpdateProjectSettings replaces the settings row for ps.ProjectID.
func (s *Store) UpdateProjectSettings(ctx context.Context, ps store.ProjectSettings) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE project_settings
		SET openai_api_key_encrypted = NULLIF($2, ''), anthropic_api_key_encrypted = NULLIF($3, ''),
			default_openai_model = $4, default_anthropic_model = $5,
			drift_check_interval_minutes = $6, drift_check_enabled = $7, updated_at = now()
		WHERE project_id = $1`,
		ps.ProjectID, ps.OpenAIKeyEncrypted, ps.AnthropicKeyEncrypted,
		ps.DefaultOpenAIModel, ps.DefaultAnthropicModel,
		ps.DriftCheckIntervalMinutes, ps.DriftCheckEnabled)
	if err != nil {
		return fmt.Errorf("update project settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListDriftEnabledSettings returns settings with drift checking on.
func (s *Store) ListDriftEnabledSettings(ctx context.Context) ([]store.ProjectSettings, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+settingsColumns+` FROM project_settings WHERE drift_check_enabled`)
	if err != nil {
		return nil, fmt.Errorf("query drift-enabled settings: %w", err)
	}
	defer rows.Close()
	var out []store.ProjectSettings
	for rows.Next() {
		ps, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project settings: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// CreateUser inserts a user; the unique index on lower(email) enforces
// case-insensitive uniqueness.
func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, hashed_password, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.HashedPassword, u.Active, u.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a user case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, hashed_password, is_active, created_at FROM users WHERE lower(email) = lower($1)`, email).
		Scan(&u.ID, &u.Email, &u.HashedPassword, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CreateDriftAlert inserts an alert.
func (s *Store) CreateDriftAlert(ctx context.Context, a store.DriftAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_alerts (id, project_id, span_kind, metric_name, baseline_value, current_value, psi_score, severity, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ProjectID, a.SpanKind, a.MetricName, a.BaselineValue, a.CurrentValue, a.PSIScore, a.Severity, a.Resolved, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create drift alert: %w", err)
	}
	return nil
}

const alertColumns = `id, project_id, span_kind, metric_name, baseline_value, current_value, psi_score, severity, resolved, created_at`

func scanAlert(row pgx.Row) (store.DriftAlert, error) {
	var a store.DriftAlert
	err := row.Scan(&a.ID, &a.ProjectID, &a.SpanKind, &a.MetricName,
		&a.BaselineValue, &a.CurrentValue, &a.PSIScore, &a.Severity, &a.Resolved, &a.CreatedAt)
	return a, err
}

// ListDriftAlerts returns project alerts, newest first.
func (s *Store) ListDriftAlerts(ctx context.Context, projectID string, includeResolved bool) ([]store.DriftAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM drift_alerts WHERE project_id = $1 AND ($2 OR NOT resolved) ORDER BY created_at DESC`,
		projectID, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("query drift alerts: %w", err)
	}
	defer rows.Close()
	var out []store.DriftAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drift alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveDriftAlert marks an alert resolved. The project predicate keeps the
// update from touching another project's row.
func (s *Store) ResolveDriftAlert(ctx context.Context, projectID, id string) (store.DriftAlert, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE drift_alerts SET resolved = TRUE WHERE id = $1 AND project_id = $2 RETURNING `+alertColumns,
		id, projectID)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DriftAlert{}, store.ErrNotFound
	}
	if err != nil {
		return store.DriftAlert{}, fmt.Errorf("resolve drift alert: %w", err)
	}
	return a, nil
}

const replayColumns = `id, original_trace_id, project_id, status, created_by, config, result_trace_id,
	estimated_cost_usd, actual_cost_usd, llm_spans_count, error_message, created_at`

func scanReplay(row pgx.Row) (store.ReplayRun, error) {
	var (
		r      store.ReplayRun
		config []byte
	)
	err := row.Scan(&r.ID, &r.OriginalTraceID, &r.ProjectID, &r.Status, &r.CreatedBy, &config,
		&r.ResultTraceID, &r.EstimatedCost, &r.ActualCost, &r.LLMSpanCount, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return store.ReplayRun{}, err
	}
	r.Config = unmarshalMap(config)
	return r, nil
}

// CreateReplayRun inserts a run.
func (s *Store) CreateReplayRun(ctx context.Context, r store.ReplayRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replay_runs (id, original_trace_id, project_id, status, created_by, config, result_trace_id,
			estimated_cost_usd, actual_cost_usd, llm_spans_count, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OriginalTraceID, r.ProjectID, r.Status, r.CreatedBy, marshalMap(r.Config), r.ResultTraceID,
		r.EstimatedCost, r.ActualCost, r.LLMSpanCount, r.ErrorMessage, r.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create replay run: %w", err)
	}
	return nil
}

// GetReplayRun returns a run by id.
func (s *Store) GetReplayRun(ctx context.Context, id string) (store.ReplayRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+replayColumns+` FROM replay_runs WHERE id = $1`, id)
	r, err := scanReplay(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ReplayRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.ReplayRun{}, fmt.Errorf("get replay run: %w", err)
	}
	return r, nil
}

// TransitionReplayRun conditionally moves a run between statuses with a
// single compare-and-swap update.
func (s *Store) TransitionReplayRun(ctx context.Context, id string, from []string, to string) (store.ReplayRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE replay_runs SET status = $3 WHERE id = $1 AND status = ANY($2) RETURNING `+replayColumns,
		id, from, to)
	r, err := scanReplay(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing run from an illegal transition.
		if _, getErr := s.GetReplayRun(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ReplayRun{}, store.ErrNotFound
		}
		return store.ReplayRun{}, store.ErrConflict
	}
	if err != nil {
		return store.ReplayRun{}, fmt.Errorf("transition replay run: %w", err)
	}
	return r, nil
}

// UpdateReplayRun replaces the mutable fields of a run.
func (s *Store) UpdateReplayRun(ctx context.Context, r store.ReplayRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replay_runs
		SET status = $2, config = $3, result_trace_id = $4, estimated_cost_usd = $5,
			actual_cost_usd = $6, llm_spans_count = $7, error_message = $8
		WHERE id = $1`,
		r.ID, r.Status, marshalMap(r.Config), r.ResultTraceID,
		r.EstimatedCost, r.ActualCost, r.LLMSpanCount, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update replay run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FailStuckReplayRuns fails every run left in running or confirmed with one
// update statement.
func (s *Store) FailStuckReplayRuns(ctx context.Context, message string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replay_runs SET status = 'failed', error_message = $1 WHERE status IN ('running', 'confirmed')`,
		message)
	if err != nil {
		return 0, fmt.Errorf("fail stuck replay runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateNotification inserts a notification.
func (s *Store) CreateNotification(ctx context.Context, n store.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, project_id, type, title, body, reference_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.ProjectID, n.Type, n.Title, n.Body, n.ReferenceID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

const notificationColumns = `id, project_id, type, title, body, reference_id, read, created_at`

func scanNotification(row pgx.Row) (store.Notification, error) {
	var n store.Notification
	err := row.Scan(&n.ID, &n.ProjectID, &n.Type, &n.Title, &n.Body, &n.ReferenceID, &n.Read, &n.CreatedAt)
	return n, err
}

// ListNotifications returns one page of project notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, projectID string, unreadOnly bool, limit, offset int) ([]store.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		WHERE project_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC OFFSET $3 LIMIT $4`,
		projectID, unreadOnly, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	var out []store.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead sets the read flag. The project predicate keeps the
// update from touching another project's row.
func (s *Store) MarkNotificationRead(ctx context.Context, projectID, id string) (store.Notification, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND project_id = $2 RETURNING `+notificationColumns,
		id, projectID)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Notification{}, store.ErrNotFound
	}
	if err != nil {
		return store.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

// MarkAllNotificationsRead marks every unread project notification read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, projectID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE project_id = $1 AND NOT read`, projectID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UnreadNotificationCount counts unread project notifications.
func (s *Store) UnreadNotificationCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE project_id = $1 AND NOT read`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
