// Package replay implements the two-phase trace replay engine: a synchronous
// estimate, an explicit confirm that spawns background execution against the
// live LLM providers, and diff retrieval over the recorded results.
package replay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/hub"
	"github.com/linnemanlabs/vigil/internal/llm"
	"github.com/linnemanlabs/vigil/internal/notify"
	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// Run statuses.
const (
	StatusEstimating = "estimating"
	StatusConfirmed  = "confirmed"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// recoveryMessage is written to runs found mid-flight at startup.
const recoveryMessage = "Server restarted during execution"

type (
	// KeyResolver returns the plaintext provider API key for a project, or
	// empty to force copy-mode. Injected so the engine never touches
	// encrypted settings directly.
	KeyResolver func(ctx context.Context, projectID, provider string) (string, error)

	// LLMSpanEstimate describes one re-executable span in an estimate.
	LLMSpanEstimate struct {
		SpanID        string  `json:"span_id"`
		SpanName      string  `json:"span_name"`
		Provider      string  `json:"provider"`
		EstimatedCost float64 `json:"estimated_cost_usd"`
	}

	// Estimate is the synchronous phase-one result.
	Estimate struct {
		ReplayRunID     string
		OriginalTraceID string
		Status          string
		EstimatedCost   float64
		LLMSpanCount    int
		LLMSpans        []LLMSpanEstimate
	}

	// Diff is the materialized comparison of a completed replay.
	Diff struct {
		OriginalTraceID string
		ReplayRunID     string
		Mutations       map[string]any
		Diffs           []any
	}

	// Engine drives the replay state machine. Background executions are
	// tracked so shutdown can wait for them.
	Engine struct {
		store    store.Store
		executor *llm.Executor
		keys     KeyResolver
		notifier *notify.Service
		hub      *hub.Hub
		now      func() time.Time
		wg       sync.WaitGroup
	}
)

// NewEngine builds a replay engine. hub may be nil in tests; keys may be nil
// to force copy-mode for every span.
func NewEngine(st store.Store, executor *llm.Executor, keys KeyResolver, notifier *notify.Service, h *hub.Hub) (*Engine, error) {
	if st == nil || executor == nil || notifier == nil {
		return nil, errors.New("store, executor and notifier are required")
	}
	return &Engine{
		store:    st,
		executor: executor,
		keys:     keys,
		notifier: notifier,
		hub:      h,
		now:      time.Now,
	}, nil
}

func newHexID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// RecoverStuckRuns fails every run left in running or confirmed by a previous
// process. Called once at startup, before the scheduler starts.
func (e *Engine) RecoverStuckRuns(ctx context.Context) error {
	n, err := e.store.FailStuckReplayRuns(ctx, recoveryMessage)
	if err != nil {
		return fmt.Errorf("recover stuck replay runs: %w", err)
	}
	if n > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "failed stuck replay runs from previous process"},
			log.KV{K: "count", V: n})
	}
	return nil
}

// Wait blocks until every background execution has finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) loadOwnedTrace(ctx context.Context, projectID, traceID string) (store.Trace, error) {
	t, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Trace{}, vigilerr.NotFound("trace", traceID)
		}
		return store.Trace{}, vigilerr.Internal("failed to load trace", err)
	}
	if t.ProjectID != projectID {
		return store.Trace{}, vigilerr.NotFound("trace", traceID)
	}
	return t, nil
}

// CreateEstimate runs the synchronous phase: detect the re-executable LLM
// spans, price them with the declared mutations applied, and persist a run
// in estimating status holding the mutations.
func (e *Engine) CreateEstimate(ctx context.Context, projectID, traceID, createdBy string, mutations map[string]any) (Estimate, error) {
	if _, err := e.loadOwnedTrace(ctx, projectID, traceID); err != nil {
		return Estimate{}, err
	}
	spans, err := e.store.GetTraceSpans(ctx, traceID)
	if err != nil {
		return Estimate{}, vigilerr.Internal("failed to load spans", err)
	}
	if mutations == nil {
		mutations = map[string]any{}
	}

	var (
		llmSpans  []LLMSpanEstimate
		totalCost float64
	)
	for _, sp := range spans {
		provider := llm.DetectProvider(sp.Input, sp.Name)
		if provider == "" || sp.Kind != "llm" {
			continue
		}
		cost := llm.EstimateCost(applyMutation(sp.Input, mutations, sp.ID), provider)
		totalCost += cost
		llmSpans = append(llmSpans, LLMSpanEstimate{
			SpanID:        sp.ID,
			SpanName:      sp.Name,
			Provider:      provider,
			EstimatedCost: cost,
		})
	}

	run := store.ReplayRun{
		ID:              newHexID(),
		OriginalTraceID: traceID,
		ProjectID:       projectID,
		Status:          StatusEstimating,
		CreatedBy:       createdBy,
		Config:          map[string]any{"mutations": mutations},
		EstimatedCost:   totalCost,
		LLMSpanCount:    len(llmSpans),
		CreatedAt:       e.now().UTC(),
	}
	if err := e.store.CreateReplayRun(ctx, run); err != nil {
		return Estimate{}, vigilerr.Internal("failed to create replay run", err)
	}
	return Estimate{
		ReplayRunID:     run.ID,
		OriginalTraceID: traceID,
		Status:          StatusEstimating,
		EstimatedCost:   totalCost,
		LLMSpanCount:    len(llmSpans),
		LLMSpans:        llmSpans,
	}, nil
}

// applyMutation overlays the per-span mutation map onto the input. The
// original map is never modified.
func applyMutation(input, mutations map[string]any, spanID string) map[string]any {
	mut, ok := mutations[spanID].(map[string]any)
	if !ok || len(mut) == 0 {
		if input == nil {
			return map[string]any{}
		}
		return input
	}
	merged := make(map[string]any, len(input)+len(mut))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range mut {
		merged[k] = v
	}
	return merged
}

// getOwnedRun loads a run and checks it belongs to the given trace and
// project.
func (e *Engine) getOwnedRun(ctx context.Context, projectID, traceID, replayID string) (store.ReplayRun, error) {
	run, err := e.store.GetReplayRun(ctx, replayID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ReplayRun{}, vigilerr.NotFound("replay run", replayID)
		}
		return store.ReplayRun{}, vigilerr.Internal("failed to load replay run", err)
	}
	if run.OriginalTraceID != traceID || run.ProjectID != projectID {
		return store.ReplayRun{}, vigilerr.NotFound("replay run", replayID)
	}
	return run, nil
}

// Get returns a run's current state.
func (e *Engine) Get(ctx context.Context, projectID, traceID, replayID string) (store.ReplayRun, error) {
	return e.getOwnedRun(ctx, projectID, traceID, replayID)
}

// Confirm moves an estimating run to confirmed and spawns the background
// execution. Confirming from any other status is rejected.
func (e *Engine) Confirm(ctx context.Context, projectID, traceID, replayID string) (store.ReplayRun, error) {
	if _, err := e.getOwnedRun(ctx, projectID, traceID, replayID); err != nil {
		return store.ReplayRun{}, err
	}
	run, err := e.store.TransitionReplayRun(ctx, replayID, []string{StatusEstimating}, StatusConfirmed)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			cur, _ := e.store.GetReplayRun(ctx, replayID)
			return store.ReplayRun{}, vigilerr.BadRequest("replay %s is in status '%s', expected 'estimating'", replayID, cur.Status)
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.ReplayRun{}, vigilerr.NotFound("replay run", replayID)
		}
		return store.ReplayRun{}, vigilerr.Internal("failed to confirm replay", err)
	}

	// The execution outlives the request; detach from its cancellation but
	// keep the log context.
	bgCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(bgCtx, run)
	}()
	return run, nil
}

// Cancel stops a run that has not started executing. Valid only from
// estimating or confirmed; running executions cannot be killed mid-flight.
func (e *Engine) Cancel(ctx context.Context, projectID, traceID, replayID string) (store.ReplayRun, error) {
	if _, err := e.getOwnedRun(ctx, projectID, traceID, replayID); err != nil {
		return store.ReplayRun{}, err
	}
	run, err := e.store.TransitionReplayRun(ctx, replayID, []string{StatusEstimating, StatusConfirmed}, StatusCancelled)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			cur, _ := e.store.GetReplayRun(ctx, replayID)
			return store.ReplayRun{}, vigilerr.BadRequest("cannot cancel replay in status '%s'", cur.Status)
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.ReplayRun{}, vigilerr.NotFound("replay run", replayID)
		}
		return store.ReplayRun{}, vigilerr.Internal("failed to cancel replay", err)
	}
	return run, nil
}

// GetDiff returns the materialized diff of a run. No recomputation happens
// here; the diffs were written by the background execution.
func (e *Engine) GetDiff(ctx context.Context, projectID, traceID, replayID string) (Diff, error) {
	run, err := e.getOwnedRun(ctx, projectID, traceID, replayID)
	if err != nil {
		return Diff{}, err
	}
	d := Diff{OriginalTraceID: run.OriginalTraceID, ReplayRunID: run.ID}
	if m, ok := run.Config["mutations"].(map[string]any); ok {
		d.Mutations = m
	}
	if diffs, ok := run.Config["diffs"].([]any); ok {
		d.Diffs = diffs
	}
	return d, nil
}

// execute is the background phase: transition to running, replay every span
// in topological order, and finish the run as completed or failed.
func (e *Engine) execute(ctx context.Context, run store.ReplayRun) {
	if _, err := e.store.TransitionReplayRun(ctx, run.ID, []string{StatusConfirmed}, StatusRunning); err != nil {
		// Cancelled or recovered between confirm and start.
		log.Info(ctx, log.KV{K: "msg", V: "replay not runnable, skipping execution"},
			log.KV{K: "replay_id", V: run.ID})
		return
	}
	e.broadcastStatus(ctx, run.ProjectID, run.ID, StatusRunning, "")

	resultTraceID, actualCost, err := e.replaySpans(ctx, run)
	if err != nil {
		log.Errorf(ctx, err, "replay execution failed for run %s", run.ID)
		e.finishFailed(ctx, run)
		return
	}

	run.Status = StatusCompleted
	run.ResultTraceID = resultTraceID
	run.ActualCost = actualCost
	if err := e.store.UpdateReplayRun(ctx, run); err != nil {
		log.Errorf(ctx, err, "record replay completion for run %s", run.ID)
		e.finishFailed(ctx, run)
		return
	}
	if _, err := e.notifier.Create(ctx, run.ProjectID, notify.TypeReplayComplete,
		"Replay completed for trace "+run.OriginalTraceID,
		"Result trace: "+resultTraceID, run.ID); err != nil {
		log.Errorf(ctx, err, "create replay completion notification")
	}
	e.broadcastStatus(ctx, run.ProjectID, run.ID, StatusCompleted, resultTraceID)
}

// replaySpans creates the result trace, walks the original spans parents
// first, re-executes the LLM spans it has keys for and copies everything
// else. It mutates run.Config in place, adding the diffs. Returns the result
// trace id and the accumulated actual cost.
func (e *Engine) replaySpans(ctx context.Context, run store.ReplayRun) (string, float64, error) {
	original, err := e.store.GetTrace(ctx, run.OriginalTraceID)
	if err != nil {
		return "", 0, fmt.Errorf("load original trace: %w", err)
	}
	spans, err := e.store.GetTraceSpans(ctx, run.OriginalTraceID)
	if err != nil {
		return "", 0, fmt.Errorf("load original spans: %w", err)
	}
	mutations, _ := run.Config["mutations"].(map[string]any)

	now := e.now().UTC()
	start := now
	resultTrace := store.Trace{
		ID:        newHexID(),
		ProjectID: original.ProjectID,
		Name:      "Replay of " + original.Name,
		Status:    "ok",
		Metadata:  map[string]any{"replay_of": run.OriginalTraceID, "replay_run_id": run.ID},
		StartTime: &start,
		CreatedAt: now,
	}
	if err := e.store.CreateTrace(ctx, resultTrace); err != nil {
		return "", 0, fmt.Errorf("create result trace: %w", err)
	}

	var (
		diffs      []any
		actualCost float64
	)
	for _, sp := range topologicalSort(spans) {
		effectiveInput := applyMutation(sp.Input, mutations, sp.ID)
		provider := llm.DetectProvider(sp.Input, sp.Name)
		isLLM := provider != "" && sp.Kind == "llm"

		var (
			newOutput   map[string]any
			wasExecuted bool
		)
		if isLLM && e.keys != nil {
			apiKey, err := e.keys(ctx, run.ProjectID, provider)
			switch {
			case err != nil:
				log.Errorf(ctx, err, "resolve %s key for span %s", provider, sp.ID)
				newOutput = map[string]any{"error": "LLM call failed"}
				wasExecuted = true
			case apiKey != "":
				result, err := e.executor.Execute(ctx, provider, apiKey, "", effectiveInput)
				if err != nil {
					log.Errorf(ctx, err, "LLM call failed for span %s", sp.ID)
					newOutput = map[string]any{"error": "LLM call failed"}
				} else {
					newOutput = result
					actualCost += llm.EstimateCost(effectiveInput, provider)
				}
				wasExecuted = true
			}
		}

		output := sp.Output
		if wasExecuted {
			output = newOutput
		}
		meta := make(map[string]any, len(sp.Metadata)+1)
		for k, v := range sp.Metadata {
			meta[k] = v
		}
		meta["replay_source_span_id"] = sp.ID

		spanNow := e.now().UTC()
		resultSpan := store.Span{
			ID:           newHexID(),
			TraceID:      resultTrace.ID,
			ParentSpanID: sp.ParentSpanID,
			Name:         sp.Name,
			Kind:         sp.Kind,
			Status:       sp.Status,
			Input:        effectiveInput,
			Output:       output,
			Metadata:     meta,
			Events:       sp.Events,
			StartTime:    &spanNow,
			EndTime:      &spanNow,
			CreatedAt:    spanNow,
		}
		if err := e.store.InsertSpan(ctx, resultSpan); err != nil {
			return "", 0, fmt.Errorf("insert result span: %w", err)
		}

		entry := map[string]any{
			"span_id":         sp.ID,
			"span_name":       sp.Name,
			"original_input":  sp.Input,
			"mutated_input":   effectiveInput,
			"original_output": sp.Output,
			"new_output":      newOutput,
			"was_executed":    wasExecuted,
		}
		if !wasExecuted {
			entry["note"] = "Copied (not re-executed)"
		}
		diffs = append(diffs, entry)
	}

	if err := e.store.SetTraceEndTime(ctx, resultTrace.ID, e.now().UTC()); err != nil {
		return "", 0, fmt.Errorf("finish result trace: %w", err)
	}
	run.Config["diffs"] = diffs
	return resultTrace.ID, actualCost, nil
}

func (e *Engine) finishFailed(ctx context.Context, run store.ReplayRun) {
	run.Status = StatusFailed
	run.ErrorMessage = "Execution failed, see server logs"
	if err := e.store.UpdateReplayRun(ctx, run); err != nil {
		log.Errorf(ctx, err, "record replay failure for run %s", run.ID)
	}
	if _, err := e.notifier.Create(ctx, run.ProjectID, notify.TypeReplayFailed,
		"Replay failed", fmt.Sprintf("Replay %s failed during execution", run.ID), run.ID); err != nil {
		log.Errorf(ctx, err, "create replay failure notification")
	}
	e.broadcastStatus(ctx, run.ProjectID, run.ID, StatusFailed, "")
}

func (e *Engine) broadcastStatus(ctx context.Context, projectID, replayID, status, resultTraceID string) {
	if e.hub == nil {
		return
	}
	data := map[string]any{"replay_id": replayID, "status": status}
	if resultTraceID != "" {
		data["result_trace_id"] = resultTraceID
	}
	e.hub.Broadcast(ctx, projectID, hub.Message{Type: hub.EventReplayStatus, Data: data})
}

// topologicalSort orders spans so parents precede children. Parent edges
// leaving the set are ignored, so partial ingests still sort.
func topologicalSort(spans []store.Span) []store.Span {
	byID := make(map[string]*store.Span, len(spans))
	for i := range spans {
		byID[spans[i].ID] = &spans[i]
	}
	visited := make(map[string]bool, len(spans))
	out := make([]store.Span, 0, len(spans))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		sp, ok := byID[id]
		if !ok {
			return
		}
		if sp.ParentSpanID != "" {
			if _, in := byID[sp.ParentSpanID]; in {
				visit(sp.ParentSpanID)
			}
		}
		out = append(out, *sp)
	}
	for i := range spans {
		visit(spans[i].ID)
	}
	return out
}
