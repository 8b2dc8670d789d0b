package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/crm"
	"github.com/scoutcrm/scout/internal/scoring"
	"github.com/scoutcrm/scout/internal/storage"
)

// SnapshotFetcher refreshes the deal fields the scoring engine needs. It is
// satisfied by *crm.Client; tests substitute a fake.
type SnapshotFetcher interface {
	DealSnapshot(ctx context.Context, id string) (*scoring.DealSnapshot, error)
}

// Runner is the engine contract the manager hands jobs to.
type Runner interface {
	Run(ctx context.Context, req agent.Request, cancelled func() bool, emit agent.EmitFunc) (*agent.Outcome, error)
}

// Options configures a Manager.
type Options struct {
	// ListTimeout bounds listing/lookup store reads so a slow store degrades
	// to a typed error instead of hanging the caller.
	ListTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns job records and their execution. Creation is synchronous and
// fast (a single store write); execution runs concurrently with the response
// that created the job. Jobs for different entities share no mutable state.
type Manager struct {
	store    *storage.Store
	runner   Runner
	snapshot SnapshotFetcher

	listTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*runHandle
}

// runHandle tracks an in-process run for cooperative cancellation.
type runHandle struct {
	cancelled atomic.Bool
}

// NewManager creates a Manager over a store, an agent runner, and a CRM
// snapshot fetcher (nil disables deal refresh; results then keep the agent's
// view only).
func NewManager(store *storage.Store, runner Runner, snapshot SnapshotFetcher, optFns ...func(o *Options)) *Manager {
	opts := Options{
		ListTimeout: 5 * time.Second,
		Logger:      slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		store:       store,
		runner:      runner,
		snapshot:    snapshot,
		listTimeout: opts.ListTimeout,
		logger:      opts.Logger,
	}
}

// Recover marks jobs left running by a crash as errored. Call once at startup.
func (m *Manager) Recover() (int, error) {
	return m.store.RecoverInterrupted()
}

// Create validates the request, chains it to the latest completed job for
// the same entity key (version bump, history seed), and persists it pending.
// It does not start execution; callers follow up with Start or RunSync.
//
// Two concurrent reruns for one entity key can both read version N and both
// persist N+1. The source behavior does not serialize this and neither do
// we; see DESIGN.md.
func (m *Manager) Create(ctx context.Context, entityType, entityID, entityName string) (Job, error) {
	if !crm.KnownEntityType(entityType) {
		return Job{}, &ValidationError{Message: fmt.Sprintf("entityType must be one of company, contact, deal; got %q", entityType)}
	}
	if entityID == "" {
		return Job{}, &ValidationError{Message: "entityId is required"}
	}
	if entityName == "" {
		return Job{}, &ValidationError{Message: "entityName is required"}
	}

	job := Job{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
		Status:     storage.StatusPending,
		Version:    1,
		History:    []Snapshot{},
		StartedAt:  time.Now().UTC(),
	}

	prevRow, err := m.store.LatestCompleted(entityType, entityID)
	if err != nil {
		return Job{}, fmt.Errorf("looking up previous job: %w", err)
	}
	if prevRow != nil {
		prev, err := jobFromRow(*prevRow)
		if err != nil {
			// A malformed predecessor must not block new work; start a fresh chain.
			m.logger.Warn("previous job unreadable, starting new chain", "job_id", prevRow.ID, "error", err)
		} else {
			job.Version = prev.Version + 1
			job.PreviousJobID = prev.ID
			job.History = appendHistory(prev.History, snapshotOf(prev))
		}
	}

	historyJSON, err := marshalHistory(job.History)
	if err != nil {
		return Job{}, err
	}
	if err := m.store.InsertJob(storage.Job{
		ID:            job.ID,
		EntityType:    job.EntityType,
		EntityID:      job.EntityID,
		EntityName:    job.EntityName,
		Status:        job.Status,
		Version:       job.Version,
		PreviousJobID: job.PreviousJobID,
		HistoryJSON:   historyJSON,
		StartedAt:     job.StartedAt,
	}); err != nil {
		return Job{}, err
	}

	m.logger.Info("job created",
		"job_id", job.ID, "entity_type", entityType, "entity_id", entityID,
		"version", job.Version, "rerun", job.IsRerun())
	return job, nil
}

// Start hands the job off for asynchronous execution and returns
// immediately. emit may be nil when nobody is streaming.
func (m *Manager) Start(job Job, emit agent.EmitFunc) {
	handle := m.register(job.ID)
	go func() {
		defer m.unregister(job.ID)
		m.execute(context.Background(), job, 0, handle, emit)
	}()
}

// RunSync executes the job inline with a hard iteration cap and returns the
// finished job plus the buffered events. This mode exists for callers that
// cannot hold an open connection; the cap bounds request latency.
func (m *Manager) RunSync(ctx context.Context, job Job, maxIterations int) (Job, []agent.Event, error) {
	handle := m.register(job.ID)
	defer m.unregister(job.ID)

	var events []agent.Event
	m.execute(ctx, job, maxIterations, handle, func(ev agent.Event) {
		events = append(events, ev)
	})

	final, err := m.Get(job.ID)
	return final, events, err
}

func (m *Manager) register(jobID string) *runHandle {
	handle := &runHandle{}
	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]*runHandle)
	}
	m.active[jobID] = handle
	m.mu.Unlock()
	return handle
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

// execute drives one job to a terminal state and emits exactly one terminal
// event (complete or error) after the store write.
func (m *Manager) execute(ctx context.Context, job Job, maxIterations int, handle *runHandle, emit agent.EmitFunc) {
	if emit == nil {
		emit = func(agent.Event) {}
	}

	started, err := m.store.MarkRunning(job.ID)
	if err != nil {
		m.logger.Error("marking job running failed", "job_id", job.ID, "error", err)
		emit(terminalError(0, "job could not be started"))
		return
	}
	if !started {
		// Cancellation raced the handoff; the job is already terminal.
		m.logger.Info("job cancelled before start", "job_id", job.ID)
		emit(terminalError(0, "job cancelled"))
		return
	}

	outcome, runErr := m.runner.Run(ctx, agent.Request{
		EntityType:    job.EntityType,
		EntityID:      job.EntityID,
		EntityName:    job.EntityName,
		MaxIterations: maxIterations,
	}, handle.cancelled.Load, emit)

	switch {
	case errors.Is(runErr, agent.ErrCancelled):
		// CancelAll already stamped the record; nothing to overwrite.
		m.logger.Info("job observed cancellation", "job_id", job.ID)
		emit(terminalError(0, "job cancelled"))

	case runErr != nil:
		msg := truncateError(runErr.Error())
		statsJSON := marshalStats(outcome)
		if err := m.store.FailJob(job.ID, msg, statsJSON); err != nil {
			m.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
		}
		m.logger.Warn("job failed", "job_id", job.ID, "error", msg)
		emit(terminalError(stepOf(outcome), msg))

	default:
		m.complete(ctx, job, outcome, emit)
	}
}

// complete finalizes a successful (or budget-exhausted) run: refreshes the
// deal snapshot, computes the change summary against the predecessor, and
// persists the result.
func (m *Manager) complete(ctx context.Context, job Job, outcome *agent.Outcome, emit agent.EmitFunc) {
	now := time.Now().UTC()
	dealSnapshotJSON := ""

	if job.EntityType == crm.EntityDeal && m.snapshot != nil {
		snap, err := m.snapshot.DealSnapshot(ctx, job.EntityID)
		if err != nil {
			// Scoring degrades gracefully; the research result stands on its own.
			m.logger.Warn("deal snapshot refresh failed", "job_id", job.ID, "error", err)
		} else if snap != nil {
			if outcome.Result != nil && outcome.Result.Deal != nil {
				outcome.Result.Deal.Snapshot = snap
			}
			if b, err := json.Marshal(snap); err == nil {
				dealSnapshotJSON = string(b)
			}
		}
	}

	var changes []string
	if job.PreviousJobID != "" {
		if prevRow, err := m.store.GetJob(job.PreviousJobID); err == nil {
			if prev, err := jobFromRow(prevRow); err == nil {
				changes = DetectChanges(prev.Result, outcome.Result, now)
			}
		}
	}

	resultJSON := ""
	if outcome.Result != nil {
		b, err := json.Marshal(outcome.Result)
		if err != nil {
			m.logger.Error("encoding result failed", "job_id", job.ID, "error", err)
		} else {
			resultJSON = string(b)
		}
	}
	changesJSON := "[]"
	if len(changes) > 0 {
		if b, err := json.Marshal(changes); err == nil {
			changesJSON = string(b)
		}
	}

	if err := m.store.CompleteJob(job.ID, resultJSON, dealSnapshotJSON, marshalStats(outcome), changesJSON); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The job left the running state underneath us: cancellation won.
			m.logger.Info("completion skipped, job no longer running", "job_id", job.ID)
			emit(terminalError(stepOf(outcome), "job cancelled"))
			return
		}
		m.logger.Error("recording job completion failed", "job_id", job.ID, "error", err)
		emit(terminalError(stepOf(outcome), "job completion could not be recorded"))
		return
	}

	message := "research complete"
	if !outcome.Finished {
		message = "iteration budget exhausted before a final answer"
	}
	m.logger.Info("job complete",
		"job_id", job.ID, "iterations", outcome.Stats.Iterations,
		"tool_calls", outcome.Stats.ToolCalls, "limit_reached", outcome.Stats.LimitReached)
	emit(agent.Event{
		Type:      agent.EventComplete,
		Timestamp: now,
		Step:      stepOf(outcome),
		Message:   message,
		Data: map[string]any{
			"iterations":   outcome.Stats.Iterations,
			"toolCalls":    outcome.Stats.ToolCalls,
			"limitReached": outcome.Stats.LimitReached,
			"changes":      changes,
		},
	})
}

// CancelAll transitions every pending or running job to cancelled and flips
// the in-process flags. Cancellation is cooperative: in-flight model or tool
// calls run to completion, the loop stops at its next iteration boundary.
func (m *Manager) CancelAll() ([]string, error) {
	ids, err := m.store.CancelActive()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, handle := range m.active {
		handle.cancelled.Store(true)
	}
	m.mu.Unlock()

	m.logger.Info("cancelled active jobs", "count", len(ids))
	return ids, nil
}

// List returns summary-projected jobs under the manager's list timeout.
// Rows that fail to decode are returned as error stubs so one malformed job
// cannot poison the whole listing.
func (m *Manager) List(ctx context.Context, f storage.ListFilter) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, m.listTimeout)
	defer cancel()

	rows, err := m.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		j, err := jobFromRow(row)
		if err != nil {
			m.logger.Warn("stored job unreadable, returning stub", "job_id", row.ID, "error", err)
			jobs = append(jobs, Job{
				ID:         row.ID,
				EntityType: row.EntityType,
				EntityID:   row.EntityID,
				EntityName: row.EntityName,
				Status:     row.Status,
				Version:    row.Version,
				Error:      "stored job could not be decoded",
				History:    []Snapshot{},
				StartedAt:  row.StartedAt,
			})
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Get returns the full job record including result and history.
func (m *Manager) Get(id string) (Job, error) {
	row, err := m.store.GetJob(id)
	if err != nil {
		return Job{}, err
	}
	return jobFromRow(row)
}

func marshalStats(outcome *agent.Outcome) string {
	if outcome == nil {
		return "{}"
	}
	b, err := json.Marshal(outcome.Stats)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func stepOf(outcome *agent.Outcome) int {
	if outcome == nil {
		return 0
	}
	return outcome.Stats.Iterations
}

func terminalError(step int, message string) agent.Event {
	return agent.Event{
		Type:      agent.EventError,
		Timestamp: time.Now().UTC(),
		Step:      step,
		Message:   message,
	}
}
