// Package intel owns the job lifecycle of the entity intelligence pipeline:
// creation with versioning and rerun chaining, asynchronous execution,
// cooperative cancellation, listing, and change history.
package intel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/scoring"
	"github.com/scoutcrm/scout/internal/storage"
)

// maxHistory caps retained prior-job snapshots. Oldest entries are dropped,
// not archived.
const maxHistory = 20

// maxErrorLen bounds the diagnostic stored on an errored job.
const maxErrorLen = 2000

// ValidationError marks a bad create request. It is never persisted as a job.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Snapshot is a compressed copy of a prior job retained in history for
// diffing: identity, result and timing, not the full tool-call trace.
type Snapshot struct {
	JobID       string        `json:"jobId"`
	EntityName  string        `json:"entityName"`
	Version     int           `json:"version"`
	Result      *agent.Result `json:"result,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Job is one invocation of the pipeline against one CRM entity plus its full
// status/result record. Once terminal it is read-only; a rerun creates a new
// Job linked via PreviousJobID.
type Job struct {
	ID            string        `json:"id"`
	EntityType    string        `json:"entityType"`
	EntityID      string        `json:"entityId"`
	EntityName    string        `json:"entityName"`
	Status        string        `json:"status"`
	Version       int           `json:"version"`
	PreviousJobID string        `json:"previousJobId,omitempty"`
	Result        *agent.Result `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Stats         *agent.Stats  `json:"stats,omitempty"`
	History       []Snapshot    `json:"history"`
	Changes       []string      `json:"changes,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`

	// DealSnapshot holds the refreshed deal fields captured at completion.
	// Scores are derived from it on read, never stored.
	DealSnapshot *scoring.DealSnapshot `json:"-"`
}

// IsRerun reports whether this job supersedes a completed one.
func (j *Job) IsRerun() bool { return j.PreviousJobID != "" }

// jobFromRow decodes a storage row into the domain job. Payload columns that
// were projected away by a listing query simply stay nil.
func jobFromRow(row storage.Job) (Job, error) {
	j := Job{
		ID:            row.ID,
		EntityType:    row.EntityType,
		EntityID:      row.EntityID,
		EntityName:    row.EntityName,
		Status:        row.Status,
		Version:       row.Version,
		PreviousJobID: row.PreviousJobID,
		Error:         row.Error,
		History:       []Snapshot{},
		StartedAt:     row.StartedAt,
		CompletedAt:   row.CompletedAt,
	}
	if row.ResultJSON != "" {
		var r agent.Result
		if err := json.Unmarshal([]byte(row.ResultJSON), &r); err != nil {
			return Job{}, fmt.Errorf("decoding result for job %s: %w", row.ID, err)
		}
		j.Result = &r
	}
	if row.StatsJSON != "" {
		var s agent.Stats
		if err := json.Unmarshal([]byte(row.StatsJSON), &s); err != nil {
			return Job{}, fmt.Errorf("decoding stats for job %s: %w", row.ID, err)
		}
		j.Stats = &s
	}
	if row.HistoryJSON != "" {
		if err := json.Unmarshal([]byte(row.HistoryJSON), &j.History); err != nil {
			return Job{}, fmt.Errorf("decoding history for job %s: %w", row.ID, err)
		}
	}
	if row.ChangesJSON != "" {
		if err := json.Unmarshal([]byte(row.ChangesJSON), &j.Changes); err != nil {
			return Job{}, fmt.Errorf("decoding changes for job %s: %w", row.ID, err)
		}
	}
	if row.DealSnapshotJSON != "" {
		var snap scoring.DealSnapshot
		if err := json.Unmarshal([]byte(row.DealSnapshotJSON), &snap); err != nil {
			return Job{}, fmt.Errorf("decoding deal snapshot for job %s: %w", row.ID, err)
		}
		j.DealSnapshot = &snap
	}
	return j, nil
}

// snapshotOf compresses a completed job for the history of its successor.
func snapshotOf(j Job) Snapshot {
	return Snapshot{
		JobID:       j.ID,
		EntityName:  j.EntityName,
		Version:     j.Version,
		Result:      j.Result,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// appendHistory appends snap and trims from the front to the cap.
func appendHistory(history []Snapshot, snap Snapshot) []Snapshot {
	history = append(history, snap)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return history
}

func marshalHistory(history []Snapshot) (string, error) {
	if len(history) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encoding history: %w", err)
	}
	return string(b), nil
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
