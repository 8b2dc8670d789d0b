package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTimeout is returned when a read query exceeds its context deadline.
// Callers use it to distinguish "store is slow" from "query is wrong".
var ErrTimeout = errors.New("store query timed out")

// Job statuses. Terminal statuses are complete, error and cancelled.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Job is the persisted record of one intelligence run. Structured payloads
// (result, stats, history, changes, deal snapshot) are stored as JSON text
// and interpreted by the intel package.
type Job struct {
	ID               string
	EntityType       string
	EntityID         string
	EntityName       string
	Status           string
	Version          int
	PreviousJobID    string
	ResultJSON       string
	DealSnapshotJSON string
	StatsJSON        string
	HistoryJSON      string
	ChangesJSON      string
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// Terminal reports whether the job status is one of the terminal states.
func (j Job) Terminal() bool {
	return j.Status == StatusComplete || j.Status == StatusError || j.Status == StatusCancelled
}

// ListFilter narrows ListJobs results. Zero values mean "no constraint".
type ListFilter struct {
	Status     string
	EntityType string
	EntityID   string
	Limit      int
	Sort       string // "newest" (default) or "oldest"
	LatestOnly bool   // collapse to one row per (entity_type, entity_id)
}
