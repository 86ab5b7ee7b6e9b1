// Package store provides the JobRepo interface and model for durable deadlines.
package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds how often a failing job is retried.
const DefaultJobMaxAttempts = 3

// Job represents a durable job record that replaces an in-memory timer.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the call returns the existing job ID
	// without inserting a duplicate.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs atomically marks up to limit queued jobs whose run_at <= now
	// as running and returns them. A job is handed to exactly one claimer.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(ctx context.Context, id string) error

	// FailJob records the error and reschedules at nextRunAt while attempts
	// remain; otherwise the job is marked permanently failed.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	// CancelJobsByDedupeKey cancels every queued job carrying dedupeKey and
	// returns how many were canceled.
	CancelJobsByDedupeKey(ctx context.Context, dedupeKey string) (int, error)

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID, or nil if it does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
}
