// Package broker is the execution substrate for stage work. It pairs a
// bounded in-process worker pool with a Redis job registry so that the job
// ledger survives independently of the task store — the two can drift, and
// the reconciliation sweeper exists to repair exactly that drift.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// JobStatus is the broker-side view of one unit of stage work.
type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
	// StatusUnknown means the broker has no record of the job id.
	StatusUnknown JobStatus = "unknown"
)

// Job is one schedulable unit of stage work. Run must honor ctx cancellation;
// a revoked job has its context cancelled.
type Job struct {
	TaskID    uuid.UUID
	SubTaskID *uuid.UUID
	Stage     models.Stage
	Run       func(ctx context.Context) error
}

// ActiveJob is a registry entry for a job that has not yet finished.
type ActiveJob struct {
	ID         uuid.UUID
	EnqueuedAt time.Time
}

// Broker schedules stage work and exposes the registry the sweeper
// introspects. Revoke is idempotent: revoking an unknown or already-revoked
// job is not an error.
type Broker interface {
	Submit(ctx context.Context, job Job) (uuid.UUID, error)
	Status(ctx context.Context, jobID uuid.UUID) (JobStatus, error)
	Revoke(ctx context.Context, jobID uuid.UUID) error
	ListActive(ctx context.Context) ([]ActiveJob, error)
}
