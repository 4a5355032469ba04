package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/broker"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Sweeper reconciles the broker's job registry against the task store. The
// two fail independently, so they drift: a job can outlive its record, and a
// record can outlive its job. The sweeper is the only component allowed to
// revoke broker jobs.
//
// Every repair is guarded by the grace period. A job is registered in the
// broker before its id is persisted to the store, so a young unreferenced job
// is normal, not an orphan.
type Sweeper struct {
	store  store.Store
	broker broker.Broker
	agg    *Aggregator
	grace  time.Duration
	log    *slog.Logger
}

func NewSweeper(st store.Store, br broker.Broker, agg *Aggregator, grace time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: st, broker: br, agg: agg, grace: grace, log: log}
}

// Sweep runs one reconciliation pass. Idempotent: a second pass over an
// unchanged snapshot finds nothing to repair. Safe to run concurrently with
// the dispatcher; every write is a version CAS and a lost race means the
// dispatcher got there first.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tasks, err := s.store.ListProcessingTasksWithJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing processing tasks: %w", err)
	}
	subs, err := s.store.ListProcessingSubTasksWithJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing processing sub-tasks: %w", err)
	}

	known := make(map[uuid.UUID]bool, len(tasks)+len(subs))
	for _, t := range tasks {
		known[*t.BrokerJobID] = true
	}
	for _, sub := range subs {
		known[*sub.BrokerJobID] = true
	}

	if err := s.revokeOrphans(ctx, known); err != nil {
		return err
	}
	s.failStaleTasks(ctx, tasks)
	s.failStaleVariants(ctx, subs)
	return nil
}

// revokeOrphans kills broker jobs no processing record references. Only jobs
// older than the grace period qualify, since a record may not have its job id
// persisted yet.
func (s *Sweeper) revokeOrphans(ctx context.Context, known map[uuid.UUID]bool) error {
	active, err := s.broker.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active broker jobs: %w", err)
	}
	for _, job := range active {
		if known[job.ID] || time.Since(job.EnqueuedAt) <= s.grace {
			continue
		}
		if err := s.broker.Revoke(ctx, job.ID); err != nil {
			s.log.Error("revoking orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		s.log.Warn("revoked orphaned broker job", "job_id", job.ID, "enqueued_at", job.EnqueuedAt)
	}
	return nil
}

// failStaleTasks fails processing records whose broker job is gone or
// finished and that have not been touched within the grace period. Progress
// writes refresh updated_at, so a live job never looks stale.
func (s *Sweeper) failStaleTasks(ctx context.Context, tasks []*models.Task) {
	for _, task := range tasks {
		if time.Since(task.UpdatedAt) <= s.grace {
			continue
		}
		status, err := s.broker.Status(ctx, *task.BrokerJobID)
		if err != nil {
			s.log.Error("checking broker job status", "task_id", task.ID, "job_id", *task.BrokerJobID, "error", err)
			continue
		}
		if status == broker.StatusRunning {
			continue
		}

		cerr := &ConsistencyError{Op: "reconciliation", Err: fmt.Errorf("broker job %s is %s but task still processing", *task.BrokerJobID, status)}
		msg := cerr.Error()
		_, err = s.store.UpdateTask(ctx, task.ID, task.Version, store.TaskPatch{
			Status:           store.StatusOf(models.StatusFailed),
			ErrorMessage:     &msg,
			ClearBrokerJobID: true,
		})
		switch {
		case err == nil:
			s.log.Warn("failed stale task", "task_id", task.ID, "job_id", *task.BrokerJobID, "job_status", status)
		case errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound):
			// The dispatcher moved it first.
		default:
			s.log.Error("failing stale task", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Sweeper) failStaleVariants(ctx context.Context, subs []*models.SubTask) {
	for _, sub := range subs {
		if time.Since(sub.UpdatedAt) <= s.grace {
			continue
		}
		status, err := s.broker.Status(ctx, *sub.BrokerJobID)
		if err != nil {
			s.log.Error("checking broker job status", "sub_task_id", sub.ID, "job_id", *sub.BrokerJobID, "error", err)
			continue
		}
		if status == broker.StatusRunning {
			continue
		}

		cerr := &ConsistencyError{Op: "reconciliation", Err: fmt.Errorf("broker job %s is %s but sub-task still processing", *sub.BrokerJobID, status)}
		msg := cerr.Error()
		_, err = s.store.UpdateSubTask(ctx, sub.ID, sub.Version, store.SubTaskPatch{
			Status:           store.StatusOf(models.StatusFailed),
			ErrorMessage:     &msg,
			ClearBrokerJobID: true,
		})
		switch {
		case err == nil:
			s.log.Warn("failed stale variant", "sub_task_id", sub.ID, "job_id", *sub.BrokerJobID, "job_status", status)
			if aerr := s.agg.Recompute(ctx, sub.ParentTaskID); aerr != nil {
				s.log.Error("aggregating after sweep", "parent_task_id", sub.ParentTaskID, "error", aerr)
			}
		case errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound):
		default:
			s.log.Error("failing stale variant", "sub_task_id", sub.ID, "error", err)
		}
	}
}
