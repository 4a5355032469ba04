package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// fanOut creates the variant set at the script_generation ->
// video_generation boundary. The sub-task inserts commit in the same
// transaction as the parent's stage transition, so a crash mid-way leaves
// either no variants or all of them, never a partial set. From here on the
// parent has no broker job of its own; the aggregator finishes it.
func (d *Dispatcher) fanOut(ctx context.Context, task *models.Task, jobID uuid.UUID, patch store.TaskPatch) error {
	videoStage := models.StageVideoGeneration
	lo, _ := videoStage.ProgressRange()
	patch.CurrentStage = &videoStage
	patch.Progress = &lo
	patch.ClearBrokerJobID = true

	now := time.Now().UTC()
	subs := make([]*models.SubTask, 0, task.VariantCount)
	for i := 0; i < task.VariantCount; i++ {
		subs = append(subs, &models.SubTask{
			ID:           uuid.New(),
			ParentTaskID: task.ID,
			VariantStyle: fmt.Sprintf("%s/v%d", task.Style, i+1),
			Status:       models.StatusPending,
			Progress:     0,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	err := d.store.CreateSubTasks(ctx, task.ID, task.Version, patch, subs)
	if err == nil {
		d.log.Info("fanned out", "task_id", task.ID, "variants", len(subs))
		return nil
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		d.log.Info("dropping fan-out, task no longer ours", "task_id", task.ID)
		return nil
	}

	// A broken fan-out is a consistency failure: the parent cannot sit in
	// video_generation with no variants to aggregate.
	cerr := &ConsistencyError{Op: "fan-out", Err: err}
	return d.failTask(ctx, task, jobID, cerr)
}

// resumeVariants re-enters the fan-out boundary after a retry. Failed
// variants flip back to pending for the poll loop to reclaim; completed and
// cancelled ones keep their terminal state. An empty variant set means the
// original fan-out never happened, so run it now.
func (d *Dispatcher) resumeVariants(ctx context.Context, task *models.Task, jobID uuid.UUID) error {
	subs, err := d.store.ListSubTasks(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("listing variants of %s: %w", task.ID, err)
	}
	if len(subs) == 0 {
		return d.fanOut(ctx, task, jobID, store.TaskPatch{})
	}

	resumed := 0
	zero := 0
	for _, sub := range subs {
		if sub.Status != models.StatusFailed {
			continue
		}
		_, uerr := d.store.UpdateSubTask(ctx, sub.ID, sub.Version, store.SubTaskPatch{
			Status:           store.StatusOf(models.StatusPending),
			Progress:         &zero,
			ClearBrokerJobID: true,
		})
		switch {
		case uerr == nil:
			resumed++
		case errors.Is(uerr, store.ErrConflict) || errors.Is(uerr, store.ErrNotFound):
		default:
			return fmt.Errorf("resuming variant %s: %w", sub.ID, uerr)
		}
	}

	// The parent waits on the aggregator again; this job is done with it.
	if ok, perr := d.patchOwnedTask(ctx, task, jobID, store.TaskPatch{ClearBrokerJobID: true}); perr != nil {
		return perr
	} else if !ok {
		return nil
	}
	d.log.Info("variants resumed", "task_id", task.ID, "resumed", resumed, "total", len(subs))
	if resumed == 0 {
		// Nothing to rerun; let the aggregator settle the parent from the
		// variants' current terminal states.
		return d.agg.Recompute(ctx, task.ID)
	}
	return nil
}
