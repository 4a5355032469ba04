package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/broker"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// submitVariant registers one broker job that renders one claimed variant.
func (d *Dispatcher) submitVariant(ctx context.Context, sub *models.SubTask) {
	idReady := make(chan uuid.UUID, 1)
	job := broker.Job{
		TaskID:    sub.ParentTaskID,
		SubTaskID: &sub.ID,
		Stage:     models.StageVideoGeneration,
		Run: func(jctx context.Context) error {
			select {
			case jobID := <-idReady:
				return d.runVariant(jctx, sub.ID, jobID)
			case <-jctx.Done():
				return jctx.Err()
			}
		},
	}

	jobID, err := d.broker.Submit(ctx, job)
	if err != nil {
		d.log.Error("submitting variant to broker", "sub_task_id", sub.ID, "error", err)
		msg := fmt.Sprintf("submitting render work: %v", err)
		_, _ = d.store.UpdateSubTask(ctx, sub.ID, sub.Version, store.SubTaskPatch{
			Status:       store.StatusOf(models.StatusFailed),
			ErrorMessage: &msg,
		})
		_ = d.agg.Recompute(ctx, sub.ParentTaskID)
		return
	}

	if _, err := d.store.UpdateSubTask(ctx, sub.ID, sub.Version, store.SubTaskPatch{BrokerJobID: &jobID}); err != nil {
		d.log.Warn("persisting variant job id", "sub_task_id", sub.ID, "job_id", jobID, "error", err)
	}
	idReady <- jobID

	d.log.Info("variant dispatched", "sub_task_id", sub.ID, "parent_task_id", sub.ParentTaskID, "job_id", jobID)
}

// runVariant renders one variant. Retryable render failures are re-attempted
// in place with the same backoff policy as parent stages; the parent's
// max_retries bounds the attempts.
func (d *Dispatcher) runVariant(ctx context.Context, subID, jobID uuid.UUID) error {
	sub, parent, skip, err := d.guardVariant(ctx, subID, jobID)
	if err != nil {
		return err
	}
	if skip != "" {
		return d.finalizeVariantSkip(ctx, sub, jobID, skip)
	}

	stage := d.stageFor(models.StageVideoGeneration)
	if stage == nil {
		return d.failVariant(ctx, sub, jobID, &ConsistencyError{Op: "variant dispatch", Err: errors.New("video stage not registered")})
	}

	attempts := 0
	for {
		work := &Work{Task: parent, Variant: sub}
		outcome := d.executeStage(ctx, stage, work, d.variantReporter(ctx, sub, jobID))

		switch outcome.Kind {
		case OutcomeSuccess:
			return d.completeVariant(ctx, sub, jobID)
		case OutcomeTerminal:
			return d.failVariant(ctx, sub, jobID, outcome.Err)
		case OutcomeSkipped:
			return d.finalizeVariantSkip(ctx, sub, jobID, outcome.Reason)
		}

		attempts++
		if attempts > parent.MaxRetries {
			d.log.Warn("variant retry budget exhausted", "sub_task_id", sub.ID, "error", outcome.Err)
			return d.failVariant(ctx, sub, jobID, outcome.Err)
		}
		delay := d.backoff.Delay(attempts)
		d.log.Warn("variant render failed, retrying", "sub_task_id", sub.ID,
			"attempt", attempts, "backoff", delay, "error", outcome.Err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		sub, parent, skip, err = d.guardVariant(ctx, subID, jobID)
		if err != nil {
			return err
		}
		if skip != "" {
			return d.finalizeVariantSkip(ctx, sub, jobID, skip)
		}
	}
}

// guardVariant is the pre-execution guard for variant work. It also loads the
// parent, since the render needs the parent's script and materials.
func (d *Dispatcher) guardVariant(ctx context.Context, subID, jobID uuid.UUID) (*models.SubTask, *models.Task, string, error) {
	sub, err := d.store.GetSubTask(ctx, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, skipTaskDeleted, nil
		}
		return nil, nil, "", fmt.Errorf("guarding sub-task %s: %w", subID, err)
	}
	if sub.Status != models.StatusProcessing {
		return sub, nil, skipNotProcessing, nil
	}
	if sub.BrokerJobID != nil && *sub.BrokerJobID != jobID {
		return sub, nil, skipSuperseded, nil
	}
	if sub.CancelRequested {
		return sub, nil, skipCancelled, nil
	}

	parent, err := d.store.GetTask(ctx, sub.ParentTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned variant. Cancelling it is the only sane end state.
			return sub, nil, skipCancelled, nil
		}
		return nil, nil, "", fmt.Errorf("guarding parent %s: %w", sub.ParentTaskID, err)
	}
	if parent.CancelRequested {
		return sub, nil, skipCancelled, nil
	}
	return sub, parent, "", nil
}

func (d *Dispatcher) finalizeVariantSkip(ctx context.Context, sub *models.SubTask, jobID uuid.UUID, reason string) error {
	if sub != nil {
		d.log.Info("variant work skipped", "sub_task_id", sub.ID, "reason", reason)
	}
	if reason != skipCancelled || sub == nil {
		return nil
	}
	ok, err := d.patchOwnedSubTask(ctx, sub, jobID, store.SubTaskPatch{
		Status:           store.StatusOf(models.StatusCancelled),
		ClearBrokerJobID: true,
	})
	if err != nil {
		return err
	}
	if ok {
		d.log.Info("variant cancelled", "sub_task_id", sub.ID)
		return d.agg.Recompute(ctx, sub.ParentTaskID)
	}
	return nil
}

func (d *Dispatcher) completeVariant(ctx context.Context, sub *models.SubTask, jobID uuid.UUID) error {
	progress := 100
	ok, err := d.patchOwnedSubTask(ctx, sub, jobID, store.SubTaskPatch{
		Status:           store.StatusOf(models.StatusCompleted),
		Progress:         &progress,
		VideoURL:         sub.VideoURL,
		ClearBrokerJobID: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		d.log.Info("dropping variant result, no longer ours", "sub_task_id", sub.ID)
		return nil
	}
	d.log.Info("variant completed", "sub_task_id", sub.ID, "video_url", sub.VideoURL)
	return d.agg.Recompute(ctx, sub.ParentTaskID)
}

func (d *Dispatcher) failVariant(ctx context.Context, sub *models.SubTask, jobID uuid.UUID, cause error) error {
	msg := cause.Error()
	ok, err := d.patchOwnedSubTask(ctx, sub, jobID, store.SubTaskPatch{
		Status:           store.StatusOf(models.StatusFailed),
		ErrorMessage:     &msg,
		ClearBrokerJobID: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	d.log.Warn("variant failed", "sub_task_id", sub.ID, "error", cause)
	return d.agg.Recompute(ctx, sub.ParentTaskID)
}

// variantReporter converts stage progress, reported on the parent's overall
// bar within [75,100), to the variant's own 0-100 bar.
func (d *Dispatcher) variantReporter(ctx context.Context, sub *models.SubTask, jobID uuid.UUID) ReportFunc {
	return func(p int) {
		lo, hi := models.StageVideoGeneration.ProgressRange()
		clamped := clamp(p, lo, hi-2)
		if clamped != p {
			d.log.Warn("out-of-range variant progress report", "sub_task_id", sub.ID,
				"reported", p, "range_lo", lo, "range_hi", hi)
		}
		scaled := (clamped - lo) * 100 / (100 - lo)
		if scaled <= sub.Progress {
			return
		}
		if _, err := d.patchOwnedSubTask(ctx, sub, jobID, store.SubTaskPatch{Progress: &scaled}); err != nil {
			d.log.Warn("persisting variant progress", "sub_task_id", sub.ID, "error", err)
			return
		}
		if err := d.agg.Recompute(ctx, sub.ParentTaskID); err != nil {
			d.log.Warn("aggregating variant progress", "parent_task_id", sub.ParentTaskID, "error", err)
		}
	}
}

// patchOwnedSubTask mirrors patchOwnedTask for variants.
func (d *Dispatcher) patchOwnedSubTask(ctx context.Context, sub *models.SubTask, jobID uuid.UUID, patch store.SubTaskPatch) (bool, error) {
	for {
		updated, err := d.store.UpdateSubTask(ctx, sub.ID, sub.Version, patch)
		if err == nil {
			*sub = *updated
			return true, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("updating sub-task %s: %w", sub.ID, err)
		}
		fresh, gerr := d.store.GetSubTask(ctx, sub.ID)
		if gerr != nil {
			if errors.Is(gerr, store.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("re-reading sub-task %s: %w", sub.ID, gerr)
		}
		if fresh.Status != models.StatusProcessing {
			return false, nil
		}
		if fresh.BrokerJobID != nil && *fresh.BrokerJobID != jobID {
			return false, nil
		}
		*sub = *fresh
	}
}
