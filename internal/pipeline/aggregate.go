package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Aggregator derives a multi-variant parent's progress and terminal state
// from its variant set. It is recomputed from scratch on every variant event,
// so running it twice against the same snapshot is a no-op.
type Aggregator struct {
	store store.Store
	log   *slog.Logger
}

func NewAggregator(st store.Store, log *slog.Logger) *Aggregator {
	return &Aggregator{store: st, log: log}
}

// Recompute reloads the parent and its variants and applies the derived
// state. A CAS conflict means a concurrent event already moved the parent;
// recompute against the fresh snapshot and try again.
func (a *Aggregator) Recompute(ctx context.Context, parentID uuid.UUID) error {
	for attempt := 0; attempt < 3; attempt++ {
		parent, err := a.store.GetTask(ctx, parentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("aggregating task %s: %w", parentID, err)
		}
		if parent.Status.Terminal() || !parent.IsMultiVariant {
			return nil
		}

		subs, err := a.store.ListSubTasks(ctx, parentID)
		if err != nil {
			return fmt.Errorf("listing variants of %s: %w", parentID, err)
		}
		if len(subs) == 0 {
			// Fan-out has not happened yet.
			return nil
		}

		patch, changed := a.derive(parent, subs)
		if !changed {
			return nil
		}

		_, err = a.store.UpdateTask(ctx, parentID, parent.Version, patch)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("applying aggregate to %s: %w", parentID, err)
	}
	// Lost three races in a row; the next variant event recomputes anyway.
	a.log.Warn("aggregation retries exhausted", "task_id", parentID)
	return nil
}

func (a *Aggregator) derive(parent *models.Task, subs []*models.SubTask) (store.TaskPatch, bool) {
	n := len(subs)
	sum := 0
	allTerminal := true
	completed, cancelled := 0, 0
	var videoURL *string
	for _, sub := range subs {
		sum += sub.Progress
		switch sub.Status {
		case models.StatusCompleted:
			completed++
			if videoURL == nil {
				videoURL = sub.VideoURL
			}
		case models.StatusCancelled:
			cancelled++
		case models.StatusFailed:
		default:
			allTerminal = false
		}
	}

	lo, _ := models.StageVideoGeneration.ProgressRange()
	progress := lo + ((100-lo)*sum)/(100*n)

	patch := store.TaskPatch{}
	changed := false

	if !allTerminal {
		if progress > parent.Progress {
			patch.Progress = &progress
			changed = true
		}
		return patch, changed
	}

	switch {
	case completed > 0:
		// One finished variant is a deliverable; the rest are a partial loss,
		// not a failure.
		now := time.Now().UTC()
		full := 100
		partial := completed < n
		patch.Status = store.StatusOf(models.StatusCompleted)
		patch.Progress = &full
		patch.PartialSuccess = &partial
		patch.VideoURL = videoURL
		patch.CompletedAt = &now
		a.log.Info("multi-variant task completed", "task_id", parent.ID,
			"completed", completed, "variants", n, "partial_success", partial)
	case cancelled > 0:
		now := time.Now().UTC()
		patch.Status = store.StatusOf(models.StatusCancelled)
		patch.CompletedAt = &now
		a.log.Info("multi-variant task cancelled", "task_id", parent.ID, "cancelled", cancelled, "variants", n)
	default:
		msg := fmt.Sprintf("all %d variants failed", n)
		patch.Status = store.StatusOf(models.StatusFailed)
		patch.ErrorMessage = &msg
		if progress > parent.Progress {
			patch.Progress = &progress
		}
		a.log.Warn("multi-variant task failed", "task_id", parent.ID, "variants", n)
	}
	return patch, true
}
