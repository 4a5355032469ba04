package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

var (
	// ErrNotCancellable means the task already reached a terminal state.
	ErrNotCancellable = errors.New("task is not cancellable")
	// ErrNotRetryable means the task is not failed, or its retry budget is
	// spent.
	ErrNotRetryable = errors.New("task is not retryable")
)

var validKinds = map[string]bool{
	"document": true,
	"image":    true,
	"audio":    true,
	"video":    true,
}

const maxMediaRefs = 20

// CreateTaskParams holds the caller's request for a new pipeline run.
type CreateTaskParams struct {
	MediaRefs    []models.MediaRef
	Style        string
	VariantCount int
}

// TaskStatus is the full external view of one task and its variants.
// CompletedVariants is the subset of Variants that reached completed, in
// listing order.
type TaskStatus struct {
	Task              *models.Task
	Variants          []*models.SubTask
	CompletedVariants []*models.SubTask
}

// Service is the API-facing surface of the pipeline: create, inspect,
// cancel, retry. Execution itself belongs to the Dispatcher.
type Service struct {
	store store.Store
	cache cache.Cache
	cfg   config.PipelineConfig
	log   *slog.Logger
}

func NewService(st store.Store, ca cache.Cache, cfg config.PipelineConfig, log *slog.Logger) *Service {
	return &Service{store: st, cache: ca, cfg: cfg, log: log}
}

// CreateTask validates the request and enqueues a pending task. The
// dispatcher picks it up on its next poll.
func (s *Service) CreateTask(ctx context.Context, params CreateTaskParams) (*models.Task, error) {
	if err := s.validateCreate(params); err != nil {
		return nil, err
	}

	variants := params.VariantCount
	if variants < 1 {
		variants = 1
	}
	style := params.Style
	if style == "" {
		style = "standard"
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:             uuid.New(),
		Status:         models.StatusPending,
		Progress:       0,
		MediaRefs:      params.MediaRefs,
		Style:          style,
		MaxRetries:     s.cfg.MaxRetries,
		IsMultiVariant: variants > 1,
		VariantCount:   variants,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	_ = s.cache.SetTaskStatus(ctx, task.ID, models.StatusPending, statusCacheTTL)

	s.log.Info("task created", "task_id", task.ID, "materials", len(task.MediaRefs),
		"style", task.Style, "variants", task.VariantCount)
	return task, nil
}

func (s *Service) validateCreate(params CreateTaskParams) error {
	if len(params.MediaRefs) == 0 {
		return &ValidationError{Msg: "at least one media reference is required"}
	}
	if len(params.MediaRefs) > maxMediaRefs {
		return &ValidationError{Msg: fmt.Sprintf("at most %d media references are allowed", maxMediaRefs)}
	}
	for i, ref := range params.MediaRefs {
		if ref.URL == "" {
			return &ValidationError{Msg: fmt.Sprintf("media reference %d has no url", i)}
		}
		if !validKinds[ref.Kind] {
			return &ValidationError{Msg: fmt.Sprintf("media reference %d has unknown kind %q", i, ref.Kind)}
		}
	}
	if params.VariantCount < 0 {
		return &ValidationError{Msg: "variant_count must not be negative"}
	}
	if params.VariantCount > s.cfg.MaxVariantCount {
		return &ValidationError{Msg: fmt.Sprintf("variant_count must be at most %d", s.cfg.MaxVariantCount)}
	}
	return nil
}

// GetStatus returns the task with its variant set. The store is
// authoritative; the cache only serves as a status mirror for other
// consumers.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*TaskStatus, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &TaskStatus{Task: task}
	if task.IsMultiVariant {
		subs, err := s.store.ListSubTasks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("listing variants of %s: %w", id, err)
		}
		status.Variants = subs
		for _, sub := range subs {
			if sub.Status == models.StatusCompleted {
				status.CompletedVariants = append(status.CompletedVariants, sub)
			}
		}
	}
	return status, nil
}

// Cancel requests cooperative cancellation. A pending task is cancelled on
// the spot; a processing task keeps its intent flag and reaches cancelled at
// the next stage boundary.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, task.Status)
	}

	if err := s.store.RequestCancel(ctx, id); err != nil {
		return fmt.Errorf("requesting cancel of %s: %w", id, err)
	}

	if task.Status == models.StatusPending {
		now := time.Now().UTC()
		_, err := s.store.UpdateTask(ctx, id, task.Version, store.TaskPatch{
			Status:      store.StatusOf(models.StatusCancelled),
			CompletedAt: &now,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cancelling pending task %s: %w", id, err)
		}
		// A conflict means the dispatcher claimed it; the intent flag takes
		// over from there.
		if err == nil {
			_ = s.cache.SetTaskStatus(ctx, id, models.StatusCancelled, statusCacheTTL)
		}
	}

	s.log.Info("cancellation requested", "task_id", id, "status", task.Status)
	return nil
}

// Retry re-runs a failed task from its failed stage. Earlier stage outputs
// are still on the row, so nothing completed is recomputed.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusFailed {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return fmt.Errorf("%w: retry budget exhausted (%d of %d)", ErrNotRetryable, task.RetryCount, task.MaxRetries)
	}

	retries := task.RetryCount + 1
	_, err = s.store.UpdateTask(ctx, id, task.Version, store.TaskPatch{
		Status:            store.StatusOf(models.StatusPending),
		RetryCount:        &retries,
		ClearErrorMessage: true,
		ClearBrokerJobID:  true,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: task changed concurrently", ErrNotRetryable)
		}
		return fmt.Errorf("retrying task %s: %w", id, err)
	}
	_ = s.cache.SetTaskStatus(ctx, id, models.StatusPending, statusCacheTTL)

	s.log.Info("task queued for retry", "task_id", id, "stage", task.CurrentStage, "retry_count", retries)
	return nil
}
