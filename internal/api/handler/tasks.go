package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/api/response"
	"github.com/reelsmith/reelsmith/internal/pipeline"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// TaskService defines the interface the task handlers depend on.
type TaskService interface {
	CreateTask(ctx context.Context, params pipeline.CreateTaskParams) (*models.Task, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*pipeline.TaskStatus, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID) error
}

// NewCreateTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks.
func NewCreateTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MediaRefs []struct {
				URL  string `json:"url"`
				Kind string `json:"kind"`
			} `json:"media_refs"`
			Style        string `json:"style"`
			VariantCount int    `json:"variant_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		params := pipeline.CreateTaskParams{
			Style:        req.Style,
			VariantCount: req.VariantCount,
		}
		for _, ref := range req.MediaRefs {
			params.MediaRefs = append(params.MediaRefs, models.MediaRef{URL: ref.URL, Kind: ref.Kind})
		}

		task, err := svc.CreateTask(r.Context(), params)
		if err != nil {
			var verr *pipeline.ValidationError
			if errors.As(err, &verr) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create task", nil)
			return
		}

		response.Created(w, map[string]any{
			"task_id": task.ID,
			"status":  task.Status,
		})
	}
}

type variantView struct {
	SubTaskID    uuid.UUID     `json:"sub_task_id"`
	VariantStyle string        `json:"variant_style"`
	Status       models.Status `json:"status"`
	Progress     int           `json:"progress"`
	VideoURL     *string       `json:"video_url,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
}

// completedVariantView is the contract shape for completed_variants entries.
type completedVariantView struct {
	ID       uuid.UUID     `json:"id"`
	Style    string        `json:"style"`
	Status   models.Status `json:"status"`
	VideoURL *string       `json:"video_url,omitempty"`
}

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		status, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch task", nil)
			return
		}

		task := status.Task
		completed := make([]completedVariantView, 0, len(status.CompletedVariants))
		for _, sub := range status.CompletedVariants {
			completed = append(completed, completedVariantView{
				ID:       sub.ID,
				Style:    sub.VariantStyle,
				Status:   sub.Status,
				VideoURL: sub.VideoURL,
			})
		}
		body := map[string]any{
			"task_id":            task.ID,
			"status":             task.Status,
			"progress":           task.Progress,
			"current_stage":      task.CurrentStage,
			"style":              task.Style,
			"media_refs":         task.MediaRefs,
			"video_url":          task.VideoURL,
			"error_message":      task.ErrorMessage,
			"retry_count":        task.RetryCount,
			"max_retries":        task.MaxRetries,
			"is_multi_variant":   task.IsMultiVariant,
			"variant_count":      task.VariantCount,
			"partial_success":    task.PartialSuccess,
			"completed_variants": completed,
			"created_at":         task.CreatedAt,
			"started_at":         task.StartedAt,
			"completed_at":       task.CompletedAt,
		}
		if task.IsMultiVariant {
			variants := make([]variantView, 0, len(status.Variants))
			for _, sub := range status.Variants {
				variants = append(variants, variantView{
					SubTaskID:    sub.ID,
					VariantStyle: sub.VariantStyle,
					Status:       sub.Status,
					Progress:     sub.Progress,
					VideoURL:     sub.VideoURL,
					ErrorMessage: sub.ErrorMessage,
				})
			}
			body["variants"] = variants
		}

		response.JSON(w, body)
	}
}

// NewCancelTaskHandler returns an http.HandlerFunc for POST
// /api/v1/tasks/{taskID}/cancel. Cancellation is asynchronous: the 202 only
// acknowledges the intent.
func NewCancelTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
			case errors.Is(err, pipeline.ErrNotCancellable):
				response.Error(w, http.StatusConflict, "NOT_CANCELLABLE", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel task", nil)
			}
			return
		}

		response.Accepted(w, map[string]any{
			"task_id": id,
			"status":  "cancelling",
		})
	}
}

// NewRetryTaskHandler returns an http.HandlerFunc for POST
// /api/v1/tasks/{taskID}/retry.
func NewRetryTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		if err := svc.Retry(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
			case errors.Is(err, pipeline.ErrNotRetryable):
				response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to retry task", nil)
			}
			return
		}

		response.Accepted(w, map[string]any{
			"task_id": id,
			"status":  models.StatusPending,
		})
	}
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "taskID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
