package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when an optimistic-concurrency update loses the
	// race: the row's version no longer matches the caller's expected version.
	// The losing writer must re-read before retrying its own mutation.
	ErrConflict = errors.New("version conflict")
	// ErrInvalidTransition is returned when a status update would take an edge
	// that is not part of the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the data access interface. All database operations go through here.
// Every update is compare-and-swapped against the row version so the
// dispatcher and the reconciliation sweeper can race safely.
type Store interface {
	Ping(ctx context.Context) error

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, expectedVersion int64, patch TaskPatch) (*models.Task, error)
	// ClaimPendingTask atomically picks the oldest pending task and moves it
	// to processing. Returns ErrNotFound when no task is claimable.
	ClaimPendingTask(ctx context.Context) (*models.Task, error)
	ListActiveTasks(ctx context.Context) ([]*models.Task, error)
	ListProcessingTasksWithJobs(ctx context.Context) ([]*models.Task, error)

	// CreateSubTasks inserts the variant set atomically with the parent's
	// stage transition: either the parent patch and all N rows commit, or
	// nothing does.
	CreateSubTasks(ctx context.Context, parentID uuid.UUID, expectedVersion int64, patch TaskPatch, subs []*models.SubTask) error
	GetSubTask(ctx context.Context, id uuid.UUID) (*models.SubTask, error)
	UpdateSubTask(ctx context.Context, id uuid.UUID, expectedVersion int64, patch SubTaskPatch) (*models.SubTask, error)
	ClaimPendingSubTask(ctx context.Context) (*models.SubTask, error)
	ListSubTasks(ctx context.Context, parentID uuid.UUID) ([]*models.SubTask, error)
	ListProcessingSubTasksWithJobs(ctx context.Context) ([]*models.SubTask, error)

	// RequestCancel sets the cancellation intent flag on a task and cascades
	// it to every non-terminal sub-task. The flag is monotonic, so this is
	// the one mutation that does not need a version check.
	RequestCancel(ctx context.Context, taskID uuid.UUID) error
}

// TaskPatch describes a partial task mutation. Nil fields are left untouched;
// Clear* flags set nullable columns back to NULL.
type TaskPatch struct {
	Status            *models.Status
	Progress          *int
	CurrentStage      *models.Stage
	ClearCurrentStage bool
	MediaRefs         []models.MediaRef
	Analysis          *string
	Script            *string
	VideoURL          *string
	ErrorMessage      *string
	ClearErrorMessage bool
	RetryCount        *int
	BrokerJobID       *uuid.UUID
	ClearBrokerJobID  bool
	PartialSuccess    *bool
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// SubTaskPatch describes a partial sub-task mutation.
type SubTaskPatch struct {
	Status           *models.Status
	Progress         *int
	ErrorMessage     *string
	VideoURL         *string
	BrokerJobID      *uuid.UUID
	ClearBrokerJobID bool
}

func ptr[T any](v T) *T { return &v }

// StatusOf is a convenience for building patches.
func StatusOf(s models.Status) *models.Status { return ptr(s) }

// IntOf is a convenience for building patches.
func IntOf(i int) *int { return ptr(i) }

// StringOf is a convenience for building patches.
func StringOf(s string) *string { return ptr(s) }
