package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

func newService(st *memStore) *Service {
	return NewService(st, fakeCache{}, testPipelineConfig(), testLogger())
}

func TestService_CreateTask(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task, err := svc.CreateTask(ctx, CreateTaskParams{
		MediaRefs:    someRefs(),
		Style:        "documentary",
		VariantCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Zero(t, task.Progress)
	assert.True(t, task.IsMultiVariant)
	assert.Equal(t, 3, task.VariantCount)
	assert.Equal(t, testPipelineConfig().MaxRetries, task.MaxRetries)

	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestService_CreateTaskDefaults(t *testing.T) {
	ctx := context.Background()
	svc := newService(newMemStore())

	task, err := svc.CreateTask(ctx, CreateTaskParams{MediaRefs: someRefs()})
	require.NoError(t, err)
	assert.Equal(t, "standard", task.Style)
	assert.False(t, task.IsMultiVariant)
	assert.Equal(t, 1, task.VariantCount)
}

func TestService_CreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService(newMemStore())

	tests := []struct {
		name   string
		params CreateTaskParams
		want   string
	}{
		{"no refs", CreateTaskParams{}, "at least one media reference"},
		{"empty url", CreateTaskParams{MediaRefs: []models.MediaRef{{Kind: "image"}}}, "has no url"},
		{"bad kind", CreateTaskParams{MediaRefs: []models.MediaRef{{URL: "https://x/y", Kind: "hologram"}}}, "unknown kind"},
		{"negative variants", CreateTaskParams{MediaRefs: someRefs(), VariantCount: -1}, "must not be negative"},
		{"too many variants", CreateTaskParams{MediaRefs: someRefs(), VariantCount: 99}, "at most"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTask(ctx, tt.params)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.want)
		})
	}
}

func TestService_GetStatusListsCompletedVariants(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	parent := seedFannedOut(t, st, 3,
		[]int{100, 100, 0},
		[]models.Status{models.StatusCompleted, models.StatusCompleted, models.StatusFailed})

	status, err := svc.GetStatus(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, status.Variants, 3)
	require.Len(t, status.CompletedVariants, 2)
	for _, sub := range status.CompletedVariants {
		assert.Equal(t, models.StatusCompleted, sub.Status)
	}
}

func TestService_GetStatusNotFound(t *testing.T) {
	svc := newService(newMemStore())
	_, err := svc.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_CancelPendingTaskImmediately(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task, err := svc.CreateTask(ctx, CreateTaskParams{MediaRefs: someRefs()})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestService_CancelProcessingSetsIntentOnly(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task, err := svc.CreateTask(ctx, CreateTaskParams{MediaRefs: someRefs()})
	require.NoError(t, err)
	_, err = st.ClaimPendingTask(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestService_CancelTerminalTask(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task := newTask(someRefs(), "documentary", 1)
	task.Status = models.StatusCompleted
	require.NoError(t, st.CreateTask(ctx, task))

	err := svc.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestService_RetryFailedTask(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task := newTask(someRefs(), "documentary", 1)
	task.Status = models.StatusFailed
	stage := models.StageScriptGeneration
	task.CurrentStage = &stage
	msg := "script provider down"
	task.ErrorMessage = &msg
	task.RetryCount = 1
	require.NoError(t, st.CreateTask(ctx, task))

	require.NoError(t, svc.Retry(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CurrentStage)
	assert.Equal(t, models.StageScriptGeneration, *got.CurrentStage)
}

func TestService_RetryRejectsNonFailed(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task := newTask(someRefs(), "documentary", 1)
	require.NoError(t, st.CreateTask(ctx, task))

	err := svc.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestService_RetryRejectsExhaustedBudget(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newService(st)

	task := newTask(someRefs(), "documentary", 1)
	task.Status = models.StatusFailed
	task.RetryCount = task.MaxRetries
	require.NoError(t, st.CreateTask(ctx, task))

	err := svc.Retry(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
	assert.Contains(t, err.Error(), "budget exhausted")
}
