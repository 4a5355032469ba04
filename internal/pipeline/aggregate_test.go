package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

func taskProgressPatch(p int) store.TaskPatch {
	return store.TaskPatch{Progress: &p}
}

func seedFannedOut(t *testing.T, st *memStore, variants int, progress []int, statuses []models.Status) *models.Task {
	t.Helper()
	ctx := context.Background()

	task := newTask(someRefs(), "documentary", variants)
	task.Status = models.StatusProcessing
	stage := models.StageVideoGeneration
	task.CurrentStage = &stage
	task.Progress = 75
	require.NoError(t, st.CreateTask(ctx, task))

	now := time.Now().UTC()
	for i := 0; i < variants; i++ {
		url := "https://videos.test/v.mp4"
		sub := &models.SubTask{
			ID:           uuid.New(),
			ParentTaskID: task.ID,
			VariantStyle: "documentary",
			Status:       statuses[i],
			Progress:     progress[i],
			Version:      1,
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:    now,
		}
		if statuses[i] == models.StatusCompleted {
			sub.VideoURL = &url
		}
		st.mu.Lock()
		st.subs[sub.ID] = sub
		st.mu.Unlock()
	}
	return task
}

func TestAggregator_ProgressFormula(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	// 3 variants at 100, 40, 0 => 75 + 25 * (140/100) / 3 = 86.
	task := seedFannedOut(t, st, 3,
		[]int{100, 40, 0},
		[]models.Status{models.StatusCompleted, models.StatusProcessing, models.StatusPending})

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 86, got.Progress)
}

func TestAggregator_TwoOfThreeCompleted(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 3,
		[]int{100, 100, 0},
		[]models.Status{models.StatusCompleted, models.StatusCompleted, models.StatusFailed})

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.PartialSuccess)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.VideoURL)
	assert.NotNil(t, got.CompletedAt)
}

func TestAggregator_AllFailed(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 2,
		[]int{30, 0},
		[]models.Status{models.StatusFailed, models.StatusFailed})

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "all 2 variants failed")
}

func TestAggregator_CancelledWinsOverFailedWhenNoneCompleted(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 2,
		[]int{0, 0},
		[]models.Status{models.StatusFailed, models.StatusCancelled})

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestAggregator_CompletedBeatsCancelled(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 2,
		[]int{100, 0},
		[]models.Status{models.StatusCompleted, models.StatusCancelled})

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.PartialSuccess)
}

func TestAggregator_IdempotentOnTerminalParent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 2,
		[]int{100, 100},
		[]models.Status{models.StatusCompleted, models.StatusCompleted})

	require.NoError(t, agg.Recompute(ctx, task.ID))
	first, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)

	// Second recompute over the unchanged snapshot writes nothing.
	require.NoError(t, agg.Recompute(ctx, task.ID))
	second, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestAggregator_NeverDecreasesProgress(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := seedFannedOut(t, st, 2,
		[]int{10, 0},
		[]models.Status{models.StatusProcessing, models.StatusPending})

	// Parent already reported further than the formula yields.
	_, err := st.UpdateTask(ctx, task.ID, 1, taskProgressPatch(90))
	require.NoError(t, err)

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.Progress)
}

func TestAggregator_NoVariantsIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	agg := NewAggregator(st, testLogger())

	task := newTask(someRefs(), "documentary", 3)
	task.Status = models.StatusProcessing
	require.NoError(t, st.CreateTask(ctx, task))

	require.NoError(t, agg.Recompute(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}
