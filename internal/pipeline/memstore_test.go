package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// memStore is an in-memory store.Store with the same CAS, transition, and
// claim semantics as the Postgres implementation.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
	subs  map[uuid.UUID]*models.SubTask

	// progressLog records every persisted task progress value, in write
	// order, so tests can assert on the sequence and not just the final
	// snapshot.
	progressLog map[uuid.UUID][]int

	// failCreateSubTasks injects a fan-out persistence failure.
	failCreateSubTasks error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       make(map[uuid.UUID]*models.Task),
		subs:        make(map[uuid.UUID]*models.SubTask),
		progressLog: make(map[uuid.UUID][]int),
	}
}

// progressHistory returns the persisted progress values of one task in the
// order they were written.
func (m *memStore) progressHistory(id uuid.UUID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progressLog[id]...)
}

func (m *memStore) Ping(context.Context) error { return nil }

func copyTask(t *models.Task) *models.Task {
	c := *t
	return &c
}

func copySubTask(s *models.SubTask) *models.SubTask {
	c := *s
	return &c
}

func (m *memStore) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *memStore) applyTaskPatch(t *models.Task, patch store.TaskPatch) error {
	if patch.Status != nil && *patch.Status != t.Status {
		if !models.ValidTransition(t.Status, *patch.Status) {
			return store.ErrInvalidTransition
		}
		t.Status = *patch.Status
	}
	if patch.Progress != nil {
		t.Progress = *patch.Progress
	}
	if patch.CurrentStage != nil {
		t.CurrentStage = patch.CurrentStage
	}
	if patch.ClearCurrentStage {
		t.CurrentStage = nil
	}
	if patch.MediaRefs != nil {
		t.MediaRefs = patch.MediaRefs
	}
	if patch.Analysis != nil {
		t.Analysis = patch.Analysis
	}
	if patch.Script != nil {
		t.Script = patch.Script
	}
	if patch.VideoURL != nil {
		t.VideoURL = patch.VideoURL
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = patch.ErrorMessage
	}
	if patch.ClearErrorMessage {
		t.ErrorMessage = nil
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.BrokerJobID != nil {
		t.BrokerJobID = patch.BrokerJobID
	}
	if patch.ClearBrokerJobID {
		t.BrokerJobID = nil
	}
	if patch.PartialSuccess != nil {
		t.PartialSuccess = *patch.PartialSuccess
	}
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, id uuid.UUID, expectedVersion int64, patch store.TaskPatch) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Version != expectedVersion {
		return nil, store.ErrConflict
	}
	if err := m.applyTaskPatch(t, patch); err != nil {
		return nil, err
	}
	if patch.Progress != nil {
		m.progressLog[id] = append(m.progressLog[id], *patch.Progress)
	}
	return copyTask(t), nil
}

func (m *memStore) ClaimPendingTask(_ context.Context) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Task
	for _, t := range m.tasks {
		if t.Status != models.StatusPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	oldest.Status = models.StatusProcessing
	if oldest.CurrentStage == nil {
		stage := models.StageMaterialProcessing
		oldest.CurrentStage = &stage
	}
	if oldest.StartedAt == nil {
		now := time.Now().UTC()
		oldest.StartedAt = &now
	}
	oldest.Version++
	oldest.UpdatedAt = time.Now().UTC()
	return copyTask(oldest), nil
}

func (m *memStore) ListActiveTasks(_ context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (m *memStore) ListProcessingTasksWithJobs(_ context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status == models.StatusProcessing && t.BrokerJobID != nil {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func (m *memStore) CreateSubTasks(_ context.Context, parentID uuid.UUID, expectedVersion int64, patch store.TaskPatch, subs []*models.SubTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.tasks[parentID]
	if !ok {
		return store.ErrNotFound
	}
	if parent.Version != expectedVersion {
		return store.ErrConflict
	}
	if m.failCreateSubTasks != nil {
		return m.failCreateSubTasks
	}
	if err := m.applyTaskPatch(parent, patch); err != nil {
		return err
	}
	for _, sub := range subs {
		m.subs[sub.ID] = copySubTask(sub)
	}
	return nil
}

func (m *memStore) GetSubTask(_ context.Context, id uuid.UUID) (*models.SubTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySubTask(s), nil
}

func (m *memStore) UpdateSubTask(_ context.Context, id uuid.UUID, expectedVersion int64, patch store.SubTaskPatch) (*models.SubTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.Version != expectedVersion {
		return nil, store.ErrConflict
	}
	if patch.Status != nil && *patch.Status != s.Status {
		if !models.ValidTransition(s.Status, *patch.Status) {
			return nil, store.ErrInvalidTransition
		}
		s.Status = *patch.Status
	}
	if patch.Progress != nil {
		s.Progress = *patch.Progress
	}
	if patch.ErrorMessage != nil {
		s.ErrorMessage = patch.ErrorMessage
	}
	if patch.VideoURL != nil {
		s.VideoURL = patch.VideoURL
	}
	if patch.BrokerJobID != nil {
		s.BrokerJobID = patch.BrokerJobID
	}
	if patch.ClearBrokerJobID {
		s.BrokerJobID = nil
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return copySubTask(s), nil
}

func (m *memStore) ClaimPendingSubTask(_ context.Context) (*models.SubTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.SubTask
	for _, s := range m.subs {
		if s.Status != models.StatusPending {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	oldest.Status = models.StatusProcessing
	oldest.Version++
	oldest.UpdatedAt = time.Now().UTC()
	return copySubTask(oldest), nil
}

func (m *memStore) ListSubTasks(_ context.Context, parentID uuid.UUID) ([]*models.SubTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubTask
	for _, s := range m.subs {
		if s.ParentTaskID == parentID {
			out = append(out, copySubTask(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListProcessingSubTasksWithJobs(_ context.Context) ([]*models.SubTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SubTask
	for _, s := range m.subs {
		if s.Status == models.StatusProcessing && s.BrokerJobID != nil {
			out = append(out, copySubTask(s))
		}
	}
	return out, nil
}

func (m *memStore) RequestCancel(_ context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	for _, s := range m.subs {
		if s.ParentTaskID == taskID && !s.Status.Terminal() {
			s.CancelRequested = true
			s.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// backdate rewinds a record's updated_at so sweeper tests can age it past the
// grace period.
func (m *memStore) backdate(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.UpdatedAt = t.UpdatedAt.Add(-d)
	}
	if s, ok := m.subs[id]; ok {
		s.UpdatedAt = s.UpdatedAt.Add(-d)
	}
}

var _ store.Store = (*memStore)(nil)
