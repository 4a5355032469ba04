package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, status, progress, current_stage, media_refs, style, analysis, script,
	video_url, error_message, retry_count, max_retries, broker_job_id, is_multi_variant,
	variant_count, partial_success, cancel_requested, version, created_at, updated_at,
	started_at, completed_at`

const subTaskColumns = `id, parent_task_id, variant_style, status, progress, error_message,
	video_url, broker_job_id, cancel_requested, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var refs []byte
	if err := row.Scan(&t.ID, &t.Status, &t.Progress, &t.CurrentStage, &refs, &t.Style,
		&t.Analysis, &t.Script, &t.VideoURL, &t.ErrorMessage, &t.RetryCount, &t.MaxRetries,
		&t.BrokerJobID, &t.IsMultiVariant, &t.VariantCount, &t.PartialSuccess,
		&t.CancelRequested, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt,
		&t.CompletedAt); err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &t.MediaRefs); err != nil {
			return nil, fmt.Errorf("decode media refs: %w", err)
		}
	}
	return &t, nil
}

func scanSubTask(row rowScanner) (*models.SubTask, error) {
	var st models.SubTask
	if err := row.Scan(&st.ID, &st.ParentTaskID, &st.VariantStyle, &st.Status, &st.Progress,
		&st.ErrorMessage, &st.VideoURL, &st.BrokerJobID, &st.CancelRequested, &st.Version,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	refs, err := json.Marshal(task.MediaRefs)
	if err != nil {
		return fmt.Errorf("encode media refs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, progress, media_refs, style, retry_count, max_retries,
			is_multi_variant, variant_count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		task.ID, task.Status, task.Progress, refs, task.Style, task.RetryCount,
		task.MaxRetries, task.IsMultiVariant, task.VariantCount, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	task.Version = 1
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id uuid.UUID, expectedVersion int64, patch TaskPatch) (*models.Task, error) {
	if patch.Status != nil {
		var current models.Status
		err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get task status: %w", err)
		}
		if current != *patch.Status && !models.ValidTransition(current, *patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *patch.Status)
		}
	}

	query := `UPDATE tasks SET version = version + 1, updated_at = $3`
	args := []any{id, expectedVersion, time.Now().UTC()}
	idx := 4

	add := func(col string, val any) {
		query += fmt.Sprintf(", %s = $%d", col, idx)
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.CurrentStage != nil {
		add("current_stage", *patch.CurrentStage)
	} else if patch.ClearCurrentStage {
		query += ", current_stage = NULL"
	}
	if patch.MediaRefs != nil {
		refs, err := json.Marshal(patch.MediaRefs)
		if err != nil {
			return nil, fmt.Errorf("encode media refs: %w", err)
		}
		add("media_refs", refs)
	}
	if patch.Analysis != nil {
		add("analysis", *patch.Analysis)
	}
	if patch.Script != nil {
		add("script", *patch.Script)
	}
	if patch.VideoURL != nil {
		add("video_url", *patch.VideoURL)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	} else if patch.ClearErrorMessage {
		query += ", error_message = NULL"
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.BrokerJobID != nil {
		add("broker_job_id", *patch.BrokerJobID)
	} else if patch.ClearBrokerJobID {
		query += ", broker_job_id = NULL"
	}
	if patch.PartialSuccess != nil {
		add("partial_success", *patch.PartialSuccess)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}

	query += ` WHERE id = $1 AND version = $2 RETURNING ` + taskColumns

	row := s.pool.QueryRow(ctx, query, args...)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or another writer bumped the version.
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ClaimPendingTask(ctx context.Context) (*models.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id FROM tasks WHERE status = 'pending'
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	var id uuid.UUID
	if err := row.Scan(&id); errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("select claimable task: %w", err)
	}

	now := time.Now().UTC()
	row = tx.QueryRow(
		ctx,
		`UPDATE tasks SET status = 'processing',
			started_at = COALESCE(started_at, $2),
			current_stage = COALESCE(current_stage, 'material_processing'),
			version = version + 1, updated_at = $2
		 WHERE id = $1 RETURNING `+taskColumns, id, now)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending', 'processing') ORDER BY created_at ASC`)
}

func (s *PostgresStore) ListProcessingTasksWithJobs(ctx context.Context) ([]*models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'processing' AND broker_job_id IS NOT NULL`)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Sub-tasks ---

func (s *PostgresStore) CreateSubTasks(ctx context.Context, parentID uuid.UUID, expectedVersion int64, patch TaskPatch, subs []*models.SubTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fan-out: %w", err)
	}
	defer tx.Rollback(ctx)

	// Parent transition first: the version guard makes the whole fan-out lose
	// cleanly if anyone else touched the parent.
	query := `UPDATE tasks SET version = version + 1, updated_at = $3`
	args := []any{parentID, expectedVersion, time.Now().UTC()}
	idx := 4
	if patch.CurrentStage != nil {
		query += fmt.Sprintf(", current_stage = $%d", idx)
		args = append(args, *patch.CurrentStage)
		idx++
	}
	if patch.Progress != nil {
		query += fmt.Sprintf(", progress = $%d", idx)
		args = append(args, *patch.Progress)
		idx++
	}
	if patch.Script != nil {
		query += fmt.Sprintf(", script = $%d", idx)
		args = append(args, *patch.Script)
		idx++
	}
	if patch.ClearBrokerJobID {
		query += ", broker_job_id = NULL"
	}
	query += ` WHERE id = $1 AND version = $2`

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fan-out parent update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTask(ctx, parentID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}

	for _, st := range subs {
		_, err := tx.Exec(ctx,
			`INSERT INTO sub_tasks (id, parent_task_id, variant_style, status, progress, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
			st.ID, st.ParentTaskID, st.VariantStyle, st.Status, st.Progress, st.CreatedAt, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert sub-task: %w", err)
		}
		st.Version = 1
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fan-out: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubTask(ctx context.Context, id uuid.UUID) (*models.SubTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subTaskColumns+` FROM sub_tasks WHERE id = $1`, id)
	st, err := scanSubTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-task: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpdateSubTask(ctx context.Context, id uuid.UUID, expectedVersion int64, patch SubTaskPatch) (*models.SubTask, error) {
	if patch.Status != nil {
		var current models.Status
		err := s.pool.QueryRow(ctx, `SELECT status FROM sub_tasks WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get sub-task status: %w", err)
		}
		if current != *patch.Status && !models.ValidTransition(current, *patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *patch.Status)
		}
	}

	query := `UPDATE sub_tasks SET version = version + 1, updated_at = $3`
	args := []any{id, expectedVersion, time.Now().UTC()}
	idx := 4

	add := func(col string, val any) {
		query += fmt.Sprintf(", %s = $%d", col, idx)
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.VideoURL != nil {
		add("video_url", *patch.VideoURL)
	}
	if patch.BrokerJobID != nil {
		add("broker_job_id", *patch.BrokerJobID)
	} else if patch.ClearBrokerJobID {
		query += ", broker_job_id = NULL"
	}

	query += ` WHERE id = $1 AND version = $2 RETURNING ` + subTaskColumns

	row := s.pool.QueryRow(ctx, query, args...)
	st, err := scanSubTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetSubTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update sub-task: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ClaimPendingSubTask(ctx context.Context) (*models.SubTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sub-task claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id FROM sub_tasks WHERE status = 'pending'
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	var id uuid.UUID
	if err := row.Scan(&id); errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("select claimable sub-task: %w", err)
	}

	row = tx.QueryRow(ctx,
		`UPDATE sub_tasks SET status = 'processing', version = version + 1, updated_at = $2
		 WHERE id = $1 RETURNING `+subTaskColumns, id, time.Now().UTC())
	st, err := scanSubTask(row)
	if err != nil {
		return nil, fmt.Errorf("claim sub-task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sub-task claim: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListSubTasks(ctx context.Context, parentID uuid.UUID) ([]*models.SubTask, error) {
	return s.listSubTasks(ctx,
		`SELECT `+subTaskColumns+` FROM sub_tasks WHERE parent_task_id = $1 ORDER BY created_at ASC, id ASC`, parentID)
}

func (s *PostgresStore) ListProcessingSubTasksWithJobs(ctx context.Context) ([]*models.SubTask, error) {
	return s.listSubTasks(ctx,
		`SELECT `+subTaskColumns+` FROM sub_tasks WHERE status = 'processing' AND broker_job_id IS NOT NULL`)
}

func (s *PostgresStore) listSubTasks(ctx context.Context, query string, args ...any) ([]*models.SubTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sub-tasks: %w", err)
	}
	defer rows.Close()

	var subs []*models.SubTask
	for rows.Next() {
		st, err := scanSubTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-task: %w", err)
		}
		subs = append(subs, st)
	}
	return subs, rows.Err()
}

// --- Cancellation intent ---

func (s *PostgresStore) RequestCancel(ctx context.Context, taskID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET cancel_requested = TRUE, updated_at = $2
		 WHERE id = $1`, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE sub_tasks SET cancel_requested = TRUE, updated_at = $2
		 WHERE parent_task_id = $1 AND status IN ('pending', 'processing')`,
		taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cascade cancel: %w", err)
	}

	return tx.Commit(ctx)
}

var _ Store = (*PostgresStore)(nil)
