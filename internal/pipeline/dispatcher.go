package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/broker"
	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/objstore"
	"github.com/reelsmith/reelsmith/internal/render"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Skip reasons returned by the pre-execution guard. Only a cancellation skip
// needs a finalizing write; the others mean someone else owns the record now.
const (
	skipTaskDeleted   = "task deleted"
	skipNotProcessing = "no longer processing"
	skipSuperseded    = "superseded by another job"
	skipCancelled     = "cancellation requested"
)

const statusCacheTTL = 30 * time.Minute

// Dispatcher owns the task state machine. It claims pending work, hands stage
// execution to the broker, and is the only writer of forward status
// transitions. Every write is a version CAS, so a result arriving after a
// cancel, sweep, or retry loses the race and is dropped instead of applied.
type Dispatcher struct {
	store   store.Store
	broker  broker.Broker
	cache   cache.Cache
	stages  []Stage
	backoff BackoffPolicy
	cfg     config.PipelineConfig
	agg     *Aggregator
	log     *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(st store.Store, br broker.Broker, ca cache.Cache, stages []Stage, agg *Aggregator, cfg config.PipelineConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		broker:  br,
		cache:   ca,
		stages:  stages,
		backoff: NewBackoffPolicy(cfg),
		cfg:     cfg,
		agg:     agg,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start launches the poll loop. Claimed work runs on the broker's pool, not
// on the poll goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.dispatchOnce(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for it. In-flight broker jobs are the
// broker's to drain.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	for {
		task, err := d.store.ClaimPendingTask(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.log.Error("claiming pending task", "error", err)
			}
			break
		}
		d.submitTask(ctx, task)
	}
	for {
		sub, err := d.store.ClaimPendingSubTask(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.log.Error("claiming pending sub-task", "error", err)
			}
			break
		}
		d.submitVariant(ctx, sub)
	}
}

// submitTask registers one broker job that walks the task through its
// remaining stages. The job blocks on idReady until the job id is persisted,
// so by the time any stage runs the store already knows which job owns the
// task.
func (d *Dispatcher) submitTask(ctx context.Context, task *models.Task) {
	idReady := make(chan uuid.UUID, 1)
	job := broker.Job{
		TaskID: task.ID,
		Stage:  stageOrDefault(task.CurrentStage),
		Run: func(jctx context.Context) error {
			select {
			case jobID := <-idReady:
				return d.runTask(jctx, task.ID, jobID)
			case <-jctx.Done():
				return jctx.Err()
			}
		},
	}

	jobID, err := d.broker.Submit(ctx, job)
	if err != nil {
		d.log.Error("submitting task to broker", "task_id", task.ID, "error", err)
		msg := fmt.Sprintf("submitting stage work: %v", err)
		_, _ = d.store.UpdateTask(ctx, task.ID, task.Version, store.TaskPatch{
			Status:       store.StatusOf(models.StatusFailed),
			ErrorMessage: &msg,
		})
		return
	}

	if _, err := d.store.UpdateTask(ctx, task.ID, task.Version, store.TaskPatch{BrokerJobID: &jobID}); err != nil {
		d.log.Warn("persisting broker job id", "task_id", task.ID, "job_id", jobID, "error", err)
	}
	idReady <- jobID

	d.log.Info("task dispatched", "task_id", task.ID, "job_id", jobID, "stage", stageOrDefault(task.CurrentStage))
}

func stageOrDefault(s *models.Stage) models.Stage {
	if s == nil {
		return models.StageMaterialProcessing
	}
	return *s
}

// runTask walks the task through stages until it finishes, fails, fans out,
// or a guard skips it. Runs inside one broker job; ctx is cancelled when the
// job is revoked.
func (d *Dispatcher) runTask(ctx context.Context, taskID, jobID uuid.UUID) error {
	for {
		task, skip, err := d.guardTask(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		if skip != "" {
			return d.finalizeTaskSkip(ctx, task, jobID, skip)
		}

		stage := d.stageFor(stageOrDefault(task.CurrentStage))
		if stage == nil {
			cerr := &ConsistencyError{Op: "dispatch", Err: fmt.Errorf("unknown stage %v", task.CurrentStage)}
			return d.failTask(ctx, task, jobID, cerr)
		}

		// A multi-variant parent never renders itself; its video stage is the
		// variant set. Reaching here means a retry re-entered the fan-out
		// boundary.
		if stage.Name() == models.StageVideoGeneration && task.IsMultiVariant {
			return d.resumeVariants(ctx, task, jobID)
		}

		work := &Work{Task: task}
		outcome := d.executeStage(ctx, stage, work, d.taskReporter(ctx, task, jobID, stage))

		// Bounded automatic retry: stay in processing, back off, re-run the
		// same stage. The retry budget is durable so a crash cannot reset it.
		for outcome.Kind == OutcomeRetryable {
			if task.RetryCount >= task.MaxRetries {
				d.log.Warn("retry budget exhausted", "task_id", task.ID, "stage", stage.Name(), "error", outcome.Err)
				return d.failTask(ctx, task, jobID, outcome.Err)
			}
			attempt := task.RetryCount + 1
			if ok, perr := d.patchOwnedTask(ctx, task, jobID, store.TaskPatch{RetryCount: &attempt}); perr != nil {
				return perr
			} else if !ok {
				d.log.Info("dropping retry, task no longer ours", "task_id", task.ID)
				return nil
			}
			delay := d.backoff.Delay(attempt)
			d.log.Warn("stage failed, retrying", "task_id", task.ID, "stage", stage.Name(),
				"attempt", attempt, "backoff", delay, "error", outcome.Err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

			task, skip, err = d.guardTask(ctx, taskID, jobID)
			if err != nil {
				return err
			}
			if skip != "" {
				return d.finalizeTaskSkip(ctx, task, jobID, skip)
			}
			work = &Work{Task: task}
			outcome = d.executeStage(ctx, stage, work, d.taskReporter(ctx, task, jobID, stage))
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			done, err := d.applyStageSuccess(ctx, task, jobID, stage, outcome)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// next stage on the next loop iteration
		case OutcomeTerminal:
			return d.failTask(ctx, task, jobID, outcome.Err)
		case OutcomeSkipped:
			return d.finalizeTaskSkip(ctx, task, jobID, outcome.Reason)
		}
	}
}

func (d *Dispatcher) executeStage(ctx context.Context, stage Stage, work *Work, report ReportFunc) Outcome {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StageTimeout)
	defer cancel()
	return stage.Execute(sctx, work, report)
}

func (d *Dispatcher) stageFor(name models.Stage) Stage {
	for _, s := range d.stages {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// guardTask re-reads the task and decides whether stage work may proceed.
// A non-empty skip reason means it may not.
func (d *Dispatcher) guardTask(ctx context.Context, taskID, jobID uuid.UUID) (*models.Task, string, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, skipTaskDeleted, nil
		}
		return nil, "", fmt.Errorf("guarding task %s: %w", taskID, err)
	}
	if task.Status != models.StatusProcessing {
		return task, skipNotProcessing, nil
	}
	if task.BrokerJobID != nil && *task.BrokerJobID != jobID {
		return task, skipSuperseded, nil
	}
	if task.CancelRequested {
		return task, skipCancelled, nil
	}
	return task, "", nil
}

// finalizeTaskSkip completes a guard skip. Only a cancellation skip writes:
// the task moves to cancelled now that no stage work is outstanding.
func (d *Dispatcher) finalizeTaskSkip(ctx context.Context, task *models.Task, jobID uuid.UUID, reason string) error {
	if task != nil {
		d.log.Info("stage work skipped", "task_id", task.ID, "reason", reason)
	}
	if reason != skipCancelled || task == nil {
		return nil
	}
	now := time.Now().UTC()
	ok, err := d.patchOwnedTask(ctx, task, jobID, store.TaskPatch{
		Status:           store.StatusOf(models.StatusCancelled),
		CompletedAt:      &now,
		ClearBrokerJobID: true,
	})
	if err != nil {
		return err
	}
	if ok {
		_ = d.cache.SetTaskStatus(ctx, task.ID, models.StatusCancelled, statusCacheTTL)
		d.log.Info("task cancelled", "task_id", task.ID)
	}
	return nil
}

func (d *Dispatcher) failTask(ctx context.Context, task *models.Task, jobID uuid.UUID, cause error) error {
	msg := cause.Error()
	var cerr *ConsistencyError
	if errors.As(cause, &cerr) {
		d.log.Error("consistency violation", "task_id", task.ID, "stage", task.CurrentStage, "error", cause)
	}
	ok, err := d.patchOwnedTask(ctx, task, jobID, store.TaskPatch{
		Status:           store.StatusOf(models.StatusFailed),
		ErrorMessage:     &msg,
		ClearBrokerJobID: true,
	})
	if err != nil {
		return err
	}
	if ok {
		_ = d.cache.SetTaskStatus(ctx, task.ID, models.StatusFailed, statusCacheTTL)
		d.log.Warn("task failed", "task_id", task.ID, "stage", task.CurrentStage, "error", cause)
	}
	return nil
}

// applyStageSuccess persists the stage's outputs and advances the state
// machine. Returns done=true when this job has nothing further to run: task
// completed, fanned out, failed, or lost ownership.
func (d *Dispatcher) applyStageSuccess(ctx context.Context, task *models.Task, jobID uuid.UUID, stage Stage, outcome Outcome) (bool, error) {
	patch := store.TaskPatch{}
	switch stage.Name() {
	case models.StageMaterialProcessing:
		patch.MediaRefs = task.MediaRefs
	case models.StageMaterialAnalysis:
		patch.Analysis = task.Analysis
	case models.StageScriptGeneration:
		patch.Script = task.Script
	case models.StageVideoGeneration:
		patch.VideoURL = task.VideoURL
	}

	if stage.Name() == models.StageScriptGeneration && task.IsMultiVariant {
		return true, d.fanOut(ctx, task, jobID, patch)
	}

	next, hasNext := stage.Name().Next()
	var expected int
	if hasNext {
		expected, _ = next.ProgressRange()
		patch.CurrentStage = &next
		patch.Progress = &expected
	} else {
		expected = 100
		now := time.Now().UTC()
		patch.Status = store.StatusOf(models.StatusCompleted)
		patch.Progress = &expected
		patch.CompletedAt = &now
		patch.ClearBrokerJobID = true
	}
	if outcome.Progress != expected {
		d.log.Warn("stage reported out-of-range completion progress",
			"task_id", task.ID, "stage", stage.Name(), "reported", outcome.Progress, "expected", expected)
	}

	ok, err := d.patchOwnedTask(ctx, task, jobID, patch)
	if err != nil {
		return true, err
	}
	if !ok {
		d.log.Info("dropping stage result, task no longer ours", "task_id", task.ID, "stage", stage.Name())
		return true, nil
	}

	if !hasNext {
		_ = d.cache.SetTaskStatus(ctx, task.ID, models.StatusCompleted, statusCacheTTL)
		d.log.Info("task completed", "task_id", task.ID, "video_url", task.VideoURL)
		return true, nil
	}
	d.log.Info("stage completed", "task_id", task.ID, "stage", stage.Name(), "next", next)
	return false, nil
}

// taskReporter persists intermediate progress, clamped to the stage's
// sub-range and never moving backwards. Best-effort: a lost report costs
// nothing but staleness.
func (d *Dispatcher) taskReporter(ctx context.Context, task *models.Task, jobID uuid.UUID, stage Stage) ReportFunc {
	return func(p int) {
		lo, hi := stage.ProgressRange()
		clamped := clamp(p, lo, hi-1)
		if clamped != p {
			d.log.Warn("out-of-range progress report", "task_id", task.ID, "stage", stage.Name(),
				"reported", p, "range_lo", lo, "range_hi", hi)
		}
		if clamped <= task.Progress {
			return
		}
		if _, err := d.patchOwnedTask(ctx, task, jobID, store.TaskPatch{Progress: &clamped}); err != nil {
			d.log.Warn("persisting progress", "task_id", task.ID, "error", err)
		}
	}
}

// patchOwnedTask is the idempotent-apply primitive: CAS the patch against the
// task's version, and on conflict re-read and retry only while the task is
// still processing under our job id. Returns false when the result must be
// dropped because ownership was lost (cancelled, swept, retried elsewhere).
func (d *Dispatcher) patchOwnedTask(ctx context.Context, task *models.Task, jobID uuid.UUID, patch store.TaskPatch) (bool, error) {
	for {
		updated, err := d.store.UpdateTask(ctx, task.ID, task.Version, patch)
		if err == nil {
			*task = *updated
			return true, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("updating task %s: %w", task.ID, err)
		}
		fresh, gerr := d.store.GetTask(ctx, task.ID)
		if gerr != nil {
			if errors.Is(gerr, store.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("re-reading task %s: %w", task.ID, gerr)
		}
		if fresh.Status != models.StatusProcessing {
			return false, nil
		}
		if fresh.BrokerJobID != nil && *fresh.BrokerJobID != jobID {
			return false, nil
		}
		*task = *fresh
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DefaultStages builds the fixed ordered stage list from the pipeline's
// collaborators.
func DefaultStages(provider models.AIProvider, objects objstore.ObjectStore, engine render.Engine) []Stage {
	return []Stage{
		&MaterialStage{Store: objects},
		&AnalysisStage{Provider: provider},
		&ScriptStage{Provider: provider},
		&VideoStage{Engine: engine},
	}
}
