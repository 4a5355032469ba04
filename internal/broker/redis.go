package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	activeSetKey = "broker:active"
	jobTTL       = 24 * time.Hour

	stateRevoked = "revoked"
)

var ErrClosed = errors.New("broker closed")

func jobKey(id uuid.UUID) string {
	return fmt.Sprintf("broker:job:%s", id)
}

type submission struct {
	id  uuid.UUID
	job Job
}

// RedisBroker implements Broker with a Redis registry and a fixed-size pool
// of worker goroutines.
type RedisBroker struct {
	client *redis.Client
	queue  chan submission
	stop   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelFunc
}

// NewRedisBroker connects to Redis and starts the worker pool.
func NewRedisBroker(redisURL string, workers, queueSize int, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	b := &RedisBroker{
		client:  redis.NewClient(opts),
		queue:   make(chan submission, queueSize),
		stop:    make(chan struct{}),
		log:     logger,
		running: make(map[uuid.UUID]context.CancelFunc),
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Submit registers the job in the Redis registry and hands it to the pool.
// The registry write happens before enqueueing so a job observed by a worker
// always has a record.
func (b *RedisBroker) Submit(ctx context.Context, job Job) (uuid.UUID, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	b.mu.Unlock()

	id := uuid.New()
	fields := map[string]any{
		"state":       string(StatusRunning),
		"task_id":     job.TaskID.String(),
		"stage":       string(job.Stage),
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if job.SubTaskID != nil {
		fields["sub_task_id"] = job.SubTaskID.String()
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), fields)
	pipe.Expire(ctx, jobKey(id), jobTTL)
	pipe.SAdd(ctx, activeSetKey, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("register broker job: %w", err)
	}

	select {
	case b.queue <- submission{id: id, job: job}:
		return id, nil
	case <-b.stop:
		b.deregister(context.Background(), id, StatusFailed)
		return uuid.Nil, ErrClosed
	case <-ctx.Done():
		b.deregister(context.Background(), id, StatusFailed)
		return uuid.Nil, ctx.Err()
	}
}

func (b *RedisBroker) Status(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	state, err := b.client.HGet(ctx, jobKey(jobID), "state").Result()
	if err == redis.Nil {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("get broker job state: %w", err)
	}
	switch state {
	case string(StatusRunning):
		return StatusRunning, nil
	case string(StatusDone):
		return StatusDone, nil
	case string(StatusFailed), stateRevoked:
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

// Revoke removes the job from the active set, marks its record revoked, and
// cancels its context if a worker is executing it. Unknown ids are a no-op.
func (b *RedisBroker) Revoke(ctx context.Context, jobID uuid.UUID) error {
	if err := b.client.SRem(ctx, activeSetKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("revoke broker job: %w", err)
	}

	exists, err := b.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("revoke broker job: %w", err)
	}
	if exists > 0 {
		if err := b.client.HSet(ctx, jobKey(jobID), "state", stateRevoked).Err(); err != nil {
			return fmt.Errorf("revoke broker job: %w", err)
		}
	}

	b.mu.Lock()
	cancel, ok := b.running[jobID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (b *RedisBroker) ListActive(ctx context.Context) ([]ActiveJob, error) {
	ids, err := b.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active broker jobs: %w", err)
	}

	jobs := make([]ActiveJob, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		enqueued, err := b.client.HGet(ctx, jobKey(id), "enqueued_at").Result()
		if err == redis.Nil {
			// Record expired but the set entry lingered; drop it.
			b.client.SRem(ctx, activeSetKey, raw)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get broker job enqueue time: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, enqueued)
		if err != nil {
			at = time.Time{}
		}
		jobs = append(jobs, ActiveJob{ID: id, EnqueuedAt: at})
	}
	return jobs, nil
}

// Close stops accepting submissions and waits for in-flight jobs to finish.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	return b.client.Close()
}

func (b *RedisBroker) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case s := <-b.queue:
			b.execute(s)
		}
	}
}

func (b *RedisBroker) execute(s submission) {
	ctx := context.Background()

	// Revoked while still queued: never run it.
	state, err := b.client.HGet(ctx, jobKey(s.id), "state").Result()
	if err == nil && state == stateRevoked {
		b.client.SRem(ctx, activeSetKey, s.id.String())
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.running[s.id] = cancel
	b.mu.Unlock()

	runErr := s.job.Run(jobCtx)

	b.mu.Lock()
	delete(b.running, s.id)
	b.mu.Unlock()
	cancel()

	final := StatusDone
	if runErr != nil {
		final = StatusFailed
		b.log.Warn("broker job finished with error",
			"job_id", s.id, "task_id", s.job.TaskID, "stage", s.job.Stage, "error", runErr)
	}
	b.deregister(ctx, s.id, final)
}

// deregister records the final state and drops the job from the active set,
// without clobbering a revoked marker.
func (b *RedisBroker) deregister(ctx context.Context, id uuid.UUID, final JobStatus) {
	state, err := b.client.HGet(ctx, jobKey(id), "state").Result()
	if err == nil && state != stateRevoked {
		b.client.HSet(ctx, jobKey(id), "state", string(final))
	}
	b.client.SRem(ctx, activeSetKey, id.String())
}

var _ Broker = (*RedisBroker)(nil)
