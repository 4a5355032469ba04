package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith/internal/broker"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/render"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// fakeBroker runs each submitted job on its own goroutine and tracks
// statuses, mimicking the Redis broker without the registry.
type fakeBroker struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]broker.JobStatus
	enqueued map[uuid.UUID]time.Time
	cancels  map[uuid.UUID]context.CancelFunc
	revoked  map[uuid.UUID]bool
	submits  int
	wg       sync.WaitGroup
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		statuses: make(map[uuid.UUID]broker.JobStatus),
		enqueued: make(map[uuid.UUID]time.Time),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
		revoked:  make(map[uuid.UUID]bool),
	}
}

func (b *fakeBroker) Submit(_ context.Context, job broker.Job) (uuid.UUID, error) {
	id := uuid.New()
	jctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.statuses[id] = broker.StatusRunning
	b.enqueued[id] = time.Now().UTC()
	b.cancels[id] = cancel
	b.submits++
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		err := job.Run(jctx)

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.revoked[id] {
			return
		}
		if err != nil {
			b.statuses[id] = broker.StatusFailed
		} else {
			b.statuses[id] = broker.StatusDone
		}
	}()
	return id, nil
}

func (b *fakeBroker) Status(_ context.Context, jobID uuid.UUID) (broker.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[jobID]
	if !ok {
		return broker.StatusUnknown, nil
	}
	return st, nil
}

func (b *fakeBroker) Revoke(_ context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.cancels[jobID]; ok {
		cancel()
	}
	if _, ok := b.statuses[jobID]; ok {
		b.statuses[jobID] = broker.StatusFailed
		b.revoked[jobID] = true
	}
	return nil
}

func (b *fakeBroker) ListActive(_ context.Context) ([]broker.ActiveJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.ActiveJob
	for id, st := range b.statuses {
		if st == broker.StatusRunning {
			out = append(out, broker.ActiveJob{ID: id, EnqueuedAt: b.enqueued[id]})
		}
	}
	return out, nil
}

// drain waits for every submitted job to finish.
func (b *fakeBroker) drain() { b.wg.Wait() }

// markLost simulates a broker losing a job without the store knowing.
func (b *fakeBroker) markLost(jobID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.statuses, jobID)
	delete(b.enqueued, jobID)
}

// addGhostJob registers an active job that no store record references.
func (b *fakeBroker) addGhostJob(age time.Duration) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.statuses[id] = broker.StatusRunning
	b.enqueued[id] = time.Now().UTC().Add(-age)
	return id
}

var _ broker.Broker = (*fakeBroker)(nil)

// fakeObjects serves any URL unless told to fail.
type fakeObjects struct {
	mu    sync.Mutex
	fail  error
	fetch int
}

func (f *fakeObjects) Put(_ context.Context, name string, _ []byte) (string, error) {
	return "https://objects.test/" + name, nil
}

func (f *fakeObjects) Get(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetch++
	if f.fail != nil {
		return nil, f.fail
	}
	return []byte("material"), nil
}

// fakeEngine renders successfully by default; err makes the first failTimes
// calls fail (all calls when failTimes is 0), and renderFunc takes over the
// whole behavior when set.
type fakeEngine struct {
	mu         sync.Mutex
	err        error
	failTimes  int
	calls      int
	styles     []string
	renderFunc func(style string) (render.RenderedVideo, error)
}

func (f *fakeEngine) Render(_ context.Context, _ string, style string, _ []models.MediaRef) (render.RenderedVideo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.styles = append(f.styles, style)
	if f.renderFunc != nil {
		return f.renderFunc(style)
	}
	if f.err != nil && (f.failTimes == 0 || f.calls <= f.failTimes) {
		return render.RenderedVideo{}, f.err
	}
	return render.RenderedVideo{URL: "https://videos.test/" + style + ".mp4", DurationSec: 30}, nil
}

var _ render.Engine = (*fakeEngine)(nil)

// fakeCache discards everything; the status mirror is best-effort.
type fakeCache struct{}

func (fakeCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (fakeCache) Get(context.Context, string) ([]byte, bool, error)       { return nil, false, nil }
func (fakeCache) Delete(context.Context, string) error                    { return nil }
func (fakeCache) Ping(context.Context) error                              { return nil }
func (fakeCache) SetTaskStatus(context.Context, uuid.UUID, models.Status, time.Duration) error {
	return nil
}
func (fakeCache) GetTaskStatus(context.Context, uuid.UUID) (models.Status, bool, error) {
	return "", false, nil
}
func (fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) { return 0, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Workers:         2,
		QueueSize:       16,
		PollInterval:    10 * time.Millisecond,
		StageTimeout:    5 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    "fixed",
		BackoffBase:     time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
		SweepInterval:   time.Minute,
		SweepGrace:      time.Minute,
		MaxVariantCount: 5,
	}
}

// harness wires a dispatcher against in-memory fakes.
type harness struct {
	store      *memStore
	broker     *fakeBroker
	objects    *fakeObjects
	engine     *fakeEngine
	provider   *providerStub
	agg        *Aggregator
	dispatcher *Dispatcher
}

// providerStub is a local mock of models.AIProvider.
type providerStub struct {
	mu             sync.Mutex
	analyzeErr     error
	analyzeFails   int
	analyzeCalls   int
	scriptErr      error
	scriptFails    int
	scriptCalls    int
	onAnalyze      func()
	onScript       func()
}

func (p *providerStub) Name() string { return "stub" }

func (p *providerStub) Analyze(_ context.Context, refs []models.MediaRef) (string, error) {
	p.mu.Lock()
	p.analyzeCalls++
	calls := p.analyzeCalls
	hook := p.onAnalyze
	err := p.analyzeErr
	fails := p.analyzeFails
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil && (fails == 0 || calls <= fails) {
		return "", err
	}
	return "stub analysis", nil
}

func (p *providerStub) GenerateScript(_ context.Context, analysis, style string) (string, error) {
	p.mu.Lock()
	p.scriptCalls++
	calls := p.scriptCalls
	hook := p.onScript
	err := p.scriptErr
	fails := p.scriptFails
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil && (fails == 0 || calls <= fails) {
		return "", err
	}
	return "stub script in " + style, nil
}

func newHarness(cfg config.PipelineConfig) *harness {
	h := &harness{
		store:    newMemStore(),
		broker:   newFakeBroker(),
		objects:  &fakeObjects{},
		engine:   &fakeEngine{},
		provider: &providerStub{},
	}
	log := testLogger()
	h.agg = NewAggregator(h.store, log)
	stages := DefaultStages(h.provider, h.objects, h.engine)
	h.dispatcher = NewDispatcher(h.store, h.broker, fakeCache{}, stages, h.agg, cfg, log)
	return h
}

// step runs one dispatch pass and waits for all resulting jobs.
func (h *harness) step(ctx context.Context) {
	h.dispatcher.dispatchOnce(ctx)
	h.broker.drain()
}

// run steps until no work remains or the step limit is hit.
func (h *harness) run(ctx context.Context, maxSteps int) {
	for i := 0; i < maxSteps; i++ {
		before := h.broker.submitCount()
		h.step(ctx)
		if h.broker.submitCount() == before {
			return
		}
	}
}

func (b *fakeBroker) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func newTask(refs []models.MediaRef, style string, variants int) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:             uuid.New(),
		Status:         models.StatusPending,
		MediaRefs:      refs,
		Style:          style,
		MaxRetries:     2,
		IsMultiVariant: variants > 1,
		VariantCount:   variants,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func someRefs() []models.MediaRef {
	return []models.MediaRef{
		{URL: "https://objects.test/a.md", Kind: "document"},
		{URL: "https://objects.test/b.png", Kind: "image"},
	}
}
