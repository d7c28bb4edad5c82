package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// --- fakes ---

type failRecord struct {
	id        uuid.UUID
	msg       string
	permanent bool
}

type releaseRecord struct {
	id    uuid.UUID
	delay time.Duration
}

// fakeQueue hands out a FIFO backlog and records every settle call. Only
// the methods the pool exercises carry behavior.
type fakeQueue struct {
	mu        sync.Mutex
	paused    bool
	backlog   []*models.Job
	dequeues  int
	completed []uuid.UUID
	failures  []failRecord
	released  []releaseRecord
}

func (q *fakeQueue) push(j *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(q.backlog, j)
}

func (q *fakeQueue) setPaused(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = v
}

func (q *fakeQueue) dequeueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeues
}

func (q *fakeQueue) completedIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.completed...)
}

func (q *fakeQueue) failRecords() []failRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]failRecord(nil), q.failures...)
}

func (q *fakeQueue) releaseRecords() []releaseRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]releaseRecord(nil), q.released...)
}

func (q *fakeQueue) Enqueue(ctx context.Context, req storage.EnqueueRequest) (*storage.EnqueueResult, error) {
	return nil, errors.New("fakeQueue does not enqueue")
}

func (q *fakeQueue) Dequeue(ctx context.Context, workerID string, types []models.JobType) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dequeues++
	if len(q.backlog) == 0 {
		return nil, nil
	}
	j := q.backlog[0]
	q.backlog = q.backlog[1:]
	j.Status = models.JobStatusProcessing
	j.Attempts++
	return j, nil
}

func (q *fakeQueue) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id uuid.UUID, workerID, msg string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, failRecord{id: id, msg: msg, permanent: permanent})
	return nil
}

func (q *fakeQueue) FailAbandoned(ctx context.Context, id uuid.UUID, msg string) error { return nil }

func (q *fakeQueue) Release(ctx context.Context, id uuid.UUID, workerID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, releaseRecord{id: id, delay: delay})
	return nil
}

func (q *fakeQueue) Reset(ctx context.Context, id uuid.UUID) error  { return nil }
func (q *fakeQueue) Retry(ctx context.Context, id uuid.UUID) error  { return nil }
func (q *fakeQueue) Cancel(ctx context.Context, id uuid.UUID) error { return nil }
func (q *fakeQueue) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (q *fakeQueue) Clear(ctx context.Context, status models.JobStatus) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return nil, storage.ErrNotFound
}

func (q *fakeQueue) List(ctx context.Context, filter storage.JobFilter) ([]models.Job, int64, error) {
	return nil, 0, nil
}

func (q *fakeQueue) Stats(ctx context.Context) (*storage.QueueStats, error) {
	return &storage.QueueStats{}, nil
}

func (q *fakeQueue) RecoverStuck(ctx context.Context, olderThan time.Duration, liveWorkers []string, types ...models.JobType) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) SetPaused(ctx context.Context, paused bool) error {
	q.setPaused(paused)
	return nil
}

func (q *fakeQueue) SeedPaused(ctx context.Context, paused bool) error { return nil }

func (q *fakeQueue) IsPaused(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

type fakeWorkers struct {
	mu           sync.Mutex
	beats        int
	deregistered []string
}

func (w *fakeWorkers) Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.beats++
	return nil
}

func (w *fakeWorkers) Deregister(ctx context.Context, workerID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deregistered = append(w.deregistered, workerID)
	return nil
}

func (w *fakeWorkers) LiveWorkers(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	return nil, nil
}

func (w *fakeWorkers) ListWorkers(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	return nil, nil
}

func (w *fakeWorkers) PruneDead(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (w *fakeWorkers) deregisteredIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.deregistered...)
}

// --- helpers ---

var testPayloads = map[models.JobType]func() interface{}{
	models.JobTypeCleanup:             func() interface{} { return &jobs.CleanupPayload{} },
	models.JobTypeGeneratePredictions: func() interface{} { return &jobs.GeneratePredictionsPayload{} },
	models.JobTypeDailyAnalysis:       func() interface{} { return &jobs.DailyAnalysisPayload{} },
}

func testRegistry(t *testing.T, defaultTimeout time.Duration, handlers map[models.JobType]jobs.Handler) *jobs.Registry {
	t.Helper()
	reg := jobs.NewRegistry(defaultTimeout)
	for typ, h := range handlers {
		require.NoError(t, reg.Register(typ, testPayloads[typ], h))
	}
	return reg
}

func queuedJob(typ models.JobType, payload string) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		Type:        typ,
		Payload:     models.Payload(payload),
		Status:      models.JobStatusPending,
		MaxAttempts: 3,
	}
}

func testConfig() Config {
	return Config{
		WorkerID:          "w-test",
		Concurrency:       2,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ShutdownGrace:     2 * time.Second,
		ReleaseDelay:      1500 * time.Millisecond,
		CancelGrace:       50 * time.Millisecond,
	}
}

// startPool runs the pool in the background and returns a stop func that
// cancels it and waits for Run to return.
func startPool(t *testing.T, cfg Config, q *fakeQueue, w *fakeWorkers, reg *jobs.Registry) func() {
	t.Helper()
	pool := New(cfg, q, w, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop within grace")
		}
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --- tests ---

func TestPoolRunsAndCompletesJob(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}
	var ran atomic.Int32

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			ran.Add(1)
			return nil
		},
	})

	job := queuedJob(models.JobTypeCleanup, `{}`)
	q.push(job)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return containsID(q.completedIDs(), job.ID)
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, ran.Load())
}

func TestPoolMapsPermanentAndTransientFailures(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			return errors.New("db timeout")
		},
		models.JobTypeGeneratePredictions: func(ctx context.Context, job *models.Job) error {
			return jobs.Permanentf("analysis does not exist")
		},
	})

	transient := queuedJob(models.JobTypeCleanup, `{}`)
	permanent := queuedJob(models.JobTypeGeneratePredictions, `{"analysis_id":"`+uuid.NewString()+`"}`)
	q.push(transient)
	q.push(permanent)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.failRecords()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, f := range q.failRecords() {
		switch f.id {
		case transient.ID:
			assert.False(t, f.permanent)
			assert.Contains(t, f.msg, "db timeout")
		case permanent.ID:
			assert.True(t, f.permanent)
			assert.Contains(t, f.msg, "analysis does not exist")
		default:
			t.Errorf("unexpected failure for job %s", f.id)
		}
	}
}

func TestPoolPanicIsTransient(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			panic("nil map write")
		},
	})

	job := queuedJob(models.JobTypeCleanup, `{}`)
	q.push(job)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.failRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := q.failRecords()[0]
	assert.Equal(t, job.ID, f.id)
	assert.False(t, f.permanent)
	assert.Contains(t, f.msg, "handler panic")
}

func TestPoolInvalidPayloadFailsPermanently(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}
	var ran atomic.Int32

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeDailyAnalysis: func(ctx context.Context, job *models.Job) error {
			ran.Add(1)
			return nil
		},
	})

	job := queuedJob(models.JobTypeDailyAnalysis, `{"date":"not-a-date"}`)
	q.push(job)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.failRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := q.failRecords()[0]
	assert.Equal(t, job.ID, f.id)
	assert.True(t, f.permanent)
	assert.Contains(t, f.msg, "payload")
	assert.Zero(t, ran.Load(), "handler must not run on an invalid payload")
}

func TestPoolFailsUnknownTypePermanently(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error { return nil },
	})

	// A row the registry has no handler for means the queue and registry
	// disagree; retrying cannot fix that.
	job := queuedJob(models.JobTypeFeedFetch, `{}`)
	q.push(job)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.failRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := q.failRecords()[0]
	assert.True(t, f.permanent)
	assert.Contains(t, f.msg, "no handler registered")
}

func TestPoolReleasesWhenTypeSaturated(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}
	block := make(chan struct{})

	// cleanup caps at one in flight; with two fibers the second claim must
	// be released back, not run.
	reg := testRegistry(t, 5*time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			<-block
			return nil
		},
	})

	first := queuedJob(models.JobTypeCleanup, `{}`)
	second := queuedJob(models.JobTypeCleanup, `{}`)
	q.push(first)
	q.push(second)

	cfg := testConfig()
	stop := startPool(t, cfg, q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.releaseRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rel := q.releaseRecords()[0]
	assert.Equal(t, cfg.ReleaseDelay, rel.delay)

	close(block)

	assert.Eventually(t, func() bool {
		return len(q.completedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Between them the two jobs saw exactly one run and one release.
	got := map[uuid.UUID]bool{q.completedIDs()[0]: true, rel.id: true}
	assert.True(t, got[first.ID])
	assert.True(t, got[second.ID])
}

func TestPoolPauseBlocksDequeue(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}
	q.setPaused(true)

	reg := testRegistry(t, time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error { return nil },
	})

	job := queuedJob(models.JobTypeCleanup, `{}`)
	q.push(job)

	stop := startPool(t, testConfig(), q, w, reg)
	defer stop()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, q.dequeueCount(), "paused pool must not poll the queue")

	q.setPaused(false)
	assert.Eventually(t, func() bool {
		return containsID(q.completedIDs(), job.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolDrainsInFlightOnStop(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}
	started := make(chan struct{})
	block := make(chan struct{})

	reg := testRegistry(t, 5*time.Second, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			close(started)
			<-block
			return nil
		},
	})

	job := queuedJob(models.JobTypeCleanup, `{}`)
	q.push(job)

	pool := New(testConfig(), q, w, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("pool returned while a job was in flight")
	default:
	}

	close(block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not finish draining")
	}

	assert.True(t, containsID(q.completedIDs(), job.ID), "in-flight job must settle before exit")
	assert.Contains(t, w.deregisteredIDs(), "w-test")
}

func TestPoolTimeoutTaintsAndReplacesFiber(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWorkers{}

	// The cleanup handler ignores cancellation entirely; the pool must
	// write its fiber off after the grace window and keep working.
	reg := testRegistry(t, 50*time.Millisecond, map[models.JobType]jobs.Handler{
		models.JobTypeCleanup: func(ctx context.Context, job *models.Job) error {
			time.Sleep(400 * time.Millisecond)
			return nil
		},
		models.JobTypeGeneratePredictions: func(ctx context.Context, job *models.Job) error {
			return nil
		},
	})

	zombie := queuedJob(models.JobTypeCleanup, `{}`)
	follower := queuedJob(models.JobTypeGeneratePredictions, `{"analysis_id":"`+uuid.NewString()+`"}`)
	q.push(zombie)
	q.push(follower)

	cfg := testConfig()
	cfg.Concurrency = 1
	stop := startPool(t, cfg, q, w, reg)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(q.failRecords()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := q.failRecords()[0]
	assert.Equal(t, zombie.ID, f.id)
	assert.False(t, f.permanent, "a timeout retries; the next worker may be luckier")
	assert.Contains(t, f.msg, "handler timeout")

	// The replacement fiber picks up the remaining job.
	assert.Eventually(t, func() bool {
		return containsID(q.completedIDs(), follower.ID)
	}, 2*time.Second, 10*time.Millisecond)
}
