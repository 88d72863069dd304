// Package jobs runs named background jobs on a fixed pool of workers.
// Jobs are unique by key for a cooldown window and are retried with
// backoff up to a bounded number of tries, each try under a hard timeout.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
)

var (
	ErrDuplicate      = eris.New("job with the same key is already queued")
	ErrUnknownJob     = eris.New("no handler registered for job")
	ErrQueueFull      = eris.New("job queue is full")
	ErrAlreadyStarted = eris.New("job queue already started")
)

// permanentError marks a handler failure that is not retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job on this try.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// queueSize bounds jobs waiting for a worker.
const queueSize = 256

// State is the lifecycle state of a job.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Job is one dispatched unit of work.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Key          string            `json:"key"`
	Payload      map[string]string `json:"payload,omitempty"`
	State        State             `json:"state"`
	Attempts     int               `json:"attempts"`
	Error        string            `json:"error,omitempty"`
	DispatchedAt time.Time         `json:"dispatched_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Handler runs one try of a job. The context is cancelled when the try
// times out or the queue stops.
type Handler func(ctx context.Context, job *Job) error

// Queue dispatches jobs to registered handlers.
type Queue struct {
	workers   int
	tries     int
	backoff   []time.Duration
	timeout   time.Duration
	uniqueFor time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*Job
	locks    map[string]time.Time // unique lock expiry by name and key

	pending chan *Job
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewQueue creates a queue from cfg. Workers start with Start.
func NewQueue(cfg *config.JobsConfig, metrics *observability.Metrics, logger *zap.Logger) *Queue {
	return &Queue{
		workers:   max(cfg.Workers, 1),
		tries:     max(cfg.Tries, 1),
		backoff:   cfg.Backoff,
		timeout:   cfg.Timeout,
		uniqueFor: cfg.UniqueFor,
		handlers:  make(map[string]Handler),
		jobs:      make(map[string]*Job),
		locks:     make(map[string]time.Time),
		pending:   make(chan *Job, queueSize),
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "jobs")),
		now:       time.Now,
		after:     time.After,
	}
}

// Register binds a handler to a job name, replacing any previous one.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Dispatch queues a job. A job with the same name and a non-empty key that
// is still queued, running, or inside its cooldown window is rejected with
// ErrDuplicate.
func (q *Queue) Dispatch(_ context.Context, name, key string, payload map[string]string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[name]; !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "job %q", name)
	}

	now := q.now()
	lock := name + ":" + key
	if key != "" {
		if until, held := q.locks[lock]; held && now.Before(until) {
			return nil, eris.Wrapf(ErrDuplicate, "job %q key %q", name, key)
		}
	}

	job := &Job{
		ID:           uuid.NewString(),
		Name:         name,
		Key:          key,
		Payload:      payload,
		State:        StatePending,
		DispatchedAt: now,
	}
	select {
	case q.pending <- job:
	default:
		return nil, eris.Wrapf(ErrQueueFull, "job %q", name)
	}

	q.jobs[job.ID] = job
	if key != "" {
		q.locks[lock] = now.Add(q.uniqueFor)
	}
	q.logger.Info("job dispatched", zap.String("job_id", job.ID), zap.String("job", name), zap.String("key", key))
	return job.copy(), nil
}

// Get returns a snapshot of a dispatched job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.copy(), true
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("job workers started", zap.Int("workers", q.workers))
	return nil
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// that were never picked up stay pending.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.pending:
			q.run(ctx, job, logger)
		}
	}
}

// run tries a job until it succeeds, its tries are exhausted or the queue
// stops.
func (q *Queue) run(ctx context.Context, job *Job, logger *zap.Logger) {
	q.metrics.JobStarted()
	defer q.metrics.JobFinished()

	q.mu.Lock()
	h := q.handlers[job.Name]
	q.mu.Unlock()

	logger = logger.With(zap.String("job_id", job.ID), zap.String("job", job.Name))
	var err error
	tried := 0
	for attempt := 1; attempt <= q.tries; attempt++ {
		tried = attempt
		q.update(job, func(j *Job) {
			j.State = StateRunning
			j.Attempts = attempt
		})

		err = q.try(ctx, h, job)
		if err == nil {
			q.finish(job, nil)
			logger.Info("job succeeded", zap.Int("attempts", attempt))
			return
		}
		if ctx.Err() != nil || attempt == q.tries || isPermanent(err) {
			break
		}

		wait := q.backoffFor(attempt)
		logger.Warn("job failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		q.update(job, func(j *Job) {
			j.State = StateRetrying
			j.Error = err.Error()
		})
		select {
		case <-ctx.Done():
			err = eris.Wrap(ctx.Err(), "queue stopped during backoff")
		case <-q.after(wait):
			continue
		}
		break
	}

	q.finish(job, err)
	logger.Error("job failed", zap.Int("attempts", tried), zap.Error(err))
}

func (q *Queue) try(ctx context.Context, h Handler, job *Job) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job.copy())
}

// backoffFor returns the wait after the given failed attempt. The last
// configured delay repeats once the list runs out.
func (q *Queue) backoffFor(attempt int) time.Duration {
	if len(q.backoff) == 0 {
		return 0
	}
	return q.backoff[min(attempt, len(q.backoff))-1]
}

// finish records the outcome and releases the job's unique lock.
func (q *Queue) finish(job *Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	done := q.now()
	job.FinishedAt = &done
	if err != nil {
		job.State = StateFailed
		job.Error = err.Error()
	} else {
		job.State = StateSucceeded
		job.Error = ""
	}
	if job.Key != "" {
		delete(q.locks, job.Name+":"+job.Key)
	}
}

func (q *Queue) update(job *Job, fn func(*Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(job)
}

func (j *Job) copy() *Job {
	c := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
