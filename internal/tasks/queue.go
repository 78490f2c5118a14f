// Package tasks runs operations asynchronously on a fixed pool of workers and
// keeps their outcome for polling.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/types"
)

// State of a task.
type State string

const (
	StatePending State = "PENDING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Handle identifies a submitted task.
type Handle string

// Status is a snapshot of a task.
type Status struct {
	ID          Handle           `json:"id"`
	Op          string           `json:"op"`
	State       State            `json:"state"`
	Running     bool             `json:"running"`
	Attempts    int              `json:"attempts"`
	Result      any              `json:"result,omitempty"`
	Error       *types.ErrorInfo `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submittedAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	FinishedAt  *time.Time       `json:"finishedAt,omitempty"`
}

// Done reports whether the task reached a terminal state.
func (s Status) Done() bool {
	return s.State == StateSuccess || s.State == StateFailure
}

// Handler executes one operation.
type Handler func(ctx context.Context, payload any) (any, error)

// Listener observes every state change. It is called synchronously from the
// worker and must not block.
type Listener func(Status)

// RetryPolicy retries a failed handler. Only errors coded INTERNAL_ERROR,
// MATERIALIZATION_ERROR or INFERENCE_ERROR are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// HandlerOption configures a registered handler.
type HandlerOption func(*registration)

// WithRetry opts an operation into retries.
func WithRetry(p RetryPolicy) HandlerOption {
	return func(r *registration) { r.retry = p }
}

type registration struct {
	handler Handler
	retry   RetryPolicy
}

// Options configures a Queue.
type Options struct {
	Workers   int
	QueueSize int
	// ResultTTL is how long finished statuses stay pollable. Zero keeps them
	// forever.
	ResultTTL time.Duration
	Logger    *logger.Logger
}

// Stats counts tasks by state.
type Stats struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type entry struct {
	status Status
	done   chan struct{}
}

type job struct {
	id      Handle
	op      string
	payload any
}

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("task queue is stopped")
)

// Queue is a bounded job queue drained by a fixed worker pool.
type Queue struct {
	workers   int
	queueSize int
	ttl       time.Duration
	log       *logger.Logger
	now       func() time.Time

	jobs chan job

	mu        sync.RWMutex
	handlers  map[string]registration
	tasks     map[Handle]*entry
	listeners map[int]Listener
	nextID    int
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers
	bg     sync.WaitGroup // janitor
}

// New creates a stopped queue. Register handlers, then call Start.
func New(opts Options) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workers:   opts.Workers,
		queueSize: opts.QueueSize,
		ttl:       opts.ResultTTL,
		log:       opts.Logger,
		now:       time.Now,
		jobs:      make(chan job, opts.QueueSize),
		handlers:  make(map[string]registration),
		tasks:     make(map[Handle]*entry),
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register binds op to h. Registering an op twice replaces the handler.
func (q *Queue) Register(op string, h Handler, opts ...HandlerOption) {
	reg := registration{handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[op] = reg
}

// Subscribe adds a listener and returns a function that removes it.
func (q *Queue) Subscribe(l Listener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// Start launches the workers and the result janitor.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	if q.ttl > 0 {
		q.bg.Add(1)
		go q.janitor()
	}
	q.log.WithFields(map[string]interface{}{
		"workers":    q.workers,
		"queue_size": q.queueSize,
	}).Info("task queue started")
}

// Submit enqueues op. It fails with QUEUE_FULL when the queue is at capacity.
func (q *Queue) Submit(op string, payload any) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", types.NewInternalError(ErrStopped, "cannot submit %s", op)
	}
	if _, ok := q.handlers[op]; !ok {
		return "", types.NewInternalError(nil, "unknown operation %q", op)
	}

	id := Handle(uuid.New().String())
	select {
	case q.jobs <- job{id: id, op: op, payload: payload}:
	default:
		return "", types.NewQueueFullError("task queue is full (%d queued)", q.queueSize)
	}

	e := &entry{
		status: Status{ID: id, Op: op, State: StatePending, SubmittedAt: q.now()},
		done:   make(chan struct{}),
	}
	q.tasks[id] = e
	return id, nil
}

// Poll returns the current status of a task.
func (q *Queue) Poll(id Handle) (Status, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.tasks[id]
	if !ok {
		return Status{}, types.NewNotFoundError("task %s not found", id)
	}
	return e.status, nil
}

// Wait blocks until the task finishes or ctx is done.
func (q *Queue) Wait(ctx context.Context, id Handle) (Status, error) {
	q.mu.RLock()
	e, ok := q.tasks[id]
	q.mu.RUnlock()
	if !ok {
		return Status{}, types.NewNotFoundError("task %s not found", id)
	}

	select {
	case <-e.done:
		q.mu.RLock()
		defer q.mu.RUnlock()
		return e.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Stats counts the tasks currently known to the queue.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st := Stats{Workers: q.workers, QueueSize: q.queueSize, Queued: len(q.jobs)}
	for _, e := range q.tasks {
		switch {
		case e.status.State == StateSuccess:
			st.Succeeded++
		case e.status.State == StateFailure:
			st.Failed++
		case e.status.Running:
			st.Running++
		}
	}
	return st
}

// Stop refuses new work and waits for queued and running tasks to finish.
// When ctx ends first, running handlers are cancelled and ctx's error is
// returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		// Nothing will ever run the queued jobs.
		for j := range q.jobs {
			q.finish(j.id, nil, types.NewInternalError(ErrStopped, "task was never started"))
		}
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.bg.Wait()
		q.log.Info("task queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.bg.Wait()
		q.log.Warn("task queue stopped before all tasks finished")
		return ctx.Err()
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(j)
	}
	q.log.Debugf("task worker %d exiting", n)
}

func (q *Queue) run(j job) {
	q.mu.RLock()
	reg := q.handlers[j.op]
	q.mu.RUnlock()

	start := q.now()
	q.update(j.id, func(s *Status) {
		s.Running = true
		s.StartedAt = &start
	})

	maxAttempts := max(reg.retry.MaxAttempts, 1)
	var result any
	var err error
	for attempt := 1; ; attempt++ {
		q.update(j.id, func(s *Status) { s.Attempts = attempt })
		result, err = q.call(reg.handler, j)
		if err == nil || attempt >= maxAttempts || !retryable(err) {
			break
		}
		q.log.WithFields(map[string]interface{}{
			"task":    j.id,
			"op":      j.op,
			"attempt": attempt,
		}).WithError(err).Warn("task failed, retrying")
		if !q.sleep(reg.retry.Backoff * time.Duration(attempt)) {
			break
		}
	}

	q.finish(j.id, result, err)

	entry := q.log.WithFields(map[string]interface{}{
		"task":     j.id,
		"op":       j.op,
		"duration": q.now().Sub(start).Round(time.Millisecond).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("task failed")
	} else {
		entry.Debug("task succeeded")
	}
}

// call runs the handler, turning a panic into an internal error.
func (q *Queue) call(h Handler, j job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("task", j.id).Errorf("task panicked: %v", r)
			result, err = nil, types.NewInternalError(fmt.Errorf("panic: %v", r), "%s failed", j.op)
		}
	}()
	return h(q.ctx, j.payload)
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func retryable(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrInternalError, types.ErrMaterialization, types.ErrInference:
		return true
	}
	return false
}

func (q *Queue) finish(id Handle, result any, err error) {
	end := q.now()
	q.update(id, func(s *Status) {
		s.Running = false
		s.FinishedAt = &end
		if err != nil {
			s.State = StateFailure
			s.Error = types.AsErrorInfo(err)
			return
		}
		s.State = StateSuccess
		s.Result = result
	})

	q.mu.RLock()
	if e, ok := q.tasks[id]; ok {
		close(e.done)
	}
	q.mu.RUnlock()
}

// update applies fn to the status of id and notifies listeners.
func (q *Queue) update(id Handle, fn func(*Status)) {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	fn(&e.status)
	snapshot := e.status
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (q *Queue) janitor() {
	defer q.bg.Done()
	interval := max(q.ttl/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := q.evict(); n > 0 {
				q.log.Debugf("evicted %d finished tasks", n)
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// evict drops finished statuses older than the result TTL.
func (q *Queue) evict() int {
	if q.ttl <= 0 {
		return 0
	}
	cutoff := q.now().Add(-q.ttl)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.tasks {
		if e.status.FinishedAt != nil && e.status.FinishedAt.Before(cutoff) {
			delete(q.tasks, id)
			n++
		}
	}
	return n
}
