package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/models"
)

type entry struct {
	id           string
	data         []byte
	attemptsMade int
}

// memQueue is the state of one named queue.
type memQueue struct {
	cfg     models.QueueConfig
	handler Handler
	pending []*entry
	notify  chan struct{}
}

// MemoryRuntime runs every queue inside the process. Each queue gets as many
// workers as its configured concurrency. Nothing survives a restart.
type MemoryRuntime struct {
	queues   map[models.QueueName]*memQueue
	logger   Logger
	waiting  map[string]models.QueueName // Jobs waiting or delayed
	removed  map[string]struct{}
	progress map[string]int
	busy     int // In-flight handlers plus scheduled redeliveries
	started  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewMemoryRuntime(configs map[models.QueueName]models.QueueConfig, logger Logger) *MemoryRuntime {
	queues := make(map[models.QueueName]*memQueue, len(configs))
	for name, cfg := range configs {
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = 1
		}
		if cfg.Attempts <= 0 {
			cfg.Attempts = 1
		}
		queues[name] = &memQueue{cfg: cfg, notify: make(chan struct{}, 1)}
	}
	return &MemoryRuntime{
		queues:   queues,
		logger:   logger,
		waiting:  make(map[string]models.QueueName),
		removed:  make(map[string]struct{}),
		progress: make(map[string]int),
	}
}

func (r *MemoryRuntime) queue(name models.QueueName) (*memQueue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue '%s'", name)
	}
	return q, nil
}

func (r *MemoryRuntime) Enqueue(ctx context.Context, name models.QueueName, jobID string, payload []byte) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	r.push(q, &entry{id: jobID, data: payload})
	return nil
}

func (r *MemoryRuntime) push(q *memQueue, e *entry) {
	r.mu.Lock()
	delete(r.removed, e.id)
	r.waiting[e.id] = q.cfg.Name
	q.pending = append(q.pending, e)
	r.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// schedule redelivers e after d; the delay keeps the runtime busy so
// WaitIdle does not return early.
func (r *MemoryRuntime) schedule(q *memQueue, e *entry, d time.Duration) {
	r.mu.Lock()
	r.busy++
	r.waiting[e.id] = q.cfg.Name
	r.mu.Unlock()
	time.AfterFunc(d, func() {
		r.mu.Lock()
		r.busy--
		_, gone := r.removed[e.id]
		r.mu.Unlock()
		if gone {
			return
		}
		r.push(q, e)
	})
}

func (r *MemoryRuntime) OnProcess(name models.QueueName, h Handler) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register handler for '%s' after start", name)
	}
	q.handler = h
	return nil
}

func (r *MemoryRuntime) Concurrency(name models.QueueName) int {
	if q, ok := r.queues[name]; ok {
		return q.cfg.Concurrency
	}
	return 0
}

func (r *MemoryRuntime) Has(ctx context.Context, name models.QueueName, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.waiting[jobID]
	return ok && q == name, nil
}

func (r *MemoryRuntime) Remove(ctx context.Context, name models.QueueName, jobID string) error {
	q, err := r.queue(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[jobID] = struct{}{}
	delete(r.waiting, jobID)
	for i, e := range q.pending {
		if e.id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return nil
}

// Progress returns the last reported progress of a job.
func (r *MemoryRuntime) Progress(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[jobID]
}

// Start begins the workers of every queue that has a handler.
func (r *MemoryRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, q := range r.queues {
		if q.handler == nil {
			continue
		}
		for i := 0; i < q.cfg.Concurrency; i++ {
			r.wg.Add(1)
			go r.worker(q)
		}
	}
	return nil
}

// Stop cancels the workers and waits for in-flight handlers.
func (r *MemoryRuntime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// WaitIdle blocks until no job is pending, running or scheduled.
func (r *MemoryRuntime) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *MemoryRuntime) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy > 0 {
		return false
	}
	for _, q := range r.queues {
		if len(q.pending) > 0 && q.handler != nil {
			return false
		}
	}
	return true
}

func (r *MemoryRuntime) next(q *memQueue) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	delete(r.waiting, e.id)
	r.busy++
	return e
}

func (r *MemoryRuntime) worker(q *memQueue) {
	defer r.wg.Done()
	for {
		e := r.next(q)
		if e == nil {
			select {
			case <-r.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		if r.ctx.Err() != nil {
			r.mu.Lock()
			r.busy--
			r.mu.Unlock()
			return
		}
		r.run(q, e)
		// Another worker may be parked on a signal consumed by this one.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

func (r *MemoryRuntime) run(q *memQueue, e *entry) {
	name := string(q.cfg.Name)
	job := NewJob(e.id, q.cfg.Name, e.data, e.attemptsMade, q.cfg.Attempts, func(ctx context.Context, pct int) error {
		r.mu.Lock()
		r.progress[e.id] = pct
		r.mu.Unlock()
		return nil
	})

	metrics.JobStarted(name)
	start := time.Now()
	err := r.invoke(q.handler, job)
	metrics.JobFinished(name)

	defer func() {
		r.mu.Lock()
		r.busy--
		r.mu.Unlock()
	}()

	if err == nil {
		metrics.RecordJobProcessed(name, "completed", time.Since(start))
		return
	}
	if d, ok := AsDelay(err); ok {
		metrics.RecordJobProcessed(name, "delayed", time.Since(start))
		r.schedule(q, e, d)
		return
	}
	if IsUnrecoverable(err) || job.IsFinalAttempt() {
		metrics.RecordJobProcessed(name, "failed", time.Since(start))
		r.logger.Errorf("Job %s on %s failed after %d attempts: %v", e.id, name, e.attemptsMade+1, err)
		return
	}
	metrics.RecordJobProcessed(name, "retrying", time.Since(start))
	e.attemptsMade++
	wait := q.cfg.Backoff.Next(e.attemptsMade)
	r.logger.Infof("Retrying job %s on %s (attempt %d/%d) in %s: %v", e.id, name, e.attemptsMade+1, q.cfg.Attempts, wait, err)
	r.schedule(q, e, wait)
}

// invoke runs the handler and turns a panic into a job failure.
func (r *MemoryRuntime) invoke(h Handler, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(r.ctx, job)
}
