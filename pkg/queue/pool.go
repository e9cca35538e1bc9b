package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/Gobusters/ectologger"
)

var (
	// ErrQueueFull is returned when the queue is at capacity
	ErrQueueFull = errors.New("queue full")

	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("pool stopped")
)

const (
	// DefaultWorkers is the default number of worker goroutines
	DefaultWorkers = 1

	// DefaultCapacity is the default maximum number of queued tasks
	DefaultCapacity = 1000
)

// Pool runs queued tasks on a fixed number of workers. A pool is started and
// stopped once.
type Pool struct {
	workers  int
	capacity int
	logger   ectologger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	seq     uint64
	active  int
	started bool
	stopped bool

	wg     sync.WaitGroup
	doneCh chan struct{}
}

// NewPool creates a pool with the given worker count and queue capacity
func NewPool(workers, capacity int, logger ectologger.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	p := &Pool{
		workers:  workers,
		capacity: capacity,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Tasks run with ctx as their parent context.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolStopped
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	go func() {
		p.wg.Wait()
		close(p.doneCh)
	}()

	p.logger.WithContext(ctx).Debugf("Started pool with %d workers and capacity %d", p.workers, p.capacity)
	return nil
}

// Submit queues a task. Priority tasks are taken before all others, equal
// priorities in submission order.
func (p *Pool) Submit(task Task, priority bool) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrPoolStopped
	}
	if len(p.queue) >= p.capacity {
		return nil, ErrQueueFull
	}

	p.seq++
	e := &Entry{task: task, priority: priority, seq: p.seq}
	p.queue.push(e)
	p.cond.Signal()
	return e, nil
}

// Remove takes a task out of the queue. It returns false when a worker
// already picked the task up.
func (p *Pool) Remove(e *Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.remove(e)
}

// Queued returns the waiting tasks in execution order.
func (p *Pool) Queued() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.queue.sorted()
	tasks := make([]Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.task
	}
	return tasks
}

// Len is the number of waiting tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active is the number of tasks being executed.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Stop rejects new tasks, discards the waiting ones and waits for running
// tasks to return until ctx is done. The discarded tasks are returned.
func (p *Pool) Stop(ctx context.Context) ([]Task, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, nil
	}
	p.stopped = true

	discarded := make([]Task, 0, len(p.queue))
	for _, e := range p.queue.sorted() {
		discarded = append(discarded, e.task)
		e.index = -1
	}
	p.queue = nil
	started := p.started
	p.cond.Broadcast()
	p.mu.Unlock()

	if !started {
		return discarded, nil
	}

	select {
	case <-p.doneCh:
		return discarded, nil
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Pool shutdown timed out")
		return discarded, ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for {
		e := p.next()
		if e == nil {
			p.logger.WithContext(ctx).Debugf("Worker %d stopping", id)
			return
		}

		p.run(ctx, e)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

// next blocks until a task is available or the pool stops.
func (p *Pool) next() *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil
	}

	p.active++
	return p.queue.pop()
}

func (p *Pool) run(ctx context.Context, e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).Errorf("Task panicked: %v", r)
		}
	}()
	e.task.Run(ctx)
}
