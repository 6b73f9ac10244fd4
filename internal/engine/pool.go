package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrPoolFull is returned when the task queue has no free slot.
	ErrPoolFull = errors.New("engine: worker queue is full")

	// ErrPoolClosed is returned for tasks offered after Stop.
	ErrPoolClosed = errors.New("engine: worker pool is stopped")
)

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
// Offering a task never blocks: a full queue is ErrPoolFull.
type Pool struct {
	queue   chan func()
	workers int
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines reading from a queue of queueSize.
func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	workers = max(workers, 1)
	p := &Pool{
		queue:   make(chan func(), max(queueSize, 1)),
		workers: workers,
		log:     log.Named("pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Debug("started workers", zap.Int("workers", workers), zap.Int("queue", cap(p.queue)))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(id, task)
	}
}

// run executes one task. A panicking task is logged and the worker keeps
// going.
func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Int("worker", id), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Go queues task without waiting for it.
func (p *Pool) Go(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		p.log.Warn("worker queue full, rejecting task", zap.Int("size", cap(p.queue)))
		return ErrPoolFull
	}
}

// Do queues task and waits for it to finish or for ctx to end. When ctx
// ends first the task still runs; its results must not be read.
func (p *Pool) Do(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	if err := p.Go(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLength returns the number of tasks waiting for a worker.
func (p *Pool) QueueLength() int {
	return len(p.queue)
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Stop refuses new tasks and waits up to timeout for queued ones to drain.
// Tasks still running after the timeout are abandoned with a warning.
// Stopping twice is a no-op.
func (p *Pool) Stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		p.log.Debug("workers finished")
		return nil
	case <-expired:
		p.log.Warn("shutdown timeout reached, tasks may be dropped", zap.Int("queued", p.QueueLength()))
		return nil
	case <-ctx.Done():
		p.log.Warn("context cancelled, tasks may be dropped", zap.Int("queued", p.QueueLength()))
		return ctx.Err()
	}
}
