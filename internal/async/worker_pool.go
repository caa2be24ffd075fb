package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool is the in-process queue driver: a buffered channel drained by
// a fixed set of workers. Each task runs under its own wall-clock timeout;
// a stage blocked on I/O suspends only its worker, never the pool.
type WorkerPool struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	overflow []Task
	closed   bool
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithWorkers sets the worker count.
func WithWorkers(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the channel buffer.
func WithQueueSize(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

// WithTaskTimeout caps each task's execution; an expired deadline reaches
// the handler as a transient failure.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewWorkerPool starts the workers immediately.
func NewWorkerPool(handler Handler, logger *slog.Logger, opts ...Option) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		handler: handler,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Task, 256),
	}
	for _, o := range opts {
		o(p)
	}
	p.cond = sync.NewCond(&p.mu)
	p.start()
	return p
}

func (p *WorkerPool) start() {
	p.once.Do(func() {
		go p.dispatch()
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker started", "worker_id", workerID)

				for task := range p.ch {
					ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
					err := p.handler(ctx, task)
					cancel()

					if err != nil {
						p.logger.Error("task handling failed",
							"worker_id", workerID, "job_id", task.JobID, "document_id", task.DocumentID, "error", err)
					}
				}

				p.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// dispatch feeds spilled tasks back into the channel. It is the only
// goroutine allowed to block on a full channel, so a worker that enqueues
// follow-up stages from inside its handler never waits on its own pool.
// It also owns closing the channel: once the pool is closed and the
// overflow is flushed, workers drain whatever remains and exit.
func (p *WorkerPool) dispatch() {
	for {
		p.mu.Lock()
		for len(p.overflow) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.overflow) == 0 {
			p.mu.Unlock()
			close(p.ch)
			return
		}
		task := p.overflow[0]
		p.overflow = p.overflow[1:]
		p.mu.Unlock()

		p.ch <- task
	}
}

// Enqueue implements Queue. A full channel spills to the overflow list
// instead of blocking the caller; the dispatcher redelivers in order.
func (p *WorkerPool) Enqueue(_ context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("cannot enqueue: pool is shutting down", "job_id", task.JobID)
		return nil
	}
	// The fast path is only safe while the overflow is empty; otherwise a
	// direct send would jump ahead of spilled tasks.
	if len(p.overflow) == 0 {
		select {
		case p.ch <- task:
			return nil
		default:
		}
	}
	p.logger.Warn("queue full, spilling to overflow", "job_id", task.JobID)
	p.overflow = append(p.overflow, task)
	p.cond.Signal()
	return nil
}

// Shutdown implements Queue: stop intake, drain, wait for workers.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("queue drained, shutdown complete")
	}
}
