// Package taskqueue provides the background task runner abstraction used to
// move compaction work off the request path. The contract is deliberately
// weak: submitted jobs run eventually, at least once, in no particular
// order. Callers own idempotency.
package taskqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Job is a unit of background work. Name is only used for logging.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Submit(job Job) error
}

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("task queue closed")

// WorkerPool is an in-process Queue: a buffered channel drained by a fixed
// set of worker goroutines. Job errors are logged, never retried here; the
// scheduler's threshold check re-triggers failed compactions on its own.
type WorkerPool struct {
	jobs   chan Job
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool creates and starts a pool with the given concurrency and
// backlog depth.
func NewWorkerPool(workers, depth int, logger *logrus.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		jobs:   make(chan Job, depth),
		logger: logger,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}

	return p
}

// Submit enqueues a job. It blocks when the backlog is full so bursts
// apply backpressure instead of dropping work.
func (p *WorkerPool) Submit(job Job) error {
	// The lock is held across the send so Stop cannot close the channel
	// underneath a blocked sender. Workers drain without the lock.
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueClosed
	}

	p.jobs <- job
	return nil
}

// Stop drains outstanding jobs and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		if err := job.Run(ctx); err != nil {
			p.logger.WithField("job", job.Name).WithError(err).Error("background job failed")
		}
	}
}

// Inline is a Queue that runs jobs synchronously on the caller. Used when
// background summarization is disabled and in tests.
type Inline struct{}

// Submit runs the job immediately.
func (Inline) Submit(job Job) error {
	return job.Run(context.Background())
}
