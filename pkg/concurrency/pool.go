package concurrency

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/metrics"
)

// DefaultWorkers is the worker count used when a config leaves it zero.
// The pool is deliberately small: tasks are cooperative and CPU work
// between suspension points is short.
const DefaultWorkers = 4

// Pool is a fixed set of workers resuming ready tasks popped from a
// shared FIFO. Enqueue order is preserved; there is no priority and no
// affinity between a task and a worker. The I/O reaper thread is never
// part of this pool — it only enqueues resumptions here.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	workers sync.WaitGroup
	size    int
	log     *zap.Logger
	met     *metrics.Metrics
}

// Size is the number of workers in the pool.
func (p *Pool) Size() int { return p.size }

// NewPool starts nrWorkers workers (DefaultWorkers if zero). At least two
// workers always run: a task awaiting I/O holds its worker until the
// reaper's wake-up lands, and that wake-up needs a worker of its own.
func NewPool(nrWorkers int, log *zap.Logger, met *metrics.Metrics) *Pool {
	if nrWorkers <= 0 {
		nrWorkers = DefaultWorkers
	}
	if nrWorkers < 2 {
		nrWorkers = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{size: nrWorkers, log: log, met: met}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(nrWorkers)
	for i := 0; i < nrWorkers; i++ {
		go p.workerLoop(i)
	}
	log.Debug("worker pool started", zap.Int("workers", nrWorkers))
	return p
}

// Submit appends a resumption to the FIFO and wakes one worker. Submit
// after Stop drops the resumption; by then every task has completed.
func (p *Pool) Submit(resume func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.log.Warn("resumption submitted to stopped pool")
		return
	}
	p.queue = append(p.queue, resume)
	p.met.SetPoolQueueDepth(len(p.queue))
	p.mu.Unlock()
	p.cond.Signal()
}

// Stop lets pending resumptions run to completion, then workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.workers.Wait()
}

func (p *Pool) workerLoop(id int) {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.mu.Unlock()
			return
		}
		resume := p.queue[0]
		p.queue = p.queue[1:]
		p.met.SetPoolQueueDepth(len(p.queue))
		p.mu.Unlock()

		resume()
	}
}
