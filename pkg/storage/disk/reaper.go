package disk

import (
	"time"

	"go.uber.org/zap"

	"github.com/Suhail-Mohamed/CoroDB/pkg/concurrency"
)

// reaperTick bounds how long a completion can sit unobserved when the
// nudge channel races with the drain.
const reaperTick = time.Millisecond

// Reaper is the dedicated thread converting kernel completions into task
// wake-ups. It submits pending entries, drains the completion queue and
// schedules each entry's resumption on the worker pool. Resumption never
// happens inline: a wake may block on frame locks, which must not occur
// on the reaper thread.
type Reaper struct {
	ring *Ring
	pool *concurrency.Pool
	log  *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// StartReaper launches the reaper loop.
func StartReaper(ring *Ring, pool *concurrency.Pool, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	rp := &Reaper{
		ring: ring,
		pool: pool,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go rp.loop()
	return rp
}

// Stop halts the loop after the current iteration. Entries submitted
// before Stop still complete and wake their tasks.
func (rp *Reaper) Stop() {
	close(rp.stop)
	<-rp.done
}

// Submit registers the entry's wake-up and enqueues it on the ring. The
// reaper's next iteration pushes it to the kernel side.
func (rp *Reaper) Submit(s *SQE) {
	s.wake = func() { close(s.done) }
	switch s.Op {
	case OpRead:
		rp.ring.ReadRequest(s)
	case OpWrite:
		rp.ring.WriteRequest(s)
	}
}

func (rp *Reaper) loop() {
	defer close(rp.done)
	ticker := time.NewTicker(reaperTick)
	defer ticker.Stop()

	for {
		if rp.ring.SQReady() > 0 {
			rp.ring.Submit()
		}
		if !rp.ring.CQEmpty() {
			rp.ring.DrainCompletions(func(s *SQE) {
				// Status and buffer id were recorded by the kernel side;
				// all that remains is handing the resumption to a worker.
				rp.pool.Submit(s.wake)
			})
		}

		select {
		case <-rp.stop:
			// Final sweep so nothing submitted before Stop is stranded.
			for rp.ring.SQReady() > 0 || rp.ring.InFlight() > 0 || !rp.ring.CQEmpty() {
				rp.ring.Submit()
				rp.ring.DrainCompletions(func(s *SQE) {
					rp.pool.Submit(s.wake)
				})
				time.Sleep(reaperTick)
			}
			return
		case <-rp.ring.cqReady:
		case <-ticker.C:
		}
	}
}
