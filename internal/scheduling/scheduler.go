package scheduling

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// Scheduler runs one-shot callbacks after a delay and exposes the clock those delays are measured against. It is the
// only source of time passing for replicas, clients and channels.
//
// There is no way to cancel a scheduled task. A recurring timer has to re-check its own precondition when
// it fires and do nothing if that precondition no longer holds.
type Scheduler interface {
	// Schedule queues task to run once at least delay has elapsed. A zero delay runs the task after every task that
	// is already due.
	Schedule(delay time.Duration, task func())
	// Now reports the time elapsed since the scheduler was created.
	Now() time.Duration
}

// ExecutorScheduler is the production Scheduler. Timers are driven by a clock.Clock, and every task runs on a single
// worker goroutine, so tasks never run concurrently with each other.
type ExecutorScheduler struct {
	clock clock.Clock
	start time.Time

	mu      sync.Mutex
	queue   []func()
	stopped bool
	// notify has capacity 1 and wakes the worker after an enqueue
	notify chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutorScheduler creates an ExecutorScheduler and starts its worker goroutine. Pass clock.NewClock() in
// production and a fakeclock in tests.
func NewExecutorScheduler(c clock.Clock) *ExecutorScheduler {
	s := &ExecutorScheduler{
		clock:  c,
		start:  c.Now(),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Schedule implements Scheduler
func (s *ExecutorScheduler) Schedule(delay time.Duration, task func()) {
	if delay <= 0 {
		s.enqueue(task)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	timer := s.clock.NewTimer(delay)
	go func() {
		defer s.wg.Done()
		select {
		case <-timer.C():
			s.enqueue(task)
		case <-s.stopCh:
			timer.Stop()
		}
	}()
}

// Now implements Scheduler
func (s *ExecutorScheduler) Now() time.Duration {
	return s.clock.Since(s.start)
}

// Stop stops the worker and every pending timer. Tasks that have not started yet are discarded. Stop must not be
// called from inside a scheduled task.
func (s *ExecutorScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *ExecutorScheduler) enqueue(task func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *ExecutorScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.stopCh:
			return
		}
	}
}

// drain runs queued tasks in FIFO order until the queue is empty, including tasks enqueued while draining.
func (s *ExecutorScheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}
