package scheduling

import (
	"sort"
	"time"
)

// Resolution is the step by which a VirtualScheduler advances its clock.
const Resolution = time.Millisecond

// VirtualScheduler is a Scheduler driven by a manually advanced clock. Tasks due at the same instant run in the order
// they were scheduled. It is not safe for concurrent use: everything runs on the goroutine that calls Advance.
type VirtualScheduler struct {
	now   time.Duration
	tasks map[time.Duration][]func()
}

// NewVirtualScheduler creates a VirtualScheduler whose clock reads zero.
func NewVirtualScheduler() *VirtualScheduler {
	return &VirtualScheduler{
		tasks: make(map[time.Duration][]func()),
	}
}

// Schedule implements Scheduler
func (s *VirtualScheduler) Schedule(delay time.Duration, task func()) {
	if delay < 0 {
		delay = 0
	}
	at := s.now + delay
	s.tasks[at] = append(s.tasks[at], task)
}

// Now implements Scheduler
func (s *VirtualScheduler) Now() time.Duration {
	return s.now
}

// Advance runs every task due now, then moves the clock forward by d one Resolution step at a time, running the tasks
// due at each step. Advance(0) only runs what is already due.
func (s *VirtualScheduler) Advance(d time.Duration) {
	s.runDue()
	for elapsed := time.Duration(0); elapsed < d; elapsed += Resolution {
		s.now += Resolution
		s.runDue()
	}
}

// Pending reports how many tasks are queued and not yet run.
func (s *VirtualScheduler) Pending() int {
	n := 0
	for _, queue := range s.tasks {
		n += len(queue)
	}
	return n
}

// NextDeadline reports the earliest instant a queued task is due at, and false when nothing is queued.
func (s *VirtualScheduler) NextDeadline() (time.Duration, bool) {
	if len(s.tasks) == 0 {
		return 0, false
	}
	deadlines := make([]time.Duration, 0, len(s.tasks))
	for at := range s.tasks {
		deadlines = append(deadlines, at)
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i] < deadlines[j] })
	return deadlines[0], true
}

// runDue drains all tasks due at or before the current instant. Tasks scheduled with zero delay while draining run in
// the same pass.
func (s *VirtualScheduler) runDue() {
	for {
		at, ok := s.NextDeadline()
		if !ok || at > s.now {
			return
		}
		queue := s.tasks[at]
		task := queue[0]
		if len(queue) == 1 {
			delete(s.tasks, at)
		} else {
			s.tasks[at] = queue[1:]
		}
		task()
	}
}
