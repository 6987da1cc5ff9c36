package scheduler

import (
	"sync"
	"time"
)

// Fake is a Scheduler for tests. Tasks are captured in insertion order and
// run only when the test asks, so deferred chains (erasure steps, retention
// continuations) can be stepped deterministically.
type Fake struct {
	mu    sync.Mutex
	tasks []fakeTask
}

type fakeTask struct {
	delay time.Duration
	name  string
	fn    func()
}

// NewFake creates an empty fake scheduler.
func NewFake() *Fake {
	return &Fake{}
}

// RunAfter captures the task without running it.
func (f *Fake) RunAfter(d time.Duration, name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, fakeTask{delay: d, name: name, fn: fn})
}

// Pending returns the names of captured tasks in insertion order.
func (f *Fake) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.tasks))
	for i, task := range f.tasks {
		names[i] = task.name
	}
	return names
}

// RunNext pops and runs the oldest captured task. The callback runs outside
// the lock so it may schedule more work. Returns false when nothing is
// pending.
func (f *Fake) RunNext() bool {
	f.mu.Lock()
	if len(f.tasks) == 0 {
		f.mu.Unlock()
		return false
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	f.mu.Unlock()

	task.fn()
	return true
}

// RunAll runs tasks, following reschedules, until the queue drains or max
// runs have happened. Returns the number of tasks run.
func (f *Fake) RunAll(max int) int {
	runs := 0
	for runs < max && f.RunNext() {
		runs++
	}
	return runs
}

var _ Scheduler = (*Fake)(nil)
