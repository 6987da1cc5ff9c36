package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/log"
)

// Scheduler is the delayed-work contract engine components depend on:
// run fn once, no earlier than d from now. Implementations never run fn
// concurrently with another scheduled fn.
type Scheduler interface {
	RunAfter(d time.Duration, name string, fn func())
}

// Queue dispatches deferred tasks from a due-time ordered heap. Tasks run
// serially on the dispatcher goroutine, so a task is expected to be one
// short storage transaction; anything slower belongs on its own goroutine.
type Queue struct {
	logger zerolog.Logger

	mu      sync.Mutex
	items   itemHeap
	seq     int64
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a queue; call Start to begin dispatching.
func NewQueue() *Queue {
	return &Queue{
		logger: log.WithComponent("scheduler"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start begins the dispatch loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop halts dispatching and waits for the in-flight task, if any. Pending
// tasks are dropped; RunAfter calls after Stop are ignored.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// RunAfter schedules fn under a name used only for logging.
func (q *Queue) RunAfter(d time.Duration, name string, fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.items, &item{at: time.Now().Add(d), seq: q.seq, name: name, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		now := time.Now()
		var due []*item
		for len(q.items) > 0 && !q.items[0].at.After(now) {
			due = append(due, heap.Pop(&q.items).(*item))
		}
		var wait time.Duration
		hasNext := len(q.items) > 0
		if hasNext {
			wait = q.items[0].at.Sub(now)
		}
		q.mu.Unlock()

		for _, it := range due {
			q.invoke(it)
		}
		if len(due) > 0 {
			continue
		}

		if !hasNext {
			select {
			case <-q.wake:
			case <-q.stopCh:
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-q.stopCh:
			timer.Stop()
			return
		}
	}
}

// invoke runs one task, keeping a panicking task from killing the
// dispatcher.
func (q *Queue) invoke(it *item) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("task", it.name).Msg("Scheduled task panicked")
		}
	}()
	it.fn()
}

// item is one pending task; seq breaks due-time ties in insertion order.
type item struct {
	at   time.Time
	seq  int64
	name string
	fn   func()
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ Scheduler = (*Queue)(nil)
