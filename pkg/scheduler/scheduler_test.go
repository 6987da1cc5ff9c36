package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTaskAfterDelay(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	done := make(chan struct{})
	q.RunAfter(10*time.Millisecond, "test.task", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestQueueOrdersByDueTime(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	// Scheduled out of order on purpose; the heap sorts by due time.
	q.RunAfter(60*time.Millisecond, "late", record("late"))
	q.RunAfter(20*time.Millisecond, "early", record("early"))
	q.RunAfter(100*time.Millisecond, "last", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"early", "late"}, order)
}

func TestQueueSurvivesPanickingTask(t *testing.T) {
	q := NewQueue()
	q.Start()
	defer q.Stop()

	done := make(chan struct{})
	q.RunAfter(time.Millisecond, "boom", func() { panic("boom") })
	q.RunAfter(10*time.Millisecond, "after", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher died after panic")
	}
}

func TestQueueIgnoresRunAfterOnceStopped(t *testing.T) {
	q := NewQueue()
	q.Start()
	q.Stop()

	q.RunAfter(time.Millisecond, "dropped", func() { t.Error("task ran after Stop") })
	assert.Equal(t, 0, q.Len())

	// A second Stop is a no-op.
	q.Stop()
}

func TestFakeCapturesWithoutRunning(t *testing.T) {
	f := NewFake()

	ran := false
	f.RunAfter(500*time.Millisecond, "deletion.step", func() { ran = true })
	f.RunAfter(5*time.Second, "retention.continue", func() {})

	assert.False(t, ran)
	assert.Equal(t, []string{"deletion.step", "retention.continue"}, f.Pending())

	require.True(t, f.RunNext())
	assert.True(t, ran)
	assert.Equal(t, []string{"retention.continue"}, f.Pending())
}

func TestFakeRunAllFollowsReschedules(t *testing.T) {
	f := NewFake()

	steps := 0
	var step func()
	step = func() {
		steps++
		if steps < 5 {
			f.RunAfter(500*time.Millisecond, "chain.step", step)
		}
	}
	f.RunAfter(500*time.Millisecond, "chain.step", step)

	assert.Equal(t, 5, f.RunAll(100))
	assert.Equal(t, 5, steps)
	assert.False(t, f.RunNext())
}

func TestFakeRunAllHonorsCap(t *testing.T) {
	f := NewFake()

	var loop func()
	loop = func() { f.RunAfter(time.Millisecond, "forever", loop) }
	f.RunAfter(time.Millisecond, "forever", loop)

	assert.Equal(t, 10, f.RunAll(10))
	assert.Equal(t, []string{"forever"}, f.Pending())
}
