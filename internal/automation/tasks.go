package automation

import (
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// taskSet holds named one-shot tasks on a clock. Arming a name that is
// already armed replaces the pending task. A task runs at most once, and
// never after it was cancelled or replaced.
type taskSet struct {
	clock clock.Clock

	mu    sync.Mutex
	seq   uint64
	tasks map[string]*armedTask
}

type armedTask struct {
	seq   uint64
	timer *clock.Timer // nil until AfterFunc returns
}

func newTaskSet(clk clock.Clock) *taskSet {
	return &taskSet{clock: clk, tasks: make(map[string]*armedTask)}
}

// Arm schedules fn to run once after d under name. d <= 0 runs fn on the
// caller's goroutine before returning.
func (t *taskSet) Arm(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	if prev, ok := t.tasks[name]; ok {
		prev.stop()
		delete(t.tasks, name)
	}
	if d <= 0 {
		t.mu.Unlock()
		fn()
		return
	}
	t.seq++
	entry := &armedTask{seq: t.seq}
	t.tasks[name] = entry
	t.mu.Unlock()

	timer := t.clock.AfterFunc(d, func() {
		if t.claim(name, entry.seq) {
			fn()
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.tasks[name]; ok && cur == entry {
		entry.timer = timer
		return
	}
	// Cancelled or replaced before the timer was stored.
	timer.Stop()
}

func (a *armedTask) stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

// claim removes a due task and reports whether it is still the armed one.
func (t *taskSet) claim(name string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.tasks[name]
	if !ok || cur.seq != seq {
		return false
	}
	delete(t.tasks, name)
	return true
}

// Cancel stops the task armed under name. It reports whether one was pending.
func (t *taskSet) Cancel(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.tasks[name]
	if !ok {
		return false
	}
	cur.stop()
	delete(t.tasks, name)
	return true
}

// Pending reports whether a task is armed under name.
func (t *taskSet) Pending(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[name]
	return ok
}

// CancelAll stops every pending task.
func (t *taskSet) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, cur := range t.tasks {
		cur.stop()
		delete(t.tasks, name)
	}
}

// Len returns the number of pending tasks.
func (t *taskSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
