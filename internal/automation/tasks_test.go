package automation

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

func TestTaskSet_FiresOnce(t *testing.T) {
	clk := clock.Fake(testEpoch)
	tasks := newTaskSet(clk)

	var runs atomic.Int32
	tasks.Arm("a", time.Second, func() { runs.Add(1) })
	if !tasks.Pending("a") || tasks.Len() != 1 {
		t.Fatal("task not pending after Arm")
	}

	clk.Advance(999 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("task ran early")
	}
	clk.Advance(time.Millisecond)
	clk.Advance(time.Hour)
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if tasks.Pending("a") {
		t.Error("task still pending after firing")
	}
}

func TestTaskSet_RearmReplaces(t *testing.T) {
	clk := clock.Fake(testEpoch)
	tasks := newTaskSet(clk)

	var first, second atomic.Int32
	tasks.Arm("a", time.Second, func() { first.Add(1) })
	clk.Advance(800 * time.Millisecond)
	tasks.Arm("a", time.Second, func() { second.Add(1) })

	clk.Advance(200 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced task ran")
	}
	clk.Advance(800 * time.Millisecond)
	if second.Load() != 1 {
		t.Errorf("replacement runs = %d, want 1", second.Load())
	}
}

func TestTaskSet_Cancel(t *testing.T) {
	clk := clock.Fake(testEpoch)
	tasks := newTaskSet(clk)

	var runs atomic.Int32
	tasks.Arm("a", time.Second, func() { runs.Add(1) })
	tasks.Arm("b", time.Second, func() { runs.Add(1) })

	if !tasks.Cancel("a") {
		t.Error("Cancel(a) = false, want true")
	}
	if tasks.Cancel("a") {
		t.Error("second Cancel(a) = true, want false")
	}
	tasks.CancelAll()
	if tasks.Len() != 0 {
		t.Errorf("Len() = %d after CancelAll", tasks.Len())
	}

	clk.Advance(time.Minute)
	if runs.Load() != 0 {
		t.Errorf("cancelled tasks ran %d times", runs.Load())
	}
	if clk.PendingCount() != 0 {
		t.Errorf("clock still has %d timers", clk.PendingCount())
	}
}

func TestTaskSet_ZeroDelayRunsInline(t *testing.T) {
	tasks := newTaskSet(clock.Fake(testEpoch))

	ran := false
	tasks.Arm("a", 0, func() { ran = true })
	if !ran {
		t.Error("zero-delay task did not run before Arm returned")
	}
	if tasks.Pending("a") {
		t.Error("zero-delay task left pending")
	}
}

func TestTaskSet_CallbackCanRearm(t *testing.T) {
	clk := clock.Fake(testEpoch)
	tasks := newTaskSet(clk)

	var runs atomic.Int32
	var tick func()
	tick = func() {
		runs.Add(1)
		tasks.Arm("tick", time.Second, tick)
	}
	tasks.Arm("tick", time.Second, tick)

	clk.Advance(time.Second)
	clk.Advance(time.Second)
	clk.Advance(time.Second)
	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
	if !tasks.Pending("tick") {
		t.Error("re-armed task not pending")
	}
}
