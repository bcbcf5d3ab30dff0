package sched

import "time"

type timerEntry struct {
	task  *Task
	index int
}

// Timer suspends tasks for a duration.
type Timer struct {
	d *Dispatcher
}

// NewTimer returns a timer bound to d.
func NewTimer(d *Dispatcher) *Timer {
	return &Timer{d: d}
}

// Sleep suspends t for at least dur. The dispatcher services the earliest
// deadline whenever no task is ready, and wakes expired sleepers before any
// ready task. Interrupting t removes its entry from the heap and fails the
// sleep with ErrInterrupted.
func (tm *Timer) Sleep(t *Task, dur time.Duration) error {
	t.mustBeCurrent()
	if t.interrupted {
		return ErrInterrupted
	}

	d := tm.d
	entry := &timerEntry{task: t, index: -1}
	deadline := d.clock.Now().Add(dur)
	d.timers.Push(entry, -int64(deadline))

	t.block(func() {
		if entry.index >= 0 {
			d.timers.Remove(entry.index)
		}
	})
	t.suspend()

	if t.interrupted {
		return ErrInterrupted
	}
	return nil
}
