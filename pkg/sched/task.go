package sched

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// TaskState describes where a task is in its lifecycle.
type TaskState uint8

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskBlocked
	TaskInterrupted
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskInterrupted:
		return "interrupted"
	case TaskFinished:
		return "finished"
	default:
		return fmt.Sprintf("TaskState(%d)", uint8(s))
	}
}

var errTaskExited = errors.New("sched: task exited without returning")

// Task is a suspendable unit of work owned by a Dispatcher.
type Task struct {
	id uint64
	d  *Dispatcher
	fn func(t *Task) error

	ctx    context.Context
	cancel context.CancelFunc

	resume chan struct{}
	state  TaskState

	interrupted bool
	// detach unlinks a blocked task from whatever it waits on. Nil while
	// running, ready, or blocked uninterruptibly.
	detach func()

	done   *Event
	err    error
	atExit []func()
}

// ID returns the dispatcher-unique task id.
func (t *Task) ID() uint64 { return t.id }

// Dispatcher returns the dispatcher that owns t.
func (t *Task) Dispatcher() *Dispatcher { return t.d }

// Context is cancelled when the task is interrupted or finishes.
func (t *Task) Context() context.Context { return t.ctx }

// Interrupted reports whether Interrupt has been called.
func (t *Task) Interrupted() bool { return t.interrupted }

// State reports the lifecycle state. An interrupted task that has not yet
// finished reports TaskInterrupted.
func (t *Task) State() TaskState {
	if t.state != TaskFinished && t.interrupted {
		return TaskInterrupted
	}
	return t.state
}

// Done reports whether the task has finished.
func (t *Task) Done() bool { return t.state == TaskFinished }

// Err returns the task's result once it has finished.
func (t *Task) Err() error { return t.err }

// Interrupt marks t interrupted. A task blocked in an interruptible wait is
// woken at once and its operation fails with ErrInterrupted; a ready or
// running task observes the flag at its next suspension point. The flag is
// sticky and Interrupt is idempotent.
func (t *Task) Interrupt() {
	if t.state == TaskFinished || t.interrupted {
		return
	}
	t.interrupted = true
	t.cancel()
	if t.state == TaskBlocked && t.detach != nil {
		t.detach()
		t.d.wake(t)
	}
}

// Yield lets every other ready task run once before t continues.
func (t *Task) Yield() {
	t.mustBeCurrent()
	t.state = TaskReady
	t.d.ready.push(t)
	t.suspend()
}

// Join suspends caller until t finishes and returns t's error.
func (t *Task) Join(caller *Task) error {
	if caller == t {
		panic("sched: task cannot join itself")
	}
	if err := t.done.Wait(caller); err != nil {
		return err
	}
	return t.err
}

func (t *Task) main() {
	<-t.resume
	err := errTaskExited
	defer func() {
		t.finish(err)
		t.d.back <- struct{}{}
	}()
	err = t.call()
}

func (t *Task) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sched: task %d panicked: %v", t.id, r)
			t.d.logger.Error("Task panicked",
				zap.Uint64("task", t.id),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	return t.fn(t)
}

func (t *Task) finish(err error) {
	t.state = TaskFinished
	t.err = err
	t.cancel()
	t.d.live--
	for _, fn := range t.atExit {
		fn()
	}
	t.atExit = nil
	t.done.Set()
}

// onExit registers fn to run, without suspending, when t finishes.
func (t *Task) onExit(fn func()) {
	t.atExit = append(t.atExit, fn)
}

// block marks t blocked. detach may be nil for waits that ignore interrupts.
func (t *Task) block(detach func()) {
	t.state = TaskBlocked
	t.detach = detach
}

// suspend hands the baton back to the loop and parks until resumed.
func (t *Task) suspend() {
	t.d.back <- struct{}{}
	<-t.resume
}

func (t *Task) mustBeCurrent() {
	if t.d.current != t {
		panic(fmt.Sprintf("sched: task %d suspended while not running", t.id))
	}
}
