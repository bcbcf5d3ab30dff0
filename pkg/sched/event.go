package sched

import "container/list"

// Event is a manual-reset signal. Tasks that wait on an unset Event queue up
// in arrival order and are all released by the next Set, even if the Event is
// cleared again before they get to run.
type Event struct {
	d     *Dispatcher
	set   bool
	queue *list.List // of *Task
}

// NewEvent returns an unset event bound to d.
func NewEvent(d *Dispatcher) *Event {
	return &Event{d: d, queue: list.New()}
}

// Get reports whether the event is set.
func (e *Event) Get() bool {
	return e.set
}

// Set marks the event and moves every waiting task to the ready queue in
// FIFO order. Setting an already set event does nothing.
func (e *Event) Set() {
	e.set = true
	for el := e.queue.Front(); el != nil; el = el.Next() {
		e.d.wake(el.Value.(*Task))
	}
	e.queue.Init()
}

// Clear resets the flag without waking anyone.
func (e *Event) Clear() {
	e.set = false
}

// Wait returns at once if the event is set and otherwise suspends t until
// the next Set. It fails with ErrInterrupted if t is interrupted, including
// when the interrupt lands after t was released but before it resumed.
func (e *Event) Wait(t *Task) error {
	return e.wait(t, true)
}

func (e *Event) wait(t *Task, interruptible bool) error {
	t.mustBeCurrent()
	if interruptible && t.interrupted {
		return ErrInterrupted
	}
	if e.set {
		return nil
	}

	// The closure captures the queue rather than the event so that a move
	// leaves it pointing at the new owner.
	queue := e.queue
	el := queue.PushBack(t)
	var detach func()
	if interruptible {
		detach = func() { queue.Remove(el) }
	}
	t.block(detach)
	t.suspend()

	if interruptible && t.interrupted {
		return ErrInterrupted
	}
	return nil
}

// Waiters returns the number of tasks blocked on the event.
func (e *Event) Waiters() int {
	return e.queue.Len()
}

// MoveFrom transfers src's flag and waiters to e and leaves src as an
// independent unset event. e must have no waiters of its own.
func (e *Event) MoveFrom(src *Event) {
	if e == src {
		return
	}
	if e.queue != nil && e.queue.Len() > 0 {
		panic("sched: moving into an event that has waiters")
	}
	e.d, e.set, e.queue = src.d, src.set, src.queue
	src.set = false
	src.queue = list.New()
}

// Move returns a new event holding e's flag and waiters and resets e.
func (e *Event) Move() *Event {
	moved := &Event{}
	moved.MoveFrom(e)
	return moved
}
