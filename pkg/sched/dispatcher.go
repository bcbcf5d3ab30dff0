// Package sched implements a single-threaded cooperative task runtime.
//
// Every task runs on its own goroutine, but the Dispatcher hands a single
// baton between them: at any instant exactly one task (or the dispatcher
// loop itself) is executing. State that is only touched between suspension
// points therefore needs no locking. A task suspends only inside Event.Wait,
// Timer.Sleep, Task.Yield, Task.Join and Await.
//
// Spawn, Interrupt, Event and Timer methods must be called from a running
// task, from a function passed to Exec, or before Run starts. Exec and Go are
// the only entry points that are safe from arbitrary goroutines.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/common/prque"
	"go.uber.org/zap"
)

var (
	ErrInterrupted = errors.New("sched: interrupted")
	ErrDeadlock    = errors.New("sched: all tasks are blocked and nothing can wake them")
	ErrStopped     = errors.New("sched: dispatcher is not running")
	errRunning     = errors.New("sched: dispatcher is already running")
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the system clock used for timers.
func WithClock(clock mclock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger sets the logger used for task failures.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher owns the ready queue, the timer heap and every spawned task.
type Dispatcher struct {
	clock  mclock.Clock
	logger *zap.Logger

	ready   taskQueue
	current *Task
	timers  *prque.Prque[int64, *timerEntry]

	nextID  uint64
	live    int // spawned and not yet finished
	pending int // Await operations whose completion has not been delivered
	running bool

	// back carries the baton from a task goroutine to the loop.
	back chan struct{}

	// Completions and Exec requests posted from foreign goroutines.
	mu       sync.Mutex
	inbox    []func()
	wakeup   chan struct{}
	finished bool
}

// NewDispatcher creates an idle dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:  mclock.System{},
		back:   make(chan struct{}),
		wakeup: make(chan struct{}, 1),
	}
	d.timers = prque.New[int64, *timerEntry](func(e *timerEntry, index int) {
		e.index = index
	})
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// Spawn creates a ready task running fn. The task begins on its first turn.
func (d *Dispatcher) Spawn(fn func(t *Task) error) *Task {
	d.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     d.nextID,
		d:      d,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		resume: make(chan struct{}),
		state:  TaskReady,
	}
	t.done = NewEvent(d)
	d.live++
	go t.main()
	d.ready.push(t)
	return t
}

// Go spawns fn from any goroutine. The task is created on the dispatcher's
// next iteration.
func (d *Dispatcher) Go(fn func(t *Task) error) {
	d.post(func() { d.Spawn(fn) })
}

// Now reports the dispatcher clock.
func (d *Dispatcher) Now() mclock.AbsTime {
	return d.clock.Now()
}

// Run drives the dispatcher on the calling goroutine until no tasks, timers
// or outstanding operations remain. It returns ErrDeadlock if live tasks are
// blocked on events that nothing can ever set.
func (d *Dispatcher) Run() error {
	if d.running {
		return errRunning
	}
	d.running = true
	d.mu.Lock()
	d.finished = false
	d.mu.Unlock()

	err := d.loop()

	d.mu.Lock()
	d.finished = true
	rest := d.inbox
	d.inbox = nil
	d.mu.Unlock()
	for _, fn := range rest {
		fn()
	}
	d.running = false
	return err
}

// Exec runs fn on the dispatcher between task switches and waits for it to
// return. fn must not suspend. Safe for concurrent use.
func (d *Dispatcher) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return ErrStopped
	}
	d.inbox = append(d.inbox, func() {
		fn()
		close(done)
	})
	d.mu.Unlock()
	d.notify()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() error {
	for {
		d.drainInbox()
		d.fireTimers()

		if t := d.ready.pop(); t != nil {
			d.switchTo(t)
			continue
		}
		if d.live == 0 && d.pending == 0 {
			return nil
		}
		if d.pending == 0 && d.timers.Empty() && !d.hasInbox() {
			d.logger.Error("Dispatcher deadlocked", zap.Int("blocked", d.live))
			return ErrDeadlock
		}
		d.idle()
	}
}

// idle parks the loop until the earliest timer is due or something is posted.
func (d *Dispatcher) idle() {
	var due <-chan mclock.AbsTime
	if !d.timers.Empty() {
		_, prio := d.timers.Peek()
		wait := time.Duration(-prio - int64(d.clock.Now()))
		if wait <= 0 {
			return
		}
		timer := d.clock.NewTimer(wait)
		defer timer.Stop()
		due = timer.C()
	}
	select {
	case <-d.wakeup:
	case <-due:
	}
}

func (d *Dispatcher) fireTimers() {
	now := d.clock.Now()
	for !d.timers.Empty() {
		entry, prio := d.timers.Peek()
		if mclock.AbsTime(-prio) > now {
			return
		}
		d.timers.Pop()
		d.wake(entry.task)
	}
}

func (d *Dispatcher) switchTo(t *Task) {
	d.current = t
	t.state = TaskRunning
	t.resume <- struct{}{}
	<-d.back
	d.current = nil
}

// wake moves a blocked task to the tail of the ready queue.
func (d *Dispatcher) wake(t *Task) {
	t.detach = nil
	t.state = TaskReady
	d.ready.push(t)
}

func (d *Dispatcher) post(fn func()) {
	d.mu.Lock()
	d.inbox = append(d.inbox, fn)
	d.mu.Unlock()
	d.notify()
}

func (d *Dispatcher) notify() {
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) hasInbox() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox) > 0
}

func (d *Dispatcher) drainInbox() {
	d.mu.Lock()
	batch := d.inbox
	d.inbox = nil
	d.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// taskQueue is a FIFO of ready tasks.
type taskQueue struct {
	items []*Task
}

func (q *taskQueue) push(t *Task) {
	q.items = append(q.items, t)
}

func (q *taskQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}
