package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runMain spawns fn as the first task and drives the dispatcher to completion.
func runMain(t *testing.T, fn func(main *Task) error) *Dispatcher {
	t.Helper()
	d := NewDispatcher()
	main := d.Spawn(fn)
	require.NoError(t, d.Run())
	require.True(t, main.Done())
	require.NoError(t, main.Err())
	return d
}

func TestNewEventIsNotSet(t *testing.T) {
	ev := NewEvent(NewDispatcher())
	assert.False(t, ev.Get())
	assert.Equal(t, 0, ev.Waiters())
}

func TestSetJustSets(t *testing.T) {
	ev := NewEvent(NewDispatcher())
	ev.Set()
	assert.True(t, ev.Get())
	ev.Set()
	assert.True(t, ev.Get())
}

func TestEventWaitReturnsAfterSet(t *testing.T) {
	runMain(t, func(main *Task) error {
		ev := NewEvent(main.Dispatcher())
		main.Dispatcher().Spawn(func(*Task) error {
			ev.Set()
			return nil
		})
		require.NoError(t, ev.Wait(main))
		assert.True(t, ev.Get())
		return nil
	})
}

func TestWaitOnSetEventDoesNotSuspend(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		ev.Set()

		ran := false
		d.Spawn(func(*Task) error {
			ran = true
			return nil
		})
		require.NoError(t, ev.Wait(main))
		assert.False(t, ran, "wait on a set event must not yield")
		return nil
	})
}

func TestMovedEventKeepsState(t *testing.T) {
	runMain(t, func(main *Task) error {
		ev := NewEvent(main.Dispatcher())
		main.Dispatcher().Spawn(func(*Task) error {
			ev.Set()
			return nil
		})
		require.NoError(t, ev.Wait(main))

		moved := ev.Move()
		assert.True(t, moved.Get())
		assert.False(t, ev.Get())
		return nil
	})
}

func TestMoveClearsEventState(t *testing.T) {
	d := NewDispatcher()
	ev := NewEvent(d)
	ev.Set()

	ev.MoveFrom(NewEvent(d))
	assert.False(t, ev.Get())
}

func TestMoveRebindsWaiters(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		wakeups := 0
		waiter := d.Spawn(func(task *Task) error {
			if err := ev.Wait(task); err != nil {
				return err
			}
			wakeups++
			return nil
		})
		main.Yield()
		require.Equal(t, 1, ev.Waiters())

		moved := ev.Move()
		assert.Equal(t, 0, ev.Waiters())
		assert.Equal(t, 1, moved.Waiters())

		ev.Set()
		main.Yield()
		assert.Equal(t, 0, wakeups)

		moved.Set()
		moved.Set()
		require.NoError(t, waiter.Join(main))
		assert.Equal(t, 1, wakeups)
		return nil
	})
}

func TestInterruptAfterMoveDetachesFromNewOwner(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		waiter := d.Spawn(func(task *Task) error {
			return ev.Wait(task)
		})
		main.Yield()

		moved := ev.Move()
		waiter.Interrupt()
		assert.Equal(t, 0, moved.Waiters())
		assert.ErrorIs(t, waiter.Join(main), ErrInterrupted)
		return nil
	})
}

func TestEventIsWorkingAfterClearOnWaiting(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		woken := false
		waiter := d.Spawn(func(task *Task) error {
			if err := ev.Wait(task); err != nil {
				return err
			}
			woken = true
			return nil
		})
		main.Yield()

		ev.Set()
		ev.Clear()
		require.NoError(t, waiter.Join(main))
		assert.True(t, woken)
		assert.False(t, ev.Get())
		return nil
	})
}

func TestEventIsReusableAfterClear(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		for i := 0; i < 3; i++ {
			d.Spawn(func(*Task) error {
				ev.Set()
				return nil
			})
			require.NoError(t, ev.Wait(main))
			ev.Clear()
			assert.False(t, ev.Get())
		}
		return nil
	})
}

func TestSetWakesOnlyOnce(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		wakeups := 0
		waiter := d.Spawn(func(task *Task) error {
			if err := ev.Wait(task); err != nil {
				return err
			}
			wakeups++
			return nil
		})
		main.Yield()

		ev.Set()
		ev.Set()
		require.NoError(t, waiter.Join(main))
		assert.Equal(t, 1, wakeups)
		return nil
	})
}

func TestSetWakesAllWaitersInOrder(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		var order []int
		var waiters []*Task
		for i := 1; i <= 5; i++ {
			i := i
			waiters = append(waiters, d.Spawn(func(task *Task) error {
				if err := ev.Wait(task); err != nil {
					return err
				}
				order = append(order, i)
				return nil
			}))
		}
		main.Yield()
		require.Equal(t, 5, ev.Waiters())

		ev.Set()
		ev.Clear()
		for _, w := range waiters {
			require.NoError(t, w.Join(main))
		}
		assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
		return nil
	})
}

func TestWaitIsInterruptibleBeforeStart(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		waiter := d.Spawn(func(task *Task) error {
			return ev.Wait(task)
		})
		waiter.Interrupt()
		assert.Equal(t, TaskInterrupted, waiter.State())
		assert.ErrorIs(t, waiter.Join(main), ErrInterrupted)
		assert.Equal(t, TaskFinished, waiter.State())
		return nil
	})
}

func TestWaitIsInterruptibleWhileBlocked(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		waiter := d.Spawn(func(task *Task) error {
			return ev.Wait(task)
		})
		main.Yield()
		require.Equal(t, TaskBlocked, waiter.State())

		waiter.Interrupt()
		assert.Equal(t, 0, ev.Waiters())
		assert.ErrorIs(t, waiter.Join(main), ErrInterrupted)
		assert.False(t, ev.Get())
		return nil
	})
}

func TestInterruptTakesPriorityOverSet(t *testing.T) {
	runMain(t, func(main *Task) error {
		d := main.Dispatcher()
		ev := NewEvent(d)
		waiter := d.Spawn(func(task *Task) error {
			return ev.Wait(task)
		})
		main.Yield()

		ev.Set()
		waiter.Interrupt()
		assert.ErrorIs(t, waiter.Join(main), ErrInterrupted)
		return nil
	})
}
