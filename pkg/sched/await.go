package sched

import "context"

// Await runs op on its own goroutine and suspends t until op returns. op
// receives t's context, which is cancelled when t is interrupted.
//
// If t is interrupted first, Await returns ErrInterrupted without waiting.
// The dispatcher keeps running until op eventually returns; a successful
// result produced after Await gave up is handed to release so that sockets
// and similar resources are never leaked. release may be nil.
func Await[T any](t *Task, op func(ctx context.Context) (T, error), release func(T)) (T, error) {
	return await(t, op, release, false)
}

// Drain is Await for operations whose partial progress matters, such as
// stream reads and writes. When t is interrupted, Drain still waits for op
// to return and hands back its result together with ErrInterrupted. op must
// return promptly once its context is cancelled.
func Drain[T any](t *Task, op func(ctx context.Context) (T, error)) (T, error) {
	return await(t, op, nil, true)
}

func await[T any](t *Task, op func(ctx context.Context) (T, error), release func(T), drain bool) (T, error) {
	var zero T
	t.mustBeCurrent()
	if t.interrupted {
		return zero, ErrInterrupted
	}

	d := t.d
	done := NewEvent(d)
	var (
		result    T
		opErr     error
		abandoned bool
	)

	d.pending++
	ctx := t.ctx
	go func() {
		v, err := op(ctx)
		d.post(func() {
			d.pending--
			if abandoned {
				if err == nil && release != nil {
					release(v)
				}
				return
			}
			result, opErr = v, err
			done.Set()
		})
	}()

	err := done.Wait(t)
	if err == nil {
		return result, opErr
	}
	if drain {
		// The interrupt cancelled ctx, so op is on its way out.
		_ = done.wait(t, false)
		return result, err
	}
	if done.Get() {
		// Delivered, but the interrupt takes priority.
		if opErr == nil && release != nil {
			release(result)
		}
	} else {
		abandoned = true
	}
	return zero, err
}
