package chassis

import (
	"context"
	"sync/atomic"
)

// Task is a handle on the background control loop.  It can be used to check
// whether the loop is running or to wait for it to exit, nothing more.
type Task struct {
	started atomic.Bool
	done    chan struct{}
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Alive reports whether the loop has been started and has not yet exited.
func (t *Task) Alive() bool {
	if !t.started.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed once the loop has exited.  It is never closed for a loop
// that was never started.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
