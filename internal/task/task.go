// Package task models the lifecycle of the unit of work that owns a shuffle read:
// cancellation, the attempt number used in error messages, and completion
// callbacks that release remote streams and spill files exactly once.
package task

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrTaskKilled is the cancellation cause recorded by Cancel.
var ErrTaskKilled = errors.New("task killed")

// Context is the running task as seen by the shuffle reader.
type Context struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	id      string
	attempt int

	mu        sync.Mutex
	callbacks []func()
	finished  bool
	failure   error
}

// New creates a task context derived from parent.
func New(parent context.Context, attempt int) *Context {
	ctx, cancel := context.WithCancelCause(parent)
	return &Context{
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.New().String(),
		attempt: attempt,
	}
}

// Context returns the context every blocking call made on behalf of the task uses.
func (c *Context) Context() context.Context { return c.ctx }

// ID returns the task id.
func (c *Context) ID() string { return c.id }

// AttemptNumber returns the retry attempt of this task.
func (c *Context) AttemptNumber() int { return c.attempt }

// Cancel interrupts the task. In-flight RPCs observe it through Context().
func (c *Context) Cancel() {
	c.cancel(ErrTaskKilled)
}

// IsInterrupted reports whether the task was cancelled.
func (c *Context) IsInterrupted() bool {
	return c.ctx.Err() != nil
}

// Cause returns why the task was interrupted, or nil.
func (c *Context) Cause() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// OnCompletion registers fn to run once when the task ends. Registering on a
// finished task runs fn immediately.
func (c *Context) OnCompletion(fn func()) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// MarkCompleted ends the task successfully.
func (c *Context) MarkCompleted() {
	c.finish(nil)
}

// MarkFailed ends the task with err.
func (c *Context) MarkFailed(err error) {
	c.finish(err)
}

// Failure returns the error the task ended with.
func (c *Context) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Finished reports whether completion callbacks already ran.
func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// finish runs callbacks in reverse registration order, outside the lock.
func (c *Context) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.failure = err
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
	c.cancel(context.Canceled)
}
