// Package stopper provides a small cancellation-and-background-task
// primitive. It generalizes the ctx.Go / ctx.Stopping usage pattern
// observed at the call sites in the teacher's connection-pool and
// resolver code (internal/util/stdpool, internal/source/cdc) into a
// standalone package, since the teacher's own internal/util/stopper
// source was not present in this retrieval.
package stopper

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Context wraps a context.Context with an idempotent Stop and a
// WaitGroup-tracked set of background tasks.
type Context struct {
	context.Context

	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}

	wg sync.WaitGroup
}

// New returns a Context derived from parent.
func New(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Go runs fn in a tracked goroutine. The task is awaited by Wait.
// Errors returned by fn are logged; Go does not propagate them.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			log.WithError(err).Warn("background task exited with error")
		}
	}()
}

// Stopping returns a channel that is closed when Stop is called.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopCh
}

// IsStopped reports whether Stop has been called.
func (c *Context) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Stop cancels the context and closes the Stopping channel. It is
// safe to call more than once.
func (c *Context) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.cancel()
}

// Wait blocks until every goroutine started with Go has returned.
func (c *Context) Wait() {
	c.wg.Wait()
}
