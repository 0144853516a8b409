package server

import (
	"context"
	"errors"
	"sync"

	"github.com/bnema/xigrab/internal/logger"
)

// ErrStopped is returned for work submitted after the dispatcher stopped.
var ErrStopped = errors.New("dispatcher stopped")

type job struct {
	fn   func(*Core)
	done chan struct{}
}

// Dispatcher serializes every call into a Core onto one goroutine, so requests
// from all connections and injected events see a single ordering.
type Dispatcher struct {
	core     *Core
	jobs     chan job
	stopChan chan struct{}
	exited   chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
}

// NewDispatcher creates a dispatcher with room for backlog waiting jobs.
func NewDispatcher(core *Core, backlog int) *Dispatcher {
	return &Dispatcher{
		core:     core,
		jobs:     make(chan job, backlog),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Run executes jobs until ctx is done or Stop is called. A dispatcher runs at
// most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	logger.Debug("dispatcher started")
	defer logger.Debug("dispatcher stopped")
	defer close(d.exited)
	defer d.Stop()

	for {
		select {
		case j := <-d.jobs:
			j.fn(d.core)
			close(j.done)
		case <-d.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop makes Run return. Jobs still queued are abandoned.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stopChan)
	if !d.running {
		close(d.exited)
	}
}

// Do runs fn on the dispatch goroutine and waits for it to finish. ctx only
// bounds the wait for a queue slot: once queued, Do returns after fn ran or
// after the dispatcher exited without running it, never while fn may still run.
func (d *Dispatcher) Do(ctx context.Context, fn func(*Core)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case d.jobs <- j:
	case <-d.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-d.exited:
		select {
		case <-j.done:
			return nil
		default:
			return ErrStopped
		}
	}
}
