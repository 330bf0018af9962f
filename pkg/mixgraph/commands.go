package mixgraph

import (
	"context"
	"errors"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
)

var ErrLoopStopped = errors.New("graph loop is not running")

// command is anything the graph loop executes on its own goroutine
type command interface {
	apply(l *GraphLoop)
}

// call runs fn on the loop and hands its error back
type call struct {
	fn   func(l *GraphLoop) error
	done chan error
}

func (c call) apply(l *GraphLoop) {
	c.done <- c.fn(l)
}

// paramsChanged asks the loop to forward the latest volume and mute values
type paramsChanged struct {
	channelID string
}

func (c paramsChanged) apply(l *GraphLoop) {
	l.forwardParams(c.channelID)
}

// endpointCreated completes a helper spawn started on a worker
type endpointCreated struct {
	channelID string
	endpoint  endpoint.Endpoint
	err       error
}

func (c endpointCreated) apply(l *GraphLoop) {
	l.endpointCreated(c.channelID, c.endpoint, c.err)
}

// endpointTerminated completes a helper termination started on a worker
type endpointTerminated struct {
	channelID string
	pid       int
	err       error
}

func (c endpointTerminated) apply(l *GraphLoop) {
	if c.err != nil {
		l.logger.Warnw("Failed to terminate helper", "channel", c.channelID, "pid", c.pid, "error", c.err)
		l.publishError(c.channelID, c.err)
	}
}

// Submit queues cmd for the loop. It blocks while the queue is full.
func (l *GraphLoop) Submit(ctx context.Context, cmd command) error {
	select {
	case l.commands <- cmd:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop goroutine and waits for it
func (l *GraphLoop) Do(ctx context.Context, fn func(l *GraphLoop) error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	if err := l.Submit(ctx, c); err != nil {
		return err
	}

	select {
	case err := <-c.done:
		return err
	case <-l.done:
		// the loop may have run it right before stopping
		select {
		case err := <-c.done:
			return err
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete hands a worker's result back to the loop
func (l *GraphLoop) complete(cmd command) {
	select {
	case l.commands <- cmd:
	case <-l.done:
	case <-l.runCtx.Done():
	}
}
