// ABOUTME: Bounded FIFO command queue with a single consumer per session.
// ABOUTME: Serializes transport commands; teardown fails queued commands immediately.

package session

import (
	"context"
	"fmt"
	"sync"
)

// command is one queued transport operation with its reply channel.
type command struct {
	ctx   context.Context
	op    string
	args  map[string]any
	reply chan cmdResult
}

type cmdResult struct {
	value any
	err   error
}

// commandQueue is a bounded FIFO of commands consumed by exactly one
// goroutine. Channel ordering gives submission-order execution; closing
// done stops the consumer and fails whatever is still queued.
type commandQueue struct {
	ch   chan *command
	done chan struct{}
	once sync.Once
}

func newCommandQueue(size int) *commandQueue {
	return &commandQueue{
		ch:   make(chan *command, size),
		done: make(chan struct{}),
	}
}

// close stops the consumer and fails every command still in the channel.
// Safe to call more than once. The consumer also drains on its way out, so
// each queued command is answered exactly once whichever side reaches it.
func (q *commandQueue) close(sessionID string) {
	q.once.Do(func() {
		close(q.done)
		q.drain(sessionID)
	})
}

// drain fails everything currently buffered without blocking.
func (q *commandQueue) drain(sessionID string) {
	for {
		select {
		case cmd := <-q.ch:
			cmd.reply <- cmdResult{err: queueClosedErr(sessionID)}
		default:
			return
		}
	}
}

func queueClosedErr(sessionID string) error {
	return fmt.Errorf("%w: session %s tore down before the command ran", ErrNotConnected, sessionID)
}
