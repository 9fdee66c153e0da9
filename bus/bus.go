// Package bus is the in-process publish/subscribe channel for cross-island
// signals that used to travel as ambient browser-global events. Payloads are
// typed; subscribers receive fire-and-forget broadcasts, never replies.
package bus

import (
	"sync"

	"boardsync/domain"
)

// OpenCreateTask asks the page controller to open the create-task modal with
// a default column preselected.
type OpenCreateTask struct {
	DefaultStatus domain.Status
}

// DuplicateTask asks the page controller to open the create-task modal with
// fields prefilled from an existing task.
type DuplicateTask struct {
	Title       string
	Description string
	Priority    domain.Priority
	ProjectID   string
	Tags        []string
}

// Signal is the union of broadcast payload types.
type Signal interface{ isSignal() }

func (OpenCreateTask) isSignal() {}
func (DuplicateTask) isSignal()  {}

// Bus is a channel-based broadcast bus. Publishing never blocks: a subscriber
// whose buffer is full misses the signal.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Signal
	closed bool
}

// New creates an open bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every published signal. bufSize
// defaults to 16 when not positive.
func (b *Bus) Subscribe(bufSize int) <-chan Signal {
	if bufSize <= 0 {
		bufSize = 16
	}
	ch := make(chan Signal, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish broadcasts a signal to all subscribers without blocking.
func (b *Bus) Publish(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
			// Subscriber is saturated; drop rather than block the publisher.
		}
	}
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
