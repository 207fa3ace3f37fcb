// Package dispatch defers work to the thread that owns the graphics device.
//
// Callers on any goroutine Push events onto a Queue. The graphics thread
// drains it at its checkpoints. Events for one key always execute in push
// order: once an event for a key is skipped or asks to be retried, every
// later event for that key stays queued behind it. Events for different
// keys interleave freely.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/readback/backend"
)

// ErrClosed is returned when pushing onto a closed queue.
var ErrClosed = errors.New("dispatch: queue closed")

// Kind identifies the operation an event performs.
type Kind uint8

const (
	// KindRequestTexture schedules a texture copy.
	KindRequestTexture Kind = iota + 1
	// KindRequestBuffer schedules a buffer copy.
	KindRequestBuffer
	// KindCopyTexture polls an in-flight texture copy.
	KindCopyTexture
	// KindCopyBuffer polls an in-flight buffer copy.
	KindCopyBuffer
	// KindRelease destroys a detached staging resource.
	KindRelease
)

// String returns the event kind name.
func (k Kind) String() string {
	switch k {
	case KindRequestTexture:
		return "RequestTexture"
	case KindRequestBuffer:
		return "RequestBuffer"
	case KindCopyTexture:
		return "CopyTexture"
	case KindCopyBuffer:
		return "CopyBuffer"
	case KindRelease:
		return "Release"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Kinds lists every event kind in execution-token order.
func Kinds() []Kind {
	return []Kind{KindRequestTexture, KindRequestBuffer, KindCopyTexture, KindCopyBuffer, KindRelease}
}

// Event is one deferred operation.
type Event struct {
	Kind Kind
	Key  string

	// Slot and Gen identify the slot occupant the event was issued for.
	Slot int
	Gen  uint64

	// Source is the native resource to copy from (request events).
	Source any

	// Staging is the detached staging resource to destroy (release events).
	Staging backend.Staging
}

// Result tells Drain what to do with an executed event.
type Result uint8

const (
	// Done removes the event.
	Done Result = iota
	// Retry keeps the event for the next drain.
	Retry
)

// DrainStats summarizes one drain.
type DrainStats struct {
	Executed int
	Retried  int
	Deferred int
}

// Queue is an ordered, per-key serialized event queue.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an event.
func (q *Queue) Push(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.events = append(q.events, ev)
	return nil
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain executes the events queued at call time that accept admits.
// A nil accept admits every event. Events pushed while draining, including
// from exec, run on the next drain. exec must not call Drain.
func (q *Queue) Drain(accept func(Event) bool, exec func(Event) Result) DrainStats {
	q.mu.Lock()
	pending := q.events
	q.events = nil
	q.mu.Unlock()

	var stats DrainStats
	if len(pending) == 0 {
		return stats
	}

	kept := make([]Event, 0, len(pending))
	blocked := make(map[string]bool)
	for _, ev := range pending {
		if blocked[ev.Key] || (accept != nil && !accept(ev)) {
			blocked[ev.Key] = true
			kept = append(kept, ev)
			stats.Deferred++
			continue
		}
		stats.Executed++
		if exec(ev) == Retry {
			blocked[ev.Key] = true
			kept = append(kept, ev)
			stats.Retried++
		}
	}

	q.mu.Lock()
	if !q.closed {
		q.events = append(kept, q.events...)
	}
	q.mu.Unlock()
	return stats
}

// Close stops the queue and returns the events still queued.
func (q *Queue) Close() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.events
	q.events = nil
	return rest
}
