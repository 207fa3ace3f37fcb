package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Thread errors.
var (
	// ErrRunning is returned when Run is called on a running thread.
	ErrRunning = errors.New("dispatch: thread already running")

	// ErrStopped is returned by Call after Run has returned.
	ErrStopped = errors.New("dispatch: thread stopped")
)

// DefaultFPS is the frame rate used when none is configured.
const DefaultFPS = 60

// Thread emulates an engine render loop on a locked OS thread. Each frame
// it runs the functions handed to Call, then the frame callback, which is
// where the host issues its checkpoint.
type Thread struct {
	limiter *rate.Limiter
	frame   func()
	calls   chan call
	stopped chan struct{}
	running atomic.Bool
	frames  atomic.Uint64
}

type call struct {
	fn   func()
	done chan struct{}
}

// NewThread creates a thread that runs frame at most fps times per second.
// Non-positive fps selects DefaultFPS.
func NewThread(fps float64, frame func()) *Thread {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if frame == nil {
		frame = func() {}
	}
	return &Thread{
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
		frame:   frame,
		calls:   make(chan call, 16),
		stopped: make(chan struct{}),
	}
}

// Run executes frames until ctx is done. It returns nil on cancellation.
func (t *Thread) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.stopped)

	for {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		t.runCalls()
		t.frame()
		t.frames.Add(1)
	}
}

// Call runs fn on the thread before its next frame and waits for it.
func (t *Thread) Call(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case t.calls <- c:
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-t.stopped:
		// Run may have picked the call up before stopping.
		select {
		case <-c.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames returns the number of completed frames.
func (t *Thread) Frames() uint64 {
	return t.frames.Load()
}

func (t *Thread) runCalls() {
	for {
		select {
		case c := <-t.calls:
			c.fn()
			close(c.done)
		default:
			return
		}
	}
}
