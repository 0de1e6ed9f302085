package sched

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/FeedGo/internal/debug"
)

// Callback is a periodic task. It receives the current time and returns
// the instant it wants to run next, so a task can re-schedule itself
// adaptively (slow poll while idle, fast while active).
type Callback func(now time.Time) time.Time

// Reactor invokes registered callbacks from a single goroutine at their
// requested times. All control logic runs on that one goroutine, which
// is what makes the controller state single-writer by construction.
type Reactor struct {
	mu     sync.Mutex
	timers []*Handle
	wake   chan struct{}
	now    func() time.Time
}

// Handle identifies a registered callback.
type Handle struct {
	r    *Reactor
	cb   Callback
	next time.Time
}

// New creates an empty reactor.
func New() *Reactor {
	return &Reactor{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Register adds a callback, first invoked at the given time.
func (r *Reactor) Register(cb Callback, first time.Time) *Handle {
	h := &Handle{r: r, cb: cb, next: first}
	r.mu.Lock()
	r.timers = append(r.timers, h)
	r.mu.Unlock()
	r.signal()
	return h
}

// WakeNow pulls the callback's next invocation to the present. Safe to
// call from any goroutine; used to make an idle-polling control loop
// pick up a queued command immediately.
func (h *Handle) WakeNow() {
	h.r.mu.Lock()
	h.next = h.r.now()
	h.r.mu.Unlock()
	h.r.signal()
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches callbacks until the context is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	debug.Info("Reactor running")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := r.now()
		h := r.earliest()

		if h != nil && !h.deadline().After(now) {
			next := h.cb(now)
			r.mu.Lock()
			h.next = next
			r.mu.Unlock()
			continue
		}

		wait := time.Hour
		if h != nil {
			wait = h.deadline().Sub(now)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			debug.Info("Reactor stopped: %v", ctx.Err())
			return ctx.Err()
		case <-r.wake:
		case <-timer.C:
		}
	}
}

func (r *Reactor) earliest() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Handle
	for _, h := range r.timers {
		if best == nil || h.next.Before(best.next) {
			best = h
		}
	}
	return best
}

func (h *Handle) deadline() time.Time {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.next
}
