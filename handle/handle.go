// Package handle implements the join-only completion token used by every
// asynchronous dmap operation: an opaque value holding a counter of
// outstanding operations plus a condition variable. Attaching increments
// the counter, completing an operation decrements it, and Wait blocks
// until it reaches zero. There is no cancellation.
package handle

import (
	"fmt"
	"sync"
)

// Handle aggregates outstanding asynchronous operations issued against it.
// The zero value is ready to use. A Handle must not be copied after first
// use.
//
// Attaching after a wait has started is refused unconditionally: Go has no
// compile-time debug/release split, so there is no release-mode escape
// hatch here, only the always-detected panic below.
type Handle struct {
	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
	waiting     bool
}

// New returns a ready-to-use Handle.
func New() *Handle {
	return &Handle{}
}

func (h *Handle) cv() *sync.Cond {
	if h.cond == nil {
		h.cond = sync.NewCond(&h.mu)
	}
	return h.cond
}

// Attach registers one more outstanding asynchronous operation against h.
// It panics if Wait has already been called on h, whether or not that
// Wait has returned.
func (h *Handle) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiting {
		panic(fmt.Sprintf("dmap/handle: Attach called on handle %p after Wait started", h))
	}
	h.outstanding++
}

// Complete marks one previously-attached operation as finished, waking any
// goroutine blocked in Wait once the outstanding count reaches zero.
func (h *Handle) Complete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outstanding == 0 {
		panic(fmt.Sprintf("dmap/handle: Complete called on handle %p with no outstanding operations", h))
	}
	h.outstanding--
	if h.outstanding == 0 {
		h.cv().Broadcast()
	}
}

// Wait blocks until every operation attached to h has called Complete. It
// is a join barrier: operations attached to the same handle have no
// ordering with respect to each other, only with respect to the barrier.
//
// Once Wait has been called, h refuses further Attach calls.
func (h *Handle) Wait() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting = true
	for h.outstanding > 0 {
		h.cv().Wait()
	}
}

// Outstanding reports the number of operations currently attached to h
// that have not yet called Complete. It exists for tests and diagnostics.
func (h *Handle) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outstanding
}
