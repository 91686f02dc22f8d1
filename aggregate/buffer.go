// Package aggregate implements write-aggregation buffering: one append-only
// output buffer per destination locality, batching cross-locality inserts
// so they can be shipped as a single message instead of one remote dispatch
// per key.
//
// A buffer references its destination only by runtime.Locality, never by a
// pointer into the destination's container, since the global façade owns
// both the buffer and the local container it eventually feeds.
package aggregate

import (
	"sync"

	"github.com/shad-go/dmap/handle"
	"github.com/shad-go/dmap/runtime"
)

// DefaultHighWaterMark is the per-destination buffer size that triggers an
// implicit flush.
const DefaultHighWaterMark = 256

// Entry is one buffered (key, value) pair awaiting delivery.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// SendFunc ships a filled batch to dest. The global façade supplies this:
// it is the closure that performs the actual remote dispatch (via a
// runtime.Runtime) and, on the receiving locality, feeds every Entry in
// the batch into that locality's local container.
type SendFunc[K comparable, V any] func(dest runtime.Locality, batch []Entry[K, V])

// Buffers is a set of per-destination output buffers plus the high-water
// mark that triggers an implicit flush.
type Buffers[K comparable, V any] struct {
	mu        sync.Mutex
	perDest   map[runtime.Locality][]Entry[K, V]
	highWater int
	send      SendFunc[K, V]
}

// New creates a Buffers instance that ships filled or explicitly flushed
// batches via send. highWater <= 0 uses DefaultHighWaterMark.
func New[K comparable, V any](send SendFunc[K, V], highWater int) *Buffers[K, V] {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	return &Buffers[K, V]{
		perDest:   make(map[runtime.Locality][]Entry[K, V]),
		highWater: highWater,
		send:      send,
	}
}

// Insert appends entry to dest's buffer. If that buffer is now full, it is
// sent synchronously and reset.
func (b *Buffers[K, V]) Insert(dest runtime.Locality, entry Entry[K, V]) {
	if full, batch := b.append(dest, entry); full {
		b.send(dest, batch)
	}
}

// AsyncInsert behaves like Insert, but an implicit flush is dispatched
// asynchronously, attached to h, instead of blocking the caller.
func (b *Buffers[K, V]) AsyncInsert(h *handle.Handle, dest runtime.Locality, entry Entry[K, V]) {
	full, batch := b.append(dest, entry)
	if !full {
		return
	}
	h.Attach()
	go func() {
		defer h.Complete()
		b.send(dest, batch)
	}()
}

// append adds entry to dest's buffer under lock, returning the batch and
// true if the high-water mark was reached (in which case the buffer has
// already been reset to empty).
func (b *Buffers[K, V]) append(dest runtime.Locality, entry Entry[K, V]) (full bool, batch []Entry[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.perDest[dest], entry)
	if len(buf) >= b.highWater {
		b.perDest[dest] = nil
		return true, buf
	}
	b.perDest[dest] = buf
	return false, nil
}

// drain removes and returns every non-empty destination buffer, resetting
// them to empty under a single lock acquisition.
func (b *Buffers[K, V]) drain() map[runtime.Locality][]Entry[K, V] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[runtime.Locality][]Entry[K, V], len(b.perDest))
	for dest, buf := range b.perDest {
		if len(buf) > 0 {
			out[dest] = buf
			b.perDest[dest] = nil
		}
	}
	return out
}

// FlushAll sends every non-empty destination buffer and blocks until all
// sends have completed. There is no ordering guarantee across
// destinations; within one destination's batch, entries are in enqueue
// order.
func (b *Buffers[K, V]) FlushAll() {
	pending := b.drain()
	var wg sync.WaitGroup
	wg.Add(len(pending))
	for dest, batch := range pending {
		dest, batch := dest, batch
		go func() {
			defer wg.Done()
			b.send(dest, batch)
		}()
	}
	wg.Wait()
}

// AsyncFlushAll behaves like FlushAll, attaching every destination's send
// to h instead of blocking.
func (b *Buffers[K, V]) AsyncFlushAll(h *handle.Handle) {
	pending := b.drain()
	for dest, batch := range pending {
		dest, batch := dest, batch
		h.Attach()
		go func() {
			defer h.Complete()
			b.send(dest, batch)
		}()
	}
}
