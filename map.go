package dmap

import (
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/shad-go/dmap/handle"
)

// defaultPoolSize bounds the goroutine pool dmap.Map spins up for
// ForEachEntry/ForEachKey bucket-parallel workers, unless overridden by
// WithWorkerPoolSize. The worker pool exists to parallelize across
// buckets, not to scale with table size.
const defaultPoolSize = 256

// Map is a node-local concurrent hashmap: a fixed-size table of head
// buckets, each a chain of inline-slot buckets linked by an optional
// overflow pointer, synchronized per bucket rather than per chain or per
// table.
//
// A Map must be created with New; its table is sized once at construction
// and never grows or shrinks.
type Map[K comparable, V any] struct {
	buckets []bucket[K, V]
	size    atomic.Int64
	equal   EqualFunc[K]
	hash    HashFunc[K]
	policy  InsertPolicy[V]
	pool    *ants.Pool
	log     *zap.Logger
}

// New creates a Map sized for roughly expectedEntries entries (via
// WithExpectedEntries, or 0 for the minimum table of 1 bucket), with the
// default hash, equality and insertion policy unless overridden by opts.
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	cfg := Config[K, V]{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.equal == nil {
		cfg.equal = defaultEqual[K]
	}
	if cfg.hash == nil {
		cfg.hash = newDefaultHash[K]()
	}
	if cfg.policy == nil {
		cfg.policy = Overwrite[V]
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	numBuckets := calcNumBuckets(cfg.expectedEntries)
	poolSize := cfg.poolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		// ants.NewPool only fails on an invalid (negative, non -1) size;
		// defaultPoolSize is a positive constant, so this is unreachable
		// in practice. Treat it like any other allocation failure: fatal.
		panic("dmap: failed to create worker pool: " + err.Error())
	}

	return &Map[K, V]{
		buckets: make([]bucket[K, V], numBuckets),
		equal:   cfg.equal,
		hash:    cfg.hash,
		policy:  cfg.policy,
		pool:    pool,
		log:     cfg.log,
	}
}

// calcNumBuckets returns at least 1, even for expectedEntries <= 0.
func calcNumBuckets(expectedEntries int) int {
	if expectedEntries <= 0 {
		return 1
	}
	n := expectedEntries / EntriesPerBucket
	if n < 1 {
		n = 1
	}
	return n
}

// Close releases the worker pool backing ForEachEntry/ForEachKey. It is
// safe to call once a Map is no longer in use; it does not clear entries.
func (m *Map[K, V]) Close() {
	m.pool.Release()
}

func (m *Map[K, V]) headFor(key K) *bucket[K, V] {
	h := m.hash(key, 0)
	return &m.buckets[h%uint64(len(m.buckets))]
}

// HashFunc returns the hash function this Map was constructed with. The
// global façade reuses it unchanged for key-to-locality partitioning, so a
// key's owning locality and its owning bucket within that locality are
// always computed the same way.
func (m *Map[K, V]) HashFunc() HashFunc[K] {
	return m.hash
}

// Size returns the number of entries currently stored. It is not
// linearized against concurrent mutation: it is exact only in quiescence.
func (m *Map[K, V]) Size() int {
	return int(m.size.Load())
}

// Insert stores (key, value). If key is already present, the Map's
// InsertPolicy decides how the existing value is reconciled with value;
// under the default Overwrite policy, value replaces the existing one.
func (m *Map[K, V]) Insert(key K, value V) {
	cur := m.headFor(key)
	for {
		next, done := m.tryInsertLocked(cur, key, value)
		if done {
			return
		}
		if next == nil {
			next = m.growChain(cur)
		}
		cur = next
	}
}

// tryInsertLocked resolves Insert against a single bucket, acquiring and
// releasing cur's lock via defer so a panicking InsertPolicy or EqualFunc
// never leaves the bucket locked. This matters beyond the synchronous path:
// AsyncInsert (and anything else routed through m.submit onto the Map's
// ants.Pool) runs this same code inside a pool worker, and ants recovers
// panics in its worker loop rather than crashing the process, so a bare
// unlock() that never executed on a panicking path would deadlock every
// future operation hashing to this bucket instead of the fatal failure
// spec.md §7 calls for.
func (m *Map[K, V]) tryInsertLocked(cur *bucket[K, V], key K, value V) (next *bucket[K, V], done bool) {
	cur.lock()
	defer cur.unlock()
	if i, ok := cur.findLocked(key, m.equal); ok {
		m.policy(&cur.entries[i].value, value)
		return nil, true
	}
	if !cur.full() {
		cur.insertLocked(key, value)
		m.size.Add(1)
		return nil, true
	}
	return cur.next, false
}

// growChain allocates an overflow bucket for chain's current tail (cur) if
// one doesn't already exist, re-checking under cur's lock so that
// concurrent walkers reaching the same full bucket allocate at most one
// overflow bucket between them.
func (m *Map[K, V]) growChain(cur *bucket[K, V]) *bucket[K, V] {
	cur.lock()
	defer cur.unlock()
	if cur.next == nil {
		cur.next = &bucket[K, V]{}
		m.log.Debug("dmap: allocated overflow bucket")
	}
	return cur.next
}

// AsyncInsert behaves like Insert but runs on the Map's worker pool and
// attaches to h, which the caller waits on with handle.Handle.Wait. Once it
// targets a local Map there is no remote dispatch involved, but attaching
// to a handle here keeps the global façade's async API uniform whether a
// key resolves to the local locality or a remote one.
func (m *Map[K, V]) AsyncInsert(h *handle.Handle, key K, value V) {
	h.Attach()
	m.submit(func() {
		defer h.Complete()
		m.Insert(key, value)
	})
}

// Lookup returns the value stored for key and true, or the zero value and
// false if key is absent.
func (m *Map[K, V]) Lookup(key K) (V, bool) {
	cur := m.headFor(key)
	for cur != nil {
		v, found, next := m.tryLookupLocked(cur, key)
		if found {
			return v, true
		}
		cur = next
	}
	var zero V
	return zero, false
}

// tryLookupLocked resolves Lookup against a single bucket under a deferred
// unlock, the same discipline tryInsertLocked uses, since findLocked also
// runs a caller-supplied EqualFunc with cur's lock held.
func (m *Map[K, V]) tryLookupLocked(cur *bucket[K, V], key K) (value V, found bool, next *bucket[K, V]) {
	cur.lock()
	defer cur.unlock()
	i, ok := cur.findLocked(key, m.equal)
	if !ok {
		return value, false, cur.next
	}
	return cur.entries[i].value, true, nil
}

// AsyncLookup behaves like Lookup, delivering its result through out once
// h's attached operations complete. out must not be read before
// h.Wait returns.
func (m *Map[K, V]) AsyncLookup(h *handle.Handle, key K, out *LookupResult[V]) {
	h.Attach()
	m.submit(func() {
		defer h.Complete()
		v, found := m.Lookup(key)
		out.Value, out.Found = v, found
	})
}

// LookupResult is the out-parameter AsyncLookup populates: a remote
// lookup's dispatched closure writes into it before the reply completes.
type LookupResult[V any] struct {
	Value V
	Found bool
}

// Erase removes key if present, reporting whether it was found. Removal
// uses swap-with-last within the owning bucket: the last occupied slot in
// that bucket takes the erased slot's place.
func (m *Map[K, V]) Erase(key K) bool {
	cur := m.headFor(key)
	for cur != nil {
		erased, next := m.tryEraseLocked(cur, key)
		if erased {
			m.size.Add(-1)
			return true
		}
		cur = next
	}
	return false
}

// tryEraseLocked resolves Erase against a single bucket under a deferred
// unlock, for the same reason tryLookupLocked does.
func (m *Map[K, V]) tryEraseLocked(cur *bucket[K, V], key K) (erased bool, next *bucket[K, V]) {
	cur.lock()
	defer cur.unlock()
	i, ok := cur.findLocked(key, m.equal)
	if !ok {
		return false, cur.next
	}
	cur.eraseLocked(i)
	return true, nil
}

// AsyncErase behaves like Erase but runs on the Map's worker pool,
// attached to h.
func (m *Map[K, V]) AsyncErase(h *handle.Handle, key K) {
	h.Attach()
	m.submit(func() {
		defer h.Complete()
		m.Erase(key)
	})
}

// ApplyFunc mutates the value stored for a key in place. It runs with the
// owning bucket's lock held, so it must not call back into the same Map
// for any key that could hash to the same bucket.
type ApplyFunc[K comparable, V any] func(key K, value *V)

// Apply invokes fn on the value stored for key, if present, with the
// owning bucket's lock held. If key is absent, Apply is a no-op: it does
// not insert a default value.
func (m *Map[K, V]) Apply(key K, fn ApplyFunc[K, V]) bool {
	cur := m.headFor(key)
	for cur != nil {
		found, next := m.tryApplyLocked(cur, key, fn)
		if found {
			return true
		}
		cur = next
	}
	return false
}

// tryApplyLocked resolves Apply against a single bucket, acquiring and
// releasing cur's lock via defer so a panicking fn or EqualFunc never
// leaves the bucket locked, for the same reason tryInsertLocked does.
func (m *Map[K, V]) tryApplyLocked(cur *bucket[K, V], key K, fn ApplyFunc[K, V]) (found bool, next *bucket[K, V]) {
	cur.lock()
	defer cur.unlock()
	i, ok := cur.findLocked(key, m.equal)
	if !ok {
		return false, cur.next
	}
	fn(key, &cur.entries[i].value)
	return true, nil
}

// AsyncApply behaves like Apply but runs on the Map's worker pool,
// attached to h.
func (m *Map[K, V]) AsyncApply(h *handle.Handle, key K, fn ApplyFunc[K, V]) {
	h.Attach()
	m.submit(func() {
		defer h.Complete()
		m.Apply(key, fn)
	})
}

// ForEachEntry invokes fn once for every (key, value) pair present at the
// start of the call and still present when its bucket is visited,
// parallelizing across head buckets on the Map's worker pool. Entries
// inserted or erased during the scan may or may not be visited, and there
// is no ordering between buckets.
func (m *Map[K, V]) ForEachEntry(fn func(key K, value V)) {
	var wg sync.WaitGroup
	wg.Add(len(m.buckets))
	for i := range m.buckets {
		head := &m.buckets[i]
		m.submit(func() {
			defer wg.Done()
			visitChain(head, func(k K, v V) { fn(k, v) })
		})
	}
	wg.Wait()
}

// ForEachKey behaves like ForEachEntry but only visits keys.
func (m *Map[K, V]) ForEachKey(fn func(key K)) {
	m.ForEachEntry(func(k K, _ V) { fn(k) })
}

// AsyncForEachEntry behaves like ForEachEntry but returns once all bucket
// visits have been scheduled, attached to h; the caller observes
// completion via h.Wait.
func (m *Map[K, V]) AsyncForEachEntry(h *handle.Handle, fn func(key K, value V)) {
	for i := range m.buckets {
		head := &m.buckets[i]
		h.Attach()
		m.submit(func() {
			defer h.Complete()
			visitChain(head, fn)
		})
	}
}

// AsyncForEachKey behaves like AsyncForEachEntry but only visits keys.
func (m *Map[K, V]) AsyncForEachKey(h *handle.Handle, fn func(key K)) {
	m.AsyncForEachEntry(h, func(k K, _ V) { fn(k) })
}

// visitChain walks a head bucket's chain, snapshotting each bucket's
// occupied slots under its lock and invoking fn after releasing it. fn
// never runs with a bucket lock held, so a concurrent Insert/Erase on the
// same bucket is never blocked by a slow visitor, at the cost of fn
// possibly observing a key that was erased a moment after the snapshot was
// taken.
func visitChain[K comparable, V any](head *bucket[K, V], fn func(K, V)) {
	cur := head
	for cur != nil {
		cur.lock()
		n := cur.used
		keys := make([]K, n)
		vals := make([]V, n)
		for i := 0; i < n; i++ {
			keys[i] = cur.entries[i].key
			vals[i] = cur.entries[i].value
		}
		next := cur.next
		cur.unlock()

		for i := 0; i < n; i++ {
			fn(keys[i], vals[i])
		}
		cur = next
	}
}

// Clear removes every entry and releases every overflow bucket in the
// table, resetting Size to 0. It does not shrink or reallocate the
// head-bucket table itself.
func (m *Map[K, V]) Clear() {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.lock()
		b.used = 0
		b.entries = [EntriesPerBucket]slot[K, V]{}
		b.next = nil // drop the overflow chain; the GC reclaims it.
		b.unlock()
	}
	m.size.Store(0)
}

// submit runs fn on the Map's worker pool, falling back to running it
// synchronously if the pool rejects it (e.g. because it was closed by a
// concurrent Close): a saturated or unavailable pool degrades to
// correctness over parallelism, never to an error.
func (m *Map[K, V]) submit(fn func()) {
	if err := m.pool.Submit(fn); err != nil {
		fn()
	}
}
