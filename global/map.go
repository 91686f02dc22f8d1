// Package global implements the distributed associative-container façade:
// a Map[K, V] that looks like a single container to its caller but actually
// partitions entries across every locality in a cluster, dispatching to the
// owning locality through a runtime.Runtime and batching cross-locality
// inserts through an aggregate.Buffers.
//
// A Map value is one locality's representative of a collectively created
// container: Create returns one representative per locality, all sharing a
// single runtime.ObjectID, and every operation on a representative may end
// up running on some other locality's representative instead, resolved at
// dispatch time via that shared ObjectID.
package global

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/shad-go/dmap"
	"github.com/shad-go/dmap/aggregate"
	"github.com/shad-go/dmap/config"
	"github.com/shad-go/dmap/handle"
	"github.com/shad-go/dmap/runtime"
)

// Map is one locality's representative of a distributed associative
// container. Use Create to build a full set of representatives.
type Map[K comparable, V any] struct {
	oid      runtime.ObjectID
	registry *runtime.Registry
	rt       runtime.Runtime
	local    *dmap.Map[K, V]
	buf      *aggregate.Buffers[K, V]
	hash     dmap.HashFunc[K]
	log      *zap.Logger
}

// Create is the collective constructor: it builds one local dmap.Map per
// locality in cluster, registers them together under a single ObjectID, and
// returns each locality's representative in locality order. opts configure
// every locality's local dmap.Map identically, including the hash function
// that Create also reuses for key-to-locality partitioning.
func Create[K comparable, V any](
	cluster *runtime.InProcessCluster,
	registry *runtime.Registry,
	log *zap.Logger,
	opts ...dmap.Option[K, V],
) []*Map[K, V] {
	return create(cluster, registry, log, aggregate.DefaultHighWaterMark, opts...)
}

// NewClusterFromConfig builds the InProcessCluster a set of representatives
// runs on, sized per cfg's NumLocalities and WorkerPoolSize fields. Pass the
// result to CreateFromConfig, and Close it once every representative built
// on it has been Destroy-ed.
func NewClusterFromConfig(cfg config.RuntimeConfig, log *zap.Logger) *runtime.InProcessCluster {
	return runtime.NewInProcessClusterSize(cfg.NumLocalities, cfg.WorkerPoolSize, log)
}

// CreateFromConfig behaves like Create, but takes its output buffer's
// high-water mark and its local dmap.Map's expected-entries and
// worker-pool sizing from cfg instead of relying on opts or package
// defaults for them. extraOpts is applied after the options derived from
// cfg, so a caller can still override equality, hash or insertion policy.
func CreateFromConfig[K comparable, V any](
	cluster *runtime.InProcessCluster,
	registry *runtime.Registry,
	log *zap.Logger,
	cfg config.RuntimeConfig,
	extraOpts ...dmap.Option[K, V],
) []*Map[K, V] {
	opts := append([]dmap.Option[K, V]{
		dmap.WithExpectedEntries[K, V](cfg.ExpectedEntriesPerLocality),
		dmap.WithWorkerPoolSize[K, V](cfg.WorkerPoolSize),
	}, extraOpts...)
	return create(cluster, registry, log, cfg.BufferHighWaterMark, opts...)
}

func create[K comparable, V any](
	cluster *runtime.InProcessCluster,
	registry *runtime.Registry,
	log *zap.Logger,
	highWater int,
	opts ...dmap.Option[K, V],
) []*Map[K, V] {
	if log == nil {
		log = zap.NewNop()
	}
	n := cluster.NumLocalities()

	// Every locality's local dmap.Map must agree on the hash function: the
	// global façade's owner(key) partitioning is only deterministic
	// cluster-wide if every representative's HashFunc is the same one, not
	// each locality picking its own independently-seeded default. Building
	// it once here and threading it through WithHash (before opts, so an
	// explicit caller-supplied WithHash in opts still wins) guarantees that.
	sharedHash := dmap.NewDefaultHash[K]()
	localOpts := append([]dmap.Option[K, V]{
		dmap.WithLogger[K, V](log),
		dmap.WithHash[K, V](sharedHash),
	}, opts...)
	oid := registry.Create(n, func(loc runtime.Locality) any {
		return &Map[K, V]{
			rt:    cluster.Bind(loc),
			local: dmap.New[K, V](localOpts...),
			log:   log,
		}
	})

	reps := make([]*Map[K, V], n)
	for i := 0; i < n; i++ {
		rep := registry.GetPtr(oid, runtime.Locality(i)).(*Map[K, V])
		rep.oid = oid
		rep.registry = registry
		rep.hash = rep.local.HashFunc()
		rep.buf = aggregate.New[K, V](rep.sendBatch, highWater)
		reps[i] = rep
	}
	log.Info("global: created distributed container",
		zap.Uint64("oid", uint64(oid)),
		zap.Int("localities", n),
	)
	return reps
}

// Destroy releases every representative's local dmap.Map and removes the
// container from the registry. reps must be the slice Create returned (or a
// non-empty subset sharing the same ObjectID).
func Destroy[K comparable, V any](reps []*Map[K, V]) {
	if len(reps) == 0 {
		return
	}
	for _, m := range reps {
		m.local.Close()
	}
	reps[0].registry.Destroy(reps[0].oid)
	reps[0].log.Info("global: destroyed distributed container",
		zap.Uint64("oid", uint64(reps[0].oid)),
		zap.Int("localities", len(reps)),
	)
}

// Local returns this representative's own node-local container, for tests
// and diagnostics that want to inspect one locality's slice directly.
func (m *Map[K, V]) Local() *dmap.Map[K, V] {
	return m.local
}

// owner returns the locality that owns key: hash(key, 0) mod NumLocalities,
// fixed for the lifetime of the container.
func (m *Map[K, V]) owner(key K) runtime.Locality {
	h := m.hash(key, 0)
	return runtime.Locality(h % uint64(m.rt.NumLocalities()))
}

// resolve looks up the representative registered for oid on locality loc.
// It is the one piece of infrastructure every dispatched closure in this
// package needs: the process-wide registry pointer, captured once per
// representative and handed to each closure at the point it's built. The
// registry reference is the locality's own standing infrastructure, not
// data travelling with the request, the same way a production locality
// would already hold its own registry without it being shipped over the
// wire.
func resolve[K comparable, V any](registry *runtime.Registry, oid runtime.ObjectID, loc runtime.Locality) *Map[K, V] {
	return registry.GetPtr(oid, loc).(*Map[K, V])
}

type keyArgs[K comparable] struct {
	OID runtime.ObjectID
	Key K
}

type insertArgs[K comparable, V any] struct {
	OID   runtime.ObjectID
	Key   K
	Value V
}

type batchArgs[K comparable, V any] struct {
	OID   runtime.ObjectID
	Batch []aggregate.Entry[K, V]
}

type applyArgs[K comparable, V any] struct {
	OID  runtime.ObjectID
	Key  K
	Fn   ApplyFunc[K, V]
	Args any
}

type feArgs[K comparable, V any] struct {
	OID runtime.ObjectID
	Fn  func(K, V)
}

type oidArgs struct {
	OID runtime.ObjectID
}

// Insert stores (key, value), dispatching to the owning locality if it
// isn't this one. Collision handling at the owning locality follows that
// locality's own dmap.Map InsertPolicy.
func (m *Map[K, V]) Insert(key K, value V) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.Insert(key, value)
		return
	}
	registry := m.registry
	args := insertArgs[K, V]{OID: m.oid, Key: key, Value: value}
	m.rt.ExecuteAt(target, func(self runtime.Locality, a any) {
		ia := a.(insertArgs[K, V])
		resolve[K, V](registry, ia.OID, self).local.Insert(ia.Key, ia.Value)
	}, args)
}

// AsyncInsert behaves like Insert but attaches to h instead of blocking.
func (m *Map[K, V]) AsyncInsert(h *handle.Handle, key K, value V) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.AsyncInsert(h, key, value)
		return
	}
	registry := m.registry
	args := insertArgs[K, V]{OID: m.oid, Key: key, Value: value}
	m.rt.AsyncExecuteAt(h, target, func(self runtime.Locality, a any) {
		ia := a.(insertArgs[K, V])
		resolve[K, V](registry, ia.OID, self).local.Insert(ia.Key, ia.Value)
	}, args)
}

// BufferedInsert enqueues (key, value) into the per-destination output
// buffer instead of dispatching immediately, if key is not owned locally.
// The buffer ships a batch once it reaches its high-water mark; call
// FlushAll (or FlushAllCollective) to force delivery of whatever remains.
func (m *Map[K, V]) BufferedInsert(key K, value V) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.Insert(key, value)
		return
	}
	m.buf.Insert(target, aggregate.Entry[K, V]{Key: key, Value: value})
}

// AsyncBufferedInsert behaves like BufferedInsert, but an implicit
// high-water flush is attached to h instead of blocking the caller.
func (m *Map[K, V]) AsyncBufferedInsert(h *handle.Handle, key K, value V) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.AsyncInsert(h, key, value)
		return
	}
	m.buf.AsyncInsert(h, target, aggregate.Entry[K, V]{Key: key, Value: value})
}

// sendBatch is the aggregate.SendFunc this representative's buffer calls to
// ship a filled batch: one remote dispatch per batch instead of per entry.
func (m *Map[K, V]) sendBatch(dest runtime.Locality, batch []aggregate.Entry[K, V]) {
	registry := m.registry
	args := batchArgs[K, V]{OID: m.oid, Batch: batch}
	m.rt.ExecuteAt(dest, func(self runtime.Locality, a any) {
		ba := a.(batchArgs[K, V])
		local := resolve[K, V](registry, ba.OID, self).local
		for _, e := range ba.Batch {
			local.Insert(e.Key, e.Value)
		}
	}, args)
}

// FlushAll sends every non-empty buffer this representative holds and
// blocks until all sends have completed. It does not touch other
// localities' buffers; see FlushAllCollective for that.
func (m *Map[K, V]) FlushAll() {
	m.buf.FlushAll()
}

// AsyncFlushAll behaves like FlushAll but attaches its sends to h instead
// of blocking.
func (m *Map[K, V]) AsyncFlushAll(h *handle.Handle) {
	m.buf.AsyncFlushAll(h)
}

// FlushAllCollective flushes every representative's buffer, not just this
// one's. It exists for a single-goroutine driver holding only one
// representative that still wants the SPMD-style "every locality flushes
// now" effect a real cluster gets by having every locality call FlushAll on
// its own line of code.
func (m *Map[K, V]) FlushAllCollective() {
	registry := m.registry
	args := oidArgs{OID: m.oid}
	m.rt.ExecuteOnAll(func(self runtime.Locality, a any) {
		oa := a.(oidArgs)
		resolve[K, V](registry, oa.OID, self).buf.FlushAll()
	}, args)
}

// Lookup returns the value stored for key and true, or the zero value and
// false if key is absent anywhere in the container.
func (m *Map[K, V]) Lookup(key K) (V, bool) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		return m.local.Lookup(key)
	}
	registry := m.registry
	args := keyArgs[K]{OID: m.oid, Key: key}
	var res dmap.LookupResult[V]
	m.rt.ExecuteAtWithRet(target, func(self runtime.Locality, a any, ret any) {
		ka := a.(keyArgs[K])
		v, found := resolve[K, V](registry, ka.OID, self).local.Lookup(ka.Key)
		r := ret.(*dmap.LookupResult[V])
		r.Value, r.Found = v, found
	}, args, &res)
	return res.Value, res.Found
}

// AsyncLookup behaves like Lookup, writing its result into out once the
// operation attached to h has completed. out must not be read before
// h.Wait returns.
func (m *Map[K, V]) AsyncLookup(h *handle.Handle, key K, out *dmap.LookupResult[V]) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.AsyncLookup(h, key, out)
		return
	}
	registry := m.registry
	args := keyArgs[K]{OID: m.oid, Key: key}
	m.rt.AsyncExecuteAtWithRet(h, target, func(self runtime.Locality, a any, ret any) {
		ka := a.(keyArgs[K])
		v, found := resolve[K, V](registry, ka.OID, self).local.Lookup(ka.Key)
		r := ret.(*dmap.LookupResult[V])
		r.Value, r.Found = v, found
	}, args, out)
}

// Erase removes key if present, dispatching to the owning locality if it
// isn't this one.
func (m *Map[K, V]) Erase(key K) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.Erase(key)
		return
	}
	registry := m.registry
	args := keyArgs[K]{OID: m.oid, Key: key}
	m.rt.ExecuteAt(target, func(self runtime.Locality, a any) {
		ka := a.(keyArgs[K])
		resolve[K, V](registry, ka.OID, self).local.Erase(ka.Key)
	}, args)
}

// AsyncErase behaves like Erase but attaches to h instead of blocking.
func (m *Map[K, V]) AsyncErase(h *handle.Handle, key K) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.AsyncErase(h, key)
		return
	}
	registry := m.registry
	args := keyArgs[K]{OID: m.oid, Key: key}
	m.rt.AsyncExecuteAt(h, target, func(self runtime.Locality, a any) {
		ka := a.(keyArgs[K])
		resolve[K, V](registry, ka.OID, self).local.Erase(ka.Key)
	}, args)
}

// ApplyFunc mutates the value stored for a key in place, the same contract
// as dmap.ApplyFunc, plus an opaque args value so the same function value
// can be reused across calls with different data instead of closing over
// call-specific state. The closure it travels inside already carries the
// registry and ObjectID, so the function a caller supplies should not carry
// anything of its own that wouldn't survive being copied to another
// locality.
type ApplyFunc[K comparable, V any] func(key K, value *V, args any)

// Apply invokes fn on the value stored for key, if present, on the owning
// locality. It is a no-op if key is absent.
func (m *Map[K, V]) Apply(key K, fn ApplyFunc[K, V], args any) bool {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		found := false
		m.local.Apply(key, func(k K, v *V) {
			fn(k, v, args)
			found = true
		})
		return found
	}
	registry := m.registry
	aargs := applyArgs[K, V]{OID: m.oid, Key: key, Fn: fn, Args: args}
	var found bool
	m.rt.ExecuteAtWithRet(target, func(self runtime.Locality, a any, ret any) {
		aa := a.(applyArgs[K, V])
		ok := resolve[K, V](registry, aa.OID, self).local.Apply(aa.Key, func(k K, v *V) {
			aa.Fn(k, v, aa.Args)
		})
		*ret.(*bool) = ok
	}, aargs, &found)
	return found
}

// AsyncApply behaves like Apply but attaches to h instead of blocking; its
// bool result is not observable, matching dmap.Map.AsyncApply.
func (m *Map[K, V]) AsyncApply(h *handle.Handle, key K, fn ApplyFunc[K, V], args any) {
	target := m.owner(key)
	if target == m.rt.ThisLocality() {
		m.local.AsyncApply(h, key, func(k K, v *V) { fn(k, v, args) })
		return
	}
	registry := m.registry
	aargs := applyArgs[K, V]{OID: m.oid, Key: key, Fn: fn, Args: args}
	m.rt.AsyncExecuteAt(h, target, func(self runtime.Locality, a any) {
		aa := a.(applyArgs[K, V])
		resolve[K, V](registry, aa.OID, self).local.Apply(aa.Key, func(k K, v *V) {
			aa.Fn(k, v, aa.Args)
		})
	}, aargs)
}

// Size returns the total number of entries across every locality. Like
// dmap.Map.Size, this is not linearized against concurrent mutation: it is
// exact only in quiescence, and is computed as a reduction over every
// locality's own local Size.
func (m *Map[K, V]) Size() int {
	total := m.local.Size()
	registry := m.registry
	args := oidArgs{OID: m.oid}
	for _, loc := range m.rt.AllLocalities() {
		if loc == m.rt.ThisLocality() {
			continue
		}
		var n int
		m.rt.ExecuteAtWithRet(loc, func(self runtime.Locality, a any, ret any) {
			oa := a.(oidArgs)
			*ret.(*int) = resolve[K, V](registry, oa.OID, self).local.Size()
		}, args, &n)
		total += n
	}
	return total
}

// Clear removes every entry from every locality, collectively.
func (m *Map[K, V]) Clear() {
	registry := m.registry
	args := oidArgs{OID: m.oid}
	m.rt.ExecuteOnAll(func(self runtime.Locality, a any) {
		oa := a.(oidArgs)
		resolve[K, V](registry, oa.OID, self).local.Clear()
	}, args)
}

// ForEachEntry invokes fn once for every (key, value) pair present, at some
// point during the call, anywhere in the container. Each locality runs fn
// over its own entries in parallel on its own worker pool; there is no
// ordering guarantee across or within localities, and entries inserted or
// erased mid-scan may or may not be visited, matching dmap.Map.ForEachEntry.
func (m *Map[K, V]) ForEachEntry(fn func(key K, value V)) {
	registry := m.registry
	args := feArgs[K, V]{OID: m.oid, Fn: fn}
	m.rt.ExecuteOnAll(func(self runtime.Locality, a any) {
		fa := a.(feArgs[K, V])
		resolve[K, V](registry, fa.OID, self).local.ForEachEntry(fa.Fn)
	}, args)
}

// ForEachKey behaves like ForEachEntry but only visits keys.
func (m *Map[K, V]) ForEachKey(fn func(key K)) {
	m.ForEachEntry(func(k K, _ V) { fn(k) })
}

// AsyncForEachEntry behaves like ForEachEntry but attaches to h instead of
// blocking.
func (m *Map[K, V]) AsyncForEachEntry(h *handle.Handle, fn func(key K, value V)) {
	registry := m.registry
	args := feArgs[K, V]{OID: m.oid, Fn: fn}
	m.rt.AsyncExecuteOnAll(h, func(self runtime.Locality, a any) {
		fa := a.(feArgs[K, V])
		resolve[K, V](registry, fa.OID, self).local.ForEachEntry(fa.Fn)
	}, args)
}

// AsyncForEachKey behaves like AsyncForEachEntry but only visits keys.
func (m *Map[K, V]) AsyncForEachKey(h *handle.Handle, fn func(key K)) {
	m.AsyncForEachEntry(h, func(k K, _ V) { fn(k) })
}

// PrintAllEntries writes one "key -> value" line per entry to w, collecting
// output from every locality via ForEachEntry. Line order across or within
// localities is unspecified.
func (m *Map[K, V]) PrintAllEntries(w io.Writer) {
	var mu sync.Mutex
	m.ForEachEntry(func(k K, v V) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%v -> %v\n", k, v)
	})
}
