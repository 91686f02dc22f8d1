package runtime

import (
	"fmt"
	"sync"
)

// ObjectID is a globally agreed identifier under which a collectively
// created object's per-locality representative is registered. The same
// ObjectID is valid on every locality.
type ObjectID uint64

// Registry is the process-wide object registry: a single long-lived table
// mapping an ObjectID to one representative value per locality,
// initialized at runtime start and torn down at runtime stop. There is no
// thread-local state; any goroutine on any simulated locality may call
// GetPtr(oid, loc) to reach another locality's representative, which is
// exactly what a dispatched closure does once it has been handed an
// ObjectID as part of its args.
type Registry struct {
	mu      sync.Mutex
	nextOID ObjectID
	objects map[ObjectID][]any
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[ObjectID][]any)}
}

// Create is the collective factory: it invokes factory once per locality
// in [0, numLocalities), and registers every resulting representative
// under one freshly allocated ObjectID, which is returned.
// factory must not be a closure carrying state other than trivially
// copyable configuration, so that a real transport could reproduce this
// call independently on each locality instead of running it centrally as
// this in-process implementation does.
func (r *Registry) Create(numLocalities int, factory func(loc Locality) any) ObjectID {
	reps := make([]any, numLocalities)
	for i := 0; i < numLocalities; i++ {
		reps[i] = factory(Locality(i))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	oid := r.nextOID
	r.nextOID++
	r.objects[oid] = reps
	return oid
}

// GetPtr returns the representative registered for oid on locality loc.
// It panics if oid is unknown: a stale or foreign ObjectID is a contract
// violation, treated as fatal rather than as a recoverable error.
func (r *Registry) GetPtr(oid ObjectID, loc Locality) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	reps, ok := r.objects[oid]
	if !ok {
		panic(fmt.Sprintf("runtime: unknown ObjectID %d", oid))
	}
	if int(loc) < 0 || int(loc) >= len(reps) {
		panic(fmt.Sprintf("runtime: locality %d out of range for ObjectID %d", loc, oid))
	}
	return reps[loc]
}

// Destroy is the collective release: it removes oid and all of its
// per-locality representatives from the registry. Destroy does not itself
// release any resources the representatives hold; the caller's teardown
// hook (e.g. dmap.Map.Close) is responsible for that.
func (r *Registry) Destroy(oid ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, oid)
}
