// Package runtime provides the remote-execution abstraction the global
// façade dispatches through: locality enumeration, synchronous and
// asynchronous remote invocation, collective fan-outs, an intra-locality
// parallel loop, and the object registry mapping IDs to per-locality
// representatives.
//
// It ships an in-process implementation (InProcessCluster) that simulates
// localities as independent goroutine-pool address spaces communicating
// only through the closures ExecuteAt dispatches; no locality reaches into
// another's memory directly. This lets dmap/global and dmap/aggregate be
// exercised and tested without a real network transport. A production
// deployment would implement Runtime over an actual RPC layer instead.
package runtime

import "github.com/shad-go/dmap/handle"

// Locality identifies one of the cooperating address spaces participating
// in a distributed dmap. Localities are numbered [0, NumLocalities).
type Locality int

// Func is a closure dispatched to a locality by ExecuteAt/AsyncExecuteAt.
// self is the locality fn is running on (equal to the loc passed to
// ExecuteAt), the Go equivalent of a real transport's worker knowing its
// own locality without being told. It lets fn resolve an ObjectID to a
// representative via Registry.GetPtr(oid, self) without closing over the
// caller's notion of the destination.
// args must be a trivially-copyable value with no embedded references: on
// a real transport it would cross an address-space boundary by value, so
// any pointer captured in args would be meaningless on the receiving side.
type Func func(self Locality, args any)

// RetFunc is a closure dispatched by ExecuteAtWithRet/AsyncExecuteAtWithRet.
// It must write its result through ret before returning; the caller reads
// ret only after the synchronous call returns or the handle it was
// attached to has been waited on.
type RetFunc func(self Locality, args any, ret any)

// IndexFunc is the per-iteration closure passed to ForEachAt/AsyncForEachAt.
type IndexFunc func(i int, args any)

// Runtime is the external interface the global façade's operations
// dispatch through once a representative exists. Construction is not
// abstracted: global.Create and global.NewClusterFromConfig take or return
// an *InProcessCluster directly. The write-aggregation buffers use only
// the Locality type and ship batches through a caller-supplied SendFunc.
type Runtime interface {
	// ThisLocality returns the identifier of the locality this Runtime
	// value is bound to.
	ThisLocality() Locality

	// NumLocalities returns the (fixed) number of localities.
	NumLocalities() int

	// AllLocalities returns every locality identifier, in a stable order.
	AllLocalities() []Locality

	// ExecuteAt runs fn(args) at loc and blocks for the reply.
	ExecuteAt(loc Locality, fn Func, args any)

	// ExecuteAtWithRet is like ExecuteAt, but fn writes its result into
	// ret before the call returns.
	ExecuteAtWithRet(loc Locality, fn RetFunc, args any, ret any)

	// AsyncExecuteAt attaches an ExecuteAt-equivalent operation to h and
	// returns immediately; the caller observes completion via h.Wait.
	AsyncExecuteAt(h *handle.Handle, loc Locality, fn Func, args any)

	// AsyncExecuteAtWithRet is the async counterpart of ExecuteAtWithRet.
	// ret is only valid to read after h.Wait returns.
	AsyncExecuteAtWithRet(h *handle.Handle, loc Locality, fn RetFunc, args any, ret any)

	// ExecuteOnAll runs fn(args) at every locality and blocks until all
	// have completed.
	ExecuteOnAll(fn Func, args any)

	// AsyncExecuteOnAll attaches an ExecuteOnAll-equivalent operation to
	// h and returns immediately.
	AsyncExecuteOnAll(h *handle.Handle, fn Func, args any)

	// ForEachAt runs fn(i, args) for i in [0, count) at loc, in parallel,
	// and blocks until every iteration has completed.
	ForEachAt(loc Locality, fn IndexFunc, args any, count int)

	// AsyncForEachAt attaches a ForEachAt-equivalent operation to h and
	// returns immediately.
	AsyncForEachAt(h *handle.Handle, loc Locality, fn IndexFunc, args any, count int)
}
