package runtime

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shad-go/dmap/handle"
)

// perLocalityPoolSize bounds the worker pool backing each simulated
// locality's ForEachAt/AsyncForEachAt parallel loop.
const perLocalityPoolSize = 256

// InProcessCluster is a Runtime implementation that simulates numLocalities
// cooperating address spaces inside a single OS process, each backed by
// its own goroutine pool. It exists so dmap/global and dmap/aggregate can
// be driven and tested end-to-end without a real network transport.
//
// Every call that would cross a locality boundary on a real transport is
// routed through the destination locality's own pool here. The simulation
// does not isolate memory: fn receives args and ret exactly as the caller
// passed them, so a pointer in either still refers to the caller's memory,
// and Registry.GetPtr returns any locality's representative to any
// goroutine.
type InProcessCluster struct {
	log   *zap.Logger
	pools []*ants.Pool
}

// NewInProcessCluster creates a cluster of numLocalities simulated
// localities, each with a worker pool of perLocalityPoolSize goroutines.
// log may be nil, in which case a no-op logger is used.
func NewInProcessCluster(numLocalities int, log *zap.Logger) *InProcessCluster {
	return NewInProcessClusterSize(numLocalities, perLocalityPoolSize, log)
}

// NewInProcessClusterSize behaves like NewInProcessCluster, but sizes each
// locality's worker pool to poolSize instead of perLocalityPoolSize.
// poolSize <= 0 falls back to perLocalityPoolSize.
func NewInProcessClusterSize(numLocalities, poolSize int, log *zap.Logger) *InProcessCluster {
	if numLocalities < 1 {
		panic("runtime: numLocalities must be >= 1")
	}
	if poolSize <= 0 {
		poolSize = perLocalityPoolSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	pools := make([]*ants.Pool, numLocalities)
	for i := range pools {
		p, err := ants.NewPool(poolSize)
		if err != nil {
			// Only returned for an invalid pool size; perLocalityPoolSize
			// is a positive constant, so this is unreachable in practice.
			// Treat it like any other allocation failure: fatal.
			panic("runtime: failed to create locality worker pool: " + err.Error())
		}
		pools[i] = p
	}
	return &InProcessCluster{log: log, pools: pools}
}

// NumLocalities returns the number of simulated localities in the cluster.
func (c *InProcessCluster) NumLocalities() int {
	return len(c.pools)
}

// Close releases every simulated locality's worker pool.
func (c *InProcessCluster) Close() {
	for _, p := range c.pools {
		p.Release()
	}
}

// Bind returns a Runtime view of the cluster as seen from locality self.
// Each of the cluster's localities should bind and keep its own view: it
// is what makes ThisLocality() meaningful.
func (c *InProcessCluster) Bind(self Locality) Runtime {
	if int(self) < 0 || int(self) >= len(c.pools) {
		panic("runtime: locality out of range")
	}
	return &boundRuntime{cluster: c, self: self}
}

func (c *InProcessCluster) submitAt(loc Locality, task func()) {
	if err := c.pools[loc].Submit(task); err != nil {
		c.log.Warn("runtime: pool submit failed, running inline", zap.Int("locality", int(loc)), zap.Error(err))
		task()
	}
}

// boundRuntime is the Runtime a single locality uses to reach the rest of
// the cluster.
type boundRuntime struct {
	cluster *InProcessCluster
	self    Locality
}

func (r *boundRuntime) ThisLocality() Locality { return r.self }

func (r *boundRuntime) NumLocalities() int { return len(r.cluster.pools) }

func (r *boundRuntime) AllLocalities() []Locality {
	all := make([]Locality, len(r.cluster.pools))
	for i := range all {
		all[i] = Locality(i)
	}
	return all
}

func (r *boundRuntime) ExecuteAt(loc Locality, fn Func, args any) {
	done := make(chan struct{})
	r.cluster.submitAt(loc, func() {
		defer close(done)
		fn(loc, args)
	})
	<-done
}

func (r *boundRuntime) ExecuteAtWithRet(loc Locality, fn RetFunc, args any, ret any) {
	done := make(chan struct{})
	r.cluster.submitAt(loc, func() {
		defer close(done)
		fn(loc, args, ret)
	})
	<-done
}

func (r *boundRuntime) AsyncExecuteAt(h *handle.Handle, loc Locality, fn Func, args any) {
	h.Attach()
	r.cluster.submitAt(loc, func() {
		defer h.Complete()
		fn(loc, args)
	})
}

func (r *boundRuntime) AsyncExecuteAtWithRet(h *handle.Handle, loc Locality, fn RetFunc, args any, ret any) {
	h.Attach()
	r.cluster.submitAt(loc, func() {
		defer h.Complete()
		fn(loc, args, ret)
	})
}

func (r *boundRuntime) ExecuteOnAll(fn Func, args any) {
	var g errgroup.Group
	for _, loc := range r.AllLocalities() {
		loc := loc
		g.Go(func() error {
			r.ExecuteAt(loc, fn, args)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *boundRuntime) AsyncExecuteOnAll(h *handle.Handle, fn Func, args any) {
	for _, loc := range r.AllLocalities() {
		r.AsyncExecuteAt(h, loc, fn, args)
	}
}

func (r *boundRuntime) ForEachAt(loc Locality, fn IndexFunc, args any, count int) {
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		i := i
		r.cluster.submitAt(loc, func() {
			defer wg.Done()
			fn(i, args)
		})
	}
	wg.Wait()
}

func (r *boundRuntime) AsyncForEachAt(h *handle.Handle, loc Locality, fn IndexFunc, args any, count int) {
	h.Attach()
	go func() {
		defer h.Complete()
		r.ForEachAt(loc, fn, args, count)
	}()
}
