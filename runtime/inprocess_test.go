package runtime

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shad-go/dmap/handle"
)

func newTestCluster(t *testing.T, n int) *InProcessCluster {
	c := NewInProcessCluster(n, nil)
	t.Cleanup(c.Close)
	return c
}

func TestThisLocalityAndEnumeration(t *testing.T) {
	c := newTestCluster(t, 3)
	r := c.Bind(1)
	require.Equal(t, Locality(1), r.ThisLocality())
	require.Equal(t, 3, r.NumLocalities())
	require.Equal(t, []Locality{0, 1, 2}, r.AllLocalities())
}

func TestExecuteAtBlocksAndReturns(t *testing.T) {
	c := newTestCluster(t, 2)
	r := c.Bind(0)

	var ran bool
	r.ExecuteAt(1, func(self Locality, args any) {
		ran = true
		require.Equal(t, Locality(1), self)
		require.Equal(t, 42, args.(int))
	}, 42)
	require.True(t, ran)
}

func TestExecuteAtWithRet(t *testing.T) {
	c := newTestCluster(t, 2)
	r := c.Bind(0)

	var ret int
	r.ExecuteAtWithRet(1, func(_ Locality, args any, ret any) {
		*ret.(*int) = args.(int) * 2
	}, 21, &ret)
	require.Equal(t, 42, ret)
}

func TestAsyncExecuteAtWithHandle(t *testing.T) {
	c := newTestCluster(t, 2)
	r := c.Bind(0)
	h := handle.New()

	var ret int
	r.AsyncExecuteAtWithRet(h, 1, func(_ Locality, args any, ret any) {
		*ret.(*int) = args.(int) + 1
	}, 41, &ret)
	h.Wait()
	require.Equal(t, 42, ret)
}

func TestExecuteOnAll(t *testing.T) {
	const n = 5
	c := newTestCluster(t, n)
	r := c.Bind(0)

	var count int32
	r.ExecuteOnAll(func(_ Locality, _ any) {
		atomic.AddInt32(&count, 1)
	}, nil)
	require.Equal(t, int32(n), atomic.LoadInt32(&count))
}

func TestForEachAtVisitsEveryIndexOnce(t *testing.T) {
	c := newTestCluster(t, 1)
	r := c.Bind(0)

	const count = 1000
	var mu chanCounter
	mu.init(count)
	r.ForEachAt(0, func(i int, _ any) {
		mu.mark(i)
	}, nil, count)
	require.Equal(t, count, mu.total())
}

func TestAsyncForEachAt(t *testing.T) {
	c := newTestCluster(t, 1)
	r := c.Bind(0)
	h := handle.New()

	const count = 200
	var mu chanCounter
	mu.init(count)
	r.AsyncForEachAt(h, 0, func(i int, _ any) {
		mu.mark(i)
	}, nil, count)
	h.Wait()
	require.Equal(t, count, mu.total())
}

func TestRegistryCreateGetPtrDestroy(t *testing.T) {
	reg := NewRegistry()
	oid := reg.Create(3, func(loc Locality) any {
		return int(loc) * 10
	})

	for i := 0; i < 3; i++ {
		require.Equal(t, i*10, reg.GetPtr(oid, Locality(i)))
	}

	reg.Destroy(oid)
	require.Panics(t, func() { reg.GetPtr(oid, 0) })
}

// chanCounter is a small test helper that records which indices in
// [0, n) have been visited, guarding against both missed and
// double-counted visits from concurrent ForEachAt workers.
type chanCounter struct {
	seen []int32
}

func (c *chanCounter) init(n int) { c.seen = make([]int32, n) }

func (c *chanCounter) mark(i int) { atomic.AddInt32(&c.seen[i], 1) }

func (c *chanCounter) total() int {
	n := 0
	for _, v := range c.seen {
		if v == 1 {
			n++
		}
	}
	return n
}
