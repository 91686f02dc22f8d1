package global

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shad-go/dmap"
	"github.com/shad-go/dmap/config"
	"github.com/shad-go/dmap/handle"
	"github.com/shad-go/dmap/runtime"
)

func newIntCluster(t *testing.T, n int) (*runtime.InProcessCluster, *runtime.Registry, []*Map[int, int]) {
	cluster := runtime.NewInProcessCluster(n, nil)
	t.Cleanup(cluster.Close)
	registry := runtime.NewRegistry()
	reps := Create[int, int](cluster, registry, nil)
	t.Cleanup(func() { Destroy(reps) })
	return cluster, registry, reps
}

func TestInsertLookupErase(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	for i := 0; i < 1000; i++ {
		m.Insert(i, i*i)
	}
	for i := 0; i < 1000; i++ {
		v, ok := m.Lookup(i)
		require.True(t, ok)
		require.Equal(t, i*i, v)
	}
	require.Equal(t, 1000, m.Size())

	for i := 0; i < 1000; i += 2 {
		m.Erase(i)
	}
	require.Equal(t, 500, m.Size())
	for i := 1; i < 1000; i += 2 {
		_, ok := m.Lookup(i)
		require.True(t, ok)
	}
	for i := 0; i < 1000; i += 2 {
		_, ok := m.Lookup(i)
		require.False(t, ok)
	}
}

func TestPartitioningMatchesHashOwner(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	const n = 2000
	for i := 0; i < n; i++ {
		m.Insert(i, i)
	}

	owned := make([]map[int]bool, len(reps))
	for i, rep := range reps {
		seen := map[int]bool{}
		rep.Local().ForEachKey(func(k int) { seen[k] = true })
		owned[i] = seen
	}

	for i := 0; i < n; i++ {
		want := m.owner(i)
		require.True(t, owned[want][i], "key %d expected on locality %d", i, want)
		for loc, seen := range owned {
			if runtime.Locality(loc) != want {
				require.False(t, seen[i], "key %d unexpectedly found on locality %d", i, loc)
			}
		}
	}
}

func TestOverwriteSemantics(t *testing.T) {
	_, _, reps := newIntCluster(t, 3)
	m := reps[0]

	m.Insert(7, 1)
	m.Insert(7, 2)
	v, ok := m.Lookup(7)
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, m.Size())
}

func TestApplyOnHitAndMiss(t *testing.T) {
	_, _, reps := newIntCluster(t, 3)
	m := reps[0]

	m.Insert(5, 10)
	found := m.Apply(5, func(_ int, v *int, args any) {
		*v += args.(int)
	}, 7)
	require.True(t, found)
	v, _ := m.Lookup(5)
	require.Equal(t, 17, v)

	found = m.Apply(999, func(_ int, v *int, _ any) { *v = -1 }, nil)
	require.False(t, found)
	_, ok := m.Lookup(999)
	require.False(t, ok)
}

func TestForEachEntrySumAcrossLocalities(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	const n = 1000
	for i := 0; i < n; i++ {
		m.Insert(i, i)
	}

	var sum int64
	m.ForEachEntry(func(_ int, v int) {
		atomic.AddInt64(&sum, int64(v))
	})
	require.Equal(t, int64(n*(n-1)/2), sum)
}

func TestClearCollective(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	for i := 0; i < 500; i++ {
		m.Insert(i, i)
	}
	require.Equal(t, 500, m.Size())
	m.Clear()
	require.Equal(t, 0, m.Size())
	for i := 0; i < 500; i++ {
		_, ok := m.Lookup(i)
		require.False(t, ok)
	}
}

func TestBufferedAsyncInsertAcrossFourLocalities(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	const n = 100000
	h := handle.New()
	for i := 0; i < n; i++ {
		m.AsyncBufferedInsert(h, i, i)
	}
	h.Wait()

	m.FlushAllCollective()

	require.Equal(t, n, m.Size())
	for i := 0; i < n; i += 997 {
		v, ok := m.Lookup(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestAsyncInsertAndAsyncLookup(t *testing.T) {
	_, _, reps := newIntCluster(t, 4)
	m := reps[0]

	h := handle.New()
	for i := 0; i < 256; i++ {
		m.AsyncInsert(h, i, i*2)
	}
	h.Wait()

	h2 := handle.New()
	results := make([]dmap.LookupResult[int], 256)
	for i := 0; i < 256; i++ {
		m.AsyncLookup(h2, i, &results[i])
	}
	h2.Wait()

	for i, r := range results {
		require.True(t, r.Found)
		require.Equal(t, i*2, r.Value)
	}
}

func TestLocalSizesSumToInsertedCount(t *testing.T) {
	_, _, reps := newIntCluster(t, 2)
	m := reps[0]

	for i := 0; i < 500; i++ {
		m.Insert(i, i)
	}

	var total int
	for _, rep := range reps {
		total += rep.Local().Size()
	}
	require.Equal(t, 500, total)
}

func TestCreateFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.NumLocalities = 3
	cfg.ExpectedEntriesPerLocality = 64
	cfg.BufferHighWaterMark = 10
	cfg.WorkerPoolSize = 4
	require.NoError(t, cfg.Validate())

	cluster := NewClusterFromConfig(cfg, nil)
	t.Cleanup(cluster.Close)
	registry := runtime.NewRegistry()
	reps := CreateFromConfig[int, int](cluster, registry, nil, cfg)
	t.Cleanup(func() { Destroy(reps) })

	require.Equal(t, cfg.NumLocalities, cluster.NumLocalities())
	m := reps[0]

	// With three localities, rep 0 keeps the keys it owns and buffers the
	// rest for localities 1 and 2. A destination buffer that reaches the
	// BufferHighWaterMark of 10 is flushed implicitly; whatever is left
	// below it is delivered only by FlushAllCollective.
	for i := 0; i < 25; i++ {
		m.BufferedInsert(i, i)
	}
	m.FlushAllCollective()
	require.Equal(t, 25, m.Size())
}

func TestPrintAllEntries(t *testing.T) {
	_, _, reps := newIntCluster(t, 2)
	m := reps[0]
	m.Insert(1, 10)
	m.Insert(2, 20)

	var buf strings.Builder
	m.PrintAllEntries(&buf)

	out := buf.String()
	require.Contains(t, out, "1 -> 10")
	require.Contains(t, out, "2 -> 20")
}
