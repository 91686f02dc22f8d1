package aggregate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shad-go/dmap/handle"
	"github.com/shad-go/dmap/runtime"
)

func recordingSend(t *testing.T) (SendFunc[int, int], func() [][]Entry[int, int]) {
	var mu sync.Mutex
	var sent [][]Entry[int, int]
	return func(dest runtime.Locality, batch []Entry[int, int]) {
			mu.Lock()
			defer mu.Unlock()
			cp := append([]Entry[int, int](nil), batch...)
			sent = append(sent, cp)
		}, func() [][]Entry[int, int] {
			mu.Lock()
			defer mu.Unlock()
			return sent
		}
}

func TestInsertDoesNotSendBelowHighWater(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 4)
	b.Insert(0, Entry[int, int]{Key: 1, Value: 1})
	b.Insert(0, Entry[int, int]{Key: 2, Value: 2})
	require.Empty(t, sent())
}

func TestInsertFlushesOnHighWater(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 2)
	b.Insert(0, Entry[int, int]{Key: 1, Value: 1})
	b.Insert(0, Entry[int, int]{Key: 2, Value: 2})

	batches := sent()
	require.Len(t, batches, 1)
	require.Equal(t, []Entry[int, int]{{Key: 1, Value: 1}, {Key: 2, Value: 2}}, batches[0])
}

func TestFlushAllSendsOnlyNonEmptyBuffers(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 100)
	b.Insert(0, Entry[int, int]{Key: 1, Value: 1})
	b.Insert(2, Entry[int, int]{Key: 2, Value: 2})
	b.FlushAll()

	batches := sent()
	require.Len(t, batches, 2)
	seen := map[int]bool{}
	for _, batch := range batches {
		require.Len(t, batch, 1)
		seen[batch[0].Key] = true
	}
	require.True(t, seen[1])
	require.True(t, seen[2])
}

func TestFlushAllIsIdempotentOnEmptyBuffers(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 100)
	b.FlushAll()
	require.Empty(t, sent())
}

func TestFIFOOrderWithinOneDestination(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 1000)
	for i := 0; i < 100; i++ {
		b.Insert(0, Entry[int, int]{Key: i, Value: i})
	}
	b.FlushAll()
	batches := sent()
	require.Len(t, batches, 1)
	for i, e := range batches[0] {
		require.Equal(t, i, e.Key)
	}
}

func TestAsyncInsertFlushCompletesBeforeHandleWait(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 2)
	h := handle.New()
	b.AsyncInsert(h, 0, Entry[int, int]{Key: 1, Value: 1})
	b.AsyncInsert(h, 0, Entry[int, int]{Key: 2, Value: 2})
	h.Wait()

	require.Len(t, sent(), 1)
}

func TestAsyncFlushAllCompletesBeforeHandleWait(t *testing.T) {
	send, sent := recordingSend(t)
	b := New[int, int](send, 1000)
	b.Insert(0, Entry[int, int]{Key: 1, Value: 1})
	b.Insert(1, Entry[int, int]{Key: 2, Value: 2})

	h := handle.New()
	b.AsyncFlushAll(h)
	h.Wait()

	require.Len(t, sent(), 2)
}
