package clht

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	return New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil)
}

func TestInsertSearchRoundtrip(t *testing.T) {
	ix := newTestIndex()

	st, err := ix.Insert([]byte("hello"), 9)
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)

	st, v, err := ix.Search([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)
	assert.Equal(t, uintptr(9), v)
}

func TestInsertDuplicateReturnsKeyExists(t *testing.T) {
	ix := newTestIndex()
	_, _ = ix.Insert([]byte("k"), 1)

	st, err := ix.Insert([]byte("k"), 2)
	require.NoError(t, err)
	assert.Equal(t, status.InsertKeyExists, st)
}

func TestSearchMissingReturnsNotFound(t *testing.T) {
	ix := newTestIndex()
	st, _, err := ix.Search([]byte("missing"))
	require.NoError(t, err)
	assert.Equal(t, status.NotFound, st)
}

func TestUpsertInsertsThenReplaces(t *testing.T) {
	ix := newTestIndex()
	_, _ = ix.Upsert([]byte("k"), 1)
	_, _ = ix.Upsert([]byte("k"), 2)

	_, v, _ := ix.Search([]byte("k"))
	assert.Equal(t, uintptr(2), v)
}

func TestScanIsNotDefined(t *testing.T) {
	ix := newTestIndex()
	st, _, err := ix.ScanCount([]byte("a"), 10)
	require.NoError(t, err)
	assert.Equal(t, status.NotDefined, st)
}

func TestOverflowBucketChainingAndResize(t *testing.T) {
	ix := newTestIndex()

	const n = 3000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%06d", i)
		st, err := ix.Insert([]byte(key), uintptr(i))
		require.NoError(t, err)
		require.Equal(t, status.Ok, st)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%06d", i)
		st, v, err := ix.Search([]byte(key))
		require.NoError(t, err)
		require.Equal(t, status.Ok, st)
		require.Equal(t, uintptr(i), v)
	}
}

func TestConcurrentInsertsAcrossThreads(t *testing.T) {
	ix := newTestIndex()

	const threads = 8
	const perThread = 500

	var wg sync.WaitGroup
	for t0 := 0; t0 < threads; t0++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				key := fmt.Sprintf("t%02d-%06d", base, i)
				st, err := ix.Insert([]byte(key), uintptr(base*perThread+i))
				assert.NoError(t, err)
				assert.Equal(t, status.Ok, st)
			}
		}(t0)
	}
	wg.Wait()

	for t0 := 0; t0 < threads; t0++ {
		for i := 0; i < perThread; i++ {
			key := fmt.Sprintf("t%02d-%06d", t0, i)
			st, v, err := ix.Search([]byte(key))
			require.NoError(t, err)
			require.Equal(t, status.Ok, st)
			require.Equal(t, uintptr(t0*perThread+i), v)
		}
	}
}
