package fastfair

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

	st, err := ix.Insert([]byte("hello"), 7)
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)

	st, v, err := ix.Search([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)
	assert.Equal(t, uintptr(7), v)
}

func TestInsertDuplicateReturnsKeyExists(t *testing.T) {
	ix := newTestIndex()
	_, _ = ix.Insert([]byte("k"), 1)

	st, err := ix.Insert([]byte("k"), 2)
	require.NoError(t, err)
	assert.Equal(t, status.InsertKeyExists, st)
}

func TestUpdateAndUpsert(t *testing.T) {
	ix := newTestIndex()

	st, err := ix.Update([]byte("missing"), 1)
	require.NoError(t, err)
	assert.Equal(t, status.NotFound, st)

	_, _ = ix.Upsert([]byte("k"), 1)
	_, _ = ix.Upsert([]byte("k"), 2)
	_, v, _ := ix.Search([]byte("k"))
	assert.Equal(t, uintptr(2), v)
}

func TestBulkInsertForcesSplitsAndPreservesOrder(t *testing.T) {
	ix := newTestIndex()

	const n = 10000
	for i := 0; i < n; i++ {
		st, err := ix.Insert([]byte(fmt.Sprintf("key-%06d", i)), uintptr(i))
		require.NoError(t, err)
		require.Equal(t, status.Ok, st)
	}

	for i := 0; i < n; i++ {
		st, v, err := ix.Search([]byte(fmt.Sprintf("key-%06d", i)))
		require.NoError(t, err)
		require.Equal(t, status.Ok, st)
		require.Equal(t, uintptr(i), v)
	}

	st, values, err := ix.Scan([]byte("key-000000"), []byte("key-000010"))
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)
	require.Len(t, values, 10)
	for i, v := range values {
		assert.Equal(t, uintptr(i), v)
	}
}

func TestScanCountRespectsLimit(t *testing.T) {
	ix := newTestIndex()
	for i := 0; i < 100; i++ {
		_, _ = ix.Insert([]byte(fmt.Sprintf("k%04d", i)), uintptr(i))
	}

	st, values, err := ix.ScanCount([]byte("k0000"), 5)
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)
	assert.Len(t, values, 5)
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
