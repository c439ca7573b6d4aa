package alloc

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDRAMAllocatorAllocateTracksUsage(t *testing.T) {
	a := NewDRAMAllocator()

	buf, err := a.Allocate(16)
	require.NoError(t, err)
	assert.Len(t, buf, 16)
	assert.Equal(t, uint64(16), a.MemUsage())

	_, err = a.AllocateAligned(10, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), a.MemUsage())
}

func TestDRAMAllocatorRejectsNonPowerOfTwoAlignment(t *testing.T) {
	a := NewDRAMAllocator()
	_, err := a.AllocateAligned(10, 3)
	assert.Error(t, err)
}

func TestPMAllocatorRoutesBySize(t *testing.T) {
	region := make([]byte, 1000)
	a := NewPMAllocator(region)

	require.Equal(t, 300, a.UnalignedCapacity())
	require.Equal(t, 700, a.AlignedCapacity())

	small, err := a.Allocate(8)
	require.NoError(t, err)
	assert.Len(t, small, 8)

	large, err := a.Allocate(CacheLineSize)
	require.NoError(t, err)
	assert.Len(t, large, CacheLineSize)

	assert.Equal(t, uint64(8+CacheLineSize), a.MemUsage())
}

func TestPMAllocatorReturnsNonOverlappingPointers(t *testing.T) {
	region := make([]byte, 10000)
	a := NewPMAllocator(region)

	var mu sync.Mutex
	seen := map[uintptr]bool{}
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := a.Allocate(64)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			addr := addrOf(buf)
			assert.False(t, seen[addr], "overlapping allocation detected")
			seen[addr] = true
		}()
	}
	wg.Wait()
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestPMAllocatorExhaustionReturnsError(t *testing.T) {
	region := make([]byte, 100)
	a := NewPMAllocator(region)

	_, err := a.Allocate(100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestNodePoolRecyclesValues(t *testing.T) {
	type node struct{ v int }

	pool := NewNodePool[node](4, func(n *node) *node {
		n.v = -1
		return n
	})

	n := pool.Get()
	assert.Equal(t, -1, n.v)
	n.v = 42

	pool.Put(n)
	recycled := pool.Get()
	assert.Equal(t, -1, recycled.v)
}
