package alloc

import (
	"sync"
	"sync/atomic"
)

// NodePool recycles fixed-shape node values instead of leaving them to the
// garbage collector, generalizing mari's MariNodePool (NodePool.go)
// from its two hardcoded node types to any type T via Go generics.
type NodePool[T any] struct {
	pool    *sync.Pool
	size    atomic.Int64
	maxSize int64
	reset   func(*T) *T
}

// NewNodePool constructs a pool pre-warmed to maxSize/2 entries, mirroring
// initializePools' half-capacity warmup. reset clears a recycled value
// before it is handed back out via Get.
func NewNodePool[T any](maxSize int64, reset func(*T) *T) *NodePool[T] {
	np := &NodePool[T]{maxSize: maxSize, reset: reset}

	np.pool = &sync.Pool{
		New: func() interface{} {
			return np.reset(new(T))
		},
	}

	for i := int64(0); i < maxSize/2; i++ {
		np.pool.Put(np.reset(new(T)))
	}
	np.size.Store(maxSize / 2)

	return np
}

// Get returns a recycled value, allocating a fresh one if the pool is empty.
func (np *NodePool[T]) Get() *T {
	node := np.pool.Get().(*T)
	for {
		cur := np.size.Load()
		if cur <= 0 {
			break
		}
		if np.size.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	return node
}

// Put returns a value to the pool once its caller is done with it — after a
// path-copy has been published and the superseded node is no longer
// reachable by any reader. If the pool is at capacity, the node is dropped
// for the garbage collector to reclaim.
func (np *NodePool[T]) Put(node *T) {
	if np.size.Load() < np.maxSize {
		np.pool.Put(np.reset(node))
		np.size.Add(1)
	}
}

// Len reports the approximate number of values currently pooled.
func (np *NodePool[T]) Len() int64 {
	return np.size.Load()
}
