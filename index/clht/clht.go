// Package clht implements a cache-line hash table: fixed-width buckets of
// three (key, value) slots plus a spinlock and overflow pointer, with
// lock-free reads and threshold-triggered table doubling. The spinlock/overflow-chain
// shape mirrors mari's MariLNode
// overflow-pointer idiom (Node.go), and the atomic root-swap on resize
// reuses mari's Mari.Root CAS-publish pattern (Operation.go
// compareAndSwap) applied to a bucket table instead of a trie root.
package clht

import (
	"sync/atomic"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

// slotsPerBucket is CLHT's fixed bucket width.
const slotsPerBucket = 3

// numExpandsThreshold triggers a resize once this many overflow buckets
// have been allocated since the last resize.
const numExpandsThreshold = 64

const initialNumBuckets = 16

type bucketSlot struct {
	key   atomic.Pointer[ikey.Key]
	value atomic.Uintptr
}

type bucket struct {
	lock atomic.Int32 // 0 free, 1 held
	next atomic.Pointer[bucket]
	slots [slotsPerBucket]bucketSlot
}

func (b *bucket) tryLock() bool {
	return b.lock.CompareAndSwap(0, 1)
}

func (b *bucket) unlock() {
	b.lock.Store(0)
}

// table is one generation of the bucket array. resizing is set while
// maybeResize copies this table into the next generation.
type table struct {
	buckets    []*bucket
	numExpands atomic.Int32
	resizing   atomic.Bool
}

func newTable(numBuckets int) *table {
	t := &table{buckets: make([]*bucket, numBuckets)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *table) bucketFor(hash uint64) *bucket {
	return t.buckets[hash&uint64(len(t.buckets)-1)]
}

// Index is a CLHT-backed Contract implementation.
type Index struct {
	root       atomic.Pointer[table]
	resizeLock atomic.Int32
	alloc      alloc.Allocator
	backend    persist.Backend
	log        *zap.SugaredLogger
}

// New constructs an empty CLHT index with initialNumBuckets buckets.
func New(allocator alloc.Allocator, backend persist.Backend, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ix := &Index{alloc: allocator, backend: backend, log: log}
	ix.root.Store(newTable(initialNumBuckets))
	return ix
}

func hashKey(key []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// Insert walks the bucket chain under the head bucket's lock, appending an
// overflow bucket when every slot is taken. A busy lock or a root swapped
// by a resize makes it retry against the current table; the insert whose
// overflow allocation reaches numExpandsThreshold runs the resize itself.
func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	h := hashKey(key)

	for {
		t := ix.root.Load()
		b := t.bucketFor(h)

		for cur := b; cur != nil; cur = cur.next.Load() {
			for i := range cur.slots {
				if k := cur.slots[i].key.Load(); k != nil && ikey.Equal(k.Bytes(), key) {
					return status.InsertKeyExists, nil
				}
			}
		}

		if !b.tryLock() {
			continue
		}

		if ix.root.Load() != t {
			b.unlock()
			continue
		}

		cur := b
		for {
			for i := range cur.slots {
				if cur.slots[i].key.Load() == nil {
					rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
					if err != nil {
						b.unlock()
						return status.Failed, err
					}
					cur.slots[i].value.Store(value)
					ix.backend.FenceStore()
					cur.slots[i].key.Store(rec)
					b.unlock()
					return status.Ok, nil
				}
				if k := cur.slots[i].key.Load(); k != nil && ikey.Equal(k.Bytes(), key) {
					b.unlock()
					return status.InsertKeyExists, nil
				}
			}

			next := cur.next.Load()
			if next == nil {
				rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
				if err != nil {
					b.unlock()
					return status.Failed, err
				}
				overflow := &bucket{}
				overflow.slots[0].value.Store(value)
				overflow.slots[0].key.Store(rec)
				ix.backend.FenceStore()
				cur.next.Store(overflow)
				b.unlock()

				if t.numExpands.Add(1) >= numExpandsThreshold {
					if err := ix.maybeResize(t); err != nil {
						ix.log.Errorw("clht resize failed, continuing on old table", "error", err)
					}
				}
				return status.Ok, nil
			}
			cur = next
		}
	}
}

// Search is lock-free: it walks the bucket chain re-reading value then key
// to detect a concurrent write racing the read.
func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	t := ix.root.Load()
	h := hashKey(key)
	b := t.bucketFor(h)

	for cur := b; cur != nil; cur = cur.next.Load() {
		for i := range cur.slots {
			v1 := cur.slots[i].value.Load()
			k := cur.slots[i].key.Load()
			if k == nil {
				continue
			}
			if !ikey.Equal(k.Bytes(), key) {
				continue
			}
			v2 := cur.slots[i].value.Load()
			if v1 == v2 {
				return status.Ok, v1, nil
			}
			// Contended read; treat this slot as inconclusive and continue scanning.
		}
	}

	return status.NotFound, 0, nil
}

// Update replaces an existing key's value in place.
func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	t := ix.root.Load()
	h := hashKey(key)
	b := t.bucketFor(h)

	for !b.tryLock() {
	}
	defer b.unlock()

	for cur := b; cur != nil; cur = cur.next.Load() {
		for i := range cur.slots {
			if k := cur.slots[i].key.Load(); k != nil && ikey.Equal(k.Bytes(), key) {
				if err := ikey.PutRecordValue(ix.backend, k, value); err != nil {
					return status.Failed, err
				}
				cur.slots[i].value.Store(value)
				ix.backend.FenceStore()
				return status.Ok, nil
			}
		}
	}

	return status.NotFound, nil
}

// Upsert inserts key or replaces its value if already present.
func (ix *Index) Upsert(key []byte, value uintptr) (status.Status, error) {
	st, err := ix.Update(key, value)
	if err != nil {
		return status.Failed, err
	}
	if st == status.Ok {
		return status.Ok, nil
	}

	st, err = ix.Insert(key, value)
	if err != nil {
		return status.Failed, err
	}
	if st == status.InsertKeyExists {
		return ix.Update(key, value)
	}
	return st, nil
}

// ScanCount and Scan are not defined: CLHT bucket placement bears no
// relation to key order.
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

// maybeResize grows the table by 2x if no other thread has already won the
// resize race. Every live record is re-homed into a freshly allocated PM
// buffer via ikey.Migrate, which publishes through
// persist.Backend.StreamStore rather than a plain atomic store.
func (ix *Index) maybeResize(old *table) error {
	if !ix.resizeLock.CompareAndSwap(0, 1) {
		return nil
	}
	defer ix.resizeLock.Store(0)

	if ix.root.Load() != old {
		return nil
	}

	old.resizing.Store(true)

	newNumBuckets := len(old.buckets) * 2
	next := newTable(newNumBuckets)

	for bi, b := range old.buckets {
		// Each old bucket stays locked until the new table is published, so
		// an Insert that gets the lock afterwards sees the swapped root and
		// retries there instead of writing into an already-copied bucket.
		for !b.tryLock() {
		}
		for cur := b; cur != nil; cur = cur.next.Load() {
			for i := range cur.slots {
				k := cur.slots[i].key.Load()
				if k == nil {
					continue
				}
				v := cur.slots[i].value.Load()
				migrated, err := ikey.Migrate(ix.alloc, ix.backend, k)
				if err != nil {
					for _, lb := range old.buckets[:bi+1] {
						lb.unlock()
					}
					old.resizing.Store(false)
					return err
				}
				ix.insertInto(next, migrated, v)
			}
		}
	}

	ix.backend.FenceStore()
	ix.root.Store(next)
	for _, b := range old.buckets {
		b.unlock()
	}
	ix.log.Infow("clht resized", "oldBuckets", len(old.buckets), "newBuckets", newNumBuckets)
	return nil
}

func (ix *Index) insertInto(t *table, k *ikey.Key, v uintptr) {
	h := hashKey(k.Bytes())
	b := t.bucketFor(h)

	cur := b
	for {
		for i := range cur.slots {
			if cur.slots[i].key.Load() == nil {
				cur.slots[i].value.Store(v)
				cur.slots[i].key.Store(k)
				return
			}
		}
		next := cur.next.Load()
		if next == nil {
			overflow := &bucket{}
			overflow.slots[0].value.Store(v)
			overflow.slots[0].key.Store(k)
			cur.next.Store(overflow)
			return
		}
		cur = next
	}
}

// Print emits the current table's bucket count and expansion counter.
func (ix *Index) Print() {
	t := ix.root.Load()
	ix.log.Infow("clht state", "numBuckets", len(t.buckets), "numExpands", t.numExpands.Load())
}
