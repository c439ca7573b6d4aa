// Package rhtree implements RHTree: volatile 256-way internal nodes
// routing one key byte per level, terminating in persistent leaves that
// hold a small hash table of (key, value) slots. A leaf can be referenced
// by a contiguous range of parent child slots (its "ptr range"); splitting
// narrows that range (normal split) until it cannot narrow further, at
// which point a new internal level is inserted (level split). The
// top-down byte-at-a-time descent and bucket-chain shape
// generalize mari's MariINode/MariLNode descent (Node.go,
// Operation.go retrieveOperation), replacing mari's single bitmap-indexed
// trie level with RHTree's fixed 256-way fan-out plus persistent leaf
// hash buckets.
package rhtree

import (
	"sync"
	"sync/atomic"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

const (
	fanOut        = 256
	bucketsPerLeaf = 32
	slotsPerBucket = 8
	// maxPtrNum is log2(fanOut); a leaf's ptr range starts at the full
	// fan-out and halves on each normal split until it reaches 1 (ptrNum 0).
	maxPtrNum = 8
)

// routeEntry is the tagged union a parent's child slot points to: either a
// deeper internal node or a leaf. Exactly one field is non-nil.
type routeEntry struct {
	internal *internalNode
	leaf     *leaf
}

// internalNode is RHTree's volatile 256-way fan-out node.
type internalNode struct {
	children [fanOut]atomic.Pointer[routeEntry]
}

type rhSlot struct {
	sig   atomic.Uint32
	cache atomic.Uint32
	key   atomic.Pointer[ikey.Key]
}

type rhBucket struct {
	lock  atomic.Int32
	slots [slotsPerBucket]rhSlot
}

func (b *rhBucket) tryLock() bool { return b.lock.CompareAndSwap(0, 1) }
func (b *rhBucket) unlock()       { b.lock.Store(0) }

// leaf is RHTree's persistent record store. height is the byte offset
// into a key this leaf was reached at; prefix is the path of bytes taken
// to reach it, used to detect a stale descent after a split.
type leaf struct {
	height       int
	prefix       []byte
	ptrStart     int
	ptrNum       atomic.Int32
	parent       *internalNode
	parentHeight int
	splitFlag    atomic.Bool
	buckets      [bucketsPerLeaf]rhBucket
}

func newLeaf(height int, prefix []byte, ptrStart int, ptrNum int, parent *internalNode, parentHeight int) *leaf {
	l := &leaf{height: height, prefix: append([]byte(nil), prefix...), ptrStart: ptrStart, parent: parent, parentHeight: parentHeight}
	l.ptrNum.Store(int32(ptrNum))
	return l
}

func (l *leaf) inRange(cache int) bool {
	n := l.ptrNum.Load()
	width := 1 << n
	return cache >= l.ptrStart && cache < l.ptrStart+width
}

func byteAt(key []byte, i int) int {
	if i < 0 || i >= len(key) {
		return 0
	}
	return int(key[i])
}

func sigOf(h uint64) uint32 {
	s := uint32(h & 0xFF)
	if s == 0 {
		return 17
	}
	return s
}

func hashKey(key []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// Index is an RHTree-backed Contract implementation.
type Index struct {
	root    *internalNode
	rootMu  sync.Mutex
	alloc   alloc.Allocator
	backend persist.Backend
	log     *zap.SugaredLogger
}

// New constructs an RHTree with a single root internal node whose every
// child slot routes to one shared, freshly allocated leaf covering the
// entire fan-out.
func New(allocator alloc.Allocator, backend persist.Backend, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	root := &internalNode{}
	l := newLeaf(0, nil, 0, maxPtrNum, root, -1)
	entry := &routeEntry{leaf: l}
	for i := 0; i < fanOut; i++ {
		root.children[i].Store(entry)
	}

	return &Index{alloc: allocator, backend: backend, log: log, root: root}
}

// descend walks the internal-node chain one key byte per level until it
// reaches a leaf and returns that leaf; the leaf itself records its parent
// node and height for split bookkeeping.
func (ix *Index) descend(key []byte) *leaf {
	node := ix.root
	height := 0

	for {
		idx := byteAt(key, height)
		entry := node.children[idx].Load()
		if entry == nil {
			return nil
		}
		if entry.leaf != nil {
			return entry.leaf
		}
		node = entry.internal
		height++
	}
}

// Insert implementsleaf-bucket insert, transparently
// retrying through a split when the target leaf's bucket is full.
func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	for {
		l := ix.descend(key)
		if l == nil {
			return status.Failed, nil
		}

		st, err := ix.insertIntoLeaf(l, key, value)
		if err != nil {
			return status.Failed, err
		}
		switch st {
		case status.Ok, status.InsertKeyExists:
			return st, nil
		case status.NeedSplit:
			if err := ix.split(l); err != nil {
				return status.Failed, err
			}
			// retry from root
		default:
			return st, nil
		}
	}
}

func (ix *Index) insertIntoLeaf(l *leaf, key []byte, value uintptr) (status.Status, error) {
	h := hashKey(key)
	fp := sigOf(h)
	bucketIdx := int(h % bucketsPerLeaf)
	cache := byteAt(key, l.height)

	b := &l.buckets[bucketIdx]
	for !b.tryLock() {
	}
	defer b.unlock()

	freeIdx := -1
	for i := range b.slots {
		s := &b.slots[i]
		k := s.key.Load()
		if k != nil && l.inRange(int(s.cache.Load())) {
			if ikey.Equal(k.Bytes(), key) {
				return status.InsertKeyExists, nil
			}
			continue
		}
		if freeIdx == -1 {
			freeIdx = i
		}
	}

	if freeIdx == -1 {
		return status.NeedSplit, nil
	}

	// the record (key and value packed together) is allocated and
	// flushed through the PM allocator/backend before it is published;
	// the key-pointer store below is the single visibility edge.
	rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
	if err != nil {
		return status.Failed, err
	}

	s := &b.slots[freeIdx]
	s.cache.Store(uint32(cache))
	s.sig.Store(fp)
	s.key.Store(rec)

	return status.Ok, nil
}

// Search descends to the owning leaf and scans its bucket under lock, per
//bucket-locked read alternative.
func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	l := ix.descend(key)
	if l == nil {
		return status.NotFound, 0, nil
	}

	h := hashKey(key)
	bucketIdx := int(h % bucketsPerLeaf)
	b := &l.buckets[bucketIdx]

	for !b.tryLock() {
	}
	defer b.unlock()

	for i := range b.slots {
		s := &b.slots[i]
		k := s.key.Load()
		if k != nil && l.inRange(int(s.cache.Load())) && ikey.Equal(k.Bytes(), key) {
			return status.Ok, ikey.RecordValue(k), nil
		}
	}

	return status.NotFound, 0, nil
}

// Update replaces an existing key's value in place.
func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	l := ix.descend(key)
	if l == nil {
		return status.NotFound, nil
	}

	h := hashKey(key)
	bucketIdx := int(h % bucketsPerLeaf)
	b := &l.buckets[bucketIdx]

	for !b.tryLock() {
	}
	defer b.unlock()

	for i := range b.slots {
		s := &b.slots[i]
		k := s.key.Load()
		if k != nil && l.inRange(int(s.cache.Load())) && ikey.Equal(k.Bytes(), key) {
			if err := ikey.PutRecordValue(ix.backend, k, value); err != nil {
				return status.Failed, err
			}
			return status.Ok, nil
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

// ScanCount and Scan are not defined: byte-at-a-time routing by raw key
// bytes does not produce an in-order traversal without a dedicated
// in-order walk this reference implementation does not provide, per
// .
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

// split performs a normal split (narrowing ptr range) when possible, or a
// level split (inserting a new internal node) when the leaf's ptr range
// cannot narrow further.
func (ix *Index) split(l *leaf) error {
	if !l.splitFlag.CompareAndSwap(false, true) {
		return nil // another thread is already splitting this leaf
	}
	defer l.splitFlag.Store(false)

	// no separate reader-quiescence wait: copyBuckets takes each source
	// bucket's lock before reading it, so a split cannot observe a slot
	// mid-write and cannot race a concurrent Search/Update/Insert, which
	// all also serialize through the bucket lock.
	if l.ptrNum.Load() > 0 {
		return ix.normalSplit(l)
	}
	return ix.levelSplit(l)
}

// normalSplit halves the leaf's ptr range, handing the upper half to a new
// sibling that starts from a bulk copy of the current bucket contents;
// each leaf lazily treats out-of-range slots as invalid.
func (ix *Index) normalSplit(l *leaf) error {
	newPtrNum := l.ptrNum.Load() - 1
	width := 1 << newPtrNum
	siblingStart := l.ptrStart + width

	sibling := newLeaf(l.height, l.prefix, siblingStart, int(newPtrNum), l.parent, l.parentHeight)
	copyBuckets(&sibling.buckets, &l.buckets)

	// sibling and its buckets are volatile DRAM state copied from slots
	// whose records are already persisted; only ordering is needed before
	// the sibling becomes reachable, not a flush of new PM bytes.
	ix.backend.FenceStore()

	entry := &routeEntry{leaf: sibling}
	for i := siblingStart; i < siblingStart+width; i++ {
		l.parent.children[i].Store(entry)
	}

	l.ptrNum.Store(newPtrNum)
	ix.backend.FenceStore()

	return nil
}

// levelSplit inserts a new internal node between this leaf's parent and
// the leaf, splitting the fan-out into two fresh half-width leaves at the
// next byte of the key.
func (ix *Index) levelSplit(l *leaf) error {
	newHeight := l.height + 1
	newPrefix := append(append([]byte(nil), l.prefix...), byte(l.ptrStart))

	newNode := &internalNode{}

	left := newLeaf(newHeight, newPrefix, 0, maxPtrNum-1, newNode, l.height)
	right := newLeaf(newHeight, newPrefix, fanOut/2, maxPtrNum-1, newNode, l.height)
	copyBuckets(&left.buckets, &l.buckets)
	copyBuckets(&right.buckets, &l.buckets)
	rewriteCache(&left.buckets, newHeight)
	rewriteCache(&right.buckets, newHeight)

	leftEntry := &routeEntry{leaf: left}
	rightEntry := &routeEntry{leaf: right}
	for i := 0; i < fanOut/2; i++ {
		newNode.children[i].Store(leftEntry)
	}
	for i := fanOut / 2; i < fanOut; i++ {
		newNode.children[i].Store(rightEntry)
	}

	// same rationale as normalSplit: left/right/newNode are volatile
	// routing state built from already-persisted records.
	ix.backend.FenceStore()

	newEntry := &routeEntry{internal: newNode}
	l.parent.children[l.ptrStart].Store(newEntry)
	ix.backend.FenceStore()

	return nil
}

// rewriteCache recomputes each populated slot's cache byte at the leaf's
// new height level-split step. Slots whose recomputed
// cache falls outside the leaf's ptr range are left as-is and become
// lazily invalid (filtered by inRange at read/insert time), matching
// RHTree's lazy-deletion discipline rather than physically removing them.
func rewriteCache(buckets *[bucketsPerLeaf]rhBucket, height int) {
	for i := range buckets {
		for j := range buckets[i].slots {
			s := &buckets[i].slots[j]
			k := s.key.Load()
			if k == nil {
				continue
			}
			s.cache.Store(uint32(byteAt(k.Bytes(), height)))
		}
	}
}

// copyBuckets bulk-copies src's populated slots into dst, taking each
// source bucket's own lock first. This lock is split's sole
// synchronization against a concurrent Insert/Update/Search on the same
// bucket; there is no separate reader-count handshake.
func copyBuckets(dst, src *[bucketsPerLeaf]rhBucket) {
	for i := range src {
		b := &src[i]
		for !b.tryLock() {
		}
		for j := range b.slots {
			s := &b.slots[j]
			k := s.key.Load()
			if k == nil {
				continue
			}
			d := &dst[i].slots[j]
			d.sig.Store(s.sig.Load())
			d.cache.Store(s.cache.Load())
			d.key.Store(k)
		}
		b.unlock()
	}
}

// Print emits the root node's shape; RHTree's volatile internals are not
// otherwise introspectable without a full tree walk.
func (ix *Index) Print() {
	ix.log.Infow("rhtree state", "fanOut", fanOut)
}
