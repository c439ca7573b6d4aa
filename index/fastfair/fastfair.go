// Package fastfair implements a FAST-FAIR-style B+-tree: fixed-capacity
// pages linked at the leaf level, optimistic switch-counter reads, and a
// FAIR split that always halves entries symmetrically rather than
// rebalancing on delete. COW-publish discipline
// (atomic child-pointer swap, path tracked during descent rather than
// re-derived) borrowed from mari's Operation.go compareAndSwap/
// copyPath idiom, adapted from mari's single hash-trie root pointer to a
// B+-tree's per-level parent chain.
package fastfair

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

// maxEntries approximates FAST-FAIR's 512-byte page cardinality without
// committing to an exact byte layout, since Go values here are not placed
// in a raw page buffer the way the C++ source's struct is.
const maxEntries = 31

type entry struct {
	key   []byte
	value uintptr
	child *page
	// rec is the PM-allocated [key][value] record backing a leaf entry,
	// used to republish an updated value; nil for internal routing
	// entries, which carry only a promoted key and a child pointer.
	rec *ikey.Key
}

// page is a B+-tree node: a leaf when leftmost is nil and level is 0, in
// which case every entry's child field is unused.
type page struct {
	mu            sync.Mutex
	switchCounter atomic.Uint64
	level         int
	leftmost      atomic.Pointer[page]
	next          atomic.Pointer[page]
	entries       []entry // sorted by key
}

func newLeaf() *page {
	return &page{entries: make([]entry, 0, maxEntries)}
}

func newInternal(level int) *page {
	return &page{level: level, entries: make([]entry, 0, maxEntries)}
}

func (p *page) isLeaf() bool { return p.leftmost.Load() == nil && p.level == 0 }

// findChild returns the child page a key descends into, for internal pages.
func (p *page) findChild(key []byte) *page {
	child := p.leftmost.Load()
	for _, e := range p.entries {
		if bytes.Compare(key, e.key) < 0 {
			break
		}
		child = e.child
	}
	return child
}

func (p *page) firstKey() []byte {
	if len(p.entries) == 0 {
		return nil
	}
	return p.entries[0].key
}

// Index is a FAST-FAIR-style B+-tree Contract implementation.
type Index struct {
	root    atomic.Pointer[page]
	rootMu  sync.Mutex
	alloc   alloc.Allocator
	backend persist.Backend
	log     *zap.SugaredLogger
}

// New constructs an empty FAST-FAIR index with a single empty leaf root.
func New(allocator alloc.Allocator, backend persist.Backend, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ix := &Index{alloc: allocator, backend: backend, log: log}
	ix.root.Store(newLeaf())
	return ix
}

// descend walks from root to the leaf owning key, recording the chain of
// internal pages visited so a split can propagate upward without
// re-descending from root.
func (ix *Index) descend(key []byte) (leaf *page, parents []*page) {
	cur := ix.root.Load()
	for !cur.isLeaf() {
		parents = append(parents, cur)
		cur = cur.findChild(key)
	}
	return cur, parents
}

// Insert implementsleaf-link + FAIR-split algorithm.
func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	for {
		leaf, parents := ix.descend(key)
		leaf.mu.Lock()

		for leaf.next.Load() != nil && bytes.Compare(key, leaf.next.Load().firstKey()) >= 0 {
			next := leaf.next.Load()
			leaf.mu.Unlock()
			leaf = next
			leaf.mu.Lock()
		}

		if idx, found := leaf.find(key); found {
			leaf.mu.Unlock()
			_ = idx
			return status.InsertKeyExists, nil
		}

		rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
		if err != nil {
			leaf.mu.Unlock()
			return status.Failed, err
		}
		e := entry{key: rec.Bytes(), value: value, rec: rec}

		if len(leaf.entries) < maxEntries {
			leaf.insertSorted(e)
			leaf.switchCounter.Add(1)
			ix.backend.FenceStore()
			leaf.mu.Unlock()
			return status.Ok, nil
		}

		sibling, splitKey := ix.splitLeaf(leaf, e)
		leaf.mu.Unlock()

		if err := ix.propagateSplit(parents, leaf, splitKey, sibling); err != nil {
			return status.Failed, err
		}
		return status.Ok, nil
	}
}

func (p *page) find(key []byte) (int, bool) {
	for i, e := range p.entries {
		if bytes.Equal(e.key, key) {
			return i, true
		}
	}
	return -1, false
}

func (p *page) insertSorted(e entry) {
	i := 0
	for i < len(p.entries) && bytes.Compare(p.entries[i].key, e.key) < 0 {
		i++
	}
	p.entries = append(p.entries, entry{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
}

// splitLeaf performs the FAIR split: entries are divided evenly between
// self and a new sibling, the incoming entry is inserted into whichever
// half it belongs to, and the leaf chain is relinked.
func (ix *Index) splitLeaf(self *page, incoming entry) (*page, []byte) {
	self.insertSorted(incoming)

	m := (len(self.entries) + 1) / 2
	sibling := newLeaf()
	sibling.entries = append(sibling.entries, self.entries[m:]...)
	self.entries = self.entries[:m]

	// self/sibling's entries slices are volatile DRAM state built from
	// already-persisted records; only ordering is needed before the new
	// sibling becomes reachable through the leaf chain.
	sibling.next.Store(self.next.Load())
	ix.backend.FenceStore()
	self.next.Store(sibling)
	self.switchCounter.Add(1)
	ix.backend.FenceStore()

	return sibling, sibling.firstKey()
}

// propagateSplit inserts (splitKey, sibling) into the parent chain,
// creating a new root if the split reached the top of the tree.
func (ix *Index) propagateSplit(parents []*page, left *page, splitKey []byte, right *page) error {
	if len(parents) == 0 {
		ix.rootMu.Lock()
		defer ix.rootMu.Unlock()

		newRoot := newInternal(left.level + 1)
		newRoot.leftmost.Store(left)
		newRoot.entries = append(newRoot.entries, entry{key: splitKey, child: right})
		ix.root.Store(newRoot)
		ix.backend.FenceStore()
		return nil
	}

	parent := parents[len(parents)-1]
	grandparents := parents[:len(parents)-1]

	parent.mu.Lock()
	if len(parent.entries) < maxEntries {
		parent.insertSorted(entry{key: splitKey, child: right})
		parent.switchCounter.Add(1)
		ix.backend.FenceStore()
		parent.mu.Unlock()
		return nil
	}

	sibling, parentSplitKey := ix.splitInternal(parent, entry{key: splitKey, child: right})
	parent.mu.Unlock()

	return ix.propagateSplit(grandparents, parent, parentSplitKey, sibling)
}

// splitInternal mirrors splitLeaf for internal pages: the median entry's
// key is promoted rather than duplicated, and its child becomes the new
// sibling's leftmost pointer.
func (ix *Index) splitInternal(self *page, incoming entry) (*page, []byte) {
	self.insertSorted(incoming)

	m := len(self.entries) / 2
	promoted := self.entries[m]

	sibling := newInternal(self.level)
	sibling.leftmost.Store(promoted.child)
	sibling.entries = append(sibling.entries, self.entries[m+1:]...)
	self.entries = self.entries[:m]

	ix.backend.FenceStore()

	return sibling, promoted.key
}

// Search implements the switch-counter optimistic read protocol.
func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	leaf, _ := ix.descend(key)

	for leaf.next.Load() != nil && bytes.Compare(key, leaf.next.Load().firstKey()) >= 0 {
		leaf = leaf.next.Load()
	}

	for {
		c1 := leaf.switchCounter.Load()
		idx, found := leaf.find(key)
		var v uintptr
		if found {
			v = leaf.entries[idx].value
		}
		c2 := leaf.switchCounter.Load()
		if c1 == c2 {
			if found {
				return status.Ok, v, nil
			}
			return status.NotFound, 0, nil
		}
		// A concurrent structural change was observed mid-read; retry.
	}
}

// Update replaces an existing key's value in place.
func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	leaf, _ := ix.descend(key)
	leaf.mu.Lock()
	defer leaf.mu.Unlock()

	for leaf.next.Load() != nil && bytes.Compare(key, leaf.next.Load().firstKey()) >= 0 {
		next := leaf.next.Load()
		leaf.mu.Unlock()
		leaf = next
		leaf.mu.Lock()
	}

	idx, found := leaf.find(key)
	if !found {
		return status.NotFound, nil
	}

	if err := ikey.PutRecordValue(ix.backend, leaf.entries[idx].rec, value); err != nil {
		return status.Failed, err
	}
	leaf.entries[idx].value = value
	return status.Ok, nil
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

// leftmostLeaf finds the leaf that would contain start, descending from root.
func (ix *Index) leftmostLeaf(start []byte) *page {
	leaf, _ := ix.descend(start)
	for leaf.next.Load() != nil && bytes.Compare(start, leaf.next.Load().firstKey()) >= 0 {
		leaf = leaf.next.Load()
	}
	return leaf
}

// ScanCount returns up to n values for keys at or after start, walking the
// leaf chain in order — the scan FAST-FAIR's sibling links are built for.
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	var out []uintptr
	leaf := ix.leftmostLeaf(start)

	for leaf != nil && (n < 0 || len(out) < n) {
		for _, e := range leaf.entries {
			if bytes.Compare(e.key, start) < 0 {
				continue
			}
			out = append(out, e.value)
			if n >= 0 && len(out) >= n {
				break
			}
		}
		leaf = leaf.next.Load()
	}

	return status.Ok, out, nil
}

// Scan returns values for keys in [start, end).
func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	var out []uintptr
	leaf := ix.leftmostLeaf(start)

	for leaf != nil {
		stop := false
		for _, e := range leaf.entries {
			if bytes.Compare(e.key, start) < 0 {
				continue
			}
			if bytes.Compare(e.key, end) >= 0 {
				stop = true
				break
			}
			out = append(out, e.value)
		}
		if stop {
			break
		}
		leaf = leaf.next.Load()
	}

	return status.Ok, out, nil
}

// Print emits tree height and leaf-chain length.
func (ix *Index) Print() {
	root := ix.root.Load()
	leafCount := 0
	leaf := ix.leftmostLeaf(nil)
	for leaf != nil {
		leafCount++
		leaf = leaf.next.Load()
	}
	ix.log.Infow("fastfair state", "rootLevel", root.level, "leaves", leafCount)
}
