// Package wort implements WORT: a radix trie keyed by 4-bit tokens with
// 16-way inner nodes, each inner node's depth/partial-prefix packed into a
// single atomic 8-byte header so structural changes publish with one
// atomic store. The recursive descend-compare-
// split-publish shape and the packed-word-as-single-atomic-unit trick
// directly generalize mari's MariINode bitmap header and
// Operation.go compareAndSwap path-copy/publish discipline from mari's
// variable-fan-out bitmap trie to WORT's fixed 16-way token trie.
package wort

import (
	"bytes"
	"sync/atomic"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

const (
	fanOut      = 16
	maxPartial  = 6
)

// wortNode is the tagged union every child pointer and the root resolve
// to: exactly one of leaf/inner is non-nil.
type wortNode struct {
	leaf  *wortLeaf
	inner *wortInner
}

// wortLeaf wraps the single PM-allocated [key][value] record backing a
// leaf; rec is always produced by ikey.Persist.
type wortLeaf struct {
	rec *ikey.Key
}

func (l *wortLeaf) key() []byte    { return l.rec.Bytes() }
func (l *wortLeaf) value() uintptr { return ikey.RecordValue(l.rec) }

// wortInner packs depth (in nibbles from the root) and a path-compressed
// partial-prefix of up to maxPartial nibbles into one atomic word, so a
// header rewrite during a partial-prefix split publishes atomically.
type wortInner struct {
	header   atomic.Uint64
	children [fanOut]atomic.Pointer[wortNode]
}

func packHeader(depth uint8, partialLen uint8, partial [maxPartial]byte) uint64 {
	h := uint64(depth)<<56 | uint64(partialLen)<<48
	for i := 0; i < maxPartial; i++ {
		h |= uint64(partial[i]) << uint(8*(maxPartial-1-i))
	}
	return h
}

func unpackHeader(h uint64) (depth uint8, partialLen uint8, partial [maxPartial]byte) {
	depth = uint8(h >> 56)
	partialLen = uint8(h >> 48)
	for i := 0; i < maxPartial; i++ {
		partial[i] = byte(h >> uint(8*(maxPartial-1-i)))
	}
	return
}

func (n *wortInner) setHeader(depth, partialLen int, partial []byte) {
	var p [maxPartial]byte
	copy(p[:], partial)
	n.header.Store(packHeader(uint8(depth), uint8(partialLen), p))
}

func (n *wortInner) load() (depth int, partialLen int, partial [maxPartial]byte) {
	d, pl, p := unpackHeader(n.header.Load())
	return int(d), int(pl), p
}

// tokenAt returns the 4-bit token at nibble position depth: key bytes
// outside the key's range yield 0, a padding value only ever used for
// routing — final matches are always confirmed by full byte comparison.
func tokenAt(key []byte, depth int) int {
	byteIdx := depth / 2
	if byteIdx < 0 || byteIdx >= len(key) {
		return 0
	}
	if depth%2 == 0 {
		return int(key[byteIdx]>>4) & 0xF
	}
	return int(key[byteIdx]) & 0xF
}

func commonNibblePrefix(a, b []byte, start int) int {
	limit := 2 * len(a)
	if 2*len(b) < limit {
		limit = 2 * len(b)
	}
	n := 0
	for start+n < limit {
		if tokenAt(a, start+n) != tokenAt(b, start+n) {
			break
		}
		n++
	}
	return n
}

// Index is a WORT-backed Contract implementation.
type Index struct {
	root    atomic.Pointer[wortNode]
	alloc   alloc.Allocator
	backend persist.Backend
	log     *zap.SugaredLogger
}

// New constructs an empty WORT index.
func New(allocator alloc.Allocator, backend persist.Backend, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Index{alloc: allocator, backend: backend, log: log}
}

// newLeaf allocates and flushes the leaf's backing record through the PM
// allocator/backend, per key/value pair stored.
func (ix *Index) newLeaf(key []byte, value uintptr) (*wortLeaf, error) {
	rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
	if err != nil {
		return nil, err
	}
	return &wortLeaf{rec: rec}, nil
}

// Insert implementsrecursive descend/compare/split/publish
// algorithm, realized here iteratively over a chain of child-pointer
// references rather than via explicit recursion, to keep the CAS retry
// loop at the top level.
func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	for {
		st, err := ix.tryInsert(key, value)
		if err != nil {
			return status.Failed, err
		}
		if st != status.Failed {
			return st, nil
		}
		// A concurrent publish raced this attempt; retry.
	}
}

// tryInsert returns (status.Failed, nil) only to signal "retry", never as
// a caller-visible outcome — Insert loops until it sees Ok/InsertKeyExists
// or a non-nil error.
func (ix *Index) tryInsert(key []byte, value uintptr) (status.Status, error) {
	ref := &ix.root
	depth := 0

	for {
		cur := ref.Load()

		if cur == nil {
			leaf, err := ix.newLeaf(key, value)
			if err != nil {
				return status.Failed, err
			}
			leafNode := &wortNode{leaf: leaf}
			if ref.CompareAndSwap(nil, leafNode) {
				ix.backend.FenceStore()
				return status.Ok, nil
			}
			return status.Failed, nil
		}

		if cur.leaf != nil {
			if bytes.Equal(cur.leaf.key(), key) {
				return status.InsertKeyExists, nil
			}

			replacement, err := ix.buildSplit(cur.leaf, key, value, depth)
			if err != nil {
				return status.Failed, err
			}
			if ref.CompareAndSwap(cur, replacement) {
				ix.backend.FenceStore()
				return status.Ok, nil
			}
			return status.Failed, nil
		}

		inner := cur.inner
		nodeDepth, partialLen, partial := inner.load()
		matched := matchPartial(key, nodeDepth, partialLen, partial)

		if matched == partialLen {
			depth = nodeDepth + partialLen
			token := tokenAt(key, depth)
			childRef := &inner.children[token]
			if childRef.Load() == nil {
				leaf, err := ix.newLeaf(key, value)
				if err != nil {
					return status.Failed, err
				}
				leafNode := &wortNode{leaf: leaf}
				if childRef.CompareAndSwap(nil, leafNode) {
					ix.backend.FenceStore()
					return status.Ok, nil
				}
				return status.Failed, nil
			}
			ref = childRef
			depth++
			continue
		}

		// Partial mismatch at offset `matched`: split this inner node.
		return ix.splitInner(ref, cur, inner, nodeDepth, partialLen, partial, matched, key, value)
	}
}

func matchPartial(key []byte, nodeDepth, partialLen int, partial [maxPartial]byte) int {
	for i := 0; i < partialLen; i++ {
		if tokenAt(key, nodeDepth+i) != int(partial[i]) {
			return i
		}
	}
	return partialLen
}

// splitInner allocates a new inner node holding the shared prefix up to
// the mismatch offset, attaches the existing (now-shortened) node and a
// fresh leaf as its two children, and publishes by replacing *ref.
func (ix *Index) splitInner(ref *atomic.Pointer[wortNode], cur *wortNode, inner *wortInner, nodeDepth, partialLen int, partial [maxPartial]byte, matched int, key []byte, value uintptr) (status.Status, error) {
	newInner := &wortInner{}
	newInner.setHeader(nodeDepth, matched, partial[:matched])

	divergeDepth := nodeDepth + matched

	rewritten := &wortInner{}
	for i := range inner.children {
		rewritten.children[i].Store(inner.children[i].Load())
	}
	remainingLen := partialLen - matched - 1
	rewritten.setHeader(divergeDepth+1, remainingLen, partial[matched+1:partialLen])

	oldToken := int(partial[matched])
	newToken := tokenAt(key, divergeDepth)

	newLeaf, err := ix.newLeaf(key, value)
	if err != nil {
		return status.Failed, err
	}

	newInner.children[oldToken].Store(&wortNode{inner: rewritten})
	newInner.children[newToken].Store(&wortNode{leaf: newLeaf})

	if ref.CompareAndSwap(cur, &wortNode{inner: newInner}) {
		ix.backend.FenceStore()
		return status.Ok, nil
	}
	return status.Failed, nil
}

// buildSplit handles a leaf/leaf collision: it allocates a chain of inner
// nodes long enough to separate the two keys, since a single inner node's
// partial can hold at most maxPartial nibbles of common prefix.
func (ix *Index) buildSplit(oldLeaf *wortLeaf, newKey []byte, newValue uintptr, depth int) (*wortNode, error) {
	commonLen := commonNibblePrefix(oldLeaf.key(), newKey, depth)

	capLen := commonLen
	if capLen > maxPartial {
		capLen = maxPartial
	}

	inner := &wortInner{}
	partial := make([]byte, capLen)
	for i := 0; i < capLen; i++ {
		partial[i] = byte(tokenAt(newKey, depth+i))
	}
	inner.setHeader(depth, capLen, partial)

	nextDepth := depth + capLen

	if capLen < commonLen {
		// The common run continues past this node's capacity; recurse to
		// build the next level, and both keys still share the same token
		// at nextDepth so they route to the same child.
		tok := tokenAt(newKey, nextDepth)
		child, err := ix.buildSplit(oldLeaf, newKey, newValue, nextDepth)
		if err != nil {
			return nil, err
		}
		inner.children[tok].Store(child)
		return &wortNode{inner: inner}, nil
	}

	oldToken := tokenAt(oldLeaf.key(), nextDepth)
	newToken := tokenAt(newKey, nextDepth)
	newLeaf, err := ix.newLeaf(newKey, newValue)
	if err != nil {
		return nil, err
	}
	inner.children[oldToken].Store(&wortNode{leaf: oldLeaf})
	inner.children[newToken].Store(&wortNode{leaf: newLeaf})

	return &wortNode{inner: inner}, nil
}

// Search descends token by token, verifying each inner node's partial
// prefix, and returns the leaf's value on an exact key match.
func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	node := ix.root.Load()
	depth := 0

	for node != nil {
		if node.leaf != nil {
			if bytes.Equal(node.leaf.key(), key) {
				return status.Ok, node.leaf.value(), nil
			}
			return status.NotFound, 0, nil
		}

		nodeDepth, partialLen, partial := node.inner.load()
		if matchPartial(key, nodeDepth, partialLen, partial) != partialLen {
			return status.NotFound, 0, nil
		}

		depth = nodeDepth + partialLen
		token := tokenAt(key, depth)
		node = node.inner.children[token].Load()
		depth++
	}

	return status.NotFound, 0, nil
}

// Update replaces an existing key's value in place.
func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	node := ix.root.Load()

	for node != nil {
		if node.leaf != nil {
			if bytes.Equal(node.leaf.key(), key) {
				if err := ikey.PutRecordValue(ix.backend, node.leaf.rec, value); err != nil {
					return status.Failed, err
				}
				return status.Ok, nil
			}
			return status.NotFound, nil
		}

		nodeDepth, partialLen, partial := node.inner.load()
		if matchPartial(key, nodeDepth, partialLen, partial) != partialLen {
			return status.NotFound, nil
		}

		depth := nodeDepth + partialLen
		token := tokenAt(key, depth)
		node = node.inner.children[token].Load()
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

// ScanCount and Scan are not defined: token-trie descent order follows
// nibble values, not the caller's byte-lexicographic key order, so no
// in-order walk is provided in this reference implementation, per
// .
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

// Print emits nothing beyond a log line; WORT's structure is not
// otherwise introspectable without a full recursive walk.
func (ix *Index) Print() {
	ix.log.Infow("wort state", "fanOut", fanOut)
}
