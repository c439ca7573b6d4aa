// Package cceh implements a cache-conscious extendible hashing index: a
// directory of segments selected by the top bits of a key hash, each
// segment independently splittable, with directory doubling when a split
// outgrows the directory's addressing depth. Grounded on mari's
// directory/segment split & CAS-publish idiom (mari's
// Operation.go copyAndExtendNodes / compareAndSwap pattern), adapted from a
// single COW trie to CCEH's two-level directory/segment structure.
package cceh

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"go.uber.org/zap"
)

const (
	// slotsPerGroup is kNumPairPerCacheLine × kNumCacheLine's 32-probe block.
	slotsPerGroup = 32
	// segmentCapacity is the default 1024-slot segment, grouped into 32
	// probe blocks of 32 slots each.
	segmentCapacity = 1024
	numGroups       = segmentCapacity / slotsPerGroup
	initialDepth    = 2
)

// slot states for the key-ref field.
type slotState int32

const (
	slotEmpty slotState = iota
	slotClaimed
	slotPopulated
	slotInvalid
)

type slot struct {
	state atomic.Int32
	key   atomic.Pointer[ikey.Key]
	value atomic.Uintptr
}

func (s *slot) load() (*ikey.Key, uintptr, bool) {
	if slotState(s.state.Load()) == slotPopulated {
		if k := s.key.Load(); k != nil {
			return k, s.value.Load(), true
		}
	}
	return nil, 0, false
}

// segment is a fixed-size array of key/value slots sharing one localDepth.
type segment struct {
	localDepth atomic.Uint32
	sema       atomic.Int32 // 0 idle, >0 shared readers, -1 exclusive
	slots      [segmentCapacity]slot
}

func newSegment(localDepth uint32) *segment {
	s := &segment{}
	s.localDepth.Store(localDepth)
	return s
}

func (s *segment) acquireShared() {
	for {
		cur := s.sema.Load()
		if cur < 0 {
			continue
		}
		if s.sema.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

func (s *segment) releaseShared() {
	s.sema.Add(-1)
}

// acquireExclusive waits for all shared readers to drain, simplifying the
// spec's "mark intent then wait" two-phase suspend into a single CAS that
// only succeeds once the segment is idle; externally indistinguishable
// since no reader observes the intermediate state.
func (s *segment) acquireExclusive() {
	for {
		if s.sema.CompareAndSwap(0, -1) {
			return
		}
	}
}

func (s *segment) releaseExclusive() {
	s.sema.Store(0)
}

// directory is the top-level table of segment pointers, addressed by the
// top `depth` bits of h1.
type directory struct {
	depth    atomic.Uint32
	sema     atomic.Int32
	segments atomic.Pointer[[]*segment]
}

func (d *directory) acquireShared()    { acquireSharedInt32(&d.sema) }
func (d *directory) releaseShared()    { d.sema.Add(-1) }
func (d *directory) acquireExclusive() { acquireExclusiveInt32(&d.sema) }
func (d *directory) releaseExclusive() { d.sema.Store(0) }

func acquireSharedInt32(sema *atomic.Int32) {
	for {
		cur := sema.Load()
		if cur < 0 {
			continue
		}
		if sema.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

func acquireExclusiveInt32(sema *atomic.Int32) {
	for {
		if sema.CompareAndSwap(0, -1) {
			return
		}
	}
}

// Index is a CCEH-backed Contract implementation.
type Index struct {
	dir     atomic.Pointer[directory]
	alloc   alloc.Allocator
	backend persist.Backend
	log     *zap.SugaredLogger
}

// New constructs an empty CCEH index with a directory of initial depth,
// each entry pointing to its own freshly allocated segment.
func New(allocator alloc.Allocator, backend persist.Backend, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	capacity := 1 << initialDepth
	segs := make([]*segment, capacity)
	for i := range segs {
		segs[i] = newSegment(initialDepth)
	}

	d := &directory{}
	d.depth.Store(initialDepth)
	d.segments.Store(&segs)

	ix := &Index{alloc: allocator, backend: backend, log: log}
	ix.dir.Store(d)
	return ix
}

func hash1(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func hash2(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	h.Write([]byte{0xA5}) // second-seed byte, distinguishing h2 from h1
	return h.Sum64()
}

func directoryIndex(h uint64, depth uint32) uint64 {
	if depth == 0 {
		return 0
	}
	return h >> (64 - depth)
}

func groupStart(h uint64, localDepth uint32) int {
	groupMask := uint64(numGroups - 1)
	bits := h & groupMask
	return int(bits) * slotsPerGroup
}

// Insert implements the MSB-probing algorithm of .
func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	for {
		d := ix.dir.Load()
		d.acquireShared()

		h1 := hash1(key)
		idx := directoryIndex(h1, d.depth.Load())
		segs := *d.segments.Load()
		if int(idx) >= len(segs) {
			d.releaseShared()
			continue
		}
		seg := segs[idx]

		seg.acquireShared()
		// Re-check the directory still routes here after acquiring the lock.
		curSegs := *d.segments.Load()
		if int(idx) >= len(curSegs) || curSegs[idx] != seg {
			seg.releaseShared()
			d.releaseShared()
			continue
		}

		if ok, err := ix.tryClaimAndWrite(seg, h1, key, value); err != nil {
			seg.releaseShared()
			d.releaseShared()
			return status.Failed, err
		} else if ok {
			seg.releaseShared()
			d.releaseShared()
			return status.Ok, nil
		}

		h2 := hash2(key)
		if ok, err := ix.tryClaimAndWrite(seg, h2, key, value); err != nil {
			seg.releaseShared()
			d.releaseShared()
			return status.Failed, err
		} else if ok {
			seg.releaseShared()
			d.releaseShared()
			return status.Ok, nil
		}

		// Check for a duplicate across both probe blocks before splitting.
		if exists, existsErr := ix.segmentHasKey(seg, h1, h2, key); existsErr != nil {
			seg.releaseShared()
			d.releaseShared()
			return status.Failed, existsErr
		} else if exists {
			seg.releaseShared()
			d.releaseShared()
			return status.InsertKeyExists, nil
		}

		seg.releaseShared()
		d.releaseShared()

		if err := ix.split(d, idx, seg); err != nil {
			return status.Failed, err
		}
		// Retry the insert against the (possibly new) directory/segment.
	}
}

// tryClaimAndWrite scans one 32-slot probe block for an empty/invalidated
// slot and attempts to claim it via CAS.
func (ix *Index) tryClaimAndWrite(seg *segment, h uint64, key []byte, value uintptr) (bool, error) {
	start := groupStart(h, seg.localDepth.Load())
	localDepth := seg.localDepth.Load()

	for i := 0; i < slotsPerGroup; i++ {
		s := &seg.slots[(start+i)%segmentCapacity]

		existing, _, ok := s.load()
		if ok {
			if ikey.Equal(existing.Bytes(), key) {
				return false, nil
			}
			if routesTo(hash1(existing.Bytes()), localDepth) == routesTo(h, localDepth) {
				continue
			}
		}

		if !s.state.CompareAndSwap(int32(slotEmpty), int32(slotClaimed)) {
			if slotState(s.state.Load()) != slotInvalid {
				continue
			}
			if !s.state.CompareAndSwap(int32(slotInvalid), int32(slotClaimed)) {
				continue
			}
		}

		// rec is allocated through the PM allocator and flushed before
		// s.key publishes it; s.value stays a plain atomic so concurrent
		// shared-lock holders in this segment keep a torn-free read path.
		rec, err := ikey.Persist(ix.alloc, ix.backend, key, value)
		if err != nil {
			s.state.Store(int32(slotEmpty))
			return false, err
		}

		s.value.Store(value)
		ix.backend.FenceStore()
		s.key.Store(rec)
		ix.backend.FenceStore()
		s.state.Store(int32(slotPopulated))
		return true, nil
	}

	return false, nil
}

func routesTo(h uint64, localDepth uint32) uint64 {
	if localDepth == 0 {
		return 0
	}
	return h >> (64 - localDepth)
}

func (ix *Index) segmentHasKey(seg *segment, h1, h2 uint64, key []byte) (bool, error) {
	for _, h := range []uint64{h1, h2} {
		start := groupStart(h, seg.localDepth.Load())
		for i := 0; i < slotsPerGroup; i++ {
			s := &seg.slots[(start+i)%segmentCapacity]
			existing, _, ok := s.load()
			if ok && ikey.Equal(existing.Bytes(), key) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Search probes both hash blocks without claiming any slot.
func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	d := ix.dir.Load()
	d.acquireShared()
	defer d.releaseShared()

	h1 := hash1(key)
	idx := directoryIndex(h1, d.depth.Load())
	segs := *d.segments.Load()
	if int(idx) >= len(segs) {
		return status.NotFound, 0, nil
	}
	seg := segs[idx]

	seg.acquireShared()
	defer seg.releaseShared()

	for _, h := range []uint64{h1, hash2(key)} {
		start := groupStart(h, seg.localDepth.Load())
		for i := 0; i < slotsPerGroup; i++ {
			s := &seg.slots[(start+i)%segmentCapacity]
			existing, v, ok := s.load()
			if ok && ikey.Equal(existing.Bytes(), key) {
				return status.Ok, v, nil
			}
		}
	}

	return status.NotFound, 0, nil
}

// Update replaces an existing key's value in place.
func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	d := ix.dir.Load()
	d.acquireShared()
	defer d.releaseShared()

	h1 := hash1(key)
	idx := directoryIndex(h1, d.depth.Load())
	segs := *d.segments.Load()
	if int(idx) >= len(segs) {
		return status.NotFound, nil
	}
	seg := segs[idx]

	seg.acquireShared()
	defer seg.releaseShared()

	for _, h := range []uint64{h1, hash2(key)} {
		start := groupStart(h, seg.localDepth.Load())
		for i := 0; i < slotsPerGroup; i++ {
			s := &seg.slots[(start+i)%segmentCapacity]
			existing, _, ok := s.load()
			if ok && ikey.Equal(existing.Bytes(), key) {
				if err := ikey.PutRecordValue(ix.backend, existing, value); err != nil {
					return status.Failed, err
				}
				s.value.Store(value)
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
		// Lost a race with a concurrent insert; retry the update.
		return ix.Update(key, value)
	}
	return st, nil
}

// ScanCount and Scan are not defined for hash-based indexes: key order
// bears no relation to hash-bucket placement "variants
// unable to scan return NotDefined".
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	return status.NotDefined, nil, nil
}

// split performs a segment split and, if necessary, a directory doubling,
// steps 5-8. oldSeg is redistributed into two new segments
// of localDepth+1; the directory is patched (or doubled, if the split
// outgrew its addressing depth) to route to the two new segments.
func (ix *Index) split(d *directory, idx uint64, oldSeg *segment) error {
	oldSeg.acquireExclusive()
	defer oldSeg.releaseExclusive()

	localDepth := oldSeg.localDepth.Load()
	depth := d.depth.Load()

	// Another thread may have already split this segment; detect it by
	// checking that the live directory still routes idx to oldSeg.
	curSegs := *d.segments.Load()
	if int(idx) >= len(curSegs) || curSegs[idx] != oldSeg {
		return nil
	}

	newLocalDepth := localDepth + 1
	left := newSegment(newLocalDepth)
	right := newSegment(newLocalDepth)

	splitBit := uint(64 - newLocalDepth)
	for i := range oldSeg.slots {
		s := &oldSeg.slots[i]
		k, v, ok := s.load()
		if !ok {
			continue
		}

		h1 := hash1(k.Bytes())
		target := left
		if (h1>>splitBit)&1 == 1 {
			target = right
		}
		ix.reinsertAfterSplit(target, h1, hash2(k.Bytes()), k, v)
	}

	// left/right are volatile DRAM segments repopulated from records that
	// were already persisted at their original insert; only ordering is
	// needed before the directory starts routing to them.
	ix.backend.FenceStore()

	if newLocalDepth > depth {
		if err := ix.doubleDirectory(d, idx, left, right); err != nil {
			return err
		}
	} else {
		ix.patchDirectory(d, idx, newLocalDepth, left, right)
	}

	left.localDepth.Store(newLocalDepth)
	right.localDepth.Store(newLocalDepth)
	ix.backend.FenceStore()

	return nil
}

// reinsertAfterSplit places an already-owned key into one of the two split
// segments without re-running claim/duplicate-detection logic, since the
// source segment held the only live copy of the key under exclusive lock.
func (ix *Index) reinsertAfterSplit(seg *segment, h1, h2 uint64, k *ikey.Key, v uintptr) {
	for _, h := range []uint64{h1, h2} {
		start := groupStart(h, seg.localDepth.Load())
		for i := 0; i < slotsPerGroup; i++ {
			s := &seg.slots[(start+i)%segmentCapacity]
			if s.state.CompareAndSwap(int32(slotEmpty), int32(slotClaimed)) {
				s.value.Store(v)
				s.key.Store(k)
				s.state.Store(int32(slotPopulated))
				return
			}
		}
	}
}

// doubleDirectory allocates a directory of twice the current capacity,
// duplicating every existing entry, then overwrites the pair at idx with
// the two new split segments and atomically swaps the directory pointer.
func (ix *Index) doubleDirectory(d *directory, idx uint64, left, right *segment) error {
	d.acquireExclusive()
	defer d.releaseExclusive()

	oldSegs := *d.segments.Load()
	newSegs := make([]*segment, len(oldSegs)*2)
	for i, s := range oldSegs {
		newSegs[2*i] = s
		newSegs[2*i+1] = s
	}

	newSegs[2*idx] = left
	newSegs[2*idx+1] = right

	d.segments.Store(&newSegs)
	d.depth.Store(d.depth.Load() + 1)
	// the directory's segment table is volatile DRAM state; the fence
	// orders its population ahead of the pointer swap that publishes it.
	ix.backend.FenceStore()

	return nil
}

// patchDirectory replaces the directory range routed to idx's old segment
// with pointers to the two new split segments step 7's
// non-doubling branch.
func (ix *Index) patchDirectory(d *directory, idx uint64, newLocalDepth uint32, left, right *segment) {
	d.acquireExclusive()
	defer d.releaseExclusive()

	depth := d.depth.Load()
	oldSegs := *d.segments.Load()
	newSegs := make([]*segment, len(oldSegs))
	copy(newSegs, oldSegs)

	stride := uint64(1) << (depth - newLocalDepth)
	rangeStart := (idx / stride) * stride
	half := stride / 2

	for i := uint64(0); i < stride; i++ {
		if i < half {
			newSegs[rangeStart+i] = left
		} else {
			newSegs[rangeStart+i] = right
		}
	}

	d.segments.Store(&newSegs)
	// same rationale as doubleDirectory: new DRAM table, fence not flush.
	ix.backend.FenceStore()
}

// Print emits directory depth and per-segment occupancy.
func (ix *Index) Print() {
	d := ix.dir.Load()
	segs := *d.segments.Load()
	ix.log.Infow("cceh state", "depth", d.depth.Load(), "segments", len(segs))
}
