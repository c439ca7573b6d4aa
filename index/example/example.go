// Package example is the trivial reference index: a sync.Map-backed
// Contract implementation with no persistence, grounded on
// original_source's src/index/example/example_index (the source repo's own
// baseline/debug index variant). It exists so the façade and conformance
// suite have a zero-complexity variant to validate the Contract shape
// against before exercising the persistent variants.
package example

import (
	"bytes"
	"sort"
	"sync"

	"github.com/sirgallo/pmkv/ikey"
	"github.com/sirgallo/pmkv/status"
)

// Index is an in-memory, non-persistent Contract implementation.
type Index struct {
	m sync.Map // string(key bytes) -> uintptr
}

// New constructs an empty example index.
func New() *Index {
	return &Index{}
}

func (ix *Index) Insert(key []byte, value uintptr) (status.Status, error) {
	k := string(key)
	if _, exists := ix.m.Load(k); exists {
		return status.InsertKeyExists, nil
	}

	if _, loaded := ix.m.LoadOrStore(k, value); loaded {
		return status.InsertKeyExists, nil
	}

	return status.Ok, nil
}

func (ix *Index) Search(key []byte) (status.Status, uintptr, error) {
	v, ok := ix.m.Load(string(key))
	if !ok {
		return status.NotFound, 0, nil
	}
	return status.Ok, v.(uintptr), nil
}

func (ix *Index) Update(key []byte, value uintptr) (status.Status, error) {
	k := string(key)
	if _, exists := ix.m.Load(k); !exists {
		return status.NotFound, nil
	}
	ix.m.Store(k, value)
	return status.Ok, nil
}

func (ix *Index) Upsert(key []byte, value uintptr) (status.Status, error) {
	ix.m.Store(string(key), value)
	return status.Ok, nil
}

// ScanCount returns up to n values for keys at or after start, in key
// order. The example index is not on a hot path, so the modest cost of a
// full-sort scan is acceptable for its role as a reference implementation.
func (ix *Index) ScanCount(start []byte, n int) (status.Status, []uintptr, error) {
	keys := ix.sortedKeysFrom(start, nil)
	if n >= 0 && len(keys) > n {
		keys = keys[:n]
	}
	return status.Ok, ix.valuesFor(keys), nil
}

// Scan returns values for keys in [start, end).
func (ix *Index) Scan(start, end []byte) (status.Status, []uintptr, error) {
	keys := ix.sortedKeysFrom(start, end)
	return status.Ok, ix.valuesFor(keys), nil
}

func (ix *Index) sortedKeysFrom(start, end []byte) [][]byte {
	var keys [][]byte
	ix.m.Range(func(k, _ interface{}) bool {
		kb := []byte(k.(string))
		if ikey.Compare(kb, start) < 0 {
			return true
		}
		if end != nil && ikey.Compare(kb, end) >= 0 {
			return true
		}
		keys = append(keys, kb)
		return true
	})

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})

	return keys
}

func (ix *Index) valuesFor(keys [][]byte) []uintptr {
	values := make([]uintptr, 0, len(keys))
	for _, k := range keys {
		v, ok := ix.m.Load(string(k))
		if !ok {
			continue
		}
		values = append(values, v.(uintptr))
	}
	return values
}

// Print emits nothing; the example index has no structure worth
// diagnosing. Present to satisfy Contract.
func (ix *Index) Print() {}
