// Shared conformance suite run against every index variant: duplicate
// detection, the single-key / bulk / contention scenarios, and
// update/upsert semantics.
package index_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sirgallo/pmkv/alloc"
	"github.com/sirgallo/pmkv/index"
	"github.com/sirgallo/pmkv/index/cceh"
	"github.com/sirgallo/pmkv/index/clht"
	"github.com/sirgallo/pmkv/index/example"
	"github.com/sirgallo/pmkv/index/fastfair"
	"github.com/sirgallo/pmkv/index/rhtree"
	"github.com/sirgallo/pmkv/index/wort"
	"github.com/sirgallo/pmkv/persist"
	"github.com/sirgallo/pmkv/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type variant struct {
	name string
	new  func() index.Contract
}

func variants() []variant {
	return []variant{
		{"example", func() index.Contract { return example.New() }},
		{"cceh", func() index.Contract { return cceh.New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil) }},
		{"fastfair", func() index.Contract { return fastfair.New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil) }},
		{"clht", func() index.Contract { return clht.New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil) }},
		{"rhtree", func() index.Contract { return rhtree.New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil) }},
		{"wort", func() index.Contract { return wort.New(alloc.NewDRAMAllocator(), persist.NewMemoryBackend(), nil) }},
	}
}

func TestSingleKeyRoundtrip(t *testing.T) {
	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			ix := v.new()

			st, err := ix.Insert([]byte("the-only-key"), 123)
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)

			st, value, err := ix.Search([]byte("the-only-key"))
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)
			assert.Equal(t, uintptr(123), value)
		})
	}
}

func TestDuplicateInsertIsDetected(t *testing.T) {
	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			ix := v.new()

			_, err := ix.Insert([]byte("dup"), 1)
			require.NoError(t, err)

			st, err := ix.Insert([]byte("dup"), 2)
			require.NoError(t, err)
			assert.Equal(t, status.InsertKeyExists, st)
		})
	}
}

func TestBulkInsertAndSearchOneMillionScaledDown(t *testing.T) {
	// Scaled down from1..1,000,000 scenario to keep the
	// conformance suite fast across all six variants; each persistent
	// index's own package carries a smaller, variant-specific bulk test.
	const n = 20000

	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			ix := v.new()

			for i := 0; i < n; i++ {
				st, err := ix.Insert([]byte(fmt.Sprintf("bulk-%08d", i)), uintptr(i))
				require.NoError(t, err)
				require.Equal(t, status.Ok, st)
			}

			for i := 0; i < n; i++ {
				st, value, err := ix.Search([]byte(fmt.Sprintf("bulk-%08d", i)))
				require.NoError(t, err)
				require.Equal(t, status.Ok, st)
				require.Equal(t, uintptr(i), value)
			}
		})
	}
}

func TestHeavyContentionNoLostWrites(t *testing.T) {
	const threads = 8
	const perThread = 2000

	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			ix := v.new()

			var wg sync.WaitGroup
			for t0 := 0; t0 < threads; t0++ {
				wg.Add(1)
				go func(base int) {
					defer wg.Done()
					for i := 0; i < perThread; i++ {
						key := fmt.Sprintf("c-%02d-%08d", base, i)
						st, err := ix.Insert([]byte(key), uintptr(base*perThread+i))
						assert.NoError(t, err)
						assert.Equal(t, status.Ok, st)
					}
				}(t0)
			}
			wg.Wait()

			for t0 := 0; t0 < threads; t0++ {
				for i := 0; i < perThread; i++ {
					key := fmt.Sprintf("c-%02d-%08d", t0, i)
					st, value, err := ix.Search([]byte(key))
					require.NoError(t, err)
					require.Equal(t, status.Ok, st)
					require.Equal(t, uintptr(t0*perThread+i), value)
				}
			}
		})
	}
}

func TestUpdateAndUpsertAcrossVariants(t *testing.T) {
	for _, v := range variants() {
		v := v
		t.Run(v.name, func(t *testing.T) {
			ix := v.new()

			st, err := ix.Update([]byte("missing"), 1)
			require.NoError(t, err)
			assert.Equal(t, status.NotFound, st)

			st, err = ix.Upsert([]byte("k"), 1)
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)

			st, err = ix.Upsert([]byte("k"), 2)
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)

			_, value, _ := ix.Search([]byte("k"))
			assert.Equal(t, uintptr(2), value)
		})
	}
}
