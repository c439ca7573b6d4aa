package scheme

import (
	"path/filepath"
	"testing"

	"github.com/sirgallo/pmkv/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheme(t *testing.T, indexType IndexType) *Scheme {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmkv.pm")

	s, err := New(
		WithPMPath(path),
		WithPMSize(1<<20),
		WithIndexType(indexType),
		WithAllowVolatile(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsHybridScheme(t *testing.T) {
	_, err := New(WithSchemeType(Hybrid))
	assert.Error(t, err)
}

func TestExampleIndexNeedsNoBackingFile(t *testing.T) {
	s, err := New(WithIndexType(Example))
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Insert([]byte("k"), 1)
	require.NoError(t, err)
	assert.Equal(t, status.Ok, st)
}

func TestEachIndexTypeRoundtripsThroughTheFacade(t *testing.T) {
	for _, it := range []IndexType{CCEH, FASTFAIR, CLHT, RHTree, WORT} {
		it := it
		t.Run(it.String(), func(t *testing.T) {
			s := newTestScheme(t, it)

			st, err := s.Insert([]byte("hello"), 100)
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)

			st, v, err := s.Search([]byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, status.Ok, st)
			assert.Equal(t, uintptr(100), v)

			assert.Greater(t, s.MemUsage(), uint64(0))
		})
	}
}

func TestCloseIsIdempotentSafe(t *testing.T) {
	s := newTestScheme(t, CCEH)
	require.NoError(t, s.Close())
}
