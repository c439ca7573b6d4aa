package pmregion

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.pm")

	r, err := Open(Options{Path: path, Size: 1 << 20, AllowVolatile: true})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 1<<20, r.Len())
	assert.Equal(t, path, r.Path())
}

func TestOpenRejectsVolatileByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.pm")

	_, err := Open(Options{Path: path, Size: 1 << 16})
	assert.Error(t, err)
}

func TestOpenReopensExistingFileWithoutRetruncating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.pm")

	r1, err := Open(Options{Path: path, Size: 1 << 20, AllowVolatile: true})
	require.NoError(t, err)
	r1.Data()[0] = 0xAB
	require.NoError(t, r1.Close())

	r2, err := Open(Options{Path: path, Size: 1 << 10, AllowVolatile: true})
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, 1<<20, r2.Len())
	assert.Equal(t, byte(0xAB), r2.Data()[0])
}

func TestResizeGrowsMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.pm")

	r, err := Open(Options{Path: path, Size: 1 << 16, AllowVolatile: true})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Resize(1<<17))
	assert.Equal(t, 1<<17, r.Len())
}
