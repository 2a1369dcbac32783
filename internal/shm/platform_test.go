//go:build unix

package shm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegionCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ring")

	w, err := MapRegion(ctx, MapOptions{Path: path, Size: 4096, Create: true})
	require.NoError(t, err)
	copy(w.Addr, "hello")

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 4096, Create: true})
	assert.True(t, errors.Is(err, os.ErrExist))

	r, err := MapRegion(ctx, MapOptions{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 4096, r.Size)
	assert.Equal(t, "hello", string(r.Addr[:5]))

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 8192})
	assert.True(t, errors.Is(err, ErrSizeMismatch))

	require.NoError(t, UnmapRegion(ctx, w))
	require.NoError(t, UnmapRegion(ctx, r))
	require.NoError(t, UnmapRegion(ctx, r))
	require.NoError(t, RemoveRegionFile(MapOptions{Path: path}))
}

func TestMapAnonymousIsZeroed(t *testing.T) {
	region, err := MapAnonymous(PageSize())
	require.NoError(t, err)
	defer UnmapRegion(context.Background(), region) //nolint:errcheck
	assert.Equal(t, -1, region.Fd)
	for _, b := range region.Addr {
		require.Zero(t, b)
	}
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/tmp/x", ResolvePath(MapOptions{Path: "/tmp/x", Name: "ignored"}))
	assert.Equal(t, filepath.Join(DefaultDir(), "rx0"), ResolvePath(MapOptions{Name: "rx0"}))
}

func TestCanCreateOutsideDevShm(t *testing.T) {
	assert.True(t, CanCreateOnDevShm(1<<62, filepath.Join(t.TempDir(), "x")))
}

func TestAtomicOrUint32(t *testing.T) {
	var word uint32 = 0x0003_0000
	p := unsafe.Pointer(&word)
	assert.Equal(t, uint32(0x0003_0000), AtomicOrUint32(p, 1<<16))
	assert.Equal(t, uint32(0x0003_0000), AtomicLoadUint32(p))
	assert.Equal(t, uint32(0x0003_0000), AtomicOrUint32(p, 1<<2))
	assert.Equal(t, uint32(0x0003_0004), AtomicLoadUint32(p))

	var v uint64
	AtomicStoreUint64(unsafe.Pointer(&v), 7)
	assert.Equal(t, uint64(9), AtomicAddUint64(unsafe.Pointer(&v), 2))
	assert.True(t, AtomicCompareAndSwapUint64(unsafe.Pointer(&v), 9, 1))
	assert.Equal(t, uint64(1), AtomicLoadUint64(unsafe.Pointer(&v)))
}
