package devmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMmapAllocator(t *testing.T) {
	allocator := NewMmapAllocator(false)
	ptr, err := allocator.Alloc(10_000, PageAlignment)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%PageAlignment)
	require.Equal(t, 1, allocator.NumMappings())
	data := unsafe.Slice((*byte)(ptr), 10_000)
	for ii := range data {
		data[ii] = byte(ii)
	}
	require.NoError(t, allocator.Free(ptr, 10_000))
	require.Zero(t, allocator.NumMappings())
	require.Error(t, allocator.Free(ptr, 10_000), "double free should fail")

	ptr, err = allocator.Alloc(0, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, allocator.Free(ptr, 0))

	_, err = allocator.Alloc(10, 2*pageSize)
	require.Error(t, err)
}

func TestMmapDevice(t *testing.T) {
	d, err := NewDevice(NewMmapAllocator(true), nil, PageAlignment)
	require.NoError(t, err)
	buf, err := d.Allocate(3, 1000)
	require.NoError(t, err)
	require.Equal(t, uintptr(3000), buf.Len())
	require.True(t, d.Registry().Contains(buf.Address(), 3000))
	require.NoError(t, buf.Release())
	require.Zero(t, d.Allocator().(*MmapAllocator).NumMappings())
}
