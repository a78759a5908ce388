package devmem

import (
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedAlloc(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	numLivePointers := 1_000
	maxAllocSize := 1_000
	pointers := make([]unsafe.Pointer, numLivePointers)
	for range 100_000 {
		idx := rng.IntN(numLivePointers)
		if pointers[idx] != nil {
			AlignedFree(pointers[idx])
		}
		size := uintptr(rng.IntN(maxAllocSize))
		pointers[idx] = AlignedAlloc(size, 64)
		require.Zero(t, uintptr(pointers[idx])%64)
	}
	for _, ptr := range pointers {
		AlignedFree(ptr)
	}
}

func TestAlignedAllocator(t *testing.T) {
	var allocator AlignedAllocator
	ptr, err := allocator.Alloc(100, PageAlignment)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%PageAlignment)
	// Memory is zeroed.
	for _, b := range unsafe.Slice((*byte)(ptr), 100) {
		require.Zero(t, b)
	}
	require.NoError(t, allocator.Free(ptr, 100))

	// Zero sized allocations still return a valid address.
	ptr, err = allocator.Alloc(0, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, allocator.Free(ptr, 0))

	_, err = allocator.Alloc(10, 12)
	require.Error(t, err)
	require.Panics(t, func() { _ = AlignedAlloc(10, 4) })
}
