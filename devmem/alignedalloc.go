package devmem

// This file defines AlignedAlloc and AlignedFree, modelled after mm_malloc.

/*
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// AlignedAlloc assumes that malloc/calloc already aligns to 8 bytes. And that alignment is a power of 2 multiple
// of 8. The pointer returned must be freed with AlignedFree.
//
// The allocation is filled with 0s. It returns nil if the C heap is exhausted.
func AlignedAlloc(size, alignment uintptr) unsafe.Pointer {
	if alignment < 8 || !isPowerOf2(alignment) {
		panic(fmt.Sprintf("AlignedAlloc: alignment must be a power of 2 multiple of 8, got %d", alignment))
	}

	// Over-allocate to make room for the alignment, and store the pointer to the
	// original allocation just before the alignedPtr.
	totalSize := size + alignment
	ptr := unsafe.Pointer(C.calloc(C.size_t(totalSize), C.size_t(1)))
	if ptr == nil {
		return nil
	}

	var alignedPtr unsafe.Pointer
	offset := uintptr(ptr) % alignment
	if offset != 0 {
		alignedPtr = unsafe.Add(ptr, alignment-offset)
	} else {
		alignedPtr = unsafe.Add(ptr, alignment) // This way we have the space to save the original ptr.
	}

	originalPtrPtr := (*uintptr)(unsafe.Add(alignedPtr, -int(unsafe.Sizeof(uintptr(0)))))
	*originalPtrPtr = uintptr(ptr)
	return alignedPtr
}

// AlignedFree frees an allocation created with AlignedAlloc.
func AlignedFree(ptr unsafe.Pointer) {
	originalPtrPtr := (*uintptr)(unsafe.Add(ptr, -int(unsafe.Sizeof(uintptr(0)))))
	originalPtr := unsafe.Pointer(*originalPtrPtr)
	C.free(originalPtr)
}

// AlignedAllocator allocates device-visible memory from the C heap, with AlignedAlloc.
//
// Memory in the C heap is not moved or collected by the Go runtime, so its address is stable for as long as the
// allocation lives.
type AlignedAllocator struct{}

// Alloc implements Allocator.
func (AlignedAllocator) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if alignment < 8 || !isPowerOf2(alignment) {
		return nil, errors.Errorf("AlignedAllocator: alignment must be a power of 2 multiple of 8, got %d", alignment)
	}
	ptr := AlignedAlloc(size, alignment)
	if ptr == nil {
		return nil, errors.Errorf("AlignedAllocator: calloc failed for %d bytes", size+alignment)
	}
	return ptr, nil
}

// Free implements Allocator.
func (AlignedAllocator) Free(ptr unsafe.Pointer, _ uintptr) error {
	if ptr == nil {
		return nil
	}
	AlignedFree(ptr)
	return nil
}

// Name implements Allocator.
func (AlignedAllocator) Name() string { return "aligned" }
