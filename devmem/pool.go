package devmem

import (
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// minPooledSize is the minimum size class for pooled allocations.
	minPooledSize = 4096
	// maxPooledSize is the maximum size class for pooled allocations (64MB). Larger requests
	// go directly to the base allocator.
	maxPooledSize = 64 * 1024 * 1024
)

// PooledAllocator recycles allocations of a base Allocator in power-of-2 size classes.
//
// Allocations are slow for device-visible memory (and registering them with the accelerator runtime
// is even slower), and coherent views are often created and dropped in loops with the same sizes.
//
// Memory returned to the pool is not zeroed. It is safe for concurrent use.
type PooledAllocator struct {
	base Allocator

	// pools[i] holds blocks of size 2^(i+minShift).
	pools    []sync.Pool
	minShift int
	maxShift int
}

// pooledBlock is what is stored in the sync.Pool.
type pooledBlock struct {
	ptr       unsafe.Pointer
	alignment uintptr
	cleanup   runtime.Cleanup
}

// NewPooledAllocator creates a PooledAllocator on top of the given base allocator.
func NewPooledAllocator(base Allocator) *PooledAllocator {
	minShift := bits.TrailingZeros(uint(minPooledSize))
	maxShift := bits.TrailingZeros(uint(maxPooledSize))
	return &PooledAllocator{
		base:     base,
		pools:    make([]sync.Pool, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
}

// sizeClass returns the pool index and actual block size for a request, or -1 if the request is
// not pooled.
func (p *PooledAllocator) sizeClass(size uintptr) (poolIndex int, blockSize uintptr) {
	if size == 0 {
		size = 1
	}
	shift := bits.Len(uint(size - 1))
	if shift < p.minShift {
		shift = p.minShift
	}
	if shift > p.maxShift {
		return -1, size
	}
	return shift - p.minShift, uintptr(1) << shift
}

// Alloc implements Allocator.
func (p *PooledAllocator) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	poolIndex, blockSize := p.sizeClass(size)
	if poolIndex < 0 {
		return p.base.Alloc(size, alignment)
	}
	if obj := p.pools[poolIndex].Get(); obj != nil {
		block := obj.(*pooledBlock)
		block.cleanup.Stop()
		if block.alignment%alignment == 0 {
			return block.ptr, nil
		}
		// Alignment not good enough for this request: return it to the base allocator.
		if err := p.base.Free(block.ptr, blockSize); err != nil {
			return nil, errors.WithMessagef(err, "PooledAllocator failed to free under-aligned block")
		}
	}
	return p.base.Alloc(blockSize, alignment)
}

// Free implements Allocator. Pooled size classes are kept for reuse, larger blocks are freed directly.
func (p *PooledAllocator) Free(ptr unsafe.Pointer, size uintptr) error {
	if ptr == nil {
		return nil
	}
	poolIndex, blockSize := p.sizeClass(size)
	if poolIndex < 0 {
		return p.base.Free(ptr, size)
	}
	block := &pooledBlock{ptr: ptr, alignment: alignmentOf(ptr)}
	// sync.Pool may drop the block at any GC, in which case the memory goes back to the base allocator.
	base := p.base
	block.cleanup = runtime.AddCleanup(block, func(ptr unsafe.Pointer) {
		if err := base.Free(ptr, blockSize); err != nil {
			klog.Errorf("PooledAllocator failed to free evicted block of %d bytes: %v", blockSize, err)
		}
	}, ptr)
	p.pools[poolIndex].Put(block)
	return nil
}

// Name implements Allocator.
func (p *PooledAllocator) Name() string { return "pooled(" + p.base.Name() + ")" }

// alignmentOf returns the largest power of 2 that divides the address.
func alignmentOf(ptr unsafe.Pointer) uintptr {
	addr := uintptr(ptr)
	return addr & -addr
}
