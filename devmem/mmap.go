package devmem

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

var pageSize = uintptr(unix.Getpagesize())

// MmapAllocator allocates device-visible memory as anonymous private pages, outside the Go heap.
//
// Pages are naturally aligned to the system page size, so alignments larger than that are not supported.
// Sizes are rounded up to a multiple of the page size.
//
// If Lock is set, pages are also locked in RAM (mlock), as DMA engines usually require. Failure to lock
// (e.g. RLIMIT_MEMLOCK too low) is logged and otherwise ignored.
type MmapAllocator struct {
	Lock bool

	mu     sync.Mutex
	active map[uintptr][]byte // Mappings returned by unix.Mmap, needed for unix.Munmap.
}

// NewMmapAllocator returns a new MmapAllocator.
func NewMmapAllocator(lock bool) *MmapAllocator {
	return &MmapAllocator{Lock: lock, active: make(map[uintptr][]byte)}
}

// Alloc implements Allocator.
func (m *MmapAllocator) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if !isPowerOf2(alignment) || alignment > pageSize {
		return nil, errors.Errorf("MmapAllocator: alignment must be a power of 2 <= page size (%d), got %d",
			pageSize, alignment)
	}
	mapSize := (max(size, 1) + pageSize - 1) &^ (pageSize - 1)
	data, err := unix.Mmap(-1, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "MmapAllocator: mmap of %d bytes failed", mapSize)
	}
	if m.Lock {
		if err := unix.Mlock(data); err != nil {
			klog.Warningf("MmapAllocator: failed to mlock %d bytes, memory will be pageable: %v", mapSize, err)
		}
	}
	ptr := unsafe.Pointer(unsafe.SliceData(data))
	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[uintptr][]byte)
	}
	m.active[uintptr(ptr)] = data
	m.mu.Unlock()
	return ptr, nil
}

// Free implements Allocator.
func (m *MmapAllocator) Free(ptr unsafe.Pointer, _ uintptr) error {
	if ptr == nil {
		return nil
	}
	m.mu.Lock()
	data, found := m.active[uintptr(ptr)]
	delete(m.active, uintptr(ptr))
	m.mu.Unlock()
	if !found {
		return errors.Errorf("MmapAllocator: %p was not allocated by this allocator (or was already freed)", ptr)
	}
	if err := unix.Munmap(data); err != nil {
		return errors.Wrapf(err, "MmapAllocator: munmap of %d bytes failed", len(data))
	}
	return nil
}

// Name implements Allocator.
func (m *MmapAllocator) Name() string { return "mmap" }

// NumMappings returns the number of live mappings.
func (m *MmapAllocator) NumMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
