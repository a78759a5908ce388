package devmem

import (
	"cmp"
	"slices"
	"sync"
	"unsafe"

	"k8s.io/klog/v2"
)

// region of registered memory.
type region struct {
	start, size uintptr
}

// Registry is the default Registrar: it stands in for the accelerator runtime by keeping track of every
// registered region, so dispatchers can check that a kernel argument points to device-visible memory.
//
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	regions []region // Sorted by start.
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterMemory implements Registrar.
func (r *Registry) RegisterMemory(ptr unsafe.Pointer, size uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := uintptr(ptr)
	idx, found := slices.BinarySearchFunc(r.regions, start, func(rg region, start uintptr) int {
		return cmp.Compare(rg.start, start)
	})
	if found {
		klog.V(1).Infof("Registry: %p registered again, size %d -> %d", ptr, r.regions[idx].size, size)
		r.regions[idx].size = size
		return
	}
	r.regions = slices.Insert(r.regions, idx, region{start: start, size: size})
}

// UnregisterMemory implements Registrar.
func (r *Registry) UnregisterMemory(ptr unsafe.Pointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, found := slices.BinarySearchFunc(r.regions, uintptr(ptr), func(rg region, start uintptr) int {
		return cmp.Compare(rg.start, start)
	})
	if !found {
		klog.Warningf("Registry: unregistering %p, which was never registered", ptr)
		return
	}
	r.regions = slices.Delete(r.regions, idx, idx+1)
}

// Contains returns whether [ptr, ptr+size) lies entirely within one registered region.
func (r *Registry) Contains(ptr unsafe.Pointer, size uintptr) bool {
	if ptr == nil {
		return false
	}
	addr := uintptr(ptr)
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Find the last region starting at or before addr.
	idx, found := slices.BinarySearchFunc(r.regions, addr, func(rg region, start uintptr) int {
		return cmp.Compare(rg.start, start)
	})
	if !found {
		if idx == 0 {
			return false
		}
		idx--
	}
	rg := r.regions[idx]
	return addr+size <= rg.start+rg.size
}

// Len returns the number of registered regions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}
