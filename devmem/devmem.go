// Package devmem manages device-visible memory: allocations that an accelerator runtime can use directly
// as kernel arguments.
//
// It defines the two collaborators needed to create such memory -- an Allocator (page aligned memory) and a
// Registrar (the "register this region with the accelerator runtime" call) -- and the reference counted
// Buffer built on top of them.
//
// The default allocator and registrar are created from environment variables, see ConfigFromEnv and Default.
package devmem

import "unsafe"

// PageAlignment is the default alignment for device-visible memory.
const PageAlignment = 4096

// Allocator is the allocation primitive used to create device-visible memory.
//
// Implementations must return memory aligned to at least the requested alignment, or an error.
type Allocator interface {
	// Alloc returns size bytes aligned to alignment (a power of 2).
	// A size of 0 still returns a valid, non-nil, address.
	Alloc(size, alignment uintptr) (unsafe.Pointer, error)

	// Free releases memory returned by Alloc. The size given is the same as the one passed to Alloc.
	Free(ptr unsafe.Pointer, size uintptr) error

	// Name of the allocator, used for logging.
	Name() string
}

// Registrar makes memory valid as a kernel argument for the accelerator runtime.
//
// RegisterMemory is called once per fresh allocation, UnregisterMemory right before the memory is released.
type Registrar interface {
	RegisterMemory(ptr unsafe.Pointer, size uintptr)
	UnregisterMemory(ptr unsafe.Pointer)
}

// isPowerOf2 reports whether x is a (non-zero) power of 2.
func isPowerOf2(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}
