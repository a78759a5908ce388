package devmem

// Common testing tools for all test files.

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// countingAllocator wraps an allocator counting calls, and optionally failing allocations.
type countingAllocator struct {
	base          Allocator
	allocs, frees atomic.Int64
	fail          bool
}

func (c *countingAllocator) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if c.fail {
		return nil, errors.New("out of device memory")
	}
	c.allocs.Add(1)
	return c.base.Alloc(size, alignment)
}

func (c *countingAllocator) Free(ptr unsafe.Pointer, size uintptr) error {
	c.frees.Add(1)
	return c.base.Free(ptr, size)
}

func (c *countingAllocator) Name() string { return "counting(" + c.base.Name() + ")" }

// newTestDevice returns a Device with a counting aligned allocator and a fresh Registry.
func newTestDevice(t *testing.T) (*Device, *countingAllocator) {
	allocator := &countingAllocator{base: AlignedAllocator{}}
	d, err := NewDevice(allocator, nil, PageAlignment)
	require.NoError(t, err)
	return d, allocator
}
