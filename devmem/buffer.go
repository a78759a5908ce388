package devmem

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReleaseFunc is a custom release action for a Buffer wrapping memory it doesn't own.
type ReleaseFunc func(ptr unsafe.Pointer, size uintptr)

// Buffer is a reference counted allocation of device-visible memory.
//
// It is created with a reference count of 1 (owned by the caller). Every holder that shares it calls Retain,
// and every holder that drops it calls Release. The memory is released when the count reaches 0: with the
// custom ReleaseFunc if one was given (see Wrap), or by returning it to the allocator it came from.
//
// The address is fixed and non-nil for the lifetime of the Buffer, and so is its length.
type Buffer struct {
	wrapper *bufferWrapper
	refs    atomic.Int64
}

// bufferWrapper holds what is needed to release the memory: it is kept separate from Buffer so it can be
// released by a cleanup function if the Buffer is garbage collected without being released.
type bufferWrapper struct {
	ptr     unsafe.Pointer
	size    uintptr
	release func() error
	stack   []byte
}

// destroy releases the memory. It is a no-op if already destroyed.
func (wrapper *bufferWrapper) destroy() error {
	if wrapper == nil || wrapper.ptr == nil {
		return nil
	}
	release := wrapper.release
	wrapper.ptr = nil
	wrapper.release = nil
	buffersAlive.Add(-1)
	if release == nil {
		return nil
	}
	return release()
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device Buffers currently alive.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newBuffer creates a Buffer with one reference and registers it for clean up in case it is
// garbage collected without having been released.
func newBuffer(ptr unsafe.Pointer, size uintptr, release func() error, withStack bool) *Buffer {
	b := &Buffer{wrapper: &bufferWrapper{ptr: ptr, size: size, release: release}}
	b.refs.Store(1)
	if withStack {
		stack := make([]byte, 10*1024)
		n := runtime.Stack(stack, false)
		b.wrapper.stack = stack[:n]
	}
	buffersAlive.Add(1)

	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		if wrapper.ptr == nil {
			return // Correctly released.
		}
		if wrapper.stack == nil {
			klog.Errorf("devmem.Buffer of %d bytes at %p garbage collected without being released", wrapper.size, wrapper.ptr)
		} else {
			klog.Errorf("devmem.Buffer of %d bytes at %p garbage collected without being released. Stack:\n%s\n",
				wrapper.size, wrapper.ptr, wrapper.stack)
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("devmem.Buffer release failed: %v", err)
		}
	}, b.wrapper)
	return b
}

// Wrap creates a Buffer around device-visible memory owned by someone else (e.g. memory already owned by
// another coherent view). The release function is called once, when the last reference is released.
// A nil release means nothing needs to be done.
//
// The memory is not registered with the Registrar: it is assumed the owner has done so.
func Wrap(ptr unsafe.Pointer, size uintptr, release ReleaseFunc) (*Buffer, error) {
	if ptr == nil {
		return nil, errors.New("devmem.Wrap given a nil pointer")
	}
	var releaseFn func() error
	if release != nil {
		releaseFn = func() error {
			release(ptr, size)
			return nil
		}
	}
	return newBuffer(ptr, size, releaseFn, false), nil
}

// Address returns the device-visible address of the buffer, or nil if it has already been released.
func (b *Buffer) Address() unsafe.Pointer {
	if b == nil {
		return nil
	}
	return b.wrapper.ptr
}

// Len returns the length of the buffer in bytes.
func (b *Buffer) Len() uintptr {
	if b == nil {
		return 0
	}
	return b.wrapper.size
}

// Bytes returns the buffer contents as a byte slice. It is only valid while the buffer is alive.
func (b *Buffer) Bytes() []byte {
	ptr := b.Address()
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), b.wrapper.size)
}

// Retain adds a reference to the buffer and returns it.
// It panics if the buffer was already released, leaving the reference count untouched.
func (b *Buffer) Retain() *Buffer {
	for {
		refs := b.refs.Load()
		if refs <= 0 {
			panic(fmt.Sprintf("devmem.Buffer.Retain called on released buffer %p", b))
		}
		if b.refs.CompareAndSwap(refs, refs+1) {
			return b
		}
	}
}

// Release drops one reference, and releases the memory if it was the last one.
// The error is the one returned by the release action, if any.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	refs := b.refs.Add(-1)
	switch {
	case refs > 0:
		return nil
	case refs < 0:
		b.refs.Store(0)
		klog.Errorf("devmem.Buffer of %d bytes released more times than retained", b.wrapper.size)
		return nil
	}
	err := b.wrapper.destroy()
	runtime.KeepAlive(b)
	return err
}

// RefCount returns the current number of references.
func (b *Buffer) RefCount() int64 {
	if b == nil {
		return 0
	}
	return b.refs.Load()
}

// IsUnique returns whether there is exactly one reference to the buffer.
func (b *Buffer) IsUnique() bool {
	return b.RefCount() == 1
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "devmem.Buffer(nil)"
	}
	return fmt.Sprintf("devmem.Buffer(%p, %d bytes, refs=%d)", b.wrapper.ptr, b.wrapper.size, b.RefCount())
}
