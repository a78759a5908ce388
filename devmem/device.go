package devmem

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device bundles the collaborators used to create device-visible memory: the Allocator, the Registrar
// and the alignment required by the accelerator.
//
// Create it with NewDevice or Config.NewDevice. The process-wide default is returned by Default.
type Device struct {
	allocator   Allocator
	registrar   Registrar
	alignment   uintptr
	trackStacks bool
}

// NewDevice creates a Device with the given allocator and registrar. A nil registrar is replaced by a new
// Registry. The alignment must be a power of 2.
func NewDevice(allocator Allocator, registrar Registrar, alignment uintptr) (*Device, error) {
	if allocator == nil {
		return nil, errors.New("devmem.NewDevice requires an allocator")
	}
	if !isPowerOf2(alignment) {
		return nil, errors.Errorf("devmem.NewDevice: alignment must be a power of 2, got %d", alignment)
	}
	if registrar == nil {
		registrar = NewRegistry()
	}
	return &Device{allocator: allocator, registrar: registrar, alignment: alignment}, nil
}

// Allocator used by the device.
func (d *Device) Allocator() Allocator { return d.allocator }

// Registrar used by the device.
func (d *Device) Registrar() Registrar { return d.registrar }

// Registry returns the Registrar as a *Registry, or nil if a different registrar is in use.
func (d *Device) Registry() *Registry {
	r, _ := d.registrar.(*Registry)
	return r
}

// Alignment of allocations.
func (d *Device) Alignment() uintptr { return d.alignment }

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("devmem.Device(allocator=%s, alignment=%d)", d.allocator.Name(), d.alignment)
}

// Allocate requests count*elementSize bytes of device-visible memory and registers it with the
// Registrar, so it can be used as a kernel argument.
//
// It returns an *AllocationError if the allocator fails. It panics if count*elementSize overflows.
func (d *Device) Allocate(count, elementSize uintptr) (*Buffer, error) {
	hi, size := bits.Mul64(uint64(count), uint64(elementSize))
	if hi != 0 || uint64(uintptr(size)) != size {
		panic(fmt.Sprintf("devmem.Allocate: %d elements of %d bytes overflows", count, elementSize))
	}
	return d.allocateBytes(uintptr(size))
}

func (d *Device) allocateBytes(size uintptr) (*Buffer, error) {
	ptr, err := d.allocator.Alloc(size, d.alignment)
	if err == nil && ptr == nil {
		err = errors.New("allocator returned a nil address")
	}
	if err != nil {
		return nil, &AllocationError{Size: size, Allocator: d.allocator.Name(), Cause: err}
	}
	d.registrar.RegisterMemory(ptr, size)
	klog.V(1).Infof("devmem: allocated %d bytes at %p with %s", size, ptr, d.allocator.Name())

	allocator, registrar := d.allocator, d.registrar
	release := func() error {
		registrar.UnregisterMemory(ptr)
		klog.V(1).Infof("devmem: freeing %d bytes at %p with %s", size, ptr, allocator.Name())
		return allocator.Free(ptr, size)
	}
	return newBuffer(ptr, size, release, d.trackStacks), nil
}

// Allocate count*elementSize bytes with the Default device.
func Allocate(count, elementSize uintptr) (*Buffer, error) {
	return Default().Allocate(count, elementSize)
}

// AllocateFor allocates space for count elements of type T with the given device.
func AllocateFor[T any](d *Device, count int) (*Buffer, error) {
	if count < 0 {
		return nil, errors.Errorf("devmem.AllocateFor: negative count %d", count)
	}
	var zero T
	return d.Allocate(uintptr(count), unsafe.Sizeof(zero))
}
