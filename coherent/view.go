package coherent

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/coherence/devmem"
	"github.com/gomlx/coherence/dtypes"
	"github.com/pkg/errors"
)

// View is a mutable coherent view of elements of type T.
//
// The zero value is an empty view: its accessors return nil.
type View[T dtypes.Supported] struct {
	handle
}

// ConstView is a read-only coherent view of elements of type T: it provides no mutable accessor, so it never
// forces the state to HostOwned.
//
// The zero value is an empty view: its accessors return nil.
type ConstView[T dtypes.Supported] struct {
	handle
}

func newView[T dtypes.Supported](h handle) *View[T] {
	v := &View[T]{handle: h}
	trackAlias(v, h.alias)
	return v
}

func newConstView[T dtypes.Supported](h handle) *ConstView[T] {
	v := &ConstView[T]{handle: h}
	trackAlias(v, h.alias)
	return v
}

func sizeOf[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

func alignOf[T any]() uintptr {
	var zero T
	return unsafe.Alignof(zero)
}

// FromHost creates a view mirroring home, with a freshly allocated device buffer from the default device
// (see devmem.Default). The initial state is HostOwned: the device buffer is only filled at the first
// MarshalForKernel.
//
// The view never frees home, and home must not be resized (re-allocated) while the view is alive.
// Errors from the allocation are returned as *devmem.AllocationError.
func FromHost[T dtypes.Supported](home []T) (*View[T], error) {
	return FromHostOn(devmem.Default(), home)
}

// FromHostOn is like FromHost, but allocates the device buffer on the given device.
func FromHostOn[T dtypes.Supported](device *devmem.Device, home []T) (*View[T], error) {
	if device == nil {
		return nil, errors.New("coherent.FromHostOn requires a device")
	}
	if home == nil {
		return nil, errors.Errorf("coherent.FromHost[%s] requires a non-nil home slice", dtypes.FromGenericsType[T]())
	}
	buffer, err := device.Allocate(uintptr(len(home)), sizeOf[T]())
	if err != nil {
		return nil, errors.WithMessagef(err, "coherent.FromHost[%s] of %d elements", dtypes.FromGenericsType[T](), len(home))
	}
	return newView[T](newHandle(buffer, unsafe.Pointer(unsafe.SliceData(home)), true, uintptr(len(home))*sizeOf[T](), HostOwned)), nil
}

// FromHostWithDevice creates a view mirroring home into the given device buffer, typically one created with
// devmem.Wrap with its own release action. The initial state is HostOwned.
//
// On success the view takes ownership of one reference to buffer. On error the caller keeps it.
func FromHostWithDevice[T dtypes.Supported](home []T, buffer *devmem.Buffer) (*View[T], error) {
	if home == nil {
		return nil, errors.Errorf("coherent.FromHostWithDevice[%s] requires a non-nil home slice", dtypes.FromGenericsType[T]())
	}
	if buffer == nil || buffer.Address() == nil {
		return nil, errors.New("coherent.FromHostWithDevice requires a valid device buffer")
	}
	size := uintptr(len(home)) * sizeOf[T]()
	if size > buffer.Len() {
		return nil, errors.Errorf("coherent.FromHostWithDevice: home buffer has %d bytes, but device buffer only %d",
			size, buffer.Len())
	}
	if uintptr(buffer.Address())%alignOf[T]() != 0 {
		return nil, errors.Errorf("coherent.FromHostWithDevice: device buffer %p is not aligned for %s",
			buffer.Address(), dtypes.FromGenericsType[T]())
	}
	return newView[T](newHandle(buffer, unsafe.Pointer(unsafe.SliceData(home)), true, size, HostOwned)), nil
}

// FromDevice creates a view of device memory without a home buffer: e.g. memory allocated for a kernel
// output. The accessors return the device memory directly, and the initial state is DeviceOwned.
//
// The view takes ownership of one reference to buffer. Slices returned by its accessors point to the device
// memory, so they are only valid while the view (or one of its aliases) is alive and not released: keep
// the view reachable (e.g. with runtime.KeepAlive) until done with them, or release it explicitly after
// the last use. An unreachable view is eventually released by the garbage collector.
func FromDevice[T dtypes.Supported](buffer *devmem.Buffer) *View[T] {
	if buffer == nil || buffer.Address() == nil {
		return &View[T]{}
	}
	return newView[T](newHandle(buffer, nil, false, 0, DeviceOwned))
}

// numElements for the given byte size.
func numElements[T any](bytes uintptr) int {
	return int(bytes / sizeOf[T]())
}

// toSlice returns the view data at ptr as a []T, or nil for a nil pointer.
func toSlice[T any](h *handle, ptr unsafe.Pointer) []T {
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*T)(ptr), numElements[T](h.DeviceSize()))
}

// GetMutable returns the home buffer, after synchronizing it, and sets the state to HostOwned, assuming the
// caller will modify it. Views without a home buffer return the device memory instead, which is only valid
// while the view is alive and not released.
func (v *View[T]) GetMutable() []T {
	return toSlice[T](&v.handle, v.getMutable())
}

// Get returns the home buffer, after synchronizing it, without changing the state otherwise. The returned
// slice must not be modified: use GetMutable for that. Views without a home buffer return the device
// memory instead, which is only valid while the view is alive and not released.
func (v *View[T]) Get() []T {
	return toSlice[T](&v.handle, v.getConst())
}

// Get returns the home buffer, after synchronizing it, without changing the state otherwise. The returned
// slice must not be modified. Views without a home buffer return the device memory instead, which is only
// valid while the view is alive and not released.
func (v *ConstView[T]) Get() []T {
	return toSlice[T](&v.handle, v.getConst())
}

// Len returns the number of elements of the view.
func (v *View[T]) Len() int { return numElements[T](v.DeviceSize()) }

// Len returns the number of elements of the view.
func (v *ConstView[T]) Len() int { return numElements[T](v.DeviceSize()) }

// DType of the view elements.
func (v *View[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// DType of the view elements.
func (v *ConstView[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Clone returns a new alias of the view, sharing the device buffer and the state.
func (v *View[T]) Clone() *View[T] { return newView[T](v.clone()) }

// Clone returns a new alias of the view, sharing the device buffer and the state.
func (v *ConstView[T]) Clone() *ConstView[T] { return newConstView[T](v.clone()) }

// ToConst returns a new read-only alias of the view.
func (v *View[T]) ToConst() *ConstView[T] { return newConstView[T](v.clone()) }

// UnsafeMutable returns a new mutable alias of a read-only view. It is the only way to drop the const
// capability, and it is up to the caller to make sure mutating the data is allowed.
func (v *ConstView[T]) UnsafeMutable() *View[T] { return newView[T](v.clone()) }

// reinterpret checks that h can be reinterpreted as elements of type U.
func reinterpret[U dtypes.Supported](h *handle) (handle, error) {
	if !h.IsValid() {
		return handle{}, nil
	}
	elemSize := sizeOf[U]()
	if size := h.DeviceSize(); size%elemSize != 0 {
		return handle{}, errors.Errorf("cannot reinterpret view of %d bytes as %s: not a multiple of %d bytes",
			size, dtypes.FromGenericsType[U](), elemSize)
	}
	alignment := alignOf[U]()
	if uintptr(h.devicePtr())%alignment != 0 || (h.hasHome && uintptr(h.home)%alignment != 0) {
		return handle{}, errors.Errorf("cannot reinterpret view as %s: buffers not aligned to %d bytes",
			dtypes.FromGenericsType[U](), alignment)
	}
	return h.clone(), nil
}

// Reinterpret returns a new alias of the view with elements of type U, sharing the device buffer and the
// state. No data is copied or synchronized.
//
// It fails if the size of the view is not a multiple of the size of U, or if the buffers are not aligned for U.
func Reinterpret[U, T dtypes.Supported](v *View[T]) (*View[U], error) {
	h, err := reinterpret[U](&v.handle)
	if err != nil {
		return nil, err
	}
	return newView[U](h), nil
}

// ReinterpretConst is the read-only version of Reinterpret.
func ReinterpretConst[U, T dtypes.Supported](v *ConstView[T]) (*ConstView[U], error) {
	h, err := reinterpret[U](&v.handle)
	if err != nil {
		return nil, err
	}
	return newConstView[U](h), nil
}

// String implements fmt.Stringer.
func (v *View[T]) String() string {
	return describe("View", v.DType(), &v.handle)
}

// String implements fmt.Stringer.
func (v *ConstView[T]) String() string {
	return describe("ConstView", v.DType(), &v.handle)
}

func describe(kind string, dtype dtypes.DType, h *handle) string {
	if !h.IsValid() {
		return fmt.Sprintf("%s[%s](empty)", kind, dtype)
	}
	return fmt.Sprintf("%s[%s](%d bytes, home=%v, state=%s, refs=%d)",
		kind, dtype, h.DeviceSize(), h.hasHome, h.State(), h.Buffer().RefCount())
}
