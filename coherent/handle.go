package coherent

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/coherence/devmem"
	"k8s.io/klog/v2"
)

// alias holds one reference to the device buffer, released at most once.
type alias struct {
	buffer   *devmem.Buffer
	released bool
}

func (a *alias) release() error {
	if a == nil || a.released {
		return nil
	}
	a.released = true
	return a.buffer.Release()
}

// handle implements the coherence protocol independent of the element type and of the const/mutable
// capability. It is embedded by View and ConstView.
type handle struct {
	alias   *alias
	cell    *cell
	home    unsafe.Pointer
	hasHome bool
	size    uintptr // Size of the home buffer in bytes, 0 if there is no home buffer.
}

// newHandle takes ownership of one reference of buffer.
func newHandle(buffer *devmem.Buffer, home unsafe.Pointer, hasHome bool, size uintptr, state State) handle {
	return handle{
		alias:   &alias{buffer: buffer},
		cell:    &cell{state: state},
		home:    home,
		hasHome: hasHome,
		size:    size,
	}
}

// clone returns a new alias sharing the device buffer and the state.
func (h *handle) clone() handle {
	if !h.IsValid() {
		return handle{}
	}
	c := *h
	c.alias = &alias{buffer: h.alias.buffer.Retain()}
	return c
}

// trackAlias releases the alias of a view if the view is garbage collected without being released.
func trackAlias[V any](view *V, a *alias) {
	if a == nil {
		return
	}
	runtime.AddCleanup(view, func(a *alias) {
		if a.released {
			return
		}
		klog.V(1).Infof("coherent view of %d bytes garbage collected without being released", a.buffer.Len())
		if err := a.release(); err != nil {
			klog.Errorf("failed to release device buffer of garbage collected view: %v", err)
		}
	}, a)
}

// IsValid returns whether the view holds a device buffer. Views that have been released, or zero-value
// views, are not valid: their accessors return nil.
func (h *handle) IsValid() bool {
	return h.alias != nil && !h.alias.released
}

// HasHome returns whether the view mirrors a home buffer.
func (h *handle) HasHome() bool { return h.hasHome }

// Buffer returns the device buffer shared by all aliases of the view. Its reference is owned by the
// view: call Retain if it needs to outlive it.
func (h *handle) Buffer() *devmem.Buffer {
	if !h.IsValid() {
		return nil
	}
	return h.alias.buffer
}

// BufferSize returns the size in bytes of the home buffer mirrored, or 0 if there is no home buffer.
func (h *handle) BufferSize() uintptr { return h.size }

// DeviceSize returns the number of bytes of device memory a kernel can access through this view: the
// home buffer size if there is one, otherwise the full device buffer.
func (h *handle) DeviceSize() uintptr {
	if h.hasHome {
		return h.size
	}
	return h.Buffer().Len()
}

// State returns the current coherence state. Zero-value views report HostOwned.
func (h *handle) State() State {
	if h.cell == nil {
		return HostOwned
	}
	return h.cell.state
}

// Stats returns the copies performed so far by the view and all its aliases.
func (h *handle) Stats() Stats {
	if h.cell == nil {
		return Stats{}
	}
	return h.cell.stats
}

func (h *handle) devicePtr() unsafe.Pointer {
	return h.Buffer().Address()
}

// copyToDevice copies the whole home buffer to the device buffer.
func (h *handle) copyToDevice() {
	copyBytes(h.devicePtr(), h.home, h.size)
	h.cell.stats.HostToDevice++
	h.cell.stats.BytesHostToDevice += uint64(h.size)
}

// copyToHome copies the device buffer to the whole home buffer.
func (h *handle) copyToHome() {
	copyBytes(h.home, h.devicePtr(), h.size)
	h.cell.stats.DeviceToHost++
	h.cell.stats.BytesDeviceToHost += uint64(h.size)
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

// Refresh unconditionally copies the home buffer to the device buffer, without changing the state.
//
// Use it when the home buffer was modified without going through the view. It is a no-op for views
// without a home buffer.
func (h *handle) Refresh() {
	if !h.hasHome || !h.IsValid() {
		return
	}
	h.copyToDevice()
	klog.V(2).Infof("coherent: refresh copied %d bytes host->device (state %s)", h.size, h.cell.state)
}

// Synchronize copies the device buffer back to the home buffer if the device owns the most recent
// data, after which both are Shared. Otherwise, it is a no-op.
//
// It is a no-op for views without a home buffer.
func (h *handle) Synchronize() {
	if !h.hasHome || !h.IsValid() || h.cell.state != DeviceOwned {
		return
	}
	h.copyToHome()
	h.cell.state = Shared
	klog.V(2).Infof("coherent: synchronize copied %d bytes device->host (state %s)", h.size, h.cell.state)
}

// getMutable implements the mutable accessor: the caller is assumed to dirty the home buffer next.
func (h *handle) getMutable() unsafe.Pointer {
	if !h.hasHome {
		return h.devicePtr()
	}
	if !h.IsValid() {
		return nil
	}
	h.Synchronize()
	h.cell.state = HostOwned
	return h.home
}

// getConst implements the const accessor: freshness is guaranteed, the state is not forced.
func (h *handle) getConst() unsafe.Pointer {
	if !h.hasHome {
		return h.devicePtr()
	}
	if !h.IsValid() {
		return nil
	}
	h.Synchronize()
	return h.home
}

// DeviceAddress returns the address of the device buffer, without copying anything or changing the
// state. It returns nil for invalid views.
//
// The address is only valid while the view (or another alias of it) is alive and not released.
func (h *handle) DeviceAddress() unsafe.Pointer {
	return h.devicePtr()
}

// MarshalForKernel returns the device address to hand to a kernel dispatch.
//
// If the home buffer has the most recent data (HostOwned), it is copied to the device first, and the
// state becomes DeviceOwned, since the kernel may write to it. It returns nil for invalid views.
//
// The address is only valid while the view (or another alias of it) is alive and not released.
func (h *handle) MarshalForKernel() unsafe.Pointer {
	if !h.IsValid() {
		return nil
	}
	if h.hasHome && h.cell.state == HostOwned {
		h.copyToDevice()
		h.cell.state = DeviceOwned
		klog.V(2).Infof("coherent: marshal copied %d bytes host->device (state %s)", h.size, h.cell.state)
	}
	return h.devicePtr()
}

// IsLastReference returns whether this view is the only remaining alias of its device buffer.
func (h *handle) IsLastReference() bool {
	return h.IsValid() && h.alias.buffer.IsUnique()
}

// Release drops this alias' reference to the device buffer: the device buffer is released with the last
// alias. After Release the view is no longer valid. It is safe to call more than once.
//
// Release doesn't synchronize: see Array.Close for the implicit final synchronization.
func (h *handle) Release() error {
	if h.alias == nil {
		return nil
	}
	err := h.alias.release()
	*h = handle{}
	return err
}

// Reset turns the view into an empty one, releasing its reference to the device buffer and to the
// coherence state. Errors from the release action are logged.
func (h *handle) Reset() {
	if err := h.Release(); err != nil {
		klog.Errorf("coherent: failed to release device buffer on Reset: %+v", err)
	}
}

// Close is like Release, but if this is the last alias of the device buffer it first synchronizes the
// home buffer, so it holds the final values. It is safe to call more than once.
func (h *handle) Close() error {
	if h.IsLastReference() {
		h.Synchronize()
	}
	return h.Release()
}
