// Package coherent implements a host/device coherence cache: views that mirror a "home" buffer (ordinary Go
// memory used by host code) into a device-visible buffer (usable by an accelerator kernel), copying lazily
// in whichever direction is needed.
//
// A View is created from a home slice (FromHost) or directly around device memory (FromDevice). Host code
// reads and writes through View.Get and View.GetMutable, which bring the home buffer up-to-date first.
// Right before a kernel dispatch, the dispatcher calls MarshalForKernel, which flushes the home buffer to
// the device if needed and returns the device address.
//
// Aliases of a view (Clone, ToConst, Reinterpret, ConstView.UnsafeMutable) share the device buffer and the
// coherence state. Every alias must be released (View.Release) when no longer needed: IsLastReference
// reports whether an alias is the only one left, which is when an implicit final Synchronize should happen
// (see Array.Close).
//
// Views are not safe for concurrent use: access to aliases of one view must be serialized by the caller,
// and kernels using a device buffer must not run concurrently with host access to the same view.
package coherent

//go:generate go tool enumer -type=State coherent.go

// State of the coherence cache, shared by all aliases of a view.
type State int

const (
	// HostOwned means the home buffer has the most recent data, and the device buffer needs to be
	// updated before being used by a kernel.
	HostOwned State = iota

	// DeviceOwned means the data was (or will be) used by a kernel and is presumed dirtied by it: the device
	// buffer has the most recent data, and the home buffer is stale.
	DeviceOwned

	// Shared means the device buffer was copied back to the home buffer, and it hasn't been modified since:
	// both have the most recent data.
	Shared
)

// Stats counts the copies performed for one view (and all its aliases).
type Stats struct {
	// HostToDevice is the number of copies from the home buffer to the device buffer, including Refresh.
	HostToDevice int
	// DeviceToHost is the number of copies from the device buffer to the home buffer.
	DeviceToHost int
	// BytesHostToDevice is the total number of bytes copied from the home buffer to the device buffer.
	BytesHostToDevice uint64
	// BytesDeviceToHost is the total number of bytes copied from the device buffer to the home buffer.
	BytesDeviceToHost uint64
}

// Copies returns the total number of copies in either direction.
func (s Stats) Copies() int {
	return s.HostToDevice + s.DeviceToHost
}

// cell is shared by pointer among all aliases of a view.
type cell struct {
	state State
	stats Stats
}
