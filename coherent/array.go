package coherent

import (
	"github.com/gomlx/coherence/devmem"
	"github.com/gomlx/coherence/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Array owns host data mirrored on the device, and hands out views of it to be used by kernels.
//
// Its Close implements the implicit final synchronization: if no other alias of the data remains, the
// device data is copied back to the host data before the device buffer is released. If views handed out
// with View are still alive, the last of them to be closed (View.Close) does it instead.
type Array[T dtypes.Supported] struct {
	data []T
	view *View[T]
}

// NewArray creates an Array that mirrors data on the default device.
func NewArray[T dtypes.Supported](data []T) (*Array[T], error) {
	return NewArrayOn(devmem.Default(), data)
}

// NewArrayOn creates an Array that mirrors data on the given device.
func NewArrayOn[T dtypes.Supported](device *devmem.Device, data []T) (*Array[T], error) {
	view, err := FromHostOn(device, data)
	if err != nil {
		return nil, errors.WithMessage(err, "coherent.NewArray")
	}
	return &Array[T]{data: data, view: view}, nil
}

// View returns a new alias of the array's view. The caller must release it.
func (a *Array[T]) View() *View[T] {
	return a.view.Clone()
}

// Data returns the host data, synchronized and ready to be modified.
func (a *Array[T]) Data() []T {
	return a.view.GetMutable()
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	return len(a.data)
}

// Close releases the array's view. If it was the last alias, the device data is synchronized to the host
// data first, so the data passed to NewArray holds the final values.
//
// It is safe to call more than once.
func (a *Array[T]) Close() error {
	if !a.view.IsValid() {
		return nil
	}
	if !a.view.IsLastReference() {
		klog.V(1).Infof("coherent.Array closed with %d other aliases alive, skipping synchronization",
			a.view.Buffer().RefCount()-1)
	}
	return a.view.Close()
}
