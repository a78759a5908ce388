// Package dispatch launches kernels on the (host simulated) accelerator, marshaling coherent views into
// device addresses right before each launch.
package dispatch

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/coherence/devmem"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Argument is anything that can be passed to a kernel: both coherent.View and coherent.ConstView implement it.
type Argument interface {
	// DeviceAddress returns the device address without any copy or state change.
	DeviceAddress() unsafe.Pointer

	// MarshalForKernel flushes pending host changes to the device and returns the device address.
	MarshalForKernel() unsafe.Pointer

	// DeviceSize returns the number of bytes the kernel may access.
	DeviceSize() uintptr
}

// KernelArg is the marshaled form of an Argument, as seen by a kernel.
type KernelArg struct {
	Ptr  unsafe.Pointer
	Size uintptr
}

// Kernel to be executed by a Launcher.
type Kernel struct {
	Name string
	Fn   func(args []KernelArg) error
}

// Launcher runs kernels synchronously, after marshaling their arguments.
//
// If created with a registry, it checks that every argument points to registered device memory.
type Launcher struct {
	registry *devmem.Registry
	launches atomic.Int64
}

// New creates a Launcher. The registry can be nil, in which case addresses are not validated.
func New(registry *devmem.Registry) *Launcher {
	return &Launcher{registry: registry}
}

// NewForDevice creates a Launcher validating arguments against the device registry, if it has one.
func NewForDevice(device *devmem.Device) *Launcher {
	return New(device.Registry())
}

// Launch marshals the arguments and runs the kernel.
//
// The kernel runs to completion before Launch returns, so host access to the arguments afterward doesn't
// race with it.
func (l *Launcher) Launch(ctx context.Context, kernel Kernel, args ...Argument) error {
	if kernel.Fn == nil {
		return errors.Errorf("kernel %q has no function", kernel.Name)
	}
	if err := ctx.Err(); err != nil {
		return errors.WithMessagef(err, "kernel %q not launched", kernel.Name)
	}
	// Arguments are only marshaled once all of them are known to be valid, so a rejected launch leaves
	// every view in its previous state.
	for ii, arg := range args {
		if arg == nil {
			return errors.Errorf("kernel %q: argument #%d is nil", kernel.Name, ii)
		}
		ptr := arg.DeviceAddress()
		if ptr == nil {
			return errors.Errorf("kernel %q: argument #%d has no device buffer (released or empty view?)", kernel.Name, ii)
		}
		if size := arg.DeviceSize(); l.registry != nil && !l.registry.Contains(ptr, size) {
			return errors.Errorf("kernel %q: argument #%d (%p, %d bytes) is not registered device memory",
				kernel.Name, ii, ptr, size)
		}
	}
	kernelArgs := make([]KernelArg, len(args))
	for ii, arg := range args {
		kernelArgs[ii] = KernelArg{Ptr: arg.MarshalForKernel(), Size: arg.DeviceSize()}
	}
	l.launches.Add(1)
	klog.V(1).Infof("dispatch: launching kernel %q with %d arguments", kernel.Name, len(args))
	if err := kernel.Fn(kernelArgs); err != nil {
		return errors.WithMessagef(err, "kernel %q failed", kernel.Name)
	}
	return nil
}

// Launches returns the number of kernels launched so far.
func (l *Launcher) Launches() int64 {
	return l.launches.Load()
}
