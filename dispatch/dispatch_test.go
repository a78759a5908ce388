package dispatch_test

import (
	"context"
	"testing"

	"github.com/gomlx/coherence/coherent"
	"github.com/gomlx/coherence/devmem"
	"github.com/gomlx/coherence/dispatch"
	"github.com/gomlx/coherence/dispatch/kernels"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newTestDevice(t *testing.T) *devmem.Device {
	t.Helper()
	d, err := devmem.DefaultConfig().NewDevice()
	require.NoError(t, err)
	return d
}

func TestLaunch(t *testing.T) {
	d := newTestDevice(t)
	launcher := dispatch.NewForDevice(d)
	ctx := context.Background()

	data := []float32{1, 2, 3}
	v := must.M1(coherent.FromHostOn(d, data))
	defer func() { require.NoError(t, v.Release()) }()

	require.NoError(t, launcher.Launch(ctx, kernels.Scale(2), v))
	require.Equal(t, coherent.DeviceOwned, v.State())
	require.Equal(t, []float32{1, 2, 3}, data, "home is only updated on access")
	require.Equal(t, []float32{2, 4, 6}, v.Get())
	require.Equal(t, coherent.Shared, v.State())

	// Host modifies the data, and the kernel runs again.
	v.GetMutable()[0] = 1
	require.Equal(t, coherent.HostOwned, v.State())
	require.NoError(t, launcher.Launch(ctx, kernels.Scale(10), v))
	require.Equal(t, []float32{10, 40, 60}, v.Get())
	require.Equal(t, coherent.Stats{HostToDevice: 2, DeviceToHost: 2, BytesHostToDevice: 24, BytesDeviceToHost: 24}, v.Stats())
	require.Equal(t, int64(2), launcher.Launches())
}

func TestLaunchValidation(t *testing.T) {
	d := newTestDevice(t)
	launcher := dispatch.NewForDevice(d)
	ctx := context.Background()

	// Memory registered with another device's registry.
	other := newTestDevice(t)
	foreign := must.M1(coherent.FromHostOn(other, []float32{1}))
	defer func() { require.NoError(t, foreign.Release()) }()
	err := launcher.Launch(ctx, kernels.Scale(2), foreign)
	require.ErrorContains(t, err, "not registered device memory")

	// Empty view.
	var empty coherent.View[float32]
	err = launcher.Launch(ctx, kernels.Scale(2), &empty)
	require.ErrorContains(t, err, "has no device buffer")

	// A rejected launch doesn't marshal the valid arguments preceding the invalid one.
	valid := must.M1(coherent.FromHostOn(d, []float32{3}))
	defer func() { require.NoError(t, valid.Release()) }()
	err = launcher.Launch(ctx, kernels.Axpy(1), valid, foreign)
	require.ErrorContains(t, err, "argument #1")
	require.Equal(t, coherent.HostOwned, valid.State())
	require.Zero(t, valid.Stats().Copies())
	require.Equal(t, []float32{3}, valid.Get())
	require.Zero(t, valid.Stats().Copies())

	// Nil argument and kernel without function.
	require.Error(t, launcher.Launch(ctx, kernels.Scale(2), nil))
	require.Error(t, launcher.Launch(ctx, dispatch.Kernel{Name: "nothing"}))

	// Without a registry there is no validation.
	require.NoError(t, dispatch.New(nil).Launch(ctx, kernels.Scale(2), foreign))
	require.Equal(t, []float32{2}, foreign.Get())
	require.Zero(t, launcher.Launches())
}

func TestLaunchCanceled(t *testing.T) {
	d := newTestDevice(t)
	launcher := dispatch.NewForDevice(d)
	v := must.M1(coherent.FromHostOn(d, []float32{1}))
	defer func() { require.NoError(t, v.Release()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := launcher.Launch(ctx, kernels.Scale(2), v)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, coherent.HostOwned, v.State(), "arguments not marshaled")
	require.Zero(t, launcher.Launches())
}

func TestLaunchKernelError(t *testing.T) {
	d := newTestDevice(t)
	launcher := dispatch.NewForDevice(d)
	v := must.M1(coherent.FromHostOn(d, []float32{1}))
	defer func() { require.NoError(t, v.Release()) }()

	kernel := dispatch.Kernel{Name: "broken", Fn: func([]dispatch.KernelArg) error {
		return errors.New("illegal instruction")
	}}
	err := launcher.Launch(context.Background(), kernel, v)
	require.ErrorContains(t, err, `kernel "broken" failed`)
	require.ErrorContains(t, err, "illegal instruction")
}
