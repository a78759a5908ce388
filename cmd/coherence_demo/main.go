// coherence_demo walks a coherent view through a host -> kernel -> host -> kernel round trip, printing
// the coherence state and the copies performed after each step.
//
// Use -v=2 to see every copy logged.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/coherence/coherent"
	"github.com/gomlx/coherence/devmem"
	"github.com/gomlx/coherence/dispatch"
	"github.com/gomlx/coherence/dispatch/kernels"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var (
	flagSize      = pflag.Int("size", 1024, "Size of the home buffer, in bytes.")
	flagAllocator = pflag.String("allocator", "",
		fmt.Sprintf("Allocator for device memory: %q, %q or %q. Defaults to $%s, or %q if not set.",
			devmem.AllocatorAligned, devmem.AllocatorMmap, devmem.AllocatorPooled, devmem.AllocatorEnv, devmem.AllocatorAligned))
	flagAlignment = pflag.Uint("alignment", 0, fmt.Sprintf("Alignment of device memory. Defaults to $%s, or %d.",
		devmem.AlignmentEnv, devmem.PageAlignment))
	flagLockPages = pflag.Bool("lock_pages", false, "Lock device memory pages in RAM (only for the mmap allocator).")
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	if err := run(context.Background()); err != nil {
		klog.Errorf("coherence_demo failed: %+v", err)
		os.Exit(1)
	}
}

// config returns the device configuration from the environment, overridden by the flags.
func config() devmem.Config {
	cfg := devmem.ConfigFromEnv()
	if *flagAllocator != "" {
		cfg.Allocator = *flagAllocator
	}
	if *flagAlignment != 0 {
		cfg.Alignment = uintptr(*flagAlignment)
	}
	cfg.LockPages = *flagLockPages
	return cfg
}

func run(ctx context.Context) error {
	if *flagSize <= 0 {
		return errors.Errorf("--size must be positive, got %d", *flagSize)
	}
	device, err := config().NewDevice()
	if err != nil {
		return err
	}
	fmt.Printf("Device: %s\n", device)
	launcher := dispatch.NewForDevice(device)

	home := bytes.Repeat([]byte{0xAA}, *flagSize)
	view, err := coherent.FromHostOn(device, home)
	if err != nil {
		return err
	}
	defer func() {
		if err := view.Close(); err != nil {
			klog.Errorf("failed to release view: %v", err)
		}
	}()
	report := func(step string) {
		stats := view.Stats()
		fmt.Printf("%-36s state=%-11s host->device=%d device->host=%d home[0]=0x%02X\n",
			step, view.State(), stats.HostToDevice, stats.DeviceToHost, home[0])
	}
	report("created from home (0xAA)")

	if err := launcher.Launch(ctx, kernels.Fill(byte(0xBB)), view); err != nil {
		return err
	}
	report("kernel filled device with 0xBB")

	_ = view.Get()
	report("const read on host")

	data := view.GetMutable()
	for ii := range data {
		data[ii] = 0xCC
	}
	report("host wrote 0xCC")

	view.MarshalForKernel()
	if deviceData := view.Buffer().Bytes(); !bytes.Equal(deviceData[:len(home)], home) {
		return errors.New("device buffer doesn't match home buffer after marshaling")
	}
	report("marshaled for kernel")
	return nil
}
