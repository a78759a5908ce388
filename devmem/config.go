package devmem

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// AllocatorEnv selects the allocator of the default Device: "aligned" (default), "mmap" or "pooled".
	AllocatorEnv = "COHERENCE_ALLOCATOR"

	// AlignmentEnv overrides the alignment of the default Device. It must be a power of 2.
	AlignmentEnv = "COHERENCE_ALIGNMENT"

	// TrackStacksEnv, if set to a non-empty value, makes buffers record the stack where they were created,
	// which is reported if they are garbage collected without being released.
	TrackStacksEnv = "COHERENCE_TRACK_STACKS"
)

// Allocator names accepted by Config.Allocator.
const (
	AllocatorAligned = "aligned"
	AllocatorMmap    = "mmap"
	AllocatorPooled  = "pooled"
)

// Config describes how to build a Device.
type Config struct {
	// Allocator name: AllocatorAligned, AllocatorMmap or AllocatorPooled.
	Allocator string

	// Alignment of the allocations, defaults to PageAlignment.
	Alignment uintptr

	// LockPages asks the mmap allocator to mlock its pages.
	LockPages bool

	// TrackStacks records creation stacks of buffers, for debugging leaks.
	TrackStacks bool
}

// DefaultConfig returns the configuration used if no environment variable is set.
func DefaultConfig() Config {
	return Config{Allocator: AllocatorAligned, Alignment: PageAlignment}
}

// ConfigFromEnv returns DefaultConfig updated with the environment variables AllocatorEnv, AlignmentEnv
// and TrackStacksEnv. Invalid values are logged and ignored.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if name := os.Getenv(AllocatorEnv); name != "" {
		cfg.Allocator = strings.ToLower(strings.TrimSpace(name))
	}
	if value := os.Getenv(AlignmentEnv); value != "" {
		alignment, err := strconv.ParseUint(value, 0, 64)
		if err != nil || !isPowerOf2(uintptr(alignment)) {
			klog.Warningf("Ignoring invalid %s=%q: it must be a power of 2", AlignmentEnv, value)
		} else {
			cfg.Alignment = uintptr(alignment)
		}
	}
	cfg.TrackStacks = os.Getenv(TrackStacksEnv) != ""
	return cfg
}

// NewAllocator returns the Allocator named by the configuration.
func (c Config) NewAllocator() (Allocator, error) {
	switch c.Allocator {
	case "", AllocatorAligned:
		return AlignedAllocator{}, nil
	case AllocatorMmap:
		return NewMmapAllocator(c.LockPages), nil
	case AllocatorPooled:
		return NewPooledAllocator(AlignedAllocator{}), nil
	default:
		return nil, errors.Errorf("unknown allocator %q, valid values are %q, %q or %q",
			c.Allocator, AllocatorAligned, AllocatorMmap, AllocatorPooled)
	}
}

// NewDevice creates a new Device (with a new Registry) from the configuration.
func (c Config) NewDevice() (*Device, error) {
	allocator, err := c.NewAllocator()
	if err != nil {
		return nil, err
	}
	alignment := c.Alignment
	if alignment == 0 {
		alignment = PageAlignment
	}
	d, err := NewDevice(allocator, nil, alignment)
	if err != nil {
		return nil, err
	}
	d.trackStacks = c.TrackStacks
	return d, nil
}

var (
	defaultMu     sync.Mutex
	defaultDevice *Device
)

// Default returns the process-wide Device, created on first use from ConfigFromEnv.
// If the environment configuration is invalid, the error is logged and DefaultConfig is used instead.
func Default() *Device {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDevice != nil {
		return defaultDevice
	}
	cfg := ConfigFromEnv()
	d, err := cfg.NewDevice()
	if err != nil {
		klog.Errorf("Invalid device configuration from environment, using defaults: %v", err)
		d, err = DefaultConfig().NewDevice()
		if err != nil {
			panic(errors.WithMessage(err, "failed to create default device"))
		}
	}
	klog.V(1).Infof("devmem: default device is %s", d)
	defaultDevice = d
	return d
}

// SetDefault replaces the process-wide Device and returns the previous one (nil if it had not been created
// yet). Buffers already allocated keep using the Device that created them.
func SetDefault(d *Device) (previous *Device) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	previous, defaultDevice = defaultDevice, d
	return
}
