package devmem

import (
	"fmt"

	"github.com/pkg/errors"
)

// AllocationError is returned when the allocation collaborator fails to provide device-visible memory.
type AllocationError struct {
	// Size requested in bytes.
	Size uintptr
	// Allocator is the name of the allocator that failed.
	Allocator string
	// Cause is the error returned by the allocator.
	Cause error
}

// Error implements error.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate %d bytes of device memory with allocator %q: %v", e.Size, e.Allocator, e.Cause)
}

// Unwrap returns the allocator error.
func (e *AllocationError) Unwrap() error { return e.Cause }

// IsAllocationError returns whether err is, or wraps, an *AllocationError.
func IsAllocationError(err error) bool {
	var allocErr *AllocationError
	return errors.As(err, &allocErr)
}
