// Package kernels provides a few simple kernels to be run by a dispatch.Launcher.
package kernels

import (
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/coherence/dispatch"
	"github.com/gomlx/coherence/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Slice reinterprets the kernel argument as a []T.
func Slice[T dtypes.Supported](arg dispatch.KernelArg) []T {
	var zero T
	return unsafe.Slice((*T)(arg.Ptr), arg.Size/unsafe.Sizeof(zero))
}

func checkNumArgs(name string, args []dispatch.KernelArg, n int) error {
	if len(args) != n {
		return errors.Errorf("%s takes %d arguments, got %d", name, n, len(args))
	}
	return nil
}

// Fill sets every element of every argument to value.
func Fill[T dtypes.Supported](value T) dispatch.Kernel {
	return dispatch.Kernel{
		Name: "Fill",
		Fn: func(args []dispatch.KernelArg) error {
			for _, arg := range args {
				data := Slice[T](arg)
				for ii := range data {
					data[ii] = value
				}
			}
			return nil
		},
	}
}

// Scale multiplies the float32 values of its only argument by alpha, in place.
func Scale(alpha float32) dispatch.Kernel {
	return dispatch.Kernel{
		Name: "Scale",
		Fn: func(args []dispatch.KernelArg) error {
			if err := checkNumArgs("Scale", args, 1); err != nil {
				return err
			}
			x := Slice[float32](args[0])
			for ii := range x {
				x[ii] *= alpha
			}
			return nil
		},
	}
}

// Axpy computes y += alpha*x, for float32 arguments (x, y) of the same length.
func Axpy(alpha float32) dispatch.Kernel {
	return dispatch.Kernel{
		Name: "Axpy",
		Fn: func(args []dispatch.KernelArg) error {
			if err := checkNumArgs("Axpy", args, 2); err != nil {
				return err
			}
			x, y := Slice[float32](args[0]), Slice[float32](args[1])
			if len(x) != len(y) {
				return errors.Errorf("Axpy: x has %d elements, y has %d", len(x), len(y))
			}
			for ii := range y {
				y[ii] += alpha * x[ii]
			}
			return nil
		},
	}
}

// Norm computes the L2 norm of the float32 values of its first argument, and stores it in the
// first element of its second argument.
func Norm() dispatch.Kernel {
	return dispatch.Kernel{
		Name: "Norm",
		Fn: func(args []dispatch.KernelArg) error {
			if err := checkNumArgs("Norm", args, 2); err != nil {
				return err
			}
			x, out := Slice[float32](args[0]), Slice[float32](args[1])
			if len(out) == 0 {
				return errors.New("Norm: output is empty")
			}
			var sum float32
			for _, v := range x {
				sum += v * v
			}
			out[0] = math32.Sqrt(sum)
			return nil
		},
	}
}

// ToFloat16 converts the float32 values of its first argument to float16 into its second argument.
func ToFloat16() dispatch.Kernel {
	return dispatch.Kernel{
		Name: "ToFloat16",
		Fn: func(args []dispatch.KernelArg) error {
			if err := checkNumArgs("ToFloat16", args, 2); err != nil {
				return err
			}
			src, dst := Slice[float32](args[0]), Slice[float16.Float16](args[1])
			if len(src) != len(dst) {
				return errors.Errorf("ToFloat16: source has %d elements, destination %d", len(src), len(dst))
			}
			for ii, v := range src {
				dst[ii] = float16.Fromfloat32(v)
			}
			return nil
		},
	}
}
