// Package dtypes lists the element types that can be held by coherent views and passed to kernels.
package dtypes

//go:generate go tool enumer -type=DType dtypes.go

import (
	"reflect"

	"github.com/x448/float16"
)

// DType identifies the element type of a buffer.
type DType int

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

// Supported lists the Go types that have a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 | complex64 | complex128
}

var goTypes = [...]reflect.Type{
	Bool:       reflect.TypeFor[bool](),
	Int8:       reflect.TypeFor[int8](),
	Int16:      reflect.TypeFor[int16](),
	Int32:      reflect.TypeFor[int32](),
	Int64:      reflect.TypeFor[int64](),
	Uint8:      reflect.TypeFor[uint8](),
	Uint16:     reflect.TypeFor[uint16](),
	Uint32:     reflect.TypeFor[uint32](),
	Uint64:     reflect.TypeFor[uint64](),
	Float16:    reflect.TypeFor[float16.Float16](),
	Float32:    reflect.TypeFor[float32](),
	Float64:    reflect.TypeFor[float64](),
	Complex64:  reflect.TypeFor[complex64](),
	Complex128: reflect.TypeFor[complex128](),
}

// MapOfNames maps lower-case names (and the usual short forms, like "f32") to DTypes.
var MapOfNames = map[string]DType{
	"bool": Bool, "pred": Bool,
	"int8": Int8, "s8": Int8, "int16": Int16, "s16": Int16,
	"int32": Int32, "s32": Int32, "int64": Int64, "s64": Int64,
	"uint8": Uint8, "u8": Uint8, "uint16": Uint16, "u16": Uint16,
	"uint32": Uint32, "u32": Uint32, "uint64": Uint64, "u64": Uint64,
	"float16": Float16, "f16": Float16, "float32": Float32, "f32": Float32,
	"float64": Float64, "f64": Float64,
	"complex64": Complex64, "c64": Complex64, "complex128": Complex128, "c128": Complex128,
}

// IsValid returns whether dtype is one of the known types, other than Invalid.
func (dtype DType) IsValid() bool {
	return dtype != Invalid && dtype.IsADType()
}

// GoType returns the Go type for the dtype, or nil if invalid.
func (dtype DType) GoType() reflect.Type {
	if !dtype.IsValid() {
		return nil
	}
	return goTypes[dtype]
}

// Size returns the number of bytes of one element, or 0 if invalid.
func (dtype DType) Size() int {
	t := dtype.GoType()
	if t == nil {
		return 0
	}
	return int(t.Size())
}

// FromGoType returns the DType for the given Go type, or Invalid.
func FromGoType(t reflect.Type) DType {
	for dtype, goType := range goTypes {
		if goType != nil && goType == t {
			return DType(dtype)
		}
	}
	return Invalid
}

// FromGenericsType returns the DType for the type parameter T.
func FromGenericsType[T Supported]() DType {
	return FromGoType(reflect.TypeFor[T]())
}
