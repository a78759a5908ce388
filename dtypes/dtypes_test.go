package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Uint8, FromGenericsType[byte]())
	require.Equal(t, Complex128, FromGenericsType[complex128]())
	require.Equal(t, Invalid, FromGoType(nil))
}

func TestDTypeSize(t *testing.T) {
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 0, Invalid.Size())
	require.Nil(t, Invalid.GoType())
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["f16"])
	require.Equal(t, Int64, MapOfNames["s64"])
	for name, dtype := range MapOfNames {
		require.Truef(t, dtype.IsValid(), "name %q maps to invalid dtype", name)
	}
	require.Equal(t, "Float32", Float32.String())
	require.Equal(t, "DType(100)", DType(100).String())
	dtype, err := DTypeString("complex128")
	require.NoError(t, err)
	require.Equal(t, Complex128, dtype)
	_, err = DTypeString("float8")
	require.Error(t, err)
}
