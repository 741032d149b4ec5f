// Package dtypes defines the element types of the tensors fed to an engine builder during calibration,
// and the conversion of their raw bytes to float32 values used to measure dynamic ranges.
package dtypes

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the element type of a calibration tensor.
//
// The numbering follows the builder SDK data type enumeration, so values can be passed across unchanged.
//
//go:generate go tool enumer -type=DType dtypes.go
type DType int32

const (
	// Float32 is the default input type of calibration batches.
	Float32 DType = 0
	// Float16 is the half-precision input type, see github.com/x448/float16.
	Float16 DType = 1
	// Int8 is the quantized type produced by calibration.
	Int8  DType = 2
	Int32 DType = 3
	// Bool is stored as one byte per element.
	Bool  DType = 4
	Uint8 DType = 5

	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = -1
)

// MapOfNames maps names, their lower-case version and their short aliases (e.g. "f16") to the DType.
var MapOfNames = map[string]DType{}

func init() {
	for _, dtype := range DTypeValues() {
		MapOfNames[dtype.String()] = dtype
		MapOfNames[strings.ToLower(dtype.String())] = dtype
	}
	for alias, dtype := range map[string]DType{"F32": Float32, "F16": Float16, "S8": Int8, "S32": Int32, "U8": Uint8, "PRED": Bool} {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToLower(alias)] = dtype
	}
}

// Size returns the number of bytes of one element, or 0 for Invalid.
func (dtype DType) Size() int {
	switch dtype {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8, Bool, Uint8:
		return 1
	default:
		return 0
	}
}

// SizeForDimensions returns the number of bytes for a tensor of the given dimensions.
// A scalar (no dimensions) has one element.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16
}

// ToFloat32 decodes little-endian raw data of the given dtype into float32 values, appending them to dst.
// It returns an error if the data length is not a multiple of the element size.
func ToFloat32(dtype DType, data []byte, dst []float32) ([]float32, error) {
	elemSize := dtype.Size()
	if elemSize == 0 {
		return dst, errors.Errorf("dtypes.ToFloat32: unsupported dtype %s", dtype)
	}
	if len(data)%elemSize != 0 {
		return dst, errors.Errorf("dtypes.ToFloat32: %d bytes is not a multiple of the %s element size (%d)", len(data), dtype, elemSize)
	}
	for ii := 0; ii < len(data); ii += elemSize {
		var v float32
		switch dtype {
		case Float32:
			v = math.Float32frombits(binary.LittleEndian.Uint32(data[ii:]))
		case Float16:
			v = float16.Frombits(binary.LittleEndian.Uint16(data[ii:])).Float32()
		case Int32:
			v = float32(int32(binary.LittleEndian.Uint32(data[ii:])))
		case Int8:
			v = float32(int8(data[ii]))
		case Uint8, Bool:
			v = float32(data[ii])
		}
		dst = append(dst, v)
	}
	return dst, nil
}

// FromFloat32 encodes values as little-endian raw data of the given floating point dtype.
func FromFloat32(dtype DType, values []float32) ([]byte, error) {
	switch dtype {
	case Float32:
		data := make([]byte, 4*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
		}
		return data, nil
	case Float16:
		data := make([]byte, 2*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(v).Bits())
		}
		return data, nil
	default:
		return nil, errors.Errorf("dtypes.FromFloat32: dtype %s is not a floating point type", dtype)
	}
}
