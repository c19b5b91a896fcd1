// Package ml provides the minimal device abstractions the decoder core is
// written against: an asynchronous stream, block memory pools and dtype
// conversion. Kernels are host functions launched onto a Stream; their
// input/output contracts mirror the device kernels they stand in for.
package ml

import (
	"github.com/x448/float16"
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeOther
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	}
	return "Other"
}

// ElemSize returns the storage size of one element in bytes.
func (t DType) ElemSize() int {
	switch t {
	case DTypeF32:
		return 4
	case DTypeF16:
		return 2
	}
	return 0
}

// F16ToF32 widens a buffer of IEEE 754 half bits into float32.
func F16ToF32(bits []uint16, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(bits))
	}
	for i, b := range bits {
		dst[i] = float16.Frombits(b).Float32()
	}
	return dst
}

// F32ToF16 narrows float32 values to half bits.
func F32ToF16(src []float32, dst []uint16) []uint16 {
	if dst == nil {
		dst = make([]uint16, len(src))
	}
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
	return dst
}
