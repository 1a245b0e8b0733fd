// Package fptype converts between the fp32 accumulators the kernels compute
// in and the half-precision element types Q, K, V, and O are stored as.
package fptype

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Kind identifies the on-disk element type of a half-precision tensor.
type Kind int

const (
	F16 Kind = iota
	BF16
)

// Size returns the element size in bytes for the given kind.
func (k Kind) Size() int {
	return 2
}

func (k Kind) String() string {
	if k == BF16 {
		return "bf16"
	}
	return "f16"
}

// ToFloat32 widens a half-precision bit pattern to fp32.
func ToFloat32(k Kind, bits uint16) float32 {
	switch k {
	case BF16:
		return bfloat16.ToFloat32(bfloat16.BF16(bits))
	default:
		return float16.Frombits(bits).Float32()
	}
}

// FromFloat32 narrows an fp32 value to the given half-precision kind.
// Values outside the representable range saturate to +/-Inf, matching
// the hardware narrowing behavior the kernels rely on at the O epilogue.
func FromFloat32(k Kind, f float32) uint16 {
	switch k {
	case BF16:
		return uint16(bfloat16.FromFloat32(f))
	default:
		return float16.Fromfloat32(f).Bits()
	}
}
