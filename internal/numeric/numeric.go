// Package numeric holds small generic helpers shared by the kernels:
// index clamping, ceiling division, and the base-2 softmax primitives
// the spec's numerical contract (§6) requires.
package numeric

import (
	"math"

	"golang.org/x/exp/constraints"
)

const Log2E = 1.4426950408889634

// CeilDiv returns ceil(a/b) for positive integers, as used throughout
// the tiling math (num_q_tiles, n_max, n_min).
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	return Min(Max(v, lo), hi)
}

// Exp2 is the hardware fast-math exponential the kernels are specified
// to use instead of natural exp, after folding log2(e) into the scale.
func Exp2(x float32) float32 {
	return float32(math.Exp2(float64(x)))
}

// Log2 is the matching logarithm, used when converting a running
// denominator back to natural-log LSE units.
func Log2(x float32) float32 {
	return float32(math.Log2(float64(x)))
}
