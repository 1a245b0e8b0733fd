// Package rotary applies rotary positional embedding (RoPE) to Q and to
// newly appended K rows, the Rotary collaborator of §2/§4.2. It supports
// the interleaved and contiguous layouts §3 names for rotary_cos/sin.
//
// The teacher dispatches RoPE through a graph-tensor interface
// (ml/nn/rope.go's fastRoPE) because its backend compiles a fused op;
// this module has no such backend, so rotary is applied directly to the
// fp32-widened row the caller already has in registers, the same way a
// non-fused fallback would.
package rotary

import "github.com/Xuweijia-buaa/flash-attention/tensor"

// Table holds the precomputed cos/sin values, shape (max_len,
// rotary_dim/2), as described in §3.
type Table struct {
	Cos, Sin *tensor.View
	Dim       int // rotary_dim: number of dims (<=headDim) that get rotated
}

// ApplyInterleaved rotates vec (length >= Dim) in place at position pos,
// using the interleaved layout: pairs (2i, 2i+1) rotate together.
func (t *Table) ApplyInterleaved(vec []float32, pos int) {
	half := t.Dim / 2
	for i := 0; i < half; i++ {
		c := t.Cos.At(int64(pos), int64(i))
		s := t.Sin.At(int64(pos), int64(i))
		x0 := vec[2*i]
		x1 := vec[2*i+1]
		vec[2*i] = x0*c - x1*s
		vec[2*i+1] = x0*s + x1*c
	}
}

// ApplyContiguous rotates vec in place at position pos, using the
// contiguous (a.k.a. "NeoX"/"not interleaved") layout: the first half of
// the rotary span pairs element i with element i+half.
func (t *Table) ApplyContiguous(vec []float32, pos int) {
	half := t.Dim / 2
	for i := 0; i < half; i++ {
		c := t.Cos.At(int64(pos), int64(i))
		s := t.Sin.At(int64(pos), int64(i))
		x0 := vec[i]
		x1 := vec[i+half]
		vec[i] = x0*c - x1*s
		vec[i+half] = x0*s + x1*c
	}
}

// Apply dispatches to the interleaved or contiguous variant.
func (t *Table) Apply(vec []float32, pos int, interleaved bool) {
	if interleaved {
		t.ApplyInterleaved(vec, pos)
	} else {
		t.ApplyContiguous(vec, pos)
	}
}

// QueryPosition computes the rotary position for a query row, per §4.2:
// causal/local attention rotates each query row by its own absolute
// position (seqlen_k_cache + row index); non-causal attention broadcasts
// a single fixed position (seqlen_k_cache) to every query row, since
// there is no meaningful per-row ordering to respect.
func QueryPosition(seqlenKCache, rowInTile int, causalOrLocal bool) int {
	if causalOrLocal {
		return seqlenKCache + rowInTile
	}
	return seqlenKCache
}
