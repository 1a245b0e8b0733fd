// Package tensor describes the logical, strided N-dimensional views the
// kernels read Q/K/V/O/LSE/block_table through. It plays the role the
// teacher's ml.Tensor/ml.Context pair plays for a graph-compiled backend,
// but concretely: there is no pluggable backend here, this module computes
// directly against the byte buffers a View addresses.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Xuweijia-buaa/flash-attention/fptype"
)

// DType is the element type backing a View's storage.
type DType int

const (
	DTypeF16 DType = iota
	DTypeBF16
	DTypeF32
	DTypeI32
)

func (d DType) elemSize() int64 {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	default:
		return 2
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF32:
		return "f32"
	case DTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// View is a strided, logically row-major N-dimensional array over a shared
// []byte backing store. Strides are in elements, not bytes, matching the
// data model in the spec: callers never need to know the element size to
// reason about layout.
type View struct {
	Shape  []int64
	Stride []int64
	Dtype  DType
	Data   []byte
	Offset int64 // element offset into Data
}

// NewView allocates a fresh, densely packed row-major View of the given
// shape, with strides computed the standard way (last axis contiguous).
func NewView(dtype DType, shape ...int64) *View {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return &View{
		Shape:  append([]int64{}, shape...),
		Stride: stride,
		Dtype:  dtype,
		Data:   make([]byte, acc*dtype.elemSize()),
	}
}

func (v *View) Dim(n int) int64       { return v.Shape[n] }
func (v *View) StrideAt(n int) int64  { return v.Stride[n] }
func (v *View) DType() DType          { return v.Dtype }

// halfKind maps a DType to the fptype.Kind used to widen/narrow it.
func (v *View) halfKind() fptype.Kind {
	if v.Dtype == DTypeBF16 {
		return fptype.BF16
	}
	return fptype.F16
}

func (v *View) offsetFor(idx []int64) int64 {
	if len(idx) != len(v.Shape) {
		panic(fmt.Errorf("tensor: index arity %d does not match shape %v", len(idx), v.Shape))
	}
	off := v.Offset
	for i, ix := range idx {
		off += ix * v.Stride[i]
	}
	return off
}

// At reads the element at idx, widening to fp32 regardless of storage dtype.
// Out-of-bounds reads are the caller's responsibility to predicate away;
// this mirrors the kernel's element-level predicate guards rather than
// bounds-checking on every access (which would defeat the point of the
// predicate scheme §4.1 describes).
func (v *View) At(idx ...int64) float32 {
	off := v.offsetFor(idx)
	switch v.Dtype {
	case DTypeF32:
		b := off * 4
		return math.Float32frombits(binary.LittleEndian.Uint32(v.Data[b : b+4]))
	case DTypeI32:
		b := off * 4
		return float32(int32(binary.LittleEndian.Uint32(v.Data[b : b+4])))
	default:
		b := off * 2
		return fptype.ToFloat32(v.halfKind(), binary.LittleEndian.Uint16(v.Data[b:b+2]))
	}
}

// AtInt32 reads an I32 element without the fp32 round-trip; used for
// block_table and cu_seqlens arrays.
func (v *View) AtInt32(idx ...int64) int32 {
	off := v.offsetFor(idx)
	b := off * 4
	return int32(binary.LittleEndian.Uint32(v.Data[b : b+4]))
}

// Set writes val into idx, narrowing to the View's storage dtype.
func (v *View) Set(val float32, idx ...int64) {
	off := v.offsetFor(idx)
	switch v.Dtype {
	case DTypeF32:
		b := off * 4
		binary.LittleEndian.PutUint32(v.Data[b:b+4], math.Float32bits(val))
	case DTypeI32:
		b := off * 4
		binary.LittleEndian.PutUint32(v.Data[b:b+4], uint32(int32(val)))
	default:
		b := off * 2
		binary.LittleEndian.PutUint16(v.Data[b:b+2], fptype.FromFloat32(v.halfKind(), val))
	}
}

// SetInt32 writes an integer value without an fp32 round-trip.
func (v *View) SetInt32(val int32, idx ...int64) {
	off := v.offsetFor(idx)
	b := off * 4
	binary.LittleEndian.PutUint32(v.Data[b:b+4], uint32(val))
}

// Slice returns a View over the same backing store offset to start at
// index start along the given axis, with that axis shortened to length n. It never
// copies data; it is the Go analogue of the CUDA pointer-arithmetic
// "view" constructions in kvcache.Causal.Get.
func (v *View) Slice(axis int, start, n int64) *View {
	out := &View{
		Shape:  append([]int64{}, v.Shape...),
		Stride: v.Stride,
		Dtype:  v.Dtype,
		Data:   v.Data,
		Offset: v.Offset + start*v.Stride[axis],
	}
	out.Shape[axis] = n
	return out
}

// Collapse returns a view keeping only the named axes, in order. Axes not
// named must have length 1 in the source view (the caller has already
// sliced them down with Slice); this is the Go analogue of the pointer
// arithmetic a CUDA kernel uses to drop a unit dimension after indexing
// into it.
func (v *View) Collapse(axes ...int) *View {
	shape := make([]int64, len(axes))
	stride := make([]int64, len(axes))
	for i, a := range axes {
		shape[i] = v.Shape[a]
		stride[i] = v.Stride[a]
	}
	return &View{Shape: shape, Stride: stride, Dtype: v.Dtype, Data: v.Data, Offset: v.Offset}
}

// Dump renders a small view as a string for debug logging, matching the
// teacher's ml.Dump helper but against a concrete backing store.
func Dump(v *View, items int) string {
	if items <= 0 {
		items = 3
	}
	var walk func(dims []int64, idx []int64) string
	walk = func(dims []int64, idx []int64) string {
		if len(dims) == 0 {
			return fmt.Sprintf("%.4f", v.At(idx...))
		}
		n := dims[0]
		shown := n
		truncated := false
		if shown > int64(2*items) {
			shown = int64(items)
			truncated = true
		}
		s := "["
		for i := int64(0); i < shown; i++ {
			if i > 0 {
				s += ", "
			}
			s += walk(dims[1:], append(idx, i))
		}
		if truncated {
			s += ", ..., " + walk(dims[1:], append(idx, n-1))
		}
		return s + "]"
	}
	return walk(v.Shape, nil)
}
