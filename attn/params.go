// Package attn implements the three kernels this module exists to
// provide: AttnKernelDense (§4.1), AttnKernelSplit (§4.2), and
// CombineKernel (§4.3), plus the Params struct (§6) that configures all
// three and the validation the host is responsible for performing before
// ever invoking them (§7).
package attn

import (
	"fmt"
	"math"

	"github.com/Xuweijia-buaa/flash-attention/blockinfo"
	"github.com/Xuweijia-buaa/flash-attention/dropout"
	"github.com/Xuweijia-buaa/flash-attention/internal/numeric"
	"github.com/Xuweijia-buaa/flash-attention/pagedkv"
	"github.com/Xuweijia-buaa/flash-attention/rotary"
	"github.com/Xuweijia-buaa/flash-attention/tensor"
)

// SupportedHeadDims is the closed set of head dimensions §1 allows.
var SupportedHeadDims = map[int]bool{
	32: true, 64: true, 96: true, 128: true,
	160: true, 192: true, 224: true, 256: true,
}

// Params is the kernel parameter structure of §6: pointers, shapes,
// strides, and scalars consumed by all three kernels. Go's slices and
// tensor.View already carry their own strides and lengths, so this
// struct is flatter than the CUDA original while keeping every named
// field from §6.
type Params struct {
	// Tensors (§3, §6 pointers)
	Q, K, V *tensor.View // (B, H(k), S, D)
	O       *tensor.View // dense output, same shape as Q

	SoftmaxLSE *tensor.View // (B, Hq, Sq) fp32, dense path

	Oaccum         *tensor.View // (num_splits, B, Hq, Sq, Dround) fp32, split path
	SoftmaxLSEaccum *tensor.View // (num_splits, B, Hq, Sq) fp32, split path

	P *tensor.View // optional debug return-softmax buffer, same shape as the full S matrix

	KNew, VNew *tensor.View // newly appended KV rows, split+append path

	Rotary *rotary.Table

	AlibiSlopes     []float32 // per (b?, h); nil disables ALiBi
	AlibiPerBatch   bool      // whether AlibiSlopes is indexed (b,h) rather than (h)

	BlockTable   *pagedkv.Table // nil for unpaged KV
	Blocks       blockinfo.Resolver

	RngState *dropout.State

	// Shapes (§6)
	B, H, HK     int
	SeqlenQ      int
	SeqlenK      int
	SeqlenKNew   int
	D, DRounded  int

	// Scalars (§6)
	PDropout         float32
	PDropoutInU8     uint8
	ScaleSoftmax     float32
	WindowSizeLeft   int
	WindowSizeRight  int
	RotaryDim        int
	IsRotaryInterleaved bool
	IsCausal         bool
	IsLocal          bool
	NumSplits        int
	PageBlockSize    int
	ReturnSoftmax    bool
	ReturnSoftmaxSignBit bool

	// Tile parameters (§3)
	BlockM int // Br
	BlockN int // Bc
}

// HHKRatio is the grouped-query-attention ratio r = Hq/Hk.
func (p *Params) HHKRatio() int {
	return p.H / p.HK
}

// ScaleSoftmaxLog2 folds log2(e) into the softmax scale, per the base-2
// numerical contract of §6/§9.
func (p *Params) ScaleSoftmaxLog2() float32 {
	return p.ScaleSoftmax * float32(numeric.Log2E)
}

// RPDropout is 1/(1-p), the dropout-survival compensation factor.
func (p *Params) RPDropout() float32 {
	if p.PDropout <= 0 {
		return 1
	}
	return 1 / (1 - p.PDropout)
}

// Validate performs the host-side precondition checks §7 describes:
// shape compatibility, head-dim support, dropout probability range, and
// window-size consistency. It returns an error rather than panicking,
// since these are caller-supplied values, not internal invariants.
func (p *Params) Validate() error {
	if !SupportedHeadDims[p.D] {
		return fmt.Errorf("attn: unsupported head dim %d (supported: 32,64,96,128,160,192,224,256)", p.D)
	}
	if p.H <= 0 || p.HK <= 0 || p.H%p.HK != 0 {
		return fmt.Errorf("attn: query heads %d must be a positive multiple of kv heads %d", p.H, p.HK)
	}
	if p.PDropout < 0 || p.PDropout >= 1 {
		return fmt.Errorf("attn: dropout probability %f out of [0,1)", p.PDropout)
	}
	if p.IsLocal && (p.WindowSizeLeft < -1 || p.WindowSizeRight < -1) {
		return fmt.Errorf("attn: local attention requires non-negative (or -1 for unbounded) window sizes, got (%d,%d)", p.WindowSizeLeft, p.WindowSizeRight)
	}
	if p.BlockM <= 0 || p.BlockN <= 0 {
		return fmt.Errorf("attn: tile parameters must be positive, got BlockM=%d BlockN=%d", p.BlockM, p.BlockN)
	}
	if p.AlibiSlopes != nil {
		want := p.H
		if p.AlibiPerBatch {
			want = p.B * p.H
		}
		if len(p.AlibiSlopes) != want {
			return fmt.Errorf("attn: alibi_slopes length %d does not match expected %d", len(p.AlibiSlopes), want)
		}
	}
	return nil
}

// qAddr returns the physical batch slot and absolute row offset to use
// when addressing Q/O/LSE for batch element b. Packed variable-length
// batches (CuSeqlensQ set) concatenate every sequence's rows along one
// shared axis at physical batch 0, offset by info.RowOffsetQ; the
// non-packed case keeps the per-batch axis and a zero offset.
func (p *Params) qAddr(info blockinfo.Info, b int) (physBatch, rowOffset int) {
	if p.Blocks.CuSeqlensQ != nil {
		return 0, info.RowOffsetQ
	}
	return b, 0
}

// kAddr returns the physical batch slot and absolute row offset to use
// when addressing an unpaged K/V cache, following the same packed-axis
// convention as qAddr but keyed on CuSeqlensK and info.CacheBatch.
func (p *Params) kAddr(info blockinfo.Info) (physBatch, rowOffset int) {
	if p.Blocks.CuSeqlensK != nil {
		return 0, info.RowOffsetK
	}
	return info.CacheBatch, 0
}

// alibiSlope returns the per-head ALiBi slope for (batch, head), or 0 if
// ALiBi is disabled.
func (p *Params) alibiSlope(batch, head int) float32 {
	if p.AlibiSlopes == nil {
		return 0
	}
	if p.AlibiPerBatch {
		return p.AlibiSlopes[batch*p.H+head]
	}
	return p.AlibiSlopes[head]
}

func negInf32() float32 { return float32(math.Inf(-1)) }
func posInf32() float32 { return float32(math.Inf(1)) }
