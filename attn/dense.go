package attn

import (
	"context"

	"github.com/Xuweijia-buaa/flash-attention/dropout"
	"github.com/Xuweijia-buaa/flash-attention/grid"
	"github.com/Xuweijia-buaa/flash-attention/internal/numeric"
	"github.com/Xuweijia-buaa/flash-attention/mask"
	"github.com/Xuweijia-buaa/flash-attention/softmax"
)

// Dense runs AttnKernelDense (§4.1): one compute block per (query-tile,
// batch, head), iterating all K/V tiles its query tile needs.
func Dense(ctx context.Context, p *Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	numQTiles := numeric.CeilDiv(p.SeqlenQ, p.BlockM)

	return grid.Launch(ctx, grid.Dim3{X: numQTiles, Y: p.B, Z: p.H}, func(_ context.Context, idx grid.Dim3) error {
		denseBlock(p, idx.X, idx.Y, idx.Z)
		return nil
	})
}

func denseBlock(p *Params, qTile, b, h int) {
	info := p.Blocks.Resolve(b)

	row0 := qTile * p.BlockM
	rows := numeric.Min(p.BlockM, info.ActualSeqlenQ-row0)
	if rows <= 0 {
		return
	}

	kvHead := h / p.HHKRatio()

	qPhysBatch, qRowOffset := p.qAddr(info, b)
	kPhysBatch, kRowOffset := p.kAddr(info)

	nMax := numeric.CeilDiv(info.ActualSeqlenK, p.BlockN)
	if p.IsCausal || p.IsLocal {
		right := numeric.Max(p.WindowSizeRight, 0)
		bound := (qTile+1)*p.BlockM + info.ActualSeqlenK - info.ActualSeqlenQ + right
		nMax = numeric.Min(nMax, numeric.CeilDiv(bound, p.BlockN))
	}

	nMin := 0
	if p.IsLocal && p.WindowSizeLeft >= 0 {
		bound := qTile*p.BlockM + info.ActualSeqlenK - info.ActualSeqlenQ - p.WindowSizeLeft
		nMin = numeric.Max(0, bound/p.BlockN)
	}

	if nMax <= nMin {
		writeZeroTileAndSentinel(p.O, p.SoftmaxLSE, qPhysBatch, h, row0+qRowOffset, rows, p.D, posInf32())
		return
	}

	qHV := headView(p.Q, qPhysBatch, h)
	qTileData := loadTile(qHV, row0+qRowOffset, rows, p.D)

	acc := zeros(rows, p.D)
	state := softmax.New(rows)

	kHV := headView(p.K, kPhysBatch, kvHead)
	vHV := headView(p.V, kPhysBatch, kvHead)

	maskParams := mask.Params{
		Causal:        p.IsCausal,
		Local:         p.IsLocal,
		WindowLeft:    p.WindowSizeLeft,
		WindowRight:   p.WindowSizeRight,
		SeqlenQ:       info.ActualSeqlenQ,
		SeqlenK:       info.ActualSeqlenK,
		ActualSeqlenK: info.ActualSeqlenK,
		AlibiSlope:    p.alibiSlope(b, h),
	}

	// Reverse traversal (§4.1): the only tile that needs K-bound masking
	// is the first one processed.
	for n := nMax - 1; n >= nMin; n-- {
		col0 := n * p.BlockN
		cols := numeric.Min(p.BlockN, info.ActualSeqlenK-col0)
		if cols <= 0 {
			continue
		}

		kTile := loadTile(kHV, col0+kRowOffset, cols, p.D)
		vTile := loadTile(vHV, col0+kRowOffset, cols, p.D)

		s := matmulQKT(qTileData, kTile, rows, cols, p.D)
		scaleTile(s, p.ScaleSoftmax)

		if !mask.FullyInterior(row0, rows, col0, cols, maskParams) || maskParams.AlibiSlope != 0 {
			mask.Apply(s, row0, col0, maskParams)
		}

		scaleTile(s, float32(numeric.Log2E))

		state.InitOrRescale(s, acc, true)

		if p.PDropout > 0 && p.RngState != nil {
			dropout.Apply(s, row0, col0, p.RngState.Seed, p.RngState.Offset, b, h, p.PDropoutInU8, p.ReturnSoftmaxSignBit)
		}

		if p.ReturnSoftmax && p.P != nil {
			writePDebugTile(p.P, b, h, row0, col0, s)
		}

		accumulatePV(acc, s, vTile, rows, cols, p.D)
	}

	lse := state.Finalize(acc, p.RPDropout())
	writeOTile(p.O, qPhysBatch, h, row0+qRowOffset, rows, acc, p.D)
	writeLSERow(p.SoftmaxLSE, qPhysBatch, h, row0+qRowOffset, rows, lse)
}
