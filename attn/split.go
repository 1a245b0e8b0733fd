package attn

import (
	"context"
	"math"

	"github.com/Xuweijia-buaa/flash-attention/blockinfo"
	"github.com/Xuweijia-buaa/flash-attention/dropout"
	"github.com/Xuweijia-buaa/flash-attention/grid"
	"github.com/Xuweijia-buaa/flash-attention/internal/numeric"
	"github.com/Xuweijia-buaa/flash-attention/mask"
	"github.com/Xuweijia-buaa/flash-attention/rotary"
	"github.com/Xuweijia-buaa/flash-attention/softmax"
	"github.com/Xuweijia-buaa/flash-attention/tensor"
)

// Split runs AttnKernelSplit (§4.2): one compute block per (query-tile,
// split, batch, head), each covering a contiguous sub-range of K/V
// tiles, writing partial O/LSE for CombineKernel to merge.
//
// Append and paged addressing are the two extra responsibilities over
// Dense. A real device guards the KV-cache append to run exactly once
// per (batch, kv head) by having a single designated block perform it
// under a block-wide barrier (§5); this module's grid has no
// cross-block barrier to guard with, so the append is hoisted to a
// sequential pre-pass that completes before the compute grid launches,
// which satisfies the same "appended rows are visible before any block
// reads them" ordering requirement more simply than replicating a
// device barrier would.
func Split(ctx context.Context, p *Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	numSplits := numeric.Max(p.NumSplits, 1)

	if p.KNew != nil && p.VNew != nil {
		appendKV(p)
	}

	numQTiles := numeric.CeilDiv(p.SeqlenQ, p.BlockM)

	return grid.Launch(ctx, grid.Dim3{X: numQTiles, Y: numSplits, Z: p.B * p.H}, func(_ context.Context, idx grid.Dim3) error {
		b := idx.Z / p.H
		h := idx.Z % p.H
		splitBlock(p, idx.X, idx.Y, numSplits, b, h)
		return nil
	})
}

// appendKV copies Knew/Vnew into the cache (paged or contiguous) at
// positions [seqlen_k_cache, seqlen_k_cache+seqlen_knew), applying
// rotary to the appended K rows first when configured, per §4.2.
func appendKV(p *Params) {
	for b := 0; b < p.B; b++ {
		info := p.Blocks.Resolve(b)
		seqlenKCache := info.ActualSeqlenK - p.SeqlenKNew

		for kv := 0; kv < p.HK; kv++ {
			kSrc := headView(p.KNew, b, kv)
			vSrc := headView(p.VNew, b, kv)

			for r := 0; r < p.SeqlenKNew; r++ {
				krow := make([]float32, p.D)
				for c := 0; c < p.D; c++ {
					krow[c] = kSrc.At(int64(r), int64(c))
				}
				if p.Rotary != nil {
					p.Rotary.Apply(krow, seqlenKCache+r, p.IsRotaryInterleaved)
				}
				writeCacheRow(p, info, kv, seqlenKCache+r, krow, true)

				vrow := make([]float32, p.D)
				for c := 0; c < p.D; c++ {
					vrow[c] = vSrc.At(int64(r), int64(c))
				}
				writeCacheRow(p, info, kv, seqlenKCache+r, vrow, false)
			}
		}
	}
}

func writeCacheRow(p *Params, info blockinfo.Info, kv, row int, vec []float32, isKey bool) {
	var dst *tensor.View
	if isKey {
		dst = p.K
	} else {
		dst = p.V
	}

	if p.BlockTable != nil {
		run := p.BlockTable.Locate(info.CacheBatch, row, 1)[0]
		v := run.View(dst, kv)
		for c, val := range vec {
			v.Set(val, 0, int64(c))
		}
		return
	}

	kPhysBatch, kRowOffset := p.kAddr(info)
	hv := headView(dst, kPhysBatch, kv)
	for c, val := range vec {
		hv.Set(val, int64(row+kRowOffset), int64(c))
	}
}

func splitBlock(p *Params, qTile, split, numSplits, b, h int) {
	info := p.Blocks.Resolve(b)
	seqlenKCache := info.ActualSeqlenK - p.SeqlenKNew

	row0 := qTile * p.BlockM
	rows := numeric.Min(p.BlockM, info.ActualSeqlenQ-row0)
	if rows <= 0 {
		return
	}

	kvHead := h / p.HHKRatio()

	qPhysBatch, qRowOffset := p.qAddr(info, b)

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

	tilesPerSplit := numeric.CeilDiv(numeric.Max(nMax-nMin, 0), numSplits)
	splitStart := nMin + split*tilesPerSplit
	splitEnd := numeric.Min(nMax, splitStart+tilesPerSplit)

	if tilesPerSplit <= 0 || splitStart >= splitEnd {
		writeZeroTileAndSentinelDirect(splitHeadView(p.Oaccum, split, b, h), splitRowView(p.SoftmaxLSEaccum, split, b, h), row0, rows, p.D, negInf32())
		return
	}

	qHV := headView(p.Q, qPhysBatch, h)
	qTileData := loadTile(qHV, row0+qRowOffset, rows, p.D)

	if p.Rotary != nil {
		causalOrLocal := p.IsCausal || p.IsLocal
		for r := 0; r < rows; r++ {
			pos := rotary.QueryPosition(seqlenKCache, row0+r, causalOrLocal)
			p.Rotary.Apply(qTileData[r], pos, p.IsRotaryInterleaved)
		}
	}

	acc := zeros(rows, p.D)
	state := softmax.New(rows)

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

	for n := splitStart; n < splitEnd; n++ {
		col0 := n * p.BlockN
		cols := numeric.Min(p.BlockN, info.ActualSeqlenK-col0)
		if cols <= 0 {
			continue
		}

		kTile, vTile := loadKVTilePaged(p, info, kvHead, col0, cols)

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
	for i, v := range lse {
		// Finalize reports +Inf when every key this call saw was masked,
		// the dense kernel's "row has no valid key anywhere" sentinel.
		// Within one split that only means this split's sub-range was
		// entirely masked (a local window, say) — not that the row is
		// globally empty — so it must carry the same "contributes
		// nothing" weight as an empty split range, which is -Inf.
		if math.IsInf(float64(v), 1) {
			lse[i] = negInf32()
		}
	}
	writeOTileDirect(splitHeadView(p.Oaccum, split, b, h), row0, rows, acc, p.D)
	writeLSERowDirect(splitRowView(p.SoftmaxLSEaccum, split, b, h), row0, rows, lse)
}

// loadKVTilePaged loads a (cols x D) K and V tile for one batch/kv-head,
// transparently following the paged indirection when p.BlockTable is
// set, splitting the request at page boundaries per §4.2/§9.
func loadKVTilePaged(p *Params, info blockinfo.Info, kvHead, col0, cols int) ([][]float32, [][]float32) {
	if p.BlockTable == nil {
		kPhysBatch, kRowOffset := p.kAddr(info)
		kHV := headView(p.K, kPhysBatch, kvHead)
		vHV := headView(p.V, kPhysBatch, kvHead)
		return loadTile(kHV, col0+kRowOffset, cols, p.D), loadTile(vHV, col0+kRowOffset, cols, p.D)
	}

	kTile := zeros(cols, p.D)
	vTile := zeros(cols, p.D)
	for _, run := range p.BlockTable.Locate(info.CacheBatch, col0, cols) {
		kv := run.View(p.K, kvHead)
		vv := run.View(p.V, kvHead)
		base := run.RowStart - col0
		for r := 0; r < run.NumRows; r++ {
			for c := 0; c < p.D; c++ {
				kTile[base+r][c] = kv.At(int64(r), int64(c))
				vTile[base+r][c] = vv.At(int64(r), int64(c))
			}
		}
	}
	return kTile, vTile
}
