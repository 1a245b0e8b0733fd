package attn

import (
	"context"
	"math"

	"github.com/Xuweijia-buaa/flash-attention/grid"
)

// Combine runs CombineKernel (§4.3): merges the per-split partial O/LSE
// AttnKernelSplit wrote into Oaccum/SoftmaxLSEaccum into the final O/LSE,
// via the max-then-reweight log-sum-exp reduction of §4.3 step 2-4.
//
// The real kernel assigns a block of Mc consecutive rows to each
// compute block to amortize the LSE gather across a warp; this module
// launches one unit of work per output row instead, since a Go
// goroutine has none of the warp-occupancy reasons to batch rows
// together, and the merge itself is already independent per row.
func Combine(ctx context.Context, p *Params) error {
	total := p.B * p.H * p.SeqlenQ
	return grid.Launch(ctx, grid.Dim3{X: total, Y: 1, Z: 1}, func(_ context.Context, idx grid.Dim3) error {
		combineRow(p, idx.X)
		return nil
	})
}

func combineRow(p *Params, flat int) {
	sq := p.SeqlenQ
	row := flat % sq
	h := (flat / sq) % p.H
	b := flat / (sq * p.H)

	qPhysBatch, qRowOffset := b, 0
	if p.Blocks.CuSeqlensQ != nil {
		info := p.Blocks.Resolve(b)
		if row >= info.ActualSeqlenQ {
			return
		}
		qPhysBatch, qRowOffset = p.qAddr(info, b)
	}
	physRow := row + qRowOffset

	numSplits := p.NumSplits
	if numSplits < 1 {
		numSplits = 1
	}

	lses := make([]float32, numSplits)
	m := negInf32()
	for s := 0; s < numSplits; s++ {
		v := splitRowView(p.SoftmaxLSEaccum, s, b, h).At(int64(row))
		lses[s] = v
		if v > m {
			m = v
		}
	}

	oHV := headView(p.O, qPhysBatch, h)

	if math.IsInf(float64(m), -1) {
		writeLSERowDirect(rowView(p.SoftmaxLSE, qPhysBatch, h), physRow, 1, []float32{float32(math.Inf(1))})
		for c := 0; c < p.D; c++ {
			oHV.Set(0, int64(physRow), int64(c))
		}
		return
	}

	weights := make([]float32, numSplits)
	var sum float32
	for s, v := range lses {
		if math.IsInf(float64(v), -1) {
			continue
		}
		w := float32(math.Exp(float64(v - m)))
		weights[s] = w
		sum += w
	}

	finalLSE := m + float32(math.Log(float64(sum)))
	writeLSERowDirect(rowView(p.SoftmaxLSE, qPhysBatch, h), physRow, 1, []float32{finalLSE})

	acc := make([]float32, p.D)
	for s := 0; s < numSplits; s++ {
		if weights[s] == 0 {
			continue
		}
		alpha := weights[s] / sum
		ov := splitHeadView(p.Oaccum, s, b, h)
		for c := 0; c < p.D; c++ {
			acc[c] += alpha * ov.At(int64(row), int64(c))
		}
	}
	for c := 0; c < p.D; c++ {
		oHV.Set(acc[c], int64(physRow), int64(c))
	}
}
