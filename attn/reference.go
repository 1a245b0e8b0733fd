package attn

import (
	"math"

	"github.com/Xuweijia-buaa/flash-attention/blockinfo"
	"github.com/Xuweijia-buaa/flash-attention/mask"
)

// Reference computes attention the direct way: materialize the full
// (Sq x Sk) score matrix per (batch, head), softmax it row-wise, and
// multiply by V. It exists purely so tests can check Dense/Split+Combine
// against an implementation with no tiling, no online-softmax rescaling,
// and no split-then-merge reduction to go wrong in, the naive
// score-then-weighted-V shape every attention forward pass in the
// retrieval pack reduces to once batching is stripped away.
func Reference(p *Params) {
	for b := 0; b < p.B; b++ {
		info := p.Blocks.Resolve(b)
		for h := 0; h < p.H; h++ {
			referenceHead(p, info, b, h)
		}
	}
}

func referenceHead(p *Params, info blockinfo.Info, b, h int) {
	kvHead := h / p.HHKRatio()
	qPhysBatch, qRowOffset := p.qAddr(info, b)
	kPhysBatch, kRowOffset := p.kAddr(info)
	qHV := headView(p.Q, qPhysBatch, h)
	kHV := headView(p.K, kPhysBatch, kvHead)
	vHV := headView(p.V, kPhysBatch, kvHead)
	oHV := headView(p.O, qPhysBatch, h)

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

	lse := make([]float32, info.ActualSeqlenQ)

	for row := 0; row < info.ActualSeqlenQ; row++ {
		scores := make([][]float32, 1)
		scores[0] = make([]float32, info.ActualSeqlenK)
		for col := 0; col < info.ActualSeqlenK; col++ {
			var sum float32
			for x := 0; x < p.D; x++ {
				sum += qHV.At(int64(row+qRowOffset), int64(x)) * kHV.At(int64(col+kRowOffset), int64(x))
			}
			scores[0][col] = sum * p.ScaleSoftmax
		}

		mask.Apply(scores, row, 0, maskParams)

		rowMax := float32(math.Inf(-1))
		for _, v := range scores[0] {
			if v > rowMax {
				rowMax = v
			}
		}

		if math.IsInf(float64(rowMax), -1) {
			lse[row] = float32(math.Inf(1))
			for c := 0; c < p.D; c++ {
				oHV.Set(0, int64(row+qRowOffset), int64(c))
			}
			continue
		}

		var denom float32
		weights := make([]float32, info.ActualSeqlenK)
		for c, v := range scores[0] {
			w := float32(math.Exp(float64(v - rowMax)))
			weights[c] = w
			denom += w
		}

		out := make([]float32, p.D)
		for c, w := range weights {
			if w == 0 {
				continue
			}
			wn := w / denom
			for x := 0; x < p.D; x++ {
				out[x] += wn * vHV.At(int64(c+kRowOffset), int64(x))
			}
		}
		for x := 0; x < p.D; x++ {
			oHV.Set(out[x], int64(row+qRowOffset), int64(x))
		}
		lse[row] = rowMax + float32(math.Log(float64(denom)))
	}

	writeLSERowDirect(rowView(p.SoftmaxLSE, qPhysBatch, h), qRowOffset, info.ActualSeqlenQ, lse)
}
