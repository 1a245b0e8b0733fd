package attn

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xuweijia-buaa/flash-attention/blockinfo"
	"github.com/Xuweijia-buaa/flash-attention/tensor"
)

func randomQKV(rng *rand.Rand, b, h, hk, sq, sk, d int) (*tensor.View, *tensor.View, *tensor.View) {
	q := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq), int64(d))
	k := tensor.NewView(tensor.DTypeF32, int64(b), int64(hk), int64(sk), int64(d))
	v := tensor.NewView(tensor.DTypeF32, int64(b), int64(hk), int64(sk), int64(d))
	fill := func(t *tensor.View, bb, hh, ss int) {
		for bi := 0; bi < bb; bi++ {
			for hi := 0; hi < hh; hi++ {
				for si := 0; si < ss; si++ {
					for di := 0; di < d; di++ {
						t.Set(float32(rng.NormFloat64()), int64(bi), int64(hi), int64(si), int64(di))
					}
				}
			}
		}
	}
	fill(q, b, h, sq)
	fill(k, b, hk, sk)
	fill(v, b, hk, sk)
	return q, k, v
}

func baseParams(b, h, hk, sq, sk, d int, causal bool) (*Params, *tensor.View, *tensor.View) {
	rng := rand.New(rand.NewSource(7))
	q, k, v := randomQKV(rng, b, h, hk, sq, sk, d)
	o := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq), int64(d))
	lse := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq))

	p := &Params{
		Q: q, K: k, V: v, O: o,
		SoftmaxLSE:   lse,
		B:            b,
		H:            h,
		HK:           hk,
		SeqlenQ:      sq,
		SeqlenK:      sk,
		D:            d,
		ScaleSoftmax: 1.0 / float32(math.Sqrt(float64(d))),
		IsCausal:     causal,
		BlockM:       4,
		BlockN:       4,
		Blocks:       blockinfo.Resolver{SeqlenQ: sq, SeqlenK: sk},
	}
	return p, o, lse
}

func requireClose(t *testing.T, got, want *tensor.View, shape []int64) {
	t.Helper()
	var walk func(idx []int64, dims []int64)
	walk = func(idx []int64, dims []int64) {
		if len(dims) == 0 {
			require.InDelta(t, want.At(idx...), got.At(idx...), 1e-2)
			return
		}
		for i := int64(0); i < dims[0]; i++ {
			walk(append(idx, i), dims[1:])
		}
	}
	walk(nil, shape)
}

func TestDenseMatchesReferenceNonCausal(t *testing.T) {
	b, h, hk, sq, sk, d := 2, 2, 1, 6, 6, 32
	p, o, lse := baseParams(b, h, hk, sq, sk, d, false)

	require.NoError(t, Dense(context.Background(), p))

	refO := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq), int64(d))
	refLSE := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq))
	refP := *p
	refP.O = refO
	refP.SoftmaxLSE = refLSE
	Reference(&refP)

	requireClose(t, o, refO, []int64{int64(b), int64(h), int64(sq), int64(d)})
	requireClose(t, lse, refLSE, []int64{int64(b), int64(h), int64(sq)})
}

func TestDenseMatchesReferenceCausal(t *testing.T) {
	b, h, hk, sq, sk, d := 1, 2, 2, 9, 9, 32
	p, o, lse := baseParams(b, h, hk, sq, sk, d, true)

	require.NoError(t, Dense(context.Background(), p))

	refO := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq), int64(d))
	refLSE := tensor.NewView(tensor.DTypeF32, int64(b), int64(h), int64(sq))
	refP := *p
	refP.O = refO
	refP.SoftmaxLSE = refLSE
	Reference(&refP)

	requireClose(t, o, refO, []int64{int64(b), int64(h), int64(sq), int64(d)})
	requireClose(t, lse, refLSE, []int64{int64(b), int64(h), int64(sq)})
}

func TestDenseGQASharesKVHeadsAcrossGroup(t *testing.T) {
	b, h, hk, sq, sk, d := 1, 4, 2, 5, 5, 32
	p, _, _ := baseParams(b, h, hk, sq, sk, d, false)
	require.NoError(t, p.Validate())
	require.Equal(t, 2, p.HHKRatio())
	require.NoError(t, Dense(context.Background(), p))
}

// copyHeadRows copies rows [srcRow0, srcRow0+n) of src's (b,h) head view
// into rows [dstRow0, dstRow0+n) of dst's (b,h) head view.
func copyHeadRows(dst, src *tensor.View, dstB, srcB, h, dstRow0, srcRow0, n, d int) {
	dv := headView(dst, dstB, h)
	sv := headView(src, srcB, h)
	for r := 0; r < n; r++ {
		for c := 0; c < d; c++ {
			dv.Set(sv.At(int64(srcRow0+r), int64(c)), int64(dstRow0+r), int64(c))
		}
	}
}

// TestDensePackedRaggedBatchMatchesPerSequenceConcat exercises spec.md's
// "Ragged correctness" property: running AttnKernelDense once over a
// packed variable-length batch (CuSeqlensQ/CuSeqlensK describing two
// differently-sized sequences concatenated along a shared row axis)
// must match running the kernel once per sequence and concatenating.
func TestDensePackedRaggedBatchMatchesPerSequenceConcat(t *testing.T) {
	h, hk, d := 2, 2, 32
	len0, len1 := 5, 7
	total := len0 + len1

	rng := rand.New(rand.NewSource(11))
	packedQ, packedK, packedV := randomQKV(rng, 1, h, hk, total, total, d)
	packedO := tensor.NewView(tensor.DTypeF32, 1, int64(h), int64(total), int64(d))
	packedLSE := tensor.NewView(tensor.DTypeF32, 1, int64(h), int64(total))

	p := &Params{
		Q: packedQ, K: packedK, V: packedV, O: packedO,
		SoftmaxLSE:   packedLSE,
		B:            2,
		H:            h,
		HK:           hk,
		SeqlenQ:      total, // max_seqlen_q upper bound for tile/grid sizing
		SeqlenK:      total,
		D:            d,
		ScaleSoftmax: 1.0 / float32(math.Sqrt(float64(d))),
		BlockM:       4,
		BlockN:       4,
		Blocks: blockinfo.Resolver{
			CuSeqlensQ:           []int32{0, int32(len0), int32(total)},
			CuSeqlensK:           []int32{0, int32(len0), int32(total)},
			IsSeqlensKCumulative: true,
		},
	}
	require.NoError(t, Dense(context.Background(), p))

	// Run each sequence independently, unpacked, for comparison.
	lens := []int{len0, len1}
	rowOffsets := []int{0, len0}
	for seq, seqLen := range lens {
		q := tensor.NewView(tensor.DTypeF32, 1, int64(h), int64(seqLen), int64(d))
		k := tensor.NewView(tensor.DTypeF32, 1, int64(hk), int64(seqLen), int64(d))
		v := tensor.NewView(tensor.DTypeF32, 1, int64(hk), int64(seqLen), int64(d))
		o := tensor.NewView(tensor.DTypeF32, 1, int64(h), int64(seqLen), int64(d))
		lse := tensor.NewView(tensor.DTypeF32, 1, int64(h), int64(seqLen))

		for hi := 0; hi < h; hi++ {
			copyHeadRows(q, packedQ, 0, 0, hi, 0, rowOffsets[seq], seqLen, d)
		}
		for hi := 0; hi < hk; hi++ {
			copyHeadRows(k, packedK, 0, 0, hi, 0, rowOffsets[seq], seqLen, d)
			copyHeadRows(v, packedV, 0, 0, hi, 0, rowOffsets[seq], seqLen, d)
		}

		seqP := &Params{
			Q: q, K: k, V: v, O: o,
			SoftmaxLSE:   lse,
			B:            1,
			H:            h,
			HK:           hk,
			SeqlenQ:      seqLen,
			SeqlenK:      seqLen,
			D:            d,
			ScaleSoftmax: p.ScaleSoftmax,
			BlockM:       4,
			BlockN:       4,
			Blocks:       blockinfo.Resolver{SeqlenQ: seqLen, SeqlenK: seqLen},
		}
		require.NoError(t, Dense(context.Background(), seqP))

		for hi := 0; hi < h; hi++ {
			for r := 0; r < seqLen; r++ {
				require.InDelta(t, lse.At(0, int64(hi), int64(r)), packedLSE.At(0, int64(hi), int64(rowOffsets[seq]+r)), 1e-2)
				for c := 0; c < d; c++ {
					require.InDelta(t, o.At(0, int64(hi), int64(r), int64(c)), packedO.At(0, int64(hi), int64(rowOffsets[seq]+r), int64(c)), 1e-2)
				}
			}
		}
	}
}

func TestDenseEmptyRowWritesSentinel(t *testing.T) {
	b, h, hk, sq, sk, d := 1, 1, 1, 1, 1, 32
	p, o, lse := baseParams(b, h, hk, sq, sk, d, false)
	p.Blocks = blockinfo.Resolver{SeqlenQ: sq, SeqUsedK: []int32{0}}

	require.NoError(t, Dense(context.Background(), p))
	require.True(t, math.IsInf(float64(lse.At(0, 0, 0)), 1))
	require.Equal(t, float32(0), o.At(0, 0, 0, 0))
}
