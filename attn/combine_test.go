package attn

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xuweijia-buaa/flash-attention/tensor"
)

func TestCombineWeightsByLSE(t *testing.T) {
	// Two splits, one row, D=1. Split 0 contributed O=2 with LSE=log(3);
	// split 1 contributed O=5 with LSE=log(7). The log-sum-exp merge
	// must recover the same result as pooling raw (weight, value) pairs
	// directly: weight_i = exp(lse_i), combined = sum(w_i*o_i)/sum(w_i).
	p := &Params{B: 1, H: 1, SeqlenQ: 1, D: 1, NumSplits: 2}
	p.O = tensor.NewView(tensor.DTypeF32, 1, 1, 1, 1)
	p.SoftmaxLSE = tensor.NewView(tensor.DTypeF32, 1, 1, 1)
	p.Oaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1, 1)
	p.SoftmaxLSEaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1)

	p.Oaccum.Set(2, 0, 0, 0, 0, 0)
	p.Oaccum.Set(5, 1, 0, 0, 0, 0)
	p.SoftmaxLSEaccum.Set(float32(math.Log(3)), 0, 0, 0, 0)
	p.SoftmaxLSEaccum.Set(float32(math.Log(7)), 1, 0, 0, 0)

	require.NoError(t, Combine(context.Background(), p))

	wantO := (3*2.0 + 7*5.0) / (3.0 + 7.0)
	wantLSE := math.Log(3 + 7)

	require.InDelta(t, wantO, float64(p.O.At(0, 0, 0, 0)), 1e-4)
	require.InDelta(t, wantLSE, float64(p.SoftmaxLSE.At(0, 0, 0)), 1e-4)
}

func TestCombineAllSplitsEmptyProducesGlobalSentinel(t *testing.T) {
	p := &Params{B: 1, H: 1, SeqlenQ: 1, D: 2, NumSplits: 2}
	p.O = tensor.NewView(tensor.DTypeF32, 1, 1, 1, 2)
	p.SoftmaxLSE = tensor.NewView(tensor.DTypeF32, 1, 1, 1)
	p.Oaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1, 2)
	p.SoftmaxLSEaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1)
	p.SoftmaxLSEaccum.Set(float32(math.Inf(-1)), 0, 0, 0, 0)
	p.SoftmaxLSEaccum.Set(float32(math.Inf(-1)), 1, 0, 0, 0)

	require.NoError(t, Combine(context.Background(), p))

	require.True(t, math.IsInf(float64(p.SoftmaxLSE.At(0, 0, 0)), 1))
	require.Equal(t, float32(0), p.O.At(0, 0, 0, 0))
	require.Equal(t, float32(0), p.O.At(0, 0, 0, 1))
}

func TestCombineIgnoresEmptySplitAmongNonEmpty(t *testing.T) {
	p := &Params{B: 1, H: 1, SeqlenQ: 1, D: 1, NumSplits: 2}
	p.O = tensor.NewView(tensor.DTypeF32, 1, 1, 1, 1)
	p.SoftmaxLSE = tensor.NewView(tensor.DTypeF32, 1, 1, 1)
	p.Oaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1, 1)
	p.SoftmaxLSEaccum = tensor.NewView(tensor.DTypeF32, 2, 1, 1, 1)

	p.Oaccum.Set(9, 0, 0, 0, 0, 0)
	p.SoftmaxLSEaccum.Set(float32(math.Log(4)), 0, 0, 0, 0)
	p.SoftmaxLSEaccum.Set(float32(math.Inf(-1)), 1, 0, 0, 0)

	require.NoError(t, Combine(context.Background(), p))
	require.InDelta(t, 9.0, float64(p.O.At(0, 0, 0, 0)), 1e-4)
}
