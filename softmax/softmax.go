// Package softmax implements the OnlineSoftmax collaborator of §4.4: the
// running-max/running-denominator state a query tile carries across the
// streamed K/V loop, and the base-2 rescale/finalize operations the
// numerical contract (§6, §9) requires.
package softmax

import (
	"math"

	"github.com/Xuweijia-buaa/flash-attention/internal/numeric"
)

// State holds one running-max and running-denominator value per query row.
type State struct {
	M []float32 // running max, -Inf until the first unmasked tile
	L []float32 // running denominator
}

// New returns a State for the given number of query rows, initialized to
// the "nothing seen yet" sentinel (-Inf, 0).
func New(rows int) *State {
	m := make([]float32, rows)
	l := make([]float32, rows)
	for i := range m {
		m[i] = float32(math.Inf(-1))
	}
	return &State{M: m, L: l}
}

// InitOrRescale folds a newly computed masked logit tile into the running
// state. logits is (rows x cols), already scaled and masked (masked
// entries are -Inf). acc is the register-resident O accumulator, rows x
// headDim, rescaled in place. logits is overwritten in place with
// P = exp2(logits - newM), ready to feed the P*V matmul.
//
// logits must already have log2(e) folded in by the caller, per the
// base-2 contract: the kernel computes exp2((s*scale)*log2(e) - m) rather
// than exp((s*scale) - m) for cheaper hardware fast-math.
func (s *State) InitOrRescale(logits [][]float32, acc [][]float32, checkInf bool) {
	for r, row := range logits {
		rowMax := float32(math.Inf(-1))
		for _, v := range row {
			if v > rowMax {
				rowMax = v
			}
		}

		oldM := s.M[r]
		newM := numeric.Max(oldM, rowMax)

		if checkInf && math.IsInf(float64(newM), -1) {
			// every key seen so far (including this tile) is masked:
			// leave accumulator and denominator untouched.
			for c := range row {
				row[c] = 0
			}
			continue
		}

		var scale float32 = 1
		if !math.IsInf(float64(oldM), -1) {
			scale = numeric.Exp2(oldM - newM)
		} else {
			scale = 0
		}

		if scale != 1 {
			accRow := acc[r]
			for c := range accRow {
				accRow[c] *= scale
			}
		}

		var sum float32
		for c, v := range row {
			p := numeric.Exp2(v - newM)
			row[c] = p
			sum += p
		}

		s.L[r] = s.L[r]*scale + sum
		s.M[r] = newM
	}
}

// Finalize divides the accumulator by its denominator (scaled by the
// dropout-survival compensation rpDropout) and returns the natural-log LSE
// for each row, per §4.4. m and l live in the base-2 domain, so LSE =
// (m + log2(l)) / log2(e), i.e. the natural-log max plus ln(l). Rows whose max is
// still -Inf (every key was masked) get O left at zero and LSE = +Inf,
// the dense-path sentinel from §3's invariants.
func (s *State) Finalize(acc [][]float32, rpDropout float32) []float32 {
	lse := make([]float32, len(s.M))
	for r := range s.M {
		if math.IsInf(float64(s.M[r]), -1) {
			lse[r] = float32(math.Inf(1))
			continue
		}

		denom := s.L[r]
		inv := float32(1)
		if denom != 0 {
			inv = rpDropout / denom
		}

		row := acc[r]
		for c := range row {
			row[c] *= inv
		}

		lse[r] = (s.M[r] + numeric.Log2(denom)) / numeric.Log2E
	}
	return lse
}
