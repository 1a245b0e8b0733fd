// Package mask applies causal, local (sliding-window), ALiBi, and
// key-length masking to a logit tile in place, the Mask collaborator of
// §4.5. The masking predicates mirror the ones kvcache.Causal.buildMask
// computes for a cache-position mask, generalized here to operate
// directly on a register-resident (Br x Bc) tile instead of building a
// separate mask tensor to add.
package mask

import "math"

var NegInf = float32(math.Inf(-1))

// Params describes the masking configuration for one attention head.
type Params struct {
	Causal bool
	Local  bool

	WindowLeft  int // local: keys older than row-WindowLeft are masked; <0 disables
	WindowRight int // causal/local: keys newer than row+WindowRight are masked

	// SeqlenQ/SeqlenK give the (Sk - Sq) alignment offset the spec's
	// causal/local bound uses to align query row i (0-based within the
	// query's own sequence) with key column j (0-based within the full
	// key sequence), so that decoding (Sq < Sk) still masks correctly.
	SeqlenQ, SeqlenK int

	// ActualSeqlenK masks out columns at or beyond the batch element's
	// real key length (padding within a tile that extends past it).
	ActualSeqlenK int

	// AlibiSlope is this head's per-head ALiBi slope; 0 disables ALiBi.
	AlibiSlope float32
}

func (p Params) keyAlign() int { return p.SeqlenK - p.SeqlenQ }

// Apply masks (and adds ALiBi bias to) tile in place. tile is indexed
// tile[rowInTile][colInTile]; row0/col0 are the tile's absolute
// coordinates within the full (Sq x Sk) attention matrix.
func Apply(tile [][]float32, row0, col0 int, p Params) {
	align := p.keyAlign()
	for ri, row := range tile {
		absRow := row0 + ri
		causalBound := absRow + align + p.WindowRight
		localBound := -1
		if p.Local && p.WindowLeft >= 0 {
			localBound = absRow + align - p.WindowLeft
		}

		for ci := range row {
			absCol := col0 + ci

			if absCol >= p.ActualSeqlenK {
				row[ci] = NegInf
				continue
			}

			if p.AlibiSlope != 0 {
				row[ci] += p.AlibiSlope * float32(absCol-(absRow+align))
			}

			if (p.Causal || p.Local) && absCol > causalBound {
				row[ci] = NegInf
				continue
			}

			if p.Local && absCol < localBound {
				row[ci] = NegInf
			}
		}
	}
}

// FullyInterior reports whether a tile spanning [col0, col0+bc) needs no
// masking at all given the row range [row0, row0+br): every position is
// guaranteed unmasked by causal/local bounds and within the key length.
// The dense kernel uses this to skip §4.1's masking step on interior
// iterations, per "masking is skipped for iterations proven fully
// interior" in §4.5.
func FullyInterior(row0, br, col0, bc int, p Params) bool {
	if col0+bc > p.ActualSeqlenK {
		return false
	}
	align := p.keyAlign()
	if p.Causal || p.Local {
		// The largest column in the tile must still be <= the smallest
		// row's causal bound.
		minCausalBound := row0 + align + p.WindowRight
		if col0+bc-1 > minCausalBound {
			return false
		}
	}
	if p.Local && p.WindowLeft >= 0 {
		maxLocalBound := row0 + br - 1 + align - p.WindowLeft
		if col0 < maxLocalBound {
			return false
		}
	}
	return true
}
