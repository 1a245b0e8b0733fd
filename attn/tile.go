package attn

import "github.com/Xuweijia-buaa/flash-attention/tensor"

// headView collapses a (B, H, S, D) tensor down to the (S, D) view for one
// (batch, head) pair, the Go analogue of the pointer arithmetic
// q_ptr + b*q_batch_stride + h*q_head_stride performs in the kernel
// parameter struct of §6.
func headView(v *tensor.View, b, h int) *tensor.View {
	return v.Slice(0, int64(b), 1).Slice(1, int64(h), 1).Collapse(2, 3)
}

// rowView collapses a (B, H, S) tensor (LSE, LSEaccum's trailing axes)
// down to the (S,) view for one (batch, head) pair.
func rowView(v *tensor.View, b, h int) *tensor.View {
	return v.Slice(0, int64(b), 1).Slice(1, int64(h), 1).Collapse(2)
}

// splitHeadView collapses a (splits, B, H, S, D) tensor down to (S, D)
// for one (split, batch, head), used for Oaccum.
func splitHeadView(v *tensor.View, split, b, h int) *tensor.View {
	return v.Slice(0, int64(split), 1).Slice(1, int64(b), 1).Slice(2, int64(h), 1).Collapse(3, 4)
}

// splitRowView collapses a (splits, B, H, S) tensor down to (S,) for one
// (split, batch, head), used for LSEaccum.
func splitRowView(v *tensor.View, split, b, h int) *tensor.View {
	return v.Slice(0, int64(split), 1).Slice(1, int64(b), 1).Slice(2, int64(h), 1).Collapse(3)
}

func zeros(rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	backing := make([]float32, rows*cols)
	for r := range out {
		out[r] = backing[r*cols : (r+1)*cols]
	}
	return out
}

func loadTile(hv *tensor.View, row0, n, d int) [][]float32 {
	out := zeros(n, d)
	for r := 0; r < n; r++ {
		for c := 0; c < d; c++ {
			out[r][c] = hv.At(int64(row0+r), int64(c))
		}
	}
	return out
}

// matmulQKT computes S = Q . K^T for one tile: q is (rows x d), k is
// (cols x d), result is (rows x cols), the tile MMA of §4.1 step 4.
func matmulQKT(q, k [][]float32, rows, cols, d int) [][]float32 {
	out := zeros(rows, cols)
	for r := 0; r < rows; r++ {
		qr := q[r]
		orow := out[r]
		for c := 0; c < cols; c++ {
			kc := k[c]
			var sum float32
			for x := 0; x < d; x++ {
				sum += qr[x] * kc[x]
			}
			orow[c] = sum
		}
	}
	return out
}

// accumulatePV computes acc += P . V for one tile, the second tile MMA of
// §4.1 step 11.
func accumulatePV(acc, p, v [][]float32, rows, cols, d int) {
	for r := 0; r < rows; r++ {
		accRow := acc[r]
		pr := p[r]
		for c := 0; c < cols; c++ {
			pv := pr[c]
			if pv == 0 {
				continue
			}
			vr := v[c]
			for x := 0; x < d; x++ {
				accRow[x] += pv * vr[x]
			}
		}
	}
}

// scaleTile multiplies every element of tile by s in place.
func scaleTile(tile [][]float32, s float32) {
	for _, row := range tile {
		for c := range row {
			row[c] *= s
		}
	}
}

func writeOTile(dst *tensor.View, b, h, row0, rows int, acc [][]float32, d int) {
	writeOTileDirect(headView(dst, b, h), row0, rows, acc, d)
}

func writeOTileDirect(hv *tensor.View, row0, rows int, acc [][]float32, d int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < d; c++ {
			hv.Set(acc[r][c], int64(row0+r), int64(c))
		}
	}
}

func writeLSERow(dst *tensor.View, b, h, row0, rows int, lse []float32) {
	writeLSERowDirect(rowView(dst, b, h), row0, rows, lse)
}

func writeLSERowDirect(rv *tensor.View, row0, rows int, lse []float32) {
	for r := 0; r < rows; r++ {
		rv.Set(lse[r], int64(row0+r))
	}
}

func writeZeroTileAndSentinel(o *tensor.View, lse *tensor.View, b, h, row0, rows, d int, sentinel float32) {
	writeZeroTileAndSentinelDirect(headView(o, b, h), rowView(lse, b, h), row0, rows, d, sentinel)
}

func writeZeroTileAndSentinelDirect(hv, rv *tensor.View, row0, rows, d int, sentinel float32) {
	for r := 0; r < rows; r++ {
		for c := 0; c < d; c++ {
			hv.Set(0, int64(row0+r), int64(c))
		}
	}
	for r := 0; r < rows; r++ {
		rv.Set(sentinel, int64(row0+r))
	}
}

func writePDebugTile(p *tensor.View, b, h, row0, col0 int, s [][]float32) {
	v := p.Slice(0, int64(b), 1).Slice(1, int64(h), 1).Collapse(2, 3)
	for r, row := range s {
		for c, val := range row {
			v.Set(val, int64(row0+r), int64(col0+c))
		}
	}
}
