// Package pagedkv resolves paged KV-cache addressing (§4.2, §6): K/V
// stored as (num_pages, page_size, Hk, D) with a per-batch block_table
// mapping logical row ranges to physical page indices. It is grounded on
// kvcache.Causal's view-construction in Get/Put, generalized from that
// cache's single contiguous backing array to the page-indirected layout
// this spec requires, since page_size need not divide a tile's row count.
package pagedkv

import "github.com/Xuweijia-buaa/flash-attention/tensor"

// Table is the per-batch page indirection: BlockTable[b][i] is the
// physical page index backing logical page i of batch element b.
type Table struct {
	BlockTable [][]int32
	PageSize   int
}

// Run is a maximal contiguous (in physical page terms) span covered by a
// single physical page: rows [RowStart, RowStart+NumRows) of the logical
// K/V sequence live at page PhysicalPage, offset InPageOffset.
type Run struct {
	RowStart      int
	NumRows       int
	PhysicalPage  int32
	InPageOffset  int
}

// Locate splits the logical row range [rowStart, rowStart+numRows) for
// batch b into the minimal sequence of single-page runs, per §4.2 and
// §9's note that "tiles straddling page boundaries must be loaded as two
// partial copies" when page_size does not divide the tile width.
func (t *Table) Locate(b, rowStart, numRows int) []Run {
	var runs []Run
	row := rowStart
	end := rowStart + numRows

	for row < end {
		pageIdx := row / t.PageSize
		inPage := row % t.PageSize
		avail := t.PageSize - inPage
		take := end - row
		if take > avail {
			take = avail
		}

		runs = append(runs, Run{
			RowStart:     row,
			NumRows:      take,
			PhysicalPage: t.BlockTable[b][pageIdx],
			InPageOffset: inPage,
		})

		row += take
	}

	return runs
}

// View returns a tensor.View over a single run's rows of a paged K/V
// buffer shaped (num_pages, page_size, Hk, D), addressed through this
// run's physical page and in-page offset, for one KV head.
func (r Run) View(pages *tensor.View, kvHead int) *tensor.View {
	page := pages.Slice(0, int64(r.PhysicalPage), 1)
	page = page.Slice(1, int64(r.InPageOffset), int64(r.NumRows))
	page = page.Slice(2, int64(kvHead), 1)
	// collapse the now-length-1 page and head axes for a clean (rows, D)
	// view the kernel can iterate the same way it iterates an unpaged
	// K/V tile.
	return &tensor.View{
		Shape:  []int64{page.Shape[1], page.Shape[3]},
		Stride: []int64{page.Stride[1], page.Stride[3]},
		Dtype:  page.Dtype,
		Data:   page.Data,
		Offset: page.Offset,
	}
}
