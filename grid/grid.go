// Package grid dispatches the compute-block grid §4.1/§4.2/§4.3 describe.
// A real device schedules thousands of independent cooperating thread
// groups; this module's Go stand-in is one goroutine per block, launched
// through an errgroup so the first block-level failure (there should
// never be one in a purely computational kernel, but host precondition
// violations surface the same way) cancels the rest and is reported once.
//
// This is the concrete analogue of ml.Scheduler: where the teacher lets a
// Backend implement Schedule() to place compute on its own terms, this
// module *is* the scheduler, and Launch is its entire policy.
package grid

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Dim3 is a 3-dimensional grid or block index, matching the
// (num_q_tiles, B, Hq) / (num_q_tiles, num_splits, B*Hq) grids of §4.1/4.2.
type Dim3 struct {
	X, Y, Z int
}

// MaxConcurrency bounds how many block goroutines run at once. A real GPU
// has thousands of physical lanes; bounding this keeps the simulation from
// spawning an unreasonable number of goroutines for large grids while
// still exercising genuine concurrency and the errgroup cancellation path.
var MaxConcurrency = 256

// Launch runs fn once per block in a (dims.X, dims.Y, dims.Z) grid,
// concurrently, and returns the first error any block reported (if any),
// with all other in-flight blocks given the chance to observe ctx
// cancellation. Blocks do not communicate; per §5, "Blocks are
// independent and communicate only via global memory."
func Launch(ctx context.Context, dims Dim3, fn func(ctx context.Context, idx Dim3) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrency)

	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				idx := Dim3{X: x, Y: y, Z: z}
				g.Go(func() error {
					return fn(gctx, idx)
				})
			}
		}
	}

	return g.Wait()
}

// ChooseSplits picks a split count for the K/V sequence, the host-side
// occupancy heuristic §4.2/§9 describe: more splits when the batch*head
// grid alone would leave compute units idle relative to how long the K/V
// traversal for a single split would take. This module does not know the
// real device's SM count, so it takes it as a parameter rather than
// querying hardware, matching §1's scoping of device discovery out.
func ChooseSplits(numSMs, batchHeadBlocks, seqlenK, blockN int) int {
	if numSMs <= 0 || batchHeadBlocks <= 0 || blockN <= 0 {
		return 1
	}

	tilesPerSeq := (seqlenK + blockN - 1) / blockN
	if tilesPerSeq <= 1 {
		return 1
	}

	occupancyRatio := numSMs / batchHeadBlocks
	if occupancyRatio < 1 {
		occupancyRatio = 1
	}

	splits := occupancyRatio
	if splits > tilesPerSeq {
		splits = tilesPerSeq
	}
	if splits < 1 {
		splits = 1
	}
	return splits
}
