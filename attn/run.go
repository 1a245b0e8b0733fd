package attn

import (
	"context"

	"github.com/Xuweijia-buaa/flash-attention/flashconfig"
	"github.com/Xuweijia-buaa/flash-attention/grid"
)

// Run is the host-side entry point §7 describes: pick AttnKernelDense or
// AttnKernelSplit+CombineKernel for this call, applying the environment
// overrides in flashconfig, then dispatch.
//
// FLASHATTN_FORCE_KERNEL pins the choice for testing/benchmarking;
// otherwise grid.ChooseSplits decides, mirroring the host heuristic
// named in §4.2/§9 ("split only when it would otherwise leave SMs
// idle").
func Run(ctx context.Context, p *Params) error {
	grid.MaxConcurrency = flashconfig.MaxConcurrency

	switch flashconfig.ForceKernel {
	case "dense":
		return Dense(ctx, p)
	case "split":
		return runSplit(ctx, p)
	}

	batchHeadBlocks := p.B * p.H
	splits := grid.ChooseSplits(flashconfig.NumSMs, batchHeadBlocks, p.SeqlenK, p.BlockN)
	if splits <= 1 {
		return Dense(ctx, p)
	}

	p.NumSplits = splits
	return runSplit(ctx, p)
}

func runSplit(ctx context.Context, p *Params) error {
	if p.NumSplits < 1 {
		p.NumSplits = 1
	}
	if err := Split(ctx, p); err != nil {
		return err
	}
	return Combine(ctx, p)
}
