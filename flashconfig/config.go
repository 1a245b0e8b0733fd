// Package flashconfig holds the environment-driven tunables that govern
// how the kernels in attn/ and the scheduling in grid/ behave, the same
// role envconfig plays for the rest of the teacher's runtime: package
// vars populated once at process start from OS environment variables,
// with invalid numeric values logged and ignored rather than treated as
// fatal.
package flashconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Debug is set via FLASHATTN_DEBUG; a non-empty value that does not
	// parse as a bool turns it on. It is reported by AsMap/Values; the
	// kernels in attn/ do not read it and do not log.
	Debug bool

	// MaxConcurrency bounds how many compute-block goroutines grid.Launch
	// runs at once, set via FLASHATTN_MAX_CONCURRENCY. Defaults to
	// grid.MaxConcurrency's built-in value when unset or invalid.
	MaxConcurrency int

	// NumSMs is the simulated streaming-multiprocessor count grid.ChooseSplits
	// uses for its occupancy heuristic, set via FLASHATTN_NUM_SMS.
	NumSMs int

	// DefaultBlockM/DefaultBlockN are default tile dimensions, set via
	// FLASHATTN_BLOCK_M/FLASHATTN_BLOCK_N and reported by AsMap/Values.
	// attn.Params does not fall back to them: its BlockM/BlockN must be
	// set by the caller.
	DefaultBlockM int
	DefaultBlockN int

	// ForceKernel, when non-empty, overrides automatic split selection:
	// "dense" always runs AttnKernelDense, "split" always runs
	// AttnKernelSplit+CombineKernel. Set via FLASHATTN_FORCE_KERNEL.
	ForceKernel string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FLASHATTN_DEBUG":           {"FLASHATTN_DEBUG", Debug, "Log per-block kernel activity"},
		"FLASHATTN_MAX_CONCURRENCY": {"FLASHATTN_MAX_CONCURRENCY", MaxConcurrency, "Maximum concurrent compute-block goroutines"},
		"FLASHATTN_NUM_SMS":         {"FLASHATTN_NUM_SMS", NumSMs, "Simulated SM count for the split-count occupancy heuristic"},
		"FLASHATTN_BLOCK_M":         {"FLASHATTN_BLOCK_M", DefaultBlockM, "Default query tile height (Br)"},
		"FLASHATTN_BLOCK_N":         {"FLASHATTN_BLOCK_N", DefaultBlockN, "Default key/value tile width (Bc)"},
		"FLASHATTN_FORCE_KERNEL":    {"FLASHATTN_FORCE_KERNEL", ForceKernel, "Force \"dense\" or \"split\" kernel selection, bypassing the heuristic"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = strOf(v.Value)
	}
	return vals
}

func strOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	MaxConcurrency = 256
	NumSMs = 0
	DefaultBlockM = 128
	DefaultBlockN = 128

	LoadConfig()
}

// LoadConfig re-reads every FLASHATTN_* environment variable. It is
// exported, like the teacher's envconfig.LoadConfig, so callers (tests,
// or a long-running process that wants to pick up a changed environment)
// can re-trigger it without a process restart.
func LoadConfig() {
	if debug := clean("FLASHATTN_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if mc := clean("FLASHATTN_MAX_CONCURRENCY"); mc != "" {
		if v, err := strconv.Atoi(mc); err == nil && v > 0 {
			MaxConcurrency = v
		} else {
			slog.Error("invalid setting, ignoring", "FLASHATTN_MAX_CONCURRENCY", mc, "error", err)
		}
	}

	if sm := clean("FLASHATTN_NUM_SMS"); sm != "" {
		if v, err := strconv.Atoi(sm); err == nil && v >= 0 {
			NumSMs = v
		} else {
			slog.Error("invalid setting, ignoring", "FLASHATTN_NUM_SMS", sm, "error", err)
		}
	}

	if bm := clean("FLASHATTN_BLOCK_M"); bm != "" {
		if v, err := strconv.Atoi(bm); err == nil && v > 0 {
			DefaultBlockM = v
		} else {
			slog.Error("invalid setting, ignoring", "FLASHATTN_BLOCK_M", bm, "error", err)
		}
	}

	if bn := clean("FLASHATTN_BLOCK_N"); bn != "" {
		if v, err := strconv.Atoi(bn); err == nil && v > 0 {
			DefaultBlockN = v
		} else {
			slog.Error("invalid setting, ignoring", "FLASHATTN_BLOCK_N", bn, "error", err)
		}
	}

	ForceKernel = clean("FLASHATTN_FORCE_KERNEL")
}
