// Package runtime defines the explicit context object threaded through
// every grading-core call, replacing the global cache directories and
// dependency-cache singleton a naively ported implementation would reach
// for (§9 Design Notes: "Global state... Replace with an explicit Runtime
// context object").
package runtime

import (
	"os"
	"strconv"
	"time"
)

// Runtime bundles the ambient knobs every component needs: where the
// content store and dependency cache live on disk, whether to compress
// stored artifacts, the sandbox poll interval, and the output-limit
// scaling factor and idleness threshold spec.md §9 leaves as open knobs.
type Runtime struct {
	CacheDir string

	ShouldCompress      bool
	CompressionLevel    int
	CompressThresholdKB int64
	ShouldCheckIntegrity bool

	SandboxPollInterval time.Duration
	OutputLimitScale    float64 // §8 boundary behavior: truncate at output_limit * scale
	IdlenessWallSeconds float64 // §4.4 step 9: wall threshold before idleness is even considered
	IdlenessNoProgress  time.Duration // §4.4 step 9: CPU-progress-free window that triggers ILE

	SupervisionSlackMS int64 // §5: outer supervision timeout = wall-limit + this slack

	TimeMultiplier float64 // RBX_TIME_MULTIPLIER (§6)

	CacheVersion int // §4.2: build-time constant bumped when key semantics change
}

// Default returns a Runtime with the defaults spec.md documents as
// reasonable (§4.1 compression threshold/level, §4.4 idleness defaults,
// §9 output-limit scale, §5 supervision slack), overridden by the
// RBX_TIME_MULTIPLIER and RBX_CACHE_DIR environment variables (§6).
func Default() *Runtime {
	r := &Runtime{
		CacheDir:             firstNonEmpty(os.Getenv("RBX_CACHE_DIR"), "./.rbx-cache"),
		ShouldCompress:       true,
		CompressionLevel:     3,
		CompressThresholdKB:  32,
		ShouldCheckIntegrity: true,
		SandboxPollInterval:  40 * time.Millisecond,
		OutputLimitScale:     1.1,
		IdlenessWallSeconds:  5,
		IdlenessNoProgress:   2 * time.Second,
		SupervisionSlackMS:   5000,
		TimeMultiplier:       1.0,
		CacheVersion:         1,
	}
	if v := os.Getenv("RBX_TIME_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			r.TimeMultiplier = f
		}
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ScaleTimeMS applies the runtime's time multiplier to a limit in
// milliseconds (§6: "multiplies every effective time limit at the top of
// C7").
func (r *Runtime) ScaleTimeMS(ms int64) int64 {
	if r.TimeMultiplier <= 0 {
		return ms
	}
	return int64(float64(ms) * r.TimeMultiplier)
}
