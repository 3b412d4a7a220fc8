package engine

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultParallelism is the number of physical cores, falling back to the logical CPU count
// when the processor does not report topology.
func DefaultParallelism() int {
	n := cpuid.CPU.PhysicalCores
	if n < 1 {
		n = runtime.NumCPU()
	}
	return min(n, runtime.GOMAXPROCS(0))
}
