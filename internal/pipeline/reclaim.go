package pipeline

import (
	"runtime"
	"runtime/debug"

	"github.com/stokedbloke/giggles-cli-sub001/internal/monitoring"
)

// reclaimer forces a garbage pass at chunk and run boundaries. This is
// a design requirement, not an optimisation: per-chunk inference peaks
// are an order of magnitude above steady state, and the sequential
// pipeline plus these checkpoints bound the working set to roughly one
// chunk's buffers no matter how many chunks or users a run covers.
type reclaimer struct{}

// Checkpoint releases dead buffers back to the OS and logs the heap
// delta on the diagnostic logger.
func (r *reclaimer) Checkpoint(label string) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	runtime.GC()
	debug.FreeOSMemory()

	runtime.ReadMemStats(&after)
	monitoring.Logf("memory reclaim (%s): heap in use %.1f MiB -> %.1f MiB",
		label, mib(before.HeapInuse), mib(after.HeapInuse))
}

func mib(b uint64) float64 {
	return float64(b) / (1 << 20)
}
