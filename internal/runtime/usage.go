package runtime

import (
	goruntime "runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is the coarse process load reported next to a graph snapshot.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
}

// usageSampler derives CPU load from the difference between two samples, so
// the first call always reports 0%.
type usageSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
}

const (
	cpuSecondsMetric = "/cpu/classes/total:cpu-seconds"
	heapBytesMetric  = "/memory/classes/heap/objects:bytes"
)

func newUsageSampler() *usageSampler {
	return &usageSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}, {Name: heapBytesMetric}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (u *usageSampler) sample() ProcessUsage {
	if u == nil {
		return ProcessUsage{}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	metrics.Read(u.samples)
	now := time.Now()
	usage := ProcessUsage{Goroutines: goruntime.NumGoroutine()}

	if cpu := u.samples[0].Value; cpu.Kind() == metrics.KindFloat64 {
		seconds := cpu.Float64()
		if !u.lastAt.IsZero() {
			if wall := now.Sub(u.lastAt).Seconds(); wall > 0 && u.numCPU > 0 {
				usage.CPUPercent = (seconds - u.lastCPU) / wall / u.numCPU * 100
			}
		}
		u.lastCPU = seconds
	}
	if heap := u.samples[1].Value; heap.Kind() == metrics.KindUint64 {
		usage.HeapBytes = heap.Uint64()
	}
	u.lastAt = now
	return usage
}
