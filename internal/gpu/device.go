// Package gpu implements the GPU/device table, the bounded memory
// pool, the multi-GPU partitioner, and the multi-GPU executor (spec.md
// §3, §4.3, §4.4, §4.5).
package gpu

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Backend identifies the accelerator kind a Device exposes.
type Backend string

const (
	BackendCuda  Backend = "cuda"
	BackendMetal Backend = "metal"
	BackendCPU   Backend = "cpu"
)

// Device is the GPU Device record from spec.md §3: immutable once
// detected, save for AvailableMemory which the pool updates.
type Device struct {
	Backend           Backend
	Index             int
	Name              string
	TotalMemory       int64
	AvailableMemory   int64
	ComputeCapability string
	P2PCapable        bool
}

// DetectDevices builds the device table for this host. On real
// hardware it adapts the teacher's system_profiler (Metal) and
// nvidia-smi (CUDA) probes; ROCm devices are not probed. Since this runtime has no network authority and is routinely
// deployed in sandboxes without passthrough accelerators, it falls
// back to a deterministic simulated device list controlled by
// LLMRUND_SIMULATED_GPUS / LLMRUND_SIMULATED_GPU_MEMORY_MB so the
// scheduler and partitioner have something real to exercise.
func DetectDevices() []Device {
	if devices := simulatedDevices(); devices != nil {
		return devices
	}

	if runtime.GOOS == "darwin" {
		if d, ok := detectMetal(); ok {
			return []Device{d}
		}
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "windows" {
		if devices, ok := detectCUDA(); ok {
			return devices
		}
	}

	return []Device{{
		Backend:         BackendCPU,
		Index:           0,
		Name:            "cpu",
		TotalMemory:     hostMemoryBytes(),
		AvailableMemory: hostMemoryBytes(),
		P2PCapable:      false,
	}}
}

func simulatedDevices() []Device {
	countStr := os.Getenv("LLMRUND_SIMULATED_GPUS")
	if countStr == "" {
		return nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil
	}

	memMB := int64(16384)
	if v := os.Getenv("LLMRUND_SIMULATED_GPU_MEMORY_MB"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			memMB = parsed
		}
	}
	memBytes := memMB * 1024 * 1024

	devices := make([]Device, count)
	for i := 0; i < count; i++ {
		devices[i] = Device{
			Backend:         BackendCuda,
			Index:           i,
			Name:            fmt.Sprintf("simulated-gpu-%d", i),
			TotalMemory:     memBytes,
			AvailableMemory: memBytes,
			P2PCapable:      true,
		}
	}
	return devices
}

func detectMetal() (Device, bool) {
	cmd := exec.Command("system_profiler", "SPDisplaysDataType")
	output, err := cmd.Output()
	if err != nil {
		return Device{}, false
	}
	text := string(output)
	if !strings.Contains(text, "Metal") {
		return Device{}, false
	}

	d := Device{Backend: BackendMetal, Index: 0, P2PCapable: false}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Chipset Model:") {
			d.Name = strings.TrimSpace(strings.TrimPrefix(line, "Chipset Model:"))
		}
	}
	if d.Name == "" {
		d.Name = "apple-gpu"
	}
	d.TotalMemory = hostMemoryBytes()
	d.AvailableMemory = d.TotalMemory
	return d, true
}

func detectCUDA() ([]Device, bool) {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, false
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	devices := make([]Device, 0, len(lines))
	for i, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		memMB, _ := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		memBytes := memMB * 1024 * 1024
		devices = append(devices, Device{
			Backend:         BackendCuda,
			Index:           i,
			Name:            name,
			TotalMemory:     memBytes,
			AvailableMemory: memBytes,
			P2PCapable:      true,
		})
	}
	if len(devices) == 0 {
		return nil, false
	}
	return devices, true
}

func hostMemoryBytes() int64 {
	// Conservative fallback; real hosts expose this via platform-specific
	// syscalls this runtime does not otherwise need.
	return 8 * 1024 * 1024 * 1024
}

// P2PSupported is true iff every device in the set shares a single
// backend kind, per spec.md §4.4.
func P2PSupported(devices []Device) bool {
	if len(devices) == 0 {
		return false
	}
	backend := devices[0].Backend
	for _, d := range devices {
		if d.Backend != backend {
			return false
		}
	}
	return true
}

// MemoryVariance returns stddev/mean of TotalMemory across devices, as
// spec.md §4.4 defines it.
func MemoryVariance(devices []Device) float64 {
	if len(devices) == 0 {
		return 0
	}
	var sum float64
	for _, d := range devices {
		sum += float64(d.TotalMemory)
	}
	mean := sum / float64(len(devices))
	if mean == 0 {
		return 0
	}

	var sumSquares float64
	for _, d := range devices {
		diff := float64(d.TotalMemory) - mean
		sumSquares += diff * diff
	}
	stddev := math.Sqrt(sumSquares / float64(len(devices)))
	return stddev / mean
}
