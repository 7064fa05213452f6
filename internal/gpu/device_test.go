package gpu

import (
	"os"
	"testing"
)

func TestDetectDevices_SimulatedOverride(t *testing.T) {
	t.Setenv("LLMRUND_SIMULATED_GPUS", "3")
	t.Setenv("LLMRUND_SIMULATED_GPU_MEMORY_MB", "8192")

	devices := DetectDevices()
	if len(devices) != 3 {
		t.Fatalf("expected 3 simulated devices, got %d", len(devices))
	}
	for i, d := range devices {
		if d.Index != i {
			t.Errorf("device %d: expected index %d, got %d", i, i, d.Index)
		}
		if d.Backend != BackendCuda {
			t.Errorf("device %d: expected cuda backend, got %v", i, d.Backend)
		}
		if d.TotalMemory != 8192*1024*1024 {
			t.Errorf("device %d: expected 8192MiB, got %d bytes", i, d.TotalMemory)
		}
		if !d.P2PCapable {
			t.Errorf("device %d: expected simulated devices to be P2P capable", i)
		}
	}
}

func TestDetectDevices_SimulatedDefaultMemory(t *testing.T) {
	t.Setenv("LLMRUND_SIMULATED_GPUS", "1")
	os.Unsetenv("LLMRUND_SIMULATED_GPU_MEMORY_MB")

	devices := DetectDevices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 simulated device, got %d", len(devices))
	}
	if devices[0].TotalMemory != 16384*1024*1024 {
		t.Errorf("expected default 16384MiB, got %d bytes", devices[0].TotalMemory)
	}
}

func TestDetectDevices_InvalidCountIgnored(t *testing.T) {
	t.Setenv("LLMRUND_SIMULATED_GPUS", "not-a-number")
	devices := simulatedDevices()
	if devices != nil {
		t.Errorf("expected nil for invalid simulated GPU count, got %v", devices)
	}
}

func TestP2PSupported(t *testing.T) {
	same := devicesOfSize(2, 16<<30)
	if !P2PSupported(same) {
		t.Error("expected P2P support across matching cuda devices")
	}

	mixed := []Device{
		{Backend: BackendCuda, Index: 0, P2PCapable: true},
		{Backend: BackendMetal, Index: 1, P2PCapable: true},
	}
	if P2PSupported(mixed) {
		t.Error("expected no P2P support across mixed backends")
	}

	if P2PSupported(nil) {
		t.Error("expected no P2P support for empty device list")
	}
}

func TestMemoryVariance(t *testing.T) {
	uniform := devicesOfSize(4, 16<<30)
	if v := MemoryVariance(uniform); v != 0 {
		t.Errorf("expected zero variance for uniform memory, got %v", v)
	}

	skewed := []Device{
		{TotalMemory: 8 << 30},
		{TotalMemory: 80 << 30},
	}
	if v := MemoryVariance(skewed); v <= 0.2 {
		t.Errorf("expected high variance for skewed memory, got %v", v)
	}

	if v := MemoryVariance(nil); v != 0 {
		t.Errorf("expected zero variance for empty device list, got %v", v)
	}
}
