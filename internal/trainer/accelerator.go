package trainer

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// Accelerator names accepted by Options.Accelerator.
const (
	AcceleratorAuto = "auto"
	AcceleratorCPU  = "cpu"
)

// Device describes the hardware the trainer runs on.
type Device struct {
	Kind          string
	Brand         string
	PhysicalCores int
	LogicalCores  int
	X64Level      int
	AVX2          bool
	AVX512        bool
}

// resolveAccelerator maps the requested accelerator onto a device. Only
// the CPU is available, so "auto" always resolves to it.
func resolveAccelerator(name string) (Device, error) {
	switch name {
	case "", AcceleratorAuto, AcceleratorCPU:
	default:
		return Device{}, fmt.Errorf("trainer: unsupported accelerator %q", name)
	}
	d := Device{
		Kind:          AcceleratorCPU,
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		X64Level:      cpuid.CPU.X64Level(),
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if d.LogicalCores == 0 {
		d.LogicalCores = runtime.NumCPU()
	}
	return d, nil
}

func (d Device) log() {
	klog.Infof("accelerator=%s brand=%q physical_cores=%d logical_cores=%d x64_level=%d avx2=%t avx512=%t",
		d.Kind, d.Brand, d.PhysicalCores, d.LogicalCores, d.X64Level, d.AVX2, d.AVX512)
}
