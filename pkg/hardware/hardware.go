package hardware

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Telemetry reports on the physical compute devices. The aggregator reads
// utilization through it at aggregation time rather than from the log.
type Telemetry interface {
	DeviceCount() (int, error)
	DeviceName(index int) (string, error)
	Utilization() ([]float64, error)
}

// NvidiaTelemetry queries devices through nvidia-smi, the same probe the
// rest of the fleet uses for GPU inventory.
type NvidiaTelemetry struct{}

// DeviceCount returns the number of physical GPUs.
func (NvidiaTelemetry) DeviceCount() (int, error) {
	names, err := queryGPUs("name")
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// DeviceName returns the product name of a device.
func (NvidiaTelemetry) DeviceName(index int) (string, error) {
	names, err := queryGPUs("name")
	if err != nil {
		return "", err
	}
	if index >= len(names) {
		return "", fmt.Errorf("no GPU at index %d (detected %d)", index, len(names))
	}
	return names[index], nil
}

// Utilization returns current GPU utilization per device, in percent.
func (NvidiaTelemetry) Utilization() ([]float64, error) {
	values, err := queryGPUs("utilization.gpu")
	if err != nil {
		return nil, err
	}

	usage := make([]float64, 0, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			f = 0
		}
		usage = append(usage, f)
	}
	return usage, nil
}

func queryGPUs(field string) ([]string, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu="+field, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query nvidia-smi: %w", err)
	}

	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, nil
	}

	lines := strings.Split(raw, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines, nil
}

// Preflight verifies the execution environment can drive the GPUs at all.
// Fatal at startup when it fails.
func Preflight() error {
	if err := exec.Command("nvidia-smi", "-L").Run(); err != nil {
		return fmt.Errorf("nvidia-smi not usable, cannot drive GPUs: %w", err)
	}
	return nil
}

// Description builds the hardware string attached to heartbeat requests.
func Description(telemetry Telemetry, device int) string {
	cpuModel := "Unknown CPU"
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		cpuModel = infos[0].ModelName
	}

	ramGB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		ramGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	gpuName := "Unknown GPU"
	if telemetry != nil {
		if name, err := telemetry.DeviceName(device); err == nil {
			gpuName = name
		}
	}

	return fmt.Sprintf("%s|%.0fGB|%s", cpuModel, ramGB, gpuName)
}
