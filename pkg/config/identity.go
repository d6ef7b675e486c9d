package config

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/psantana5/sd-fleet/pkg/logging"
)

// evmAddressPattern matches a wallet address with an optional device suffix.
var evmAddressPattern = regexp.MustCompile(`^(0x[a-fA-F0-9]{40})(-[a-zA-Z0-9_]+)?$`)

// GPUUUIDFunc resolves a short GPU UUID segment for a device index.
type GPUUUIDFunc func(index int) (string, error)

// LoadWorkerIDs reads MINER_ID_<i> for every configured device and returns
// one immutable worker identity per device index. A bare wallet address gets
// a device-specific suffix derived from the GPU UUID so two devices sharing
// one wallet stay distinguishable to the scheduler. Missing entries are
// fatal; non-address identities are accepted with a warning.
func LoadWorkerIDs(numDevices int, lookup GPUUUIDFunc, log *logging.Logger) ([]string, error) {
	if lookup == nil {
		lookup = NvidiaGPUUUID
	}

	ids := make([]string, 0, numDevices)
	for i := 0; i < numDevices; i++ {
		raw := os.Getenv(fmt.Sprintf("MINER_ID_%d", i))
		if raw == "" {
			return nil, fmt.Errorf("MINER_ID_%d not found in environment", i)
		}

		match := evmAddressPattern.FindStringSubmatch(raw)
		if match == nil {
			log.Warningf("Miner ID %s for GPU %d is not a valid EVM address.", raw, i)
			ids = append(ids, raw)
			continue
		}

		if match[2] != "" {
			ids = append(ids, raw)
			continue
		}

		shortUUID, err := lookup(i)
		if err != nil {
			log.Warningf("Failed to retrieve GPU UUID for GPU %d. Using original miner ID.", i)
			ids = append(ids, raw)
			continue
		}
		ids = append(ids, match[1]+"-"+shortUUID)
	}

	return ids, nil
}

// WorkerIDForDevice picks the identity for a device index. With a single
// configured identity every device shares entry zero, matching how small
// fleets are provisioned.
func WorkerIDForDevice(ids []string, device int) (string, error) {
	if len(ids) > 1 && device < len(ids) && ids[device] != "" {
		return ids[device], nil
	}
	if len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return "", fmt.Errorf("no worker identity configured for device %d", device)
}

// NvidiaGPUUUID returns the first six characters of the device's GPU UUID
// as reported by nvidia-smi -L.
func NvidiaGPUUUID(index int) (string, error) {
	out, err := exec.Command("nvidia-smi", "-L").Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi -L failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if index >= len(lines) {
		return "", fmt.Errorf("no nvidia-smi entry for device %d", index)
	}

	// Lines look like: GPU 0: NVIDIA GeForce RTX 4090 (UUID: GPU-8c2f...-...)
	parts := strings.SplitN(lines[index], "GPU-", 2)
	if len(parts) < 2 {
		return "", fmt.Errorf("no UUID in nvidia-smi entry for device %d", index)
	}
	segment := strings.SplitN(parts[1], "-", 2)[0]
	if len(segment) > 6 {
		segment = segment[:6]
	}
	if segment == "" {
		return "", fmt.Errorf("empty UUID segment for device %d", index)
	}
	return segment, nil
}
