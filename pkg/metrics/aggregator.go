package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/models"
)

// RunMarker is the sentinel the supervisor writes at the start of every
// run. Lines before the most recent marker never leak into current metrics.
const RunMarker = "INFO - Starting new run"

// ErrNoRunMarker distinguishes "marker never written" from a run with zero
// activity; callers must not conflate the two.
var ErrNoRunMarker = errors.New("no run marker found in log")

var (
	devicePattern    = regexp.MustCompile(`INFO - Device (\d+): (.+)`)
	acceptPattern    = regexp.MustCompile(`INFO - Processing Request ID: (.+)\. Model ID: (.+)\.`)
	completedPattern = regexp.MustCompile(`INFO - Request ID (.+) completed\. Total time: ([\d.]+) s`)
	latencyPattern   = regexp.MustCompile(`INFO - Latencies - Request: ([\d.]+) s, Loading: ([\d.]+) s, Inference: ([\d.]+) s, Upload: ([\d.]+) s, Submit: ([\d.]+) s`)

	// Workers log under the name miner-<idx>, which is how job activity is
	// attributed back to a device record.
	minerNamePattern = regexp.MustCompile(` - miner-(\d+) - `)
)

// Aggregator tails the shared run log and rebuilds per-device state and
// aggregate counters from scratch on every pass. GPU utilization comes from
// the telemetry collaborator at aggregation time, not from the log.
type Aggregator struct {
	logPath   string
	telemetry hardware.Telemetry

	devices map[int]models.DeviceRecord
}

// NewAggregator creates an aggregator over logPath. telemetry may be nil;
// GPU usage is then omitted.
func NewAggregator(logPath string, telemetry hardware.Telemetry) *Aggregator {
	return &Aggregator{
		logPath:   logPath,
		telemetry: telemetry,
	}
}

// Devices returns the per-device records from the most recent pass.
func (a *Aggregator) Devices() map[int]models.DeviceRecord {
	return a.devices
}

// Aggregate scans the log segment after the most recent run marker and
// returns metrics for the current run.
func (a *Aggregator) Aggregate() (models.RunMetrics, error) {
	lines, err := a.readLines()
	if err != nil {
		return models.RunMetrics{}, err
	}

	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(lines[i], RunMarker) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return models.RunMetrics{}, fmt.Errorf("%w: %s", ErrNoRunMarker, a.logPath)
	}

	a.devices = make(map[int]models.DeviceRecord)
	metrics := models.RunMetrics{}
	var samples []float64

	for _, line := range lines[start:] {
		device := deviceOf(line)

		if m := devicePattern.FindStringSubmatch(line); m != nil {
			id, err := strconv.Atoi(m[1])
			if err == nil {
				// Later registrations win; re-registration is
				// idempotent.
				a.devices[id] = models.DeviceRecord{
					ID:     id,
					Name:   strings.TrimSpace(m[2]),
					Status: models.DeviceIdle,
				}
			}
		}

		if m := acceptPattern.FindStringSubmatch(line); m != nil {
			metrics.NumJobs++
			metrics.JobsInFlight++
			if rec, ok := a.devices[device]; ok {
				rec.Status = models.DeviceProcessing
				rec.JobID = strings.TrimSpace(m[1])
				rec.ModelID = strings.TrimSpace(m[2])
				a.devices[device] = rec
			}
		}

		if m := completedPattern.FindStringSubmatch(line); m != nil {
			metrics.SuccessJobs++
			metrics.JobsInFlight--
			if total, err := strconv.ParseFloat(m[2], 64); err == nil {
				samples = append(samples, total)
				if rec, ok := a.devices[device]; ok {
					rec.Status = models.DeviceIdle
					rec.TotalTime = total
					a.devices[device] = rec
				}
			}
		}

		if m := latencyPattern.FindStringSubmatch(line); m != nil {
			if rec, ok := a.devices[device]; ok {
				rec.RequestLatency = parsedSeconds(m[1])
				rec.LoadingLatency = parsedSeconds(m[2])
				rec.InferenceLatency = parsedSeconds(m[3])
				rec.UploadLatency = parsedSeconds(m[4])
				rec.SubmitLatency = parsedSeconds(m[5])
				a.devices[device] = rec
			}
		}

		// Any warning-severity entry counts as a failure. This
		// deliberately conflates warnings with failed jobs; the fleet
		// operators read it that way.
		if strings.Contains(line, "WARNING") {
			metrics.FailedJobs++
		}
	}

	if len(samples) > 0 {
		sum := 0.0
		for _, s := range samples {
			sum += s
		}
		metrics.AvgLatency = sum / float64(len(samples))
	}

	if a.telemetry != nil {
		if usage, err := a.telemetry.Utilization(); err == nil {
			metrics.GPUUsage = usage
		}
	}

	return metrics, nil
}

// deviceOf extracts the device index from a worker log line, -1 for records
// not written by a worker (supervisor, dashboard).
func deviceOf(line string) int {
	m := minerNamePattern.FindStringSubmatch(line)
	if m == nil {
		return -1
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return id
}

func parsedSeconds(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func (a *Aggregator) readLines() ([]string, error) {
	f, err := os.Open(a.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", a.logPath, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", a.logPath, err)
	}
	return lines, nil
}
