package metrics

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/models"
)

type fakeTelemetry struct {
	usage []float64
	err   error
}

func (f fakeTelemetry) DeviceCount() (int, error)      { return len(f.usage), nil }
func (f fakeTelemetry) DeviceName(int) (string, error) { return "fake", nil }
func (f fakeTelemetry) Utilization() ([]float64, error) {
	return f.usage, f.err
}

func writeLog(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdfleet.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create log: %v", err)
	}
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("Failed to write log: %v", err)
		}
	}
	f.Close()
	return path
}

const stamp = "2024-05-01 12:00:00"

// TestAggregateCurrentRun tests a full scenario: marker, device
// registration, one accepted and completed job
func TestAggregateCurrentRun(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - INFO - Device 0: NVIDIA GeForce RTX 4090",
		stamp + " - miner-0 - INFO - Processing Request ID: job-1. Model ID: sd-v1.5.",
		stamp + " - miner-0 - INFO - Request ID job-1 completed. Total time: 3.20 s",
	})

	agg := NewAggregator(path, fakeTelemetry{usage: []float64{87}})
	run, err := agg.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if run.NumJobs != 1 || run.SuccessJobs != 1 || run.FailedJobs != 0 {
		t.Errorf("Expected 1/1/0 jobs, got %d/%d/%d", run.NumJobs, run.SuccessJobs, run.FailedJobs)
	}
	if run.JobsInFlight != 0 {
		t.Errorf("Expected no jobs in flight, got %d", run.JobsInFlight)
	}
	if math.Abs(run.AvgLatency-3.20) > 0.001 {
		t.Errorf("Expected avg latency 3.20, got %f", run.AvgLatency)
	}
	if len(run.GPUUsage) != 1 || run.GPUUsage[0] != 87 {
		t.Errorf("Expected GPU usage [87], got %v", run.GPUUsage)
	}

	devices := agg.Devices()
	if len(devices) != 1 {
		t.Fatalf("Expected one device, got %v", devices)
	}
	if devices[0].Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("Expected device name parsed, got %q", devices[0].Name)
	}
}

// TestAggregateOnlyAfterLatestMarker tests that an earlier run's activity
// never leaks into the current run's metrics
func TestAggregateOnlyAfterLatestMarker(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - INFO - Processing Request ID: old-1. Model ID: sd-v1.5.",
		stamp + " - miner-0 - INFO - Request ID old-1 completed. Total time: 9.00 s",
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - INFO - Processing Request ID: new-1. Model ID: sd-v1.5.",
	})

	run, err := NewAggregator(path, nil).Aggregate()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if run.NumJobs != 1 {
		t.Errorf("Expected only the current run's job, got %d", run.NumJobs)
	}
	if run.SuccessJobs != 0 {
		t.Errorf("Expected no completions after the latest marker, got %d", run.SuccessJobs)
	}
	if run.JobsInFlight != 1 {
		t.Errorf("Expected the accepted job in flight, got %d", run.JobsInFlight)
	}
}

// TestAggregateWarningsCountAsFailures tests that every warning-severity
// record increments the failed counter
func TestAggregateWarningsCountAsFailures(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - WARNING - Job request failed (connect): connection refused",
		stamp + " - miner-1 - WARNING - disk almost full",
	})

	run, err := NewAggregator(path, nil).Aggregate()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if run.FailedJobs != 2 {
		t.Errorf("Expected 2 failures, got %d", run.FailedJobs)
	}
}

// TestAggregateZeroCompletions tests that the average is 0, not NaN, when
// nothing completed
func TestAggregateZeroCompletions(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
	})

	run, err := NewAggregator(path, nil).Aggregate()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if run.AvgLatency != 0 {
		t.Errorf("Expected zero average latency, got %f", run.AvgLatency)
	}
}

// TestAggregateMissingMarker tests that an un-markered log is a distinct
// error, not an empty result
func TestAggregateMissingMarker(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - miner-0 - INFO - Processing Request ID: job-1. Model ID: sd-v1.5.",
	})

	_, err := NewAggregator(path, nil).Aggregate()
	if !errors.Is(err, ErrNoRunMarker) {
		t.Fatalf("Expected ErrNoRunMarker, got %v", err)
	}
}

// TestAggregateDeviceReRegistration tests that re-registering a device
// replaces its record instead of duplicating it
func TestAggregateDeviceReRegistration(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - INFO - Device 0: NVIDIA GeForce RTX 3090",
		stamp + " - miner-0 - INFO - Device 0: NVIDIA GeForce RTX 4090",
	})

	agg := NewAggregator(path, nil)
	if _, err := agg.Aggregate(); err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	devices := agg.Devices()
	if len(devices) != 1 {
		t.Fatalf("Expected one device, got %d", len(devices))
	}
	if devices[0].Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("Expected the later registration to win, got %q", devices[0].Name)
	}
}

// TestAggregateDeviceRecordsTrackJobs tests that job state, completion time
// and per-phase latencies are attributed to the device whose worker wrote
// the record
func TestAggregateDeviceRecordsTrackJobs(t *testing.T) {
	path := writeLog(t, []string{
		stamp + " - supervisor - INFO - Starting new run",
		stamp + " - miner-0 - INFO - Device 0: NVIDIA GeForce RTX 4090",
		stamp + " - miner-1 - INFO - Device 1: NVIDIA GeForce RTX 3090",
		stamp + " - miner-0 - INFO - Processing Request ID: job-1. Model ID: sd-v1.5.",
		stamp + " - miner-0 - INFO - Request ID job-1 completed. Total time: 3.20 s",
		stamp + " - miner-0 - INFO - Latencies - Request: 0.25 s, Loading: 0.50 s, Inference: 2.00 s, Upload: 0.30 s, Submit: 0.10 s",
		stamp + " - miner-1 - INFO - Processing Request ID: job-2. Model ID: sd-xl.",
	})

	agg := NewAggregator(path, nil)
	if _, err := agg.Aggregate(); err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	devices := agg.Devices()
	if len(devices) != 2 {
		t.Fatalf("Expected two devices, got %v", devices)
	}

	dev0 := devices[0]
	if dev0.Status != models.DeviceIdle {
		t.Errorf("Expected device 0 idle after completion, got %q", dev0.Status)
	}
	if dev0.JobID != "job-1" || dev0.ModelID != "sd-v1.5" {
		t.Errorf("Expected job-1/sd-v1.5 on device 0, got %q/%q", dev0.JobID, dev0.ModelID)
	}
	if math.Abs(dev0.TotalTime-3.20) > 0.001 {
		t.Errorf("Expected total time 3.20, got %f", dev0.TotalTime)
	}
	if math.Abs(dev0.RequestLatency-0.25) > 0.001 ||
		math.Abs(dev0.LoadingLatency-0.50) > 0.001 ||
		math.Abs(dev0.InferenceLatency-2.00) > 0.001 ||
		math.Abs(dev0.UploadLatency-0.30) > 0.001 ||
		math.Abs(dev0.SubmitLatency-0.10) > 0.001 {
		t.Errorf("Unexpected per-phase latencies: %+v", dev0)
	}

	dev1 := devices[1]
	if dev1.Status != models.DeviceProcessing {
		t.Errorf("Expected device 1 processing, got %q", dev1.Status)
	}
	if dev1.JobID != "job-2" {
		t.Errorf("Expected job-2 in flight on device 1, got %q", dev1.JobID)
	}
	if dev1.TotalTime != 0 {
		t.Errorf("Expected no completion time on device 1, got %f", dev1.TotalTime)
	}
}

// TestAggregateParsesLoggerOutput tests the format contract between the
// logging package and the aggregator's patterns
func TestAggregateParsesLoggerOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdfleet.log")

	sup, err := logging.NewFileLogger("supervisor", path, logging.INFO)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	sup.Infof("Starting new run")

	miner, err := logging.NewFileLogger("miner-0", path, logging.INFO)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	miner.Infof("Device %d: %s", 0, "NVIDIA GeForce RTX 4090")
	miner.Infof("Processing Request ID: %s. Model ID: %s.", "job-1", "sd-v1.5")
	miner.Infof("Request ID %s completed. Total time: %.2f s", "job-1", 2.5)
	miner.Warningf("Job request failed (%s): %v", "timeout", errors.New("deadline exceeded"))

	sup.Close()
	miner.Close()

	run, err := NewAggregator(path, nil).Aggregate()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if run.NumJobs != 1 || run.SuccessJobs != 1 || run.FailedJobs != 1 {
		t.Errorf("Expected 1/1/1 jobs, got %d/%d/%d", run.NumJobs, run.SuccessJobs, run.FailedJobs)
	}
	if math.Abs(run.AvgLatency-2.5) > 0.001 {
		t.Errorf("Expected avg latency 2.50, got %f", run.AvgLatency)
	}
}
