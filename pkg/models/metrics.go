package models

// DeviceStatus is the aggregator's view of a worker device.
type DeviceStatus string

const (
	DeviceIdle       DeviceStatus = "Idle"
	DeviceProcessing DeviceStatus = "Processing"
)

// DeviceRecord is rebuilt from scratch on every aggregation pass; it is
// never persisted or carried across runs.
type DeviceRecord struct {
	ID               int
	Name             string
	Status           DeviceStatus
	JobID            string
	ModelID          string
	TotalTime        float64
	RequestLatency   float64
	LoadingLatency   float64
	InferenceLatency float64
	UploadLatency    float64
	SubmitLatency    float64
}

// RunMetrics covers activity since the most recent run marker in the log.
type RunMetrics struct {
	GPUUsage     []float64 `json:"gpu_usage"`
	NumJobs      int       `json:"num_jobs"`
	SuccessJobs  int       `json:"success_jobs"`
	FailedJobs   int       `json:"failed_jobs"`
	AvgLatency   float64   `json:"avg_latency"`
	JobsInFlight int       `json:"jobs_in_flight"`
}
