package models

import "encoding/json"

// ModelTypeSD is the model family this fleet advertises to the scheduler.
const ModelTypeSD = "SD"

// JobRequest is the poll payload sent to the remote scheduler.
// Hardware and Version ride along only when the heartbeat interval elapsed.
type JobRequest struct {
	MinerID     string `json:"miner_id"`
	ModelID     string `json:"model_id"`
	MinDeadline int    `json:"min_deadline"`
	Hardware    string `json:"hardware,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Job is a unit of work handed out by the scheduler. Fields beyond the ones
// the control loop needs (prompt, dimensions, ...) are kept raw and handed
// to the executor untouched.
type Job struct {
	JobID           string          `json:"job_id"`
	ModelID         string          `json:"model_id"`
	TempCredentials json.RawMessage `json:"temp_credentials,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// SignalOptions narrows what the scheduler may assign on a reload signal.
type SignalOptions struct {
	ExcludeSDXL bool `json:"exclude_sdxl"`
}

// SignalRequest asks the scheduler whether this worker should switch models.
type SignalRequest struct {
	MinerID   string        `json:"miner_id"`
	ModelType string        `json:"model_type"`
	Version   string        `json:"version"`
	Options   SignalOptions `json:"options"`
}

// SignalResponse is the scheduler's answer to a reload signal.
type SignalResponse struct {
	ModelID string `json:"model_id"`
}
