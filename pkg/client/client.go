package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/sd-fleet/pkg/models"
)

// warningIndicator marks server-side advisory text embedded in a response
// body. Jobs may still be present alongside a warning.
const warningIndicator = "Warning:"

// ErrorKind classifies transport failures. They are never fatal to the
// worker; the loop treats them as "no job" while metrics count them.
type ErrorKind string

const (
	ErrKindConnect ErrorKind = "connect"
	ErrKindTimeout ErrorKind = "timeout"
	ErrKindStatus  ErrorKind = "status"
	ErrKindDecode  ErrorKind = "decode"
)

// JobOutcome is the normalized result of one job poll. Exactly one of
// Job/Err is meaningful for control flow; Warning may accompany either.
// Latency is the wall-clock round trip of this specific request.
type JobOutcome struct {
	Job     *models.Job
	Warning string
	Err     error
	ErrKind ErrorKind
	Latency time.Duration
}

// SignalOutcome is the normalized result of one reload-signal call.
type SignalOutcome struct {
	ModelID  string
	Assigned bool
	Err      error
	Latency  time.Duration
}

// Client talks to the remote scheduler. It never retains responses beyond
// one call and surfaces every failure as a typed outcome.
type Client struct {
	baseURL    string
	signalURL  string
	version    string
	httpClient *http.Client
}

// New creates a scheduler client. URLs are the scheduler bases without
// trailing slashes.
func New(baseURL, signalURL, version string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		signalURL: strings.TrimRight(signalURL, "/"),
		version:   version,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RequestJob polls the scheduler for work. hardware is attached verbatim
// when non-empty (the heartbeat policy decides that); the version rides
// along with it.
func (c *Client) RequestJob(ctx context.Context, minerID, modelID string, minDeadline int, hardware string) JobOutcome {
	reqBody := models.JobRequest{
		MinerID:     minerID,
		ModelID:     modelID,
		MinDeadline: minDeadline,
	}
	if hardware != "" {
		reqBody.Hardware = hardware
		reqBody.Version = c.version
	}

	body, latency, err := c.post(ctx, c.baseURL+"/miner_request", reqBody)
	if err != nil {
		return JobOutcome{Err: err, ErrKind: classify(err), Latency: latency}
	}

	outcome := JobOutcome{Latency: latency}

	text := string(body)
	if idx := strings.Index(text, warningIndicator); idx >= 0 {
		warning := strings.TrimSpace(text[idx+len(warningIndicator):])
		outcome.Warning = strings.Trim(warning, `"`)
	}

	job := decodeJob(body)
	if job == nil || job.JobID == "" {
		return outcome // NoJob (possibly with a warning attached)
	}

	job.Raw = body
	outcome.Job = job
	return outcome
}

// RequestReloadSignal asks the scheduler whether this worker should switch
// its loaded model. Only a 200 response with a parsable body counts as an
// assignment.
func (c *Client) RequestReloadSignal(ctx context.Context, minerID string, excludeSDXL bool) SignalOutcome {
	reqBody := models.SignalRequest{
		MinerID:   minerID,
		ModelType: models.ModelTypeSD,
		Version:   c.version,
		Options:   models.SignalOptions{ExcludeSDXL: excludeSDXL},
	}

	body, latency, err := c.post(ctx, c.signalURL+"/miner_signal", reqBody)
	if err != nil {
		return SignalOutcome{Err: err, Latency: latency}
	}

	var signal models.SignalResponse
	if err := json.Unmarshal(body, &signal); err != nil {
		return SignalOutcome{
			Err:     fmt.Errorf("failed to decode signal response: %w", err),
			Latency: latency,
		}
	}

	return SignalOutcome{
		ModelID:  signal.ModelID,
		Assigned: signal.ModelID != "",
		Latency:  latency,
	}
}

// post sends a JSON body and returns the raw response. The measured latency
// is returned even on failure so it stays attributable to this request.
func (c *Client) post(ctx context.Context, url string, payload interface{}) ([]byte, time.Duration, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, latency, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, latency, fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, latency, nil
}

// decodeJob tolerates bodies that are empty, "null", or prefixed with
// advisory text; anything without a job payload decodes to nil.
func decodeJob(body []byte) *models.Job {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var job models.Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil
	}
	return &job
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case strings.Contains(err.Error(), "Client.Timeout"):
		return ErrKindTimeout
	case strings.Contains(err.Error(), "returned status"):
		return ErrKindStatus
	case strings.Contains(err.Error(), "decode"):
		return ErrKindDecode
	default:
		return ErrKindConnect
	}
}
