package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/miner"
	"github.com/psantana5/sd-fleet/pkg/models"
)

// Client drives the local inference sidecar that owns model memory and
// result submission. It is the fleet's boundary to everything the control
// loop treats as external: load/run/unload and uploading results with the
// job's temp credentials.
type Client struct {
	baseURL    string
	minerID    string
	device     int
	registry   *miner.Registry
	modelType  func(modelID string) string // "base" or "lora"
	defaultID  func() string
	log        *logging.Logger
	httpClient *http.Client
}

// New creates a sidecar client for one device. modelType and defaultID are
// typically backed by the model manifest.
func New(baseURL, minerID string, device int, registry *miner.Registry,
	modelType func(string) string, defaultID func() string, log *logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		minerID:    minerID,
		device:     device,
		registry:   registry,
		modelType:  modelType,
		defaultID:  defaultID,
		log:        log,
		httpClient: &http.Client{
			// Model loads and generation runs are long operations.
			Timeout: 10 * time.Minute,
		},
	}
}

// LoadDefault loads the manifest's default model before the loop starts.
func (c *Client) LoadDefault(ctx context.Context) error {
	id := c.defaultID()
	if id == "" {
		return fmt.Errorf("no local model available to load")
	}
	return c.Reload(ctx, id)
}

// Reload swaps the active artifact on the device and updates the registry
// only after the sidecar confirms.
func (c *Client) Reload(ctx context.Context, modelID string) error {
	payload := map[string]interface{}{
		"model_id": modelID,
		"device":   c.device,
	}
	if err := c.post(ctx, "/load_model", payload, nil); err != nil {
		return fmt.Errorf("failed to load model %s: %w", modelID, err)
	}

	if c.modelType != nil && c.modelType(modelID) == "lora" {
		c.registry.MarkAdapterLoaded(modelID)
	} else {
		c.registry.MarkModelLoaded(modelID)
	}
	return nil
}

// phaseTimings is what the sidecar reports back per job.
type phaseTimings struct {
	Loading   float64 `json:"loading_s"`
	Inference float64 `json:"inference_s"`
	Upload    float64 `json:"upload_s"`
	Submit    float64 `json:"submit_s"`
}

// Execute runs the job on the sidecar, which also uploads and submits the
// result using the job's temp credentials. The completion and latency log
// lines written here are what the aggregator reads back.
func (c *Client) Execute(ctx context.Context, job *models.Job, requestLatency time.Duration, startedAt time.Time) error {
	payload := map[string]interface{}{
		"miner_id": c.minerID,
		"device":   c.device,
		"job":      json.RawMessage(job.Raw),
	}

	var timings phaseTimings
	if err := c.post(ctx, "/generate", payload, &timings); err != nil {
		return fmt.Errorf("generation for job %s failed: %w", job.JobID, err)
	}

	total := time.Since(startedAt).Seconds()
	c.log.Infof("Request ID %s completed. Total time: %.2f s", job.JobID, total)
	c.log.Infof("Latencies - Request: %.2f s, Loading: %.2f s, Inference: %.2f s, Upload: %.2f s, Submit: %.2f s",
		requestLatency.Seconds(), timings.Loading, timings.Inference, timings.Upload, timings.Submit)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sidecar %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode sidecar response: %w", err)
		}
	}
	return nil
}
