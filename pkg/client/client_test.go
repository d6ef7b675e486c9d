package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psantana5/sd-fleet/pkg/models"
)

func newTestClient(jobURL, signalURL string) *Client {
	return New(jobURL, signalURL, "sd-v1.3.1")
}

// TestRequestJobReturnsJob tests the happy path: a job body decodes into a
// job outcome with its raw payload preserved
func TestRequestJobReturnsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/miner_request" {
			t.Errorf("Expected /miner_request, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"job_id":"job-1","model_id":"sd-v1.5"}`))
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
	if outcome.Err != nil {
		t.Fatalf("Unexpected error: %v", outcome.Err)
	}
	if outcome.Job == nil || outcome.Job.JobID != "job-1" {
		t.Fatalf("Expected job-1, got %+v", outcome.Job)
	}
	if len(outcome.Job.Raw) == 0 {
		t.Error("Expected raw payload preserved on the job")
	}
	if outcome.Latency <= 0 {
		t.Error("Expected a measured latency")
	}
}

// TestRequestJobHardwareAttachment tests that hardware and version ride
// along only when the caller attaches hardware
func TestRequestJobHardwareAttachment(t *testing.T) {
	var got models.JobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte("null"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)

	c.RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "cpu|64GB|RTX4090")
	if got.Hardware != "cpu|64GB|RTX4090" {
		t.Errorf("Expected hardware attached, got %q", got.Hardware)
	}
	if got.Version != "sd-v1.3.1" {
		t.Errorf("Expected version to ride along with hardware, got %q", got.Version)
	}

	got = models.JobRequest{}
	c.RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
	if got.Hardware != "" || got.Version != "" {
		t.Errorf("Expected no hardware or version without a heartbeat, got %q / %q", got.Hardware, got.Version)
	}
}

// TestRequestJobNoJobBodies tests that empty and "null" bodies mean NoJob,
// not an error
func TestRequestJobNoJobBodies(t *testing.T) {
	for _, body := range []string{"", "null", "  null  ", "{}"} {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))

		outcome := newTestClient(srv.URL, srv.URL).RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
		srv.Close()

		if outcome.Err != nil {
			t.Errorf("Body %q: expected no error, got %v", body, outcome.Err)
		}
		if outcome.Job != nil {
			t.Errorf("Body %q: expected no job, got %+v", body, outcome.Job)
		}
	}
}

// TestRequestJobWarningExtraction tests that advisory text after the
// warning indicator is surfaced without surrounding quotes
func TestRequestJobWarningExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"Warning: disk almost full"`))
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
	if outcome.Err != nil {
		t.Fatalf("Unexpected error: %v", outcome.Err)
	}
	if outcome.Warning != "disk almost full" {
		t.Errorf("Expected warning %q, got %q", "disk almost full", outcome.Warning)
	}
	if outcome.Job != nil {
		t.Errorf("Expected no job alongside a bare warning, got %+v", outcome.Job)
	}
}

// TestRequestJobNon200IsTransportError tests that non-200 responses become
// typed transport errors instead of decoded bodies
func TestRequestJobNon200IsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scheduler overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
	if outcome.Err == nil {
		t.Fatal("Expected an error for a 503 response")
	}
	if outcome.ErrKind != ErrKindStatus {
		t.Errorf("Expected status error kind, got %q", outcome.ErrKind)
	}
	if outcome.Latency <= 0 {
		t.Error("Expected latency measured even on failure")
	}
}

// TestRequestJobConnectionRefused tests error classification when the
// scheduler is unreachable
func TestRequestJobConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse everything

	outcome := newTestClient(srv.URL, srv.URL).RequestJob(context.Background(), "miner-a", "sd-v1.5", 60, "")
	if outcome.Err == nil {
		t.Fatal("Expected an error against a closed server")
	}
	if outcome.ErrKind != ErrKindConnect {
		t.Errorf("Expected connect error kind, got %q", outcome.ErrKind)
	}
}

// TestRequestReloadSignalAssignment tests that a parsable 200 body with a
// model id counts as an assignment
func TestRequestReloadSignalAssignment(t *testing.T) {
	var got models.SignalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/miner_signal" {
			t.Errorf("Expected /miner_signal, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte(`{"model_id":"sd-xl"}`))
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestReloadSignal(context.Background(), "miner-a", true)
	if outcome.Err != nil {
		t.Fatalf("Unexpected error: %v", outcome.Err)
	}
	if !outcome.Assigned || outcome.ModelID != "sd-xl" {
		t.Errorf("Expected sd-xl assignment, got %+v", outcome)
	}
	if got.ModelType != models.ModelTypeSD {
		t.Errorf("Expected model type %q, got %q", models.ModelTypeSD, got.ModelType)
	}
	if !got.Options.ExcludeSDXL {
		t.Error("Expected exclude_sdxl option forwarded")
	}
}

// TestRequestReloadSignalEmptyModelID tests that an empty model id is a
// successful call without an assignment
func TestRequestReloadSignalEmptyModelID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model_id":""}`))
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestReloadSignal(context.Background(), "miner-a", false)
	if outcome.Err != nil {
		t.Fatalf("Unexpected error: %v", outcome.Err)
	}
	if outcome.Assigned {
		t.Error("Expected no assignment for an empty model id")
	}
}

// TestRequestReloadSignalBadBody tests that an unparsable 200 body is an
// error, never a silent non-assignment
func TestRequestReloadSignalBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestReloadSignal(context.Background(), "miner-a", false)
	if outcome.Err == nil {
		t.Fatal("Expected a decode error for an unparsable body")
	}
}

// TestRequestReloadSignalNon200 tests that non-200 responses are errors
func TestRequestReloadSignalNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	outcome := newTestClient(srv.URL, srv.URL).RequestReloadSignal(context.Background(), "miner-a", false)
	if outcome.Err == nil {
		t.Fatal("Expected an error for a 500 response")
	}
	if outcome.Assigned {
		t.Error("Expected no assignment on failure")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{context.DeadlineExceeded, ErrKindTimeout},
		{errors.New("request failed: (Client.Timeout exceeded while awaiting headers)"), ErrKindTimeout},
		{errors.New("http://x/miner_request returned status 503: busy"), ErrKindStatus},
		{errors.New("failed to decode signal response: unexpected end"), ErrKindDecode},
		{errors.New("dial tcp: connection refused"), ErrKindConnect},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
