package dashboard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/models"
)

type fakeAggregator struct {
	run models.RunMetrics
	err error
}

func (f fakeAggregator) Aggregate() (models.RunMetrics, error) {
	return f.run, f.err
}

func testLogger() *logging.Logger {
	log := logging.New("test", logging.DEBUG)
	log.SetOutput(io.Discard)
	return log
}

func newTestDashboard(agg Aggregator, out io.Writer, in io.Reader) *Dashboard {
	return &Dashboard{
		Aggregator: agg,
		Interval:   10 * time.Millisecond,
		Log:        testLogger(),
		Out:        out,
		In:         in,
	}
}

// TestRenderTable tests that every metric appears in the rendered table with
// one usage column per device
func TestRenderTable(t *testing.T) {
	d := newTestDashboard(nil, io.Discard, strings.NewReader(""))

	out := d.Render(models.RunMetrics{
		GPUUsage:     []float64{87, 42},
		NumJobs:      5,
		SuccessJobs:  4,
		FailedJobs:   1,
		AvgLatency:   3.25,
		JobsInFlight: 1,
	})

	for _, want := range []string{"GPU0 USAGE", "GPU1 USAGE", "87%", "42%", "3.25 s"} {
		if !strings.Contains(strings.ToUpper(out), strings.ToUpper(want)) {
			t.Errorf("Expected %q in rendered table, got:\n%s", want, out)
		}
	}
}

// TestRenderPlaceholderWhenTooSmall tests the degradation to a placeholder
// when the terminal cannot hold the table
func TestRenderPlaceholderWhenTooSmall(t *testing.T) {
	d := newTestDashboard(nil, io.Discard, strings.NewReader(""))
	d.Size = func() (int, int, error) { return 10, 2, nil }

	out := d.Render(models.RunMetrics{NumJobs: 1})
	if !strings.Contains(out, "Screen too small for table display") {
		t.Errorf("Expected placeholder, got:\n%s", out)
	}
}

// TestRenderUnconstrainedWithoutSize tests that a nil or failing size probe
// never suppresses the table
func TestRenderUnconstrainedWithoutSize(t *testing.T) {
	d := newTestDashboard(nil, io.Discard, strings.NewReader(""))

	out := d.Render(models.RunMetrics{NumJobs: 3})
	if strings.Contains(out, "Screen too small") {
		t.Errorf("Expected full table without a size probe, got:\n%s", out)
	}

	d.Size = func() (int, int, error) { return 0, 0, errors.New("not a terminal") }
	out = d.Render(models.RunMetrics{NumJobs: 3})
	if strings.Contains(out, "Screen too small") {
		t.Errorf("Expected full table when the size probe fails, got:\n%s", out)
	}
}

// TestRefreshShowsAggregationError tests that an aggregation failure is
// rendered as a message instead of crashing the refresh loop
func TestRefreshShowsAggregationError(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDashboard(fakeAggregator{err: errors.New("no run marker found in log")}, &buf, strings.NewReader(""))

	d.refresh()
	out := buf.String()
	if !strings.Contains(out, "Mining data unavailable: no run marker found in log") {
		t.Errorf("Expected unavailable message, got:\n%s", out)
	}
	if !strings.Contains(out, "Mining Data") {
		t.Errorf("Expected the title rendered regardless, got:\n%s", out)
	}
}

// TestRunQuitsOnKey tests that pressing q exits the loop
func TestRunQuitsOnKey(t *testing.T) {
	d := newTestDashboard(fakeAggregator{}, io.Discard, strings.NewReader("q"))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to exit on quit key")
	}
}

// TestDoneClosedAfterRun tests that completion is observable only after Run
// returned, so callers can order process exit after the terminal restore
func TestDoneClosedAfterRun(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	d := newTestDashboard(fakeAggregator{}, io.Discard, pr)

	select {
	case <-d.Done():
		t.Fatal("Expected Done open before Run started")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to exit on cancellation")
	}

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected Done closed after Run returned")
	}
}

// TestRunStopsOnContextCancel tests that cancellation ends the loop
func TestRunStopsOnContextCancel(t *testing.T) {
	// A blocking reader keeps the key goroutine occupied
	pr, pw := io.Pipe()
	defer pw.Close()

	d := newTestDashboard(fakeAggregator{}, io.Discard, pr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to exit on context cancellation")
	}
}
