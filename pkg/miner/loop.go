package miner

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/psantana5/sd-fleet/pkg/client"
	"github.com/psantana5/sd-fleet/pkg/logging"
)

// ErrNoModelLoaded terminates a worker: no work is possible without any
// loaded artifact. Startup-fatal per the error taxonomy; everything else
// inside an iteration keeps the loop alive.
var ErrNoModelLoaded = errors.New("no model or adapter loaded")

// JobClient is the slice of the scheduler client the worker loop needs.
type JobClient interface {
	RequestJob(ctx context.Context, minerID, modelID string, minDeadline int, hardware string) client.JobOutcome
}

// Worker is the per-process control loop bound to one physical device.
type Worker struct {
	MinerID     string
	Device      int
	DeviceName  string
	MinDeadline int

	Sleep     time.Duration
	Client    JobClient
	Heartbeat *HeartbeatPolicy
	Reload    *ReloadScheduler
	Registry  ModelRegistry
	Executor  Executor

	// HardwareDesc is resolved lazily so a slow probe only runs when a
	// heartbeat is actually due.
	HardwareDesc func() string

	Log *logging.Logger

	now func() time.Time
}

// Run drives the loop until ctx is cancelled or the fatal no-model
// condition fires. Transport failures and per-iteration panics are logged
// and take the sleep path.
func (w *Worker) Run(ctx context.Context) error {
	if w.now == nil {
		w.now = time.Now
	}

	w.Log.Infof("Device %d: %s", w.Device, w.DeviceName)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		executed, err := w.iterate(ctx)
		if err != nil {
			return err
		}

		if !executed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.Sleep):
			}
		}
	}
}

// iterate runs one poll/execute cycle. The returned error is only ever the
// fatal no-model condition; every other failure is contained here.
func (w *Worker) iterate(ctx context.Context) (executed bool, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Errorf("Error occurred during iteration: %v\n%s", r, debug.Stack())
			executed = false
		}
	}()

	now := w.now()
	w.Reload.Tick(ctx, now)

	target := TargetModel(w.Registry)
	if target == "" {
		w.Log.Errorf("No models or adapters loaded. Exiting...")
		return false, ErrNoModelLoaded
	}

	hardware := ""
	heartbeatDue := w.Heartbeat.Due(now)
	if heartbeatDue {
		hardware = w.HardwareDesc()
	}

	outcome := w.Client.RequestJob(ctx, w.MinerID, target, w.MinDeadline, hardware)

	// The heartbeat clock advances only when the request actually went
	// out; a failed send leaves the next poll due again.
	if heartbeatDue && outcome.Err == nil {
		w.Heartbeat.MarkSent(now)
		w.Log.Debugf("Heartbeat updated with hardware '%s' for miner ID %s.", hardware, w.MinerID)
	}

	if outcome.Warning != "" {
		w.Log.Warningf("%s", outcome.Warning)
	}

	if outcome.Err != nil {
		// Treated as "no job" for loop purposes; logged at warning
		// severity so the aggregator counts it as a failure.
		w.Log.Warningf("Job request failed (%s): %v", outcome.ErrKind, outcome.Err)
		return false, nil
	}

	if outcome.Job == nil {
		w.Log.Infof("No job received.")
		return false, nil
	}

	jobStart := time.Now()
	w.Log.Infof("Processing Request ID: %s. Model ID: %s.", outcome.Job.JobID, outcome.Job.ModelID)

	if err := w.Executor.Execute(ctx, outcome.Job, outcome.Latency, jobStart); err != nil {
		w.Log.Warningf("Request ID %s failed: %v", outcome.Job.JobID, err)
		return false, nil
	}

	return true, nil
}
