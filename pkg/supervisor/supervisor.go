package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/sd-fleet/pkg/config"
	"github.com/psantana5/sd-fleet/pkg/dashboard"
	"github.com/psantana5/sd-fleet/pkg/exporter"
	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/metrics"
	"github.com/psantana5/sd-fleet/pkg/shutdown"
	"github.com/psantana5/sd-fleet/pkg/updater"
)

// terminateGrace is how long children get between SIGTERM and SIGKILL.
const terminateGrace = 10 * time.Second

// Dashboard is the slice of the terminal dashboard the supervisor drives.
// Done must not close before the dashboard restored the terminal; teardown
// waits on it so the process never exits with the terminal in raw mode.
type Dashboard interface {
	Run(ctx context.Context) error
	Done() <-chan struct{}
}

// Supervisor validates the environment, spawns one isolated worker process
// per device, runs the maintenance and dashboard tasks, and guarantees
// orderly teardown on interrupt/terminate.
type Supervisor struct {
	Config    *config.Config
	Telemetry hardware.Telemetry
	Updater   *updater.Updater
	Log       *logging.Logger

	// ConfigFile is forwarded to spawned workers so every process reads
	// the same configuration.
	ConfigFile string

	// NoDashboard disables the terminal dashboard (headless operation).
	NoDashboard bool

	// Dash overrides the default log-backed dashboard for tests.
	Dash Dashboard

	// execPath overrides os.Executable for tests.
	execPath string

	mu       sync.Mutex
	children []*child
}

// child wraps a spawned worker; exactly one goroutine Waits on the process
// and everyone else watches done.
type child struct {
	index int
	cmd   *exec.Cmd
	done  chan struct{}
	err   error
}

// ValidateDevices checks the configured device count against the physical
// inventory and resolves every worker identity. Both are fatal at startup:
// no partial spawn happens when either fails.
func (s *Supervisor) ValidateDevices() ([]string, error) {
	detected, err := s.Telemetry.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}
	if s.Config.NumDevices > detected {
		return nil, fmt.Errorf("number of devices specified in config (%d) is greater than available (%d)",
			s.Config.NumDevices, detected)
	}

	ids, err := config.LoadWorkerIDs(s.Config.NumDevices, nil, s.Log)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Run drives the whole fleet until all workers exit or a termination signal
// arrives. Returns an error only for startup-fatal conditions.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.ValidateDevices(); err != nil {
		return err
	}

	if !s.Config.SkipPreflight {
		if err := hardware.Preflight(); err != nil {
			return err
		}
	}

	// Shared configuration artifacts must exist before any worker starts.
	if err := s.Updater.EnsureManifest(ctx); err != nil {
		return err
	}

	if !s.Config.SkipChecksum {
		if err := s.Updater.VerifyChecksums(); err != nil {
			return fmt.Errorf("model integrity check failed: %w", err)
		}
	}

	// Everything the aggregator reports is scoped to this marker.
	s.Log.Infof("Starting new run")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := shutdown.New(terminateGrace+5*time.Second, func(name string, err error) {
		s.Log.Warningf("Shutdown of %s failed: %v", name, err)
	})

	// Maintenance and dashboard run independently of worker lifecycles.
	go s.Updater.RunScheduledUpdates(ctx)

	if s.Config.ExporterAddr != "" {
		agg := metrics.NewAggregator(s.Config.LogPath, s.Telemetry)
		exp := exporter.New(s.Config.ExporterAddr, agg, s.Log)
		go func() {
			if err := exp.Start(); err != nil {
				s.Log.Warningf("Exporter stopped: %v", err)
			}
		}()
		mgr.Register("exporter", exp.Shutdown)
	}

	if !s.NoDashboard {
		dash := s.Dash
		if dash == nil {
			agg := metrics.NewAggregator(s.Config.LogPath, s.Telemetry)
			dash = dashboard.New(agg, s.Config.DisplayInterval, s.Log)
		}
		go func() {
			if err := dash.Run(ctx); err != nil {
				s.Log.Warningf("Dashboard stopped: %v", err)
			}
		}()
		// Teardown runs LIFO: workers first, then this wait. The process
		// must not exit before the dashboard restored the terminal.
		mgr.Register("dashboard", func(ctx context.Context) error {
			select {
			case <-dash.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := s.spawnWorkers(); err != nil {
		mgr.Register("workers", s.terminateChildren)
		cancel()
		mgr.Shutdown()
		return err
	}
	mgr.Register("workers", s.terminateChildren)

	done := make(chan error, 1)
	go func() { done <- s.waitChildren() }()

	select {
	case sig := <-shutdown.Notify():
		s.Log.Infof("Received signal %v, terminating workers.", sig)
		cancel()
		mgr.Shutdown()
		return nil
	case err := <-done:
		cancel()
		mgr.Shutdown()
		return err
	}
}

// spawnWorkers launches one isolated process per device index; the index is
// the only per-process differentiator.
func (s *Supervisor) spawnWorkers() error {
	self := s.execPath
	if self == "" {
		path, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot resolve own executable: %w", err)
		}
		self = path
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.Config.NumDevices; i++ {
		args := []string{"worker", strconv.Itoa(i)}
		if s.ConfigFile != "" {
			args = append(args, "--config", s.ConfigFile)
		}

		cmd := exec.Command(self, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		s.Log.Infof("Started worker process %d (pid %d)", i, cmd.Process.Pid)

		c := &child{index: i, cmd: cmd, done: make(chan struct{})}
		go func() {
			c.err = cmd.Wait()
			close(c.done)
		}()
		s.children = append(s.children, c)
	}
	return nil
}

func (s *Supervisor) snapshot() []*child {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := make([]*child, len(s.children))
	copy(children, s.children)
	return children
}

// waitChildren blocks until every spawned worker has exited.
func (s *Supervisor) waitChildren() error {
	var firstErr error
	for _, c := range s.snapshot() {
		<-c.done
		if c.err != nil {
			s.Log.Warningf("Worker %d exited: %v", c.index, c.err)
			if firstErr == nil {
				firstErr = c.err
			}
		}
	}
	return firstErr
}

// terminateChildren SIGTERMs every live worker and SIGKILLs stragglers
// after the grace period. Safe to call at any point; workers write whole
// log lines so no multi-line record straddles the kill.
func (s *Supervisor) terminateChildren(ctx context.Context) error {
	children := s.snapshot()

	for _, c := range children {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.After(terminateGrace)
	for _, c := range children {
		select {
		case <-c.done:
		case <-deadline:
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			<-c.done
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
