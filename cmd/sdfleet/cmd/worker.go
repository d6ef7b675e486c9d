package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/sd-fleet/pkg/client"
	"github.com/psantana5/sd-fleet/pkg/config"
	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/miner"
	"github.com/psantana5/sd-fleet/pkg/runtime"
	"github.com/psantana5/sd-fleet/pkg/updater"
)

var workerCmd = &cobra.Command{
	Use:   "worker <device-index>",
	Short: "Run one worker loop bound to a GPU (spawned by run)",
	Long: `Worker is the per-device control loop: it polls the scheduler for
jobs, negotiates model reloads on a timer, and delegates execution to the
local inference runtime. The supervisor spawns one per device; the device
index is the only per-process differentiator.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	device, err := strconv.Atoi(args[0])
	if err != nil || device < 0 {
		return fmt.Errorf("invalid device index %q", args[0])
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return err
	}

	log, err := logging.NewFileLogger(fmt.Sprintf("miner-%d", device), cfg.LogPath, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return err
	}
	defer log.Close()

	ids, err := config.LoadWorkerIDs(cfg.NumDevices, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v Exiting...\n", err)
		return err
	}
	minerID, err := config.WorkerIDForDevice(ids, device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v. Exiting...\n", err)
		return err
	}

	telemetry := hardware.NvidiaTelemetry{}
	deviceName, err := telemetry.DeviceName(device)
	if err != nil {
		deviceName = "Unknown GPU"
	}

	// The supervisor already ensured the manifest; this re-check is cheap
	// and keeps a directly launched worker usable.
	up := updater.New(cfg.ManifestURL, cfg.ModelDir, cfg.ReloadInterval, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := up.EnsureManifest(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v. Exiting...\n", err)
		return err
	}

	registry := miner.NewRegistry(up.LocalModelIDs)
	rt := runtime.New(cfg.RuntimeURL, minerID, device, registry, up.ModelType, up.DefaultModelID, log)

	if err := rt.LoadDefault(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v. Exiting...\n", err)
		return err
	}

	schedClient := client.New(cfg.BaseURL, cfg.SignalURL, cfg.Version)

	worker := &miner.Worker{
		MinerID:     minerID,
		Device:      device,
		DeviceName:  deviceName,
		MinDeadline: cfg.MinDeadline,
		Sleep:       cfg.SleepDuration,
		Client:      schedClient,
		Heartbeat:   miner.NewHeartbeatPolicy(cfg.HeartbeatInterval),
		Reload: miner.NewReloadScheduler(minerID, cfg.ExcludeSDXL, cfg.ReloadInterval,
			schedClient, registry, rt, log, time.Now()),
		Registry: registry,
		Executor: rt,
		HardwareDesc: func() string {
			return hardware.Description(telemetry, device)
		},
		Log: log,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := worker.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v. Exiting...\n", err)
		return err
	}
	return nil
}
