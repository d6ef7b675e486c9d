package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/sd-fleet/pkg/config"
	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/supervisor"
	"github.com/psantana5/sd-fleet/pkg/updater"
)

var noDashboard bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervisor and one worker process per GPU",
	Long: `Run validates the configured device count against the physical GPUs,
fetches the model manifest, then spawns one isolated worker process per
device plus the maintenance and dashboard tasks. SIGINT/SIGTERM terminate
every child cleanly.`,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "Disable the terminal dashboard")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return err
	}

	log, err := logging.NewFileLogger("supervisor", cfg.LogPath, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return err
	}
	defer log.Close()

	sup := &supervisor.Supervisor{
		Config:      cfg,
		Telemetry:   hardware.NvidiaTelemetry{},
		Updater:     updater.New(cfg.ManifestURL, cfg.ModelDir, cfg.ReloadInterval, log),
		Log:         log,
		ConfigFile:  cfgFile,
		NoDashboard: noDashboard,
	}

	if err := sup.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v. Exiting...\n", err)
		return err
	}
	return nil
}
