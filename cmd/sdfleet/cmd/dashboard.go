package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psantana5/sd-fleet/pkg/config"
	"github.com/psantana5/sd-fleet/pkg/dashboard"
	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/logging"
	"github.com/psantana5/sd-fleet/pkg/metrics"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render the live mining dashboard over an existing run log",
	Long: `Dashboard tails the shared run log, aggregates metrics for the
current run on a fixed interval and renders them as a table. Press q to
quit.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := logging.New("dashboard", logging.ParseLevel(cfg.LogLevel))
	agg := metrics.NewAggregator(cfg.LogPath, hardware.NvidiaTelemetry{})
	dash := dashboard.New(agg, cfg.DisplayInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	return dash.Run(ctx)
}
