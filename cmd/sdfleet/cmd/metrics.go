package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sd-fleet/pkg/config"
	"github.com/psantana5/sd-fleet/pkg/hardware"
	"github.com/psantana5/sd-fleet/pkg/metrics"
)

var metricsOutput string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print aggregated metrics for the current run",
	Long:  `Metrics runs one aggregation pass over the shared run log and prints the result.`,
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsOutput, "output", "table", "output format: table or json")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	agg := metrics.NewAggregator(cfg.LogPath, hardware.NvidiaTelemetry{})
	run, err := agg.Aggregate()
	if err != nil {
		return err
	}

	if metricsOutput == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(run)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	for i, usage := range run.GPUUsage {
		table.Append([]string{fmt.Sprintf("GPU%d Usage", i), fmt.Sprintf("%.0f%%", usage)})
	}
	table.Append([]string{"Number of Concurrent Jobs", fmt.Sprintf("%d", run.NumJobs)})
	table.Append([]string{"Successful Jobs", fmt.Sprintf("%d", run.SuccessJobs)})
	table.Append([]string{"Failed Jobs", fmt.Sprintf("%d", run.FailedJobs)})
	table.Append([]string{"Average Latency", fmt.Sprintf("%.2f s", run.AvgLatency)})
	table.Append([]string{"Jobs Being Processed", fmt.Sprintf("%d", run.JobsInFlight)})
	table.Render()
	return nil
}
