package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sdfleet",
	Short: "GPU worker fleet for a remote stable diffusion scheduler",
	Long: `sdfleet runs a fleet of GPU worker processes that poll a remote
scheduler for compute jobs, re-announce hardware capability on a heartbeat,
and report progress through a shared run log rendered by a live dashboard.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.sd-fleet/config.yaml)")
}
