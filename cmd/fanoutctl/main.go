// Command fanoutctl is a small cobra driver for exercising a cluster
// defined in a YAML/JSON cluster file directly from the command line,
// without embedding this module in a procedural-language runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitionql/fanout/config"
	"github.com/partitionql/fanout/core/observability"
	"github.com/partitionql/fanout/core/pools"
)

var (
	configFile  string
	clusterFile string
	logLevel    string
)

func main() {
	pools.ApplyGCConfig(pools.DefaultGCConfig())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fanoutctl",
	Short: "fanoutctl drives a partitioned-cluster call from the command line",
	Long:  "A standalone driver for the RUN ON ALL/EXACT/ANY/HASH fan-out engine, for manual testing against a cluster file outside any procedural-language runtime.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to fanoutctl bootstrap config file (default: searches . ./configs /etc/fanoutctl)")
	rootCmd.PersistentFlags().StringVar(&clusterFile, "cluster-file", "", "path to the cluster metadata file (overrides config file and FANOUTCTL_CLUSTER_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config file and FANOUTCTL_LOG_LEVEL)")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, explainCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	observability.SetLevel(observability.ParseLevel(level))
}
