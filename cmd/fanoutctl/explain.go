package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partitionql/fanout/app"
)

var explainCmd = &cobra.Command{
	Use:   "explain <cluster>",
	Short: "Print a cluster's resolved configuration and partition map",
	Args:  cobra.ExactArgs(1),
	RunE:  runExplain,
}

func runExplain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if clusterFile != "" {
		cfg.ClusterFile = clusterFile
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	name := args[0]

	clusterCfg, err := a.Host.ClusterConfig(ctx, name)
	if err != nil {
		return err
	}
	partitions, err := a.Host.PartitionConnStrings(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("cluster %q\n", name)
	fmt.Printf("  connection_lifetime: %s\n", clusterCfg.ConnectionLifetime)
	fmt.Printf("  query_timeout:       %s\n", clusterCfg.QueryTimeout)
	fmt.Printf("  connect_timeout:     %s\n", clusterCfg.ConnectTimeout)
	fmt.Printf("  disable_binary:      %v\n", clusterCfg.DisableBinary)
	fmt.Printf("  default_user:        %s\n", clusterCfg.DefaultUser)
	fmt.Printf("  partitions (%d):\n", len(partitions))
	for i, p := range partitions {
		fmt.Printf("    [%d] %s\n", i, p)
	}
	return nil
}
