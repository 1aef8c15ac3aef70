package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partitionql/fanout/app"
	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/exec"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/partition"
)

var (
	runOn    string
	sqlText  string
	argsFlag string
	userFlag string
	funcName string
)

var runCmd = &cobra.Command{
	Use:   "run <cluster>",
	Short: "Execute one SQL call against a cluster and print its rows",
	Long:  "Drives a single RUN ON ALL/EXACT/ANY/HASH call. Split-array arguments aren't exposed here; use this for exercising non-split calls the way a procedural-language function body would issue them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runOn, "run-on", "all", "all | exact:N | any | hash")
	runCmd.Flags().StringVar(&sqlText, "sql", "", "SQL text to run on the selected partitions; for --run-on=hash this is also the hash-selection query (required)")
	runCmd.Flags().StringVar(&argsFlag, "args", "", "comma-separated int64 arguments bound as $1..$n")
	runCmd.Flags().StringVar(&userFlag, "user", "fanoutctl", "current/session user for connect-string normalization")
	runCmd.Flags().StringVar(&funcName, "function", "fanoutctl.run", "logical function name reported in notices/errors")
	runCmd.MarkFlagRequired("sql")
}

func parseRunOn(spec string) (partition.RunOn, error) {
	switch {
	case spec == "all":
		return partition.RunOn{Mode: partition.All}, nil
	case spec == "any":
		return partition.RunOn{Mode: partition.Any}, nil
	case spec == "hash":
		return partition.RunOn{Mode: partition.Hash}, nil
	case strings.HasPrefix(spec, "exact:"):
		n, err := strconv.Atoi(strings.TrimPrefix(spec, "exact:"))
		if err != nil {
			return partition.RunOn{}, fmt.Errorf("invalid --run-on exact index: %w", err)
		}
		return partition.RunOn{Mode: partition.Exact, ExactIndex: n}, nil
	default:
		return partition.RunOn{}, fmt.Errorf("invalid --run-on %q: want all, exact:N, any, or hash", spec)
	}
}

func parseArgs(csv string) ([]any, []catalog.OID, error) {
	if csv == "" {
		return nil, nil, nil
	}
	parts := strings.Split(csv, ",")
	args := make([]any, len(parts))
	oids := make([]catalog.OID, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid argument %q: %w", p, err)
		}
		args[i] = n
		oids[i] = catalog.Int8
	}
	return args, oids, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if clusterFile != "" {
		cfg.ClusterFile = clusterFile
	}

	ro, err := parseRunOn(runOn)
	if err != nil {
		return err
	}

	callArgs, argOIDs, err := parseArgs(argsFlag)
	if err != nil {
		return err
	}
	ro.HashArgs = callArgs

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	clusterName := args[0]
	cl, err := a.Cluster(ctx, clusterName, userFlag, userFlag)
	if err != nil {
		return err
	}

	argLookup := make([]int, len(callArgs))
	for i := range argLookup {
		argLookup[i] = i
	}

	spec := exec.CallSpec{
		Query:   cluster.ProxyQuery{SQL: sqlText, ArgLookup: argLookup},
		RunOn:   ro,
		Args:    callArgs,
		ArgOIDs: argOIDs,
	}

	res, err := a.Execute(ctx, cl, hostiface.FuncIdentity{Cluster: clusterName, Function: funcName}, spec)
	if err != nil {
		return err
	}

	fmt.Printf("%d connection(s), %d row(s) total\n", len(res.Connections), res.RowCount)
	for _, c := range res.Connections {
		fmt.Printf("-- %s\n", c.Connstr)
		if c.Result == nil {
			continue
		}
		for _, row := range c.Result.Rows {
			fmt.Println(row)
		}
	}
	return nil
}
