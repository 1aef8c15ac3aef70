package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partitionql/fanout/config"
	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/exec"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/observability"
	"github.com/partitionql/fanout/core/poller"
)

// App wires a Host, a type registry, and a core/exec.Executor together,
// the way the teacher's App wires a config.Config into a core.Engine
// (app/app.go), generalized from "registered HTTP routes" to "named
// clusters a CallSpec can target."
type App struct {
	Host     *FileHost
	Executor *exec.Executor

	mu       sync.Mutex
	clusters map[string]*cluster.Cluster
}

// New builds an App from cmd/fanoutctl's bootstrap config: it loads the
// cluster metadata file cfg points at and constructs an Executor over it.
func New(cfg *config.Config) (*App, error) {
	host, err := NewFileHost(
		cfg.ClusterFile,
		time.Duration(cfg.DefaultQueryTimeoutSeconds)*time.Second,
		time.Duration(cfg.DefaultConnectTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return nil, err
	}

	return &App{
		Host: host,
		Executor: &exec.Executor{
			Host:          host,
			Registry:      catalog.NewRegistry(host.TypeCodec),
			LocalEncoding: cfg.LocalEncoding,
			LocalVersion:  cfg.LocalVersion,
			NewPoller:     poller.NewPoller,
			Monitor:       observability.NewCallMonitor(),
		},
		clusters: map[string]*cluster.Cluster{},
	}, nil
}

// Close releases the underlying Host's control database connection.
func (a *App) Close() { a.Host.Close() }

// Cluster returns the named cluster's in-process state, building it from
// the Host's partition metadata and config on first access and caching it
// thereafter the way a real embedding would cache per-version snapshots
// (spec.md §6 "fetched fresh whenever ClusterVersion advances" — this
// single-shot CLI process never sees a version bump after startup, so it
// builds once and keeps it).
func (a *App) Cluster(ctx context.Context, name, currentUser, sessionUser string) (*cluster.Cluster, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cl, ok := a.clusters[name]; ok {
		return cl, nil
	}

	cfg, err := a.Host.ClusterConfig(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("app: loading config for cluster %q: %w", name, err)
	}
	connstrs, err := a.Host.PartitionConnStrings(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("app: loading partitions for cluster %q: %w", name, err)
	}

	cl, err := cluster.NewCluster(name, cfg, connstrs, currentUser, sessionUser)
	if err != nil {
		return nil, fmt.Errorf("app: building cluster %q: %w", name, err)
	}
	a.clusters[name] = cl
	return cl, nil
}

// Execute is a thin pass-through to the underlying Executor, letting
// cmd/fanoutctl depend only on App rather than reaching into core/exec
// directly.
func (a *App) Execute(ctx context.Context, cl *cluster.Cluster, who hostiface.FuncIdentity, spec exec.CallSpec) (*exec.Result, error) {
	return a.Executor.Execute(ctx, cl, who, spec)
}
