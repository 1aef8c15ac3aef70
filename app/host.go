// Package app wires a concrete core/hostiface.Host implementation and
// cmd/fanoutctl's bootstrap config into a core/exec.Executor, the way the
// teacher's App wraps a core.Engine for its HTTP driver (app/app.go).
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/observability"
)

// clusterFile is the shape of the YAML/JSON cluster metadata file the
// file-backed Host loads (spec.md §6 "Partition metadata"). control_dsn
// is process-wide: like a real PL/Proxy installation, one proxying
// database runs every cluster's RUN ON HASH function locally against its
// own connection, never against a partition.
type clusterFile struct {
	ControlDSN string                  `mapstructure:"control_dsn"`
	Clusters   map[string]clusterEntry `mapstructure:"clusters"`
}

type clusterEntry struct {
	Partitions []string `mapstructure:"partitions"`
	Config     struct {
		ConnectionLifetimeSeconds int    `mapstructure:"connection_lifetime_seconds"`
		QueryTimeoutSeconds       int    `mapstructure:"query_timeout_seconds"`
		ConnectTimeoutSeconds     int    `mapstructure:"connect_timeout_seconds"`
		DisableBinary             bool   `mapstructure:"disable_binary"`
		DefaultUser               string `mapstructure:"default_user"`
	} `mapstructure:"config"`
}

// FileHost is a hostiface.Host backed by a static cluster metadata file
// plus a single control database (opened via lib/pq) used to run the
// RUN ON HASH routing query the same way PL/Proxy runs it locally against
// the proxy's own connection rather than a partition's.
type FileHost struct {
	mu         sync.Mutex
	clusters   map[string]clusterEntry
	version    map[string]uint64
	controlDSN string
	control    *sql.DB
	stmtCache  map[string]*sql.Stmt

	defaultQueryTimeout   time.Duration
	defaultConnectTimeout time.Duration
}

// NewFileHost loads path (YAML or JSON, autodetected by extension) with a
// dedicated viper instance, mirroring the per-domain viper.New() idiom
// cmd/fanoutctl's own bootstrap config uses for tuning parameters.
// defaultQueryTimeout/defaultConnectTimeout seed any cluster entry that
// omits its own query_timeout_seconds/connect_timeout_seconds.
func NewFileHost(path string, defaultQueryTimeout, defaultConnectTimeout time.Duration) (*FileHost, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("app: reading cluster file %s: %w", path, err)
	}

	var parsed clusterFile
	if err := v.Unmarshal(&parsed); err != nil {
		return nil, fmt.Errorf("app: parsing cluster file %s: %w", path, err)
	}

	version := make(map[string]uint64, len(parsed.Clusters))
	for name := range parsed.Clusters {
		version[name] = 1
	}

	return &FileHost{
		clusters:              parsed.Clusters,
		version:               version,
		controlDSN:            parsed.ControlDSN,
		stmtCache:             map[string]*sql.Stmt{},
		defaultQueryTimeout:   defaultQueryTimeout,
		defaultConnectTimeout: defaultConnectTimeout,
	}, nil
}

// Close releases the control database this host opened, if any.
func (h *FileHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.control != nil {
		h.control.Close()
	}
}

func (h *FileHost) entry(clusterName string) (clusterEntry, error) {
	e, ok := h.clusters[clusterName]
	if !ok {
		return clusterEntry{}, fmt.Errorf("app: unknown cluster %q", clusterName)
	}
	return e, nil
}

// ClusterConfig implements hostiface.Host.
func (h *FileHost) ClusterConfig(ctx context.Context, clusterName string) (cluster.Config, error) {
	e, err := h.entry(clusterName)
	if err != nil {
		return cluster.Config{}, err
	}
	queryTimeout := h.defaultQueryTimeout
	if e.Config.QueryTimeoutSeconds > 0 {
		queryTimeout = time.Duration(e.Config.QueryTimeoutSeconds) * time.Second
	}
	connectTimeout := h.defaultConnectTimeout
	if e.Config.ConnectTimeoutSeconds > 0 {
		connectTimeout = time.Duration(e.Config.ConnectTimeoutSeconds) * time.Second
	}

	cfg := cluster.Config{
		ConnectionLifetime: time.Duration(e.Config.ConnectionLifetimeSeconds) * time.Second,
		QueryTimeout:       queryTimeout,
		ConnectTimeout:     connectTimeout,
		DisableBinary:      e.Config.DisableBinary,
		DefaultUser:        cluster.DefaultUserMode(e.Config.DefaultUser),
	}
	if err := cfg.Validate(); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

// PartitionConnStrings implements hostiface.Host.
func (h *FileHost) PartitionConnStrings(ctx context.Context, clusterName string) ([]string, error) {
	e, err := h.entry(clusterName)
	if err != nil {
		return nil, err
	}
	return e.Partitions, nil
}

// ClusterVersion implements hostiface.Host. A file-backed host never
// reloads mid-process, so every cluster reports a constant version.
func (h *FileHost) ClusterVersion(ctx context.Context, clusterName string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.version[clusterName]
	if !ok {
		return 0, fmt.Errorf("app: unknown cluster %q", clusterName)
	}
	return v, nil
}

type preparedStmt struct{ stmt *sql.Stmt }

func (p preparedStmt) Execute(ctx context.Context, args []any) ([][]any, error) {
	rows, err := p.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// PrepareHashQuery implements hostiface.Host, preparing sql once against
// the process-wide control database and caching the handle so the engine
// never re-prepares within or across calls (hostiface.PreparedStmt's
// "prepare once, execute many" contract).
func (h *FileHost) PrepareHashQuery(ctx context.Context, sql_ string) (hostiface.PreparedStmt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.stmtCache[sql_]; ok {
		return preparedStmt{stmt: cached}, nil
	}

	if h.control == nil {
		if h.controlDSN == "" {
			return nil, fmt.Errorf("app: no control_dsn configured for hash queries")
		}
		db, err := sql.Open("postgres", h.controlDSN)
		if err != nil {
			return nil, fmt.Errorf("app: opening control db: %w", err)
		}
		h.control = db
	}

	stmt, err := h.control.PrepareContext(ctx, sql_)
	if err != nil {
		return nil, fmt.Errorf("app: preparing hash query: %w", err)
	}
	h.stmtCache[sql_] = stmt
	return preparedStmt{stmt: stmt}, nil
}

// TypeCodec implements hostiface.Host. The file-backed host carries no
// user-defined type catalog; every OID it can decode is already covered
// by core/catalog.Registry's built-in table.
func (h *FileHost) TypeCodec(id catalog.OID) (catalog.Codec, bool) { return nil, false }

// Cancelled implements hostiface.Host by deferring entirely to ctx, since
// a standalone CLI process has no separate cancellation channel of its
// own to consult.
func (h *FileHost) Cancelled(ctx context.Context) bool { return ctx.Err() != nil }

// RaiseError implements hostiface.Host.
func (h *FileHost) RaiseError(who hostiface.FuncIdentity, err error) {
	log.Printf("call failed cluster=%s function=%s error=%v", who.Cluster, who.Function, err)
}

// Notice implements hostiface.Host.
func (h *FileHost) Notice(who hostiface.FuncIdentity, message string) {
	if !observability.Enabled(observability.LevelWarn) {
		return
	}
	log.Printf("remote notice cluster=%s function=%s message=%s", who.Cluster, who.Function, message)
}
