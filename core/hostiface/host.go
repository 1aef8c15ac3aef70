// Package hostiface defines the seam between the execution engine and its
// out-of-scope host collaborators (spec.md §1, §6): the procedural-language
// runtime, the SQL parser, cluster metadata loading, and type I/O codecs.
// The engine only ever calls through this interface; nothing in core/
// imports a concrete host implementation.
package hostiface

import (
	"context"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
)

// FuncIdentity names the currently-executing logical function, threaded
// into notice/error routing so a remote NOTICE or FATAL can be tagged with
// the call that produced it (spec.md §4.1 "tuning", §7 "Remote").
type FuncIdentity struct {
	Cluster  string
	Function string
}

// PreparedStmt is a cached, host-owned prepared statement handle for a
// hash or split-hash query (spec.md §6 "SPI-like: prepare once, execute
// many"). The engine never re-prepares within a call.
type PreparedStmt interface {
	// Execute runs the statement with positional arguments and returns
	// decoded rows of (typically) a single integer column.
	Execute(ctx context.Context, args []any) ([][]any, error)
}

// Host is everything the execution engine requires from its embedding
// environment. A real embedding (e.g. a procedural-language runtime)
// implements this against its own SPI, catalog cache, and libpq bindings;
// the engine is oblivious to that implementation.
type Host interface {
	// ClusterConfig returns the authoritative per-cluster configuration
	// snapshot (spec.md §6), fetched fresh whenever ClusterVersion
	// advances.
	ClusterConfig(ctx context.Context, clusterName string) (cluster.Config, error)

	// PartitionConnStrings returns the ordered libpq connect strings for
	// a cluster's partition map (spec.md §6 "Partition metadata").
	PartitionConnStrings(ctx context.Context, clusterName string) ([]string, error)

	// ClusterVersion returns a monotonically increasing token that
	// changes whenever cluster metadata (partition list, config) is
	// bumped, letting the engine invalidate cached snapshots.
	ClusterVersion(ctx context.Context, clusterName string) (uint64, error)

	// PrepareHashQuery compiles (or returns a cached compilation of) a
	// hash or split-hash query body.
	PrepareHashQuery(ctx context.Context, sql string) (PreparedStmt, error)

	// TypeCodec resolves a non-builtin OID to a send/recv codec,
	// backing core/catalog.Registry's host fallback.
	TypeCodec(id catalog.OID) (catalog.Codec, bool)

	// Cancelled reports whether the host has asked the in-flight call to
	// abort (spec.md §5 "Cancellation").
	Cancelled(ctx context.Context) bool

	// RaiseError surfaces a fatal engine error to the host, tagged with
	// the function that was executing.
	RaiseError(who FuncIdentity, err error)

	// Notice forwards a non-fatal remote NOTICE to the host as a warning
	// (spec.md §7 "Notices ... do not abort").
	Notice(who FuncIdentity, message string)
}
