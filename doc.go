/*
Package fanout implements a partitioned-database query fan-out engine in
the style of PL/Proxy: given a parsed `RUN ON` clause and a function's
argument vector, it tags the partitions a call targets, splits any
split-array arguments across them, binds per-partition parameters, and
drives every armed connection's non-blocking PostgreSQL wire-protocol
handshake and extended-query round trip through a single poll loop.

Quick Start

Basic usage, wiring a file-backed Host into an Executor:

package main

import (
    "context"
    "time"

    "github.com/partitionql/fanout/app"
    "github.com/partitionql/fanout/config"
    "github.com/partitionql/fanout/core/catalog"
    "github.com/partitionql/fanout/core/cluster"
    "github.com/partitionql/fanout/core/exec"
    "github.com/partitionql/fanout/core/hostiface"
    "github.com/partitionql/fanout/core/partition"
)

func main() {
    cfg, _ := config.Load("")
    a, _ := app.New(cfg)
    defer a.Close()

    ctx := context.Background()
    cl, _ := a.Cluster(ctx, "shard_users", "app", "app")

    res, _ := a.Execute(ctx, cl, hostiface.FuncIdentity{Cluster: "shard_users", Function: "get_user"}, exec.CallSpec{
        Query:   cluster.ProxyQuery{SQL: "select name from users where id = $1", ArgLookup: []int{0}},
        RunOn:   partition.RunOn{Mode: partition.All},
        Args:    []any{int64(42)},
        ArgOIDs: []catalog.OID{catalog.Int8},
    })
    _ = res
    _ = time.Second
}

Modules

The engine is organized into several packages:

  - app: wires a Host and an Executor together for a standalone process
  - config: cmd/fanoutctl's bootstrap configuration
  - core/hostiface: the out-of-scope host collaborator interface
  - core/cluster: Cluster, ProxyConnection, ProxyQuery, partition maps
  - core/partition: RUN ON ALL/EXACT/ANY/HASH tagging
  - core/split: split-array fan-out and parameter distribution
  - core/bind: per-partition parameter encoding
  - core/csm: the per-connection non-blocking state machine
  - core/poller: I/O multiplexing (epoll/kqueue)
  - core/wire: PostgreSQL frontend/backend wire protocol framing
  - core/catalog: OID-indexed type codecs
  - core/exec: call orchestration and the typed error taxonomy
  - core/pools: buffer reuse for wire reads and parameter encoding
  - core/observability: per-call structured logging and metrics

For more on the underlying protocol this project proxies, see
https://www.postgresql.org/docs/current/protocol.html
*/
package fanout
