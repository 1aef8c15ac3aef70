// Package csm implements the per-connection state machine of spec.md
// §4.1: a non-blocking driver for login, query submission, and result
// drain across one PostgreSQL-speaking partition connection. It operates
// directly on a *cluster.ProxyConnection (which owns the persistent
// lifecycle fields) the way core/engine.go's handleConnectionEvent drives
// a *Connection through StateReading/StateProcessing/StateWriting, just
// generalized from "serve an inbound request" to "connect, query, drain".
package csm

import (
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/poller"
)

// Interest reports which readiness a connection's current state needs
// from core/poller, or (0, false) if it needs none (spec.md §4.2 step 1).
func Interest(c *cluster.ProxyConnection) (poller.Interest, bool) {
	switch c.State {
	case cluster.StateConnectWrite, cluster.StateQueryWrite:
		return poller.Writable, true
	case cluster.StateConnectRead, cluster.StateQueryRead:
		return poller.Readable, true
	default:
		return 0, false
	}
}

// NeedsAdvance reports whether a connection is in an I/O state that the
// poll loop should ever dispatch an event to (spec.md §4.2 step 3: "CSMs
// in non-I/O states are not advanced").
func NeedsAdvance(c *cluster.ProxyConnection) bool {
	_, ok := Interest(c)
	return ok
}

// IsFatal reports whether a connection has landed in the terminal fatal
// state, which aborts the entire call (spec.md §4.1 "Terminal states").
func IsFatal(c *cluster.ProxyConnection) bool { return c.State == cluster.StateFatal }

// fail transitions a connection to the fatal state and returns the error
// that caused it, matching every "**fatal**" cell in spec.md §4.1's table.
func fail(c *cluster.ProxyConnection, err error) error {
	c.State = cluster.StateFatal
	return err
}
