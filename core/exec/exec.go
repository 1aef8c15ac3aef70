// Package exec implements the Executor of spec.md §4.6: it owns a
// cluster's busy flag for the duration of one call and orchestrates the
// Partition Tagger, Split Planner, Parameter Binder, and Connection State
// Machine through reset, tag/split, bind, prime, drive, and validate,
// mirroring the accept/dispatch/drain shape of the teacher's
// core/engine.go Engine.Run but driving outbound PostgreSQL connections
// instead of inbound HTTP ones.
package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/partitionql/fanout/core/bind"
	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/csm"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/observability"
	"github.com/partitionql/fanout/core/partition"
	"github.com/partitionql/fanout/core/poller"
	"github.com/partitionql/fanout/core/split"
)

// Kind classifies an engine error per spec.md §7.
type Kind int

const (
	Configuration Kind = iota
	SplitContract
	Connection
	Protocol
	Remote
	Timeout
	Cancellation
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case SplitContract:
		return "split-contract"
	case Connection:
		return "connection"
	case Protocol:
		return "protocol"
	case Remote:
		return "remote"
	case Timeout:
		return "timeout"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error is the typed error every abort path raises to the host, wrapping
// the underlying cause via %w so errors.Is/As still reaches it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("exec: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func wrapError(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, Err: err}
}

// CallSpec describes one function invocation against a cluster (spec.md
// §3, §4.3-§4.6). It is built by the out-of-scope SQL-parser/PL-runtime
// host from a parsed `RUN ON` clause and function signature.
type CallSpec struct {
	Query cluster.ProxyQuery
	RunOn partition.RunOn

	// Args is the full function argument vector; Split, if non-nil,
	// decomposes zero or more of these into per-index element arrays.
	Args    []any
	ArgOIDs []catalog.OID
	Split   *split.Plan

	// ReturnOIDs describes the return row's column types, needed to
	// decide binary-result eligibility (spec.md §4.1 "Binary-result
	// decision") before any RowDescription is seen from the wire.
	ReturnOIDs []catalog.OID
}

// Result is the outcome of a successful call: the armed connections, in
// conn_list order, each still holding its one tuple result, plus the total
// row count across all of them (spec.md §4.7).
type Result struct {
	Connections []*cluster.ProxyConnection
	RowCount    int
}

// Executor runs calls against clusters it is handed; it holds no
// per-cluster state of its own beyond what a single Execute call touches.
type Executor struct {
	Host          hostiface.Host
	Registry      *catalog.Registry
	LocalEncoding string
	LocalVersion  string
	NewPoller     func() (poller.Poller, error)

	// Monitor is optional; a nil Monitor disables call accounting entirely
	// (Execute still logs via core/observability regardless).
	Monitor *observability.CallMonitor
}

// Execute runs spec exactly once against cl, returning the accumulated
// per-partition results or a typed *Error (spec.md §4.6).
func (ex *Executor) Execute(ctx context.Context, cl *cluster.Cluster, who hostiface.FuncIdentity, spec CallSpec) (*Result, error) {
	callID := observability.NewCallID()
	key := observability.Key(who.Cluster, who.Function)
	observability.LogCallStart(callID, who.Cluster, who.Function, len(spec.Args))
	var monitorStart int64
	if ex.Monitor != nil {
		monitorStart = ex.Monitor.StartCall()
	}

	res, err := ex.execute(ctx, cl, who, spec)

	if err != nil {
		kind := "unknown"
		isTimeout := false
		if ee, ok := err.(*Error); ok {
			kind = ee.Kind.String()
			isTimeout = ee.Kind == Timeout
		}
		observability.LogCallError(callID, who.Cluster, who.Function, kind, err)
		if ex.Monitor != nil {
			ex.Monitor.EndCall(key, monitorStart, true, isTimeout)
		}
		return nil, err
	}

	observability.LogCallEnd(callID, who.Cluster, who.Function, len(res.Connections), res.RowCount)
	if ex.Monitor != nil {
		ex.Monitor.EndCall(key, monitorStart, false, false)
	}
	return res, nil
}

func (ex *Executor) execute(ctx context.Context, cl *cluster.Cluster, who hostiface.FuncIdentity, spec CallSpec) (*Result, error) {
	if !cl.TryAcquire() {
		return nil, newError(Configuration, "cluster %q is already executing a call", cl.Name)
	}
	defer cl.Release()

	cfg := cl.Cfg

	resetCall(cl, len(spec.Args))

	armed, err := tagAndSplit(ctx, cl, spec, who, ex.Host)
	if err != nil {
		clearPerCall(cl)
		return nil, err
	}
	if len(armed) == 0 {
		return &Result{}, nil
	}

	if err := bind.Bind(armed, spec.Query, spec.Args, spec.ArgOIDs, ex.Registry, useBinaryParams(cfg)); err != nil {
		clearPerCall(cl)
		return nil, wrapError(Protocol, err)
	}

	pl, err := ex.NewPoller()
	if err != nil {
		clearPerCall(cl)
		return nil, wrapError(Connection, err)
	}
	defer pl.Close()

	opts := csm.Options{Who: who, Host: ex.Host, LocalEncoding: ex.LocalEncoding, LocalVersion: ex.LocalVersion}
	now := time.Now()

	if err := ex.primeAndSubmit(armed, cfg, opts, spec, now); err != nil {
		abort(armed, cfg)
		clearPerCall(cl)
		return nil, err
	}

	if err := ex.driveLoop(ctx, pl, armed, cfg, opts, spec); err != nil {
		abort(armed, cfg)
		clearPerCall(cl)
		return nil, err
	}

	ordered := make([]*cluster.ProxyConnection, 0, len(armed))
	for _, c := range cl.ConnList {
		if c.Armed() {
			ordered = append(ordered, c)
		}
	}
	res, err := validate(ordered)
	if err != nil {
		clearPerCall(cl)
		return nil, err
	}
	// The tuple results stay on the returned connections for the caller
	// to read; every other piece of per-call state is cleared.
	results := make([]*cluster.QueryResult, len(ordered))
	for i, c := range ordered {
		results[i] = c.Result
	}
	clearPerCall(cl)
	for i, c := range ordered {
		c.Result = results[i]
	}
	return res, nil
}

func resetCall(cl *cluster.Cluster, nargs int) {
	for _, c := range cl.ConnList {
		c.ResetPerCall(nargs)
	}
}

func clearPerCall(cl *cluster.Cluster) {
	for _, c := range cl.ConnList {
		c.RunTag = 0
		c.SplitParams = nil
		c.Values, c.Lengths, c.Formats = nil, nil, nil
		c.Result = nil
		c.LastError = nil
	}
}

func tagAndSplit(ctx context.Context, cl *cluster.Cluster, spec CallSpec, who hostiface.FuncIdentity, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	if spec.Split != nil {
		armed, err := split.Route(ctx, cl, *spec.Split, host)
		if err != nil {
			return nil, wrapError(SplitContract, err)
		}
		return armed, nil
	}
	armed, err := partition.Tag(ctx, cl, spec.RunOn, 1, spec.Query.SQL, host)
	if err != nil {
		return nil, wrapError(Configuration, err)
	}
	return armed, nil
}

// useBinaryParams reports whether parameter encoding should use binary
// format. Unlike the per-connection result-format decision, parameter
// format only depends on cluster configuration (spec.md §4.5 "Format is
// binary iff config allows it").
func useBinaryParams(cfg cluster.Config) bool { return !cfg.DisableBinary }

func (ex *Executor) primeAndSubmit(armed []*cluster.ProxyConnection, cfg cluster.Config, opts csm.Options, spec CallSpec, now time.Time) error {
	for _, c := range armed {
		if err := csm.PrepareConn(c, cfg, now); err != nil {
			return wrapError(Connection, err)
		}
		if c.State == cluster.StateReady {
			if err := ex.submitForConn(c, cfg, opts, spec); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitForConn arms c with either a tuning round trip or the call's real
// query. A persistent client_encoding divergence after tuning has already
// been retried once is fatal (spec.md §4.1 "the call fails fatally").
func (ex *Executor) submitForConn(c *cluster.ProxyConnection, cfg cluster.Config, opts csm.Options, spec CallSpec) error {
	sql, need, err := csm.NeedsEncodingTuning(c, opts.LocalEncoding)
	if err != nil {
		return wrapError(Protocol, err)
	}
	if need {
		csm.SubmitTuning(c, sql)
		return nil
	}
	binary := ex.resultBinary(cfg, c, spec.ReturnOIDs)
	csm.SubmitQuery(c, spec.Query.SQL, binary)
	return nil
}

// resultBinary implements spec.md §4.1's per-call, per-connection
// binary-result decision: disable_binary off, the connection's own
// same_ver flag true, and every return column's codec binary-capable
// (scalar return requires a binary recv function; composite return
// requires every column to support binary recv).
func (ex *Executor) resultBinary(cfg cluster.Config, c *cluster.ProxyConnection, returnOIDs []catalog.OID) bool {
	if cfg.DisableBinary || !c.SameVer {
		return false
	}
	for _, id := range returnOIDs {
		codec, ok := ex.Registry.Lookup(id)
		if !ok || !codec.BinaryCapable() {
			return false
		}
	}
	return true
}

const pollTick = 1 * time.Second

func (ex *Executor) driveLoop(ctx context.Context, pl poller.Poller, armed []*cluster.ProxyConnection, cfg cluster.Config, opts csm.Options, spec CallSpec) error {
	registered := map[int]poller.Interest{}
	syncInterest := func() error {
		for _, c := range armed {
			fd := c.FD()
			want, ok := csm.Interest(c)
			have, wasRegistered := registered[fd]
			switch {
			case fd < 0:
				continue
			case !ok && wasRegistered:
				pl.Remove(fd)
				delete(registered, fd)
			case ok && !wasRegistered:
				if err := pl.Add(fd, want); err != nil {
					return err
				}
				registered[fd] = want
			case ok && wasRegistered && have != want:
				if err := pl.Modify(fd, want); err != nil {
					return err
				}
				registered[fd] = want
			}
		}
		return nil
	}

	for {
		if allDone(armed) {
			return nil
		}
		if ex.Host.Cancelled(ctx) {
			return &Error{Kind: Cancellation, Err: fmt.Errorf("exec: call cancelled by host")}
		}

		if err := syncInterest(); err != nil {
			return wrapError(Connection, err)
		}

		events, err := pl.Wait(int(pollTick / time.Millisecond))
		if err != nil {
			return wrapError(Connection, err)
		}

		byFD := make(map[int]poller.Event, len(events))
		for _, ev := range events {
			byFD[ev.FD] = ev
		}

		for _, c := range armed {
			if !csm.NeedsAdvance(c) {
				continue
			}
			ev, ok := byFD[c.FD()]
			if !ok {
				continue
			}
			if err := csm.Advance(c, ev, cfg, opts); err != nil {
				if csm.IsFatal(c) {
					return classifyFatal(c, err)
				}
				return wrapError(Protocol, err)
			}
		}

		now := time.Now()
		for _, c := range armed {
			if c.State == cluster.StateReady {
				if err := ex.submitForConn(c, cfg, opts, spec); err != nil {
					return err
				}
			}
			if err := enforceTimeout(c, cfg, now); err != nil {
				return err
			}
		}
	}
}

func allDone(armed []*cluster.ProxyConnection) bool {
	for _, c := range armed {
		if c.State != cluster.StateDone {
			return false
		}
	}
	return true
}

func enforceTimeout(c *cluster.ProxyConnection, cfg cluster.Config, now time.Time) error {
	switch c.State {
	case cluster.StateConnectWrite, cluster.StateConnectRead:
		if cfg.ConnectTimeout > 0 && now.Sub(c.ConnectTime) >= cfg.ConnectTimeout {
			return &Error{Kind: Timeout, Err: fmt.Errorf("exec: connect_timeout exceeded on %s", c.Connstr)}
		}
	case cluster.StateQueryWrite, cluster.StateQueryRead:
		if cfg.QueryTimeout > 0 && now.Sub(c.QueryTime) >= cfg.QueryTimeout {
			return &Error{Kind: Timeout, Err: fmt.Errorf("exec: query_timeout exceeded on %s", c.Connstr)}
		}
	}
	return nil
}

// classifyFatal distinguishes a backend-raised error (§7 "Remote", which
// must surface the underlying *pq.Error verbatim) from every other fatal
// CSM transition, which is reported as a Connection failure whatever the
// state it occurred in; protocol-level faults such as a double tuple
// result are not given the Protocol kind. csm.Advance's own error text is
// preserved either way.
func classifyFatal(c *cluster.ProxyConnection, err error) error {
	if c.LastError != nil {
		return &Error{Kind: Remote, Err: fmt.Errorf("%w", c.LastError)}
	}
	return wrapError(Connection, err)
}

// abort fans out a best-effort remote cancel to every connection not in a
// terminal or never-started state (spec.md §5 "Cancellation").
func abort(armed []*cluster.ProxyConnection, cfg cluster.Config) {
	for _, c := range armed {
		switch c.State {
		case cluster.StateNone, cluster.StateReady, cluster.StateDone, cluster.StateFatal:
			continue
		}
		_ = csm.Cancel(c, cfg)
	}
}

func validate(armed []*cluster.ProxyConnection) (*Result, error) {
	total := 0
	for _, c := range armed {
		if c.State != cluster.StateDone {
			return nil, newError(Protocol, "connection %s ended in state %s, not done", c.Connstr, c.State)
		}
		if c.Result == nil {
			return nil, newError(Protocol, "armed connection %s produced no result", c.Connstr)
		}
		total += c.Result.RowCount()
	}
	return &Result{Connections: armed, RowCount: total}, nil
}
