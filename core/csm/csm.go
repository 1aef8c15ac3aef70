package csm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/poller"
	"github.com/partitionql/fanout/core/pools"
	"github.com/partitionql/fanout/core/wire"
)

// errWouldBlock signals that a raw syscall returned EAGAIN/EWOULDBLOCK;
// the caller should leave the connection in its current I/O state and
// wait for the next readiness event instead of treating it as an error.
var errWouldBlock = errors.New("csm: would block")

// Options bundles the per-call, mostly-static inputs Advance and
// PrepareConn need beyond the connection and cluster config itself.
type Options struct {
	Who           hostiface.FuncIdentity
	Host          hostiface.Host
	LocalEncoding string // e.g. "UTF8"; compared against the remote's reported client_encoding
	LocalVersion  string // "major.minor", e.g. "16.2"; compared against the remote's server_version
}

const readChunk = 16 * 1024

// PrepareConn performs the staleness check of spec.md §4.1 before a
// connection is armed for a call: a Done connection from a prior call is
// recycled to Ready, a connection past its configured lifetime is dropped
// and a fresh connect is started, a connection idle past IdleConnCheck is
// probed and likewise dropped and reconnected only if the probe finds it
// readable, and a connection that was never established is started now.
func PrepareConn(c *cluster.ProxyConnection, cfg cluster.Config, now time.Time) error {
	if c.State == cluster.StateDone {
		c.State = cluster.StateReady
	}

	switch c.State {
	case cluster.StateNone:
		return startConnect(c, cfg, now)
	case cluster.StateReady:
		if c.Conn() == nil {
			return startConnect(c, cfg, now)
		}
		if cfg.ConnectionLifetime > 0 && now.Sub(c.ConnectTime) >= cfg.ConnectionLifetime {
			dropConn(c)
			return startConnect(c, cfg, now)
		}
		if now.Sub(c.QueryTime) >= cluster.IdleConnCheck {
			if idleConnReadable(c) {
				dropConn(c)
				return startConnect(c, cfg, now)
			}
		}
		return nil
	default:
		// Mid-flight states (ConnectWrite/ConnectRead/QueryWrite/QueryRead)
		// are driven by Advance, not re-prepared.
		return nil
	}
}

// idleConnReadable issues a zero-timeout readability probe: any byte (or
// EOF) waiting on a connection that should be idle means the backend
// closed it or sent something unsolicited, so it is not safe to reuse
// (spec.md §4.1 "Staleness check").
func idleConnReadable(c *cluster.ProxyConnection) bool {
	fd := c.FD()
	if fd < 0 {
		return true
	}
	var buf [1]byte
	n, err := rawRead(fd, buf[:])
	if err == errWouldBlock {
		return false
	}
	return n != 0 || err != nil
}

func dropConn(c *cluster.ProxyConnection) {
	if fd := c.FD(); fd >= 0 {
		closeFD(fd)
	}
	c.SetConn(nil, -1)
	c.State = cluster.StateNone
}

func startConnect(c *cluster.ProxyConnection, cfg cluster.Config, now time.Time) error {
	params := cluster.ParseOptionString(c.Connstr)
	hostPort := net.JoinHostPort(orDefault(params["host"], "localhost"), orDefault(params["port"], "5432"))

	fd, err := dialNonBlocking(hostPort)
	if err != nil {
		return fail(c, fmt.Errorf("csm: connect %s: %w", hostPort, err))
	}
	applySocketTuning(fd, cfg)

	c.SetConn(rawConnPlaceholder{}, fd)
	// connect_time is recorded at the start of the attempt, not after the
	// handshake completes, so connect_timeout enforcement covers the TCP
	// connect itself.
	c.ConnectTime = now
	c.SameVer = false
	c.Tuning = false
	c.TuningRetried = false
	c.State = cluster.StateConnectWrite

	startup := wire.StartupMessage(map[string]string{
		"user":             orDefault(params["user"], "postgres"),
		"database":         orDefault(params["dbname"], params["user"]),
		"application_name": "fanout",
	})
	c.PendingWrite = startup
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// rawConnPlaceholder satisfies cluster.ProxyConnection.SetConn's net.Conn
// parameter; csm drives raw fds directly via golang.org/x/sys/unix rather
// than through net.Conn, but ProxyConnection.Conn() is used elsewhere only
// to test connectedness, never to read or write.
type rawConnPlaceholder struct{}

func (rawConnPlaceholder) Read([]byte) (int, error)        { return 0, errors.New("csm: not used") }
func (rawConnPlaceholder) Write([]byte) (int, error)       { return 0, errors.New("csm: not used") }
func (rawConnPlaceholder) Close() error                    { return nil }
func (rawConnPlaceholder) LocalAddr() net.Addr              { return nil }
func (rawConnPlaceholder) RemoteAddr() net.Addr             { return nil }
func (rawConnPlaceholder) SetDeadline(time.Time) error      { return nil }
func (rawConnPlaceholder) SetReadDeadline(time.Time) error  { return nil }
func (rawConnPlaceholder) SetWriteDeadline(time.Time) error { return nil }

// Advance drives one connection's state machine in response to a single
// readiness event, implementing the transition table of spec.md §4.1.
func Advance(c *cluster.ProxyConnection, ev poller.Event, cfg cluster.Config, opts Options) error {
	switch c.State {
	case cluster.StateConnectWrite:
		return advanceConnectWrite(c, ev)
	case cluster.StateConnectRead:
		return advanceConnectRead(c, ev, opts)
	case cluster.StateQueryWrite:
		return advanceQueryWrite(c, ev)
	case cluster.StateQueryRead:
		return advanceQueryRead(c, ev, opts)
	default:
		return nil
	}
}

func advanceConnectWrite(c *cluster.ProxyConnection, ev poller.Event) error {
	if !ev.Writable {
		return nil
	}
	if err := connectError(c.FD()); err != nil {
		return fail(c, fmt.Errorf("csm: connect failed: %w", err))
	}
	n, err := flushPending(c)
	if err != nil {
		return fail(c, fmt.Errorf("csm: startup write: %w", err))
	}
	if n > 0 {
		return nil // still writing
	}
	c.WireBuf = wire.Reader{}
	c.State = cluster.StateConnectRead
	return nil
}

func advanceConnectRead(c *cluster.ProxyConnection, ev poller.Event, opts Options) error {
	if !ev.Readable {
		return nil
	}
	if err := fillBuffer(c); err != nil {
		return fail(c, fmt.Errorf("csm: startup read: %w", err))
	}
	for {
		msg, ok, err := c.WireBuf.Next()
		if err != nil {
			return fail(c, fmt.Errorf("csm: %w", err))
		}
		if !ok {
			return nil // suspend for more bytes
		}
		switch msg.Type {
		case wire.TypeAuthentication:
			auth, err := wire.ParseAuth(msg.Body)
			if err != nil {
				return fail(c, fmt.Errorf("csm: %w", err))
			}
			switch auth.Kind {
			case wire.AuthOK:
				// continue draining ParameterStatus/BackendKeyData
			case wire.AuthCleartextPassword:
				params := cluster.ParseOptionString(c.Connstr)
				pw, ok := params["password"]
				if !ok {
					return fail(c, fmt.Errorf("csm: backend requires a password but connect string has none"))
				}
				c.PendingWrite = wire.PasswordMessage(pw)
				if err := flushAllPending(c); err != nil && err != errWouldBlock {
					return fail(c, fmt.Errorf("csm: password write: %w", err))
				}
			default:
				return fail(c, fmt.Errorf("csm: unsupported authentication method %d", auth.Kind))
			}
		case wire.TypeParameterStatus:
			ps := wire.ParseParameterStatus(msg.Body)
			switch ps.Name {
			case "server_version":
				c.SameVer = majorMinor(ps.Value) == majorMinor(opts.LocalVersion)
			case "client_encoding":
				// tracked implicitly; re-read via a fresh ParameterStatus
				// once tuning issues SET client_encoding, handled below.
			}
			c.ServerParams()[ps.Name] = ps.Value
		case wire.TypeBackendKeyData:
			bkd := wire.ParseBackendKeyData(msg.Body)
			c.BackendPID, c.BackendSecretKey = bkd.PID, bkd.SecretKey
		case wire.TypeErrorResponse:
			return fail(c, fmt.Errorf("csm: login failed: %s", wire.ParseErrorOrNotice(msg.Body).Message))
		case wire.TypeReadyForQuery:
			c.State = cluster.StateReady
			return nil
		}
	}
}

func advanceQueryWrite(c *cluster.ProxyConnection, ev poller.Event) error {
	if !ev.Writable {
		return nil
	}
	n, err := flushPending(c)
	if err != nil {
		return fail(c, fmt.Errorf("csm: query write: %w", err))
	}
	if n > 0 {
		return nil
	}
	c.QueryTime = time.Now()
	c.WireBuf = wire.Reader{}
	c.State = cluster.StateQueryRead
	return nil
}

func advanceQueryRead(c *cluster.ProxyConnection, ev poller.Event, opts Options) error {
	if !ev.Readable {
		return nil
	}
	if err := fillBuffer(c); err != nil {
		return fail(c, fmt.Errorf("csm: query read: %w", err))
	}
	for {
		msg, ok, err := c.WireBuf.Next()
		if err != nil {
			return fail(c, fmt.Errorf("csm: %w", err))
		}
		if !ok {
			return nil
		}
		switch msg.Type {
		case wire.TypeParseComplete, wire.TypeBindComplete, wire.TypeParamDescription,
			wire.TypeNoData, wire.TypePortalSuspended:
			// no state change
		case wire.TypeRowDescription:
			if c.Result != nil {
				return fail(c, fmt.Errorf("csm: backend returned more than one tuple-bearing result"))
			}
			fields, err := wire.ParseRowDescription(msg.Body)
			if err != nil {
				return fail(c, fmt.Errorf("csm: %w", err))
			}
			names := make([]string, len(fields))
			for i, f := range fields {
				names[i] = f.Name
			}
			c.Result = &cluster.QueryResult{Fields: names}
		case wire.TypeDataRow:
			values, err := wire.ParseDataRow(msg.Body)
			if err != nil {
				return fail(c, fmt.Errorf("csm: %w", err))
			}
			if c.Result == nil {
				return fail(c, fmt.Errorf("csm: data row with no preceding row description"))
			}
			row := make([]any, len(values))
			for i, v := range values {
				row[i] = v // raw bytes; decoded by the type-codec host collaborator
			}
			c.Result.Rows = append(c.Result.Rows, row)
		case wire.TypeCommandComplete:
			// A command-OK result with no rows is discarded unless it's
			// the result we're waiting for (spec.md §4.1 "Result drain").
		case wire.TypeEmptyQueryResp:
			if c.Result == nil {
				c.Result = &cluster.QueryResult{}
			}
		case wire.TypeParameterStatus:
			// A SET during the tuning round trip (or any other runtime
			// parameter change) reports its new value here, not during the
			// startup handshake; record it so a re-check of
			// NeedsEncodingTuning sees the post-SET value, not the stale
			// one from connection startup.
			ps := wire.ParseParameterStatus(msg.Body)
			c.ServerParams()[ps.Name] = ps.Value
		case wire.TypeNoticeResponse:
			opts.Host.Notice(opts.Who, wire.ParseErrorOrNotice(msg.Body).Message)
		case wire.TypeErrorResponse:
			c.LastError = wire.ParseErrorOrNotice(msg.Body)
			return fail(c, fmt.Errorf("csm: remote error: %s", c.LastError.Message))
		case wire.TypeReadyForQuery:
			if c.Tuning {
				c.Tuning = false
				c.State = cluster.StateReady
				return nil
			}
			if c.Result == nil {
				return fail(c, fmt.Errorf("csm: no tuple result present at end of query"))
			}
			c.State = cluster.StateDone
			return nil
		}
	}
}

// NeedsEncodingTuning decides whether a freshly-established connection's
// reported client_encoding diverges from the local encoding and a tuning
// round trip should be submitted before the real query (spec.md §4.1
// "tuning"). Called by core/exec immediately after a connection first
// reaches Ready within a call.
func NeedsEncodingTuning(c *cluster.ProxyConnection, localEncoding string) (sql string, need bool, err error) {
	remote := c.ServerParams()["client_encoding"]
	if remote == "" || remote == localEncoding {
		return "", false, nil
	}
	if c.TuningRetried {
		return "", false, fmt.Errorf("csm: client_encoding still %q after tuning, want %q", remote, localEncoding)
	}
	c.TuningRetried = true
	return "set client_encoding = '" + localEncoding + "'", true, nil
}

// SubmitTuning arms a connection with a tuning query and marks it as such
// so the drain loop returns it to Ready instead of Done.
func SubmitTuning(c *cluster.ProxyConnection, sql string) {
	c.Tuning = true
	c.PendingWrite = wire.QueryMessages(sql, nil, false)
	c.State = cluster.StateQueryWrite
}

// SubmitQuery arms a Ready connection with its bound query for this call,
// encoding the extended-query pipeline via core/wire.
func SubmitQuery(c *cluster.ProxyConnection, sql string, resultBinary bool) {
	params := make([]wire.BindParam, len(c.Values))
	for i, v := range c.Values {
		binary := len(c.Formats) > i && c.Formats[i] == 1
		params[i] = wire.BindParam{Value: v, Binary: binary}
	}
	c.PendingWrite = wire.QueryMessages(sql, params, resultBinary)
	c.State = cluster.StateQueryWrite
}

// Cancel issues a best-effort PostgreSQL CancelRequest on a fresh
// short-lived connection, grounded on lib/pq's watchCancel/cancel pattern
// (spec.md §5 "Cancellation"). Errors are intentionally swallowed by the
// caller; cancellation is advisory.
func Cancel(c *cluster.ProxyConnection, cfg cluster.Config) error {
	if c.BackendPID == 0 {
		return nil
	}
	params := cluster.ParseOptionString(c.Connstr)
	hostPort := net.JoinHostPort(orDefault(params["host"], "localhost"), orDefault(params["port"], "5432"))
	conn, err := net.DialTimeout("tcp", hostPort, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("csm: cancel dial: %w", err)
	}
	defer conn.Close()
	_, err = conn.Write(wire.CancelRequest(c.BackendPID, c.BackendSecretKey))
	return err
}

func flushPending(c *cluster.ProxyConnection) (remaining int, err error) {
	for len(c.PendingWrite) > 0 {
		n, err := rawWrite(c.FD(), c.PendingWrite)
		if err == errWouldBlock {
			return len(c.PendingWrite), nil
		}
		if err != nil {
			return 0, err
		}
		c.PendingWrite = c.PendingWrite[n:]
	}
	return 0, nil
}

// flushAllPending blocks the caller in a tight loop only across messages
// already known to be small (auth responses); it's used from within a
// single readable event so it still participates in the non-blocking
// model — if the socket isn't writable it reports errWouldBlock upward.
func flushAllPending(c *cluster.ProxyConnection) error {
	n, err := flushPending(c)
	if err != nil {
		return err
	}
	if n > 0 {
		return errWouldBlock
	}
	return nil
}

func fillBuffer(c *cluster.ProxyConnection) error {
	buf := pools.GetBytes(readChunk)
	defer pools.PutBytes(buf)
	for {
		n, err := rawRead(c.FD(), buf)
		if n > 0 {
			c.WireBuf.Feed(buf[:n])
		}
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("csm: connection closed by backend")
		}
		if n < readChunk {
			return nil
		}
	}
}

func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
