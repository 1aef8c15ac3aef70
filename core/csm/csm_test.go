package csm

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/poller"
)

// fakePostgres spins a one-shot loopback listener that plays the server
// side of the login handshake (and, if respond is non-nil, of one query
// round trip), the way a real partition backend would.
func fakePostgres(t *testing.T, serverVersion, clientEncoding string, respond func(net.Conn)) string {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain the startup packet (length-prefixed, no type byte).
		var lenBuf [4]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		rest := make([]byte, n-4)
		if _, err := readFull(conn, rest); err != nil {
			return
		}

		conn.Write(serverMsg('R', u32be(0)))
		conn.Write(serverMsg('S', cstrPair("server_version", serverVersion)))
		conn.Write(serverMsg('S', cstrPair("client_encoding", clientEncoding)))
		conn.Write(serverMsg('K', append(u32be(4242), u32be(9999)...)))
		conn.Write(serverMsg('Z', []byte{'I'}))

		if respond != nil {
			respond(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func serverMsg(typ byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, typ)
	out = append(out, u32be(uint32(4+len(body)))...)
	return append(out, body...)
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func cstrPair(a, b string) []byte {
	out := append([]byte(a), 0)
	out = append(out, b...)
	return append(out, 0)
}

// driveToState busy-polls Advance (standing in for the poll loop of
// spec.md §4.2) until c reaches one of the target states or the deadline
// passes, reporting both readiness bits on every call since the socket
// itself reports EAGAIN/EWOULDBLOCK when a direction isn't actually
// ready (csm's rawRead/rawWrite already treat that as errWouldBlock).
func driveToState(t *testing.T, c *cluster.ProxyConnection, opts Options, cfg cluster.Config, targets ...cluster.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range targets {
			if c.State == s {
				return
			}
		}
		if c.State == cluster.StateFatal {
			t.Fatalf("connection went fatal")
		}
		ev := poller.Event{FD: c.FD(), Readable: true, Writable: true}
		if err := Advance(c, ev, cfg, opts); err != nil && c.State != cluster.StateFatal {
			t.Fatalf("Advance: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state in %v, got %s", targets, c.State)
}

func newConn(t *testing.T, hostPort string) *cluster.ProxyConnection {
	t.Helper()
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return &cluster.ProxyConnection{Connstr: "host=" + host + " port=" + port + " dbname=p user=alice"}
}

func TestHandshakeSetsSameVerOnMatchingServerVersion(t *testing.T) {
	addr := fakePostgres(t, "16.4", "UTF8", nil)
	c := newConn(t, addr)
	cfg := cluster.Config{}
	opts := Options{Who: hostiface.FuncIdentity{Cluster: "c", Function: "f"}, LocalEncoding: "UTF8", LocalVersion: "16.4"}

	if err := PrepareConn(c, cfg, time.Now()); err != nil {
		t.Fatalf("PrepareConn: %v", err)
	}
	driveToState(t, c, opts, cfg, cluster.StateReady)

	if !c.SameVer {
		t.Fatal("want same_ver true for matching major.minor (16.4)")
	}
	if got := c.ServerParams()["client_encoding"]; got != "UTF8" {
		t.Fatalf("want client_encoding UTF8 captured, got %q", got)
	}
}

func TestHandshakeClearsSameVerOnDivergingServerVersion(t *testing.T) {
	addr := fakePostgres(t, "15.1", "UTF8", nil)
	c := newConn(t, addr)
	cfg := cluster.Config{}
	opts := Options{LocalEncoding: "UTF8", LocalVersion: "16.2"}

	if err := PrepareConn(c, cfg, time.Now()); err != nil {
		t.Fatalf("PrepareConn: %v", err)
	}
	driveToState(t, c, opts, cfg, cluster.StateReady)

	if c.SameVer {
		t.Fatal("want same_ver false for diverging major.minor (15.x vs 16.x)")
	}
}

func TestNeedsEncodingTuningDetectsDivergence(t *testing.T) {
	addr := fakePostgres(t, "16.4", "LATIN1", nil)
	c := newConn(t, addr)
	cfg := cluster.Config{}
	opts := Options{LocalEncoding: "UTF8", LocalVersion: "16.4"}

	if err := PrepareConn(c, cfg, time.Now()); err != nil {
		t.Fatalf("PrepareConn: %v", err)
	}
	driveToState(t, c, opts, cfg, cluster.StateReady)

	sql, need, err := NeedsEncodingTuning(c, opts.LocalEncoding)
	if err != nil {
		t.Fatalf("NeedsEncodingTuning: %v", err)
	}
	if !need {
		t.Fatal("want tuning needed for LATIN1 vs UTF8")
	}
	if sql != "set client_encoding = 'UTF8'" {
		t.Fatalf("unexpected tuning SQL: %q", sql)
	}

	// A second detected divergence on the same connection is fatal
	// (spec.md §4.1 "tuning a second time ... fails fatally").
	if _, _, err := NeedsEncodingTuning(c, opts.LocalEncoding); err == nil {
		t.Fatal("want error on repeated tuning divergence")
	}
}

func TestConnectTimeoutMeasuredFromAttemptStart(t *testing.T) {
	c := &cluster.ProxyConnection{Connstr: "host=192.0.2.1 port=1 dbname=p user=alice"}
	cfg := cluster.Config{ConnectTimeout: time.Millisecond}
	start := time.Now()
	if err := PrepareConn(c, cfg, start); err != nil {
		t.Fatalf("PrepareConn: %v", err)
	}
	if c.ConnectTime != start {
		t.Fatalf("want connect_time recorded at attempt start %v, got %v", start, c.ConnectTime)
	}
}
