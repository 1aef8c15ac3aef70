package exec

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
	"github.com/partitionql/fanout/core/partition"
	"github.com/partitionql/fanout/core/poller"
)

// fakePartition runs a one-shot loopback PostgreSQL-speaking server: it
// completes the login handshake, then answers exactly one query with a
// single-row, single-column text result.
func fakePartition(t *testing.T, row string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lenBuf [4]byte
		if _, err := readFullT(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if _, err := readFullT(conn, make([]byte, n-4)); err != nil {
			return
		}

		conn.Write(msg('R', u32(0)))
		conn.Write(msg('S', cstr2("server_version", "16.4")))
		conn.Write(msg('S', cstr2("client_encoding", "UTF8")))
		conn.Write(msg('K', append(u32(1), u32(2)...)))
		conn.Write(msg('Z', []byte{'I'}))

		// Consume the Parse/Bind/Describe/Execute/Sync pipeline without
		// decoding it; a single Read is enough since the client flushes
		// it as one buffer.
		buf := make([]byte, 4096)
		conn.Read(buf)

		conn.Write(msg('T', rowDescription("v")))
		conn.Write(msg('D', dataRow(row)))
		conn.Write(msg('C', append([]byte("SELECT 1"), 0)))
		conn.Write(msg('Z', []byte{'I'}))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func readFullT(conn net.Conn, buf []byte) (int, error) {
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

func msg(typ byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, typ)
	out = append(out, u32(uint32(4+len(body)))...)
	return append(out, body...)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func cstr2(a, b string) []byte {
	out := append([]byte(a), 0)
	out = append(out, b...)
	return append(out, 0)
}

func rowDescription(col string) []byte {
	body := append(u16(1), []byte(col)...)
	body = append(body, 0)
	body = append(body, u32(0)...)  // table OID
	body = append(body, u16(0)...)  // column attnum
	body = append(body, u32(uint32(catalog.Text))...)
	body = append(body, []byte{0xFF, 0xFF}...) // type size -1 (varlena)
	body = append(body, u32(0xFFFFFFFF)...)    // type modifier -1
	body = append(body, u16(0)...)             // text format
	return body
}

func dataRow(v string) []byte {
	body := u16(1)
	body = append(body, u32(uint32(len(v)))...)
	body = append(body, v...)
	return body
}

type fakeExecHost struct{}

func (fakeExecHost) ClusterConfig(context.Context, string) (cluster.Config, error) { return cluster.Config{}, nil }
func (fakeExecHost) PartitionConnStrings(context.Context, string) ([]string, error) { return nil, nil }
func (fakeExecHost) ClusterVersion(context.Context, string) (uint64, error)         { return 0, nil }
func (fakeExecHost) PrepareHashQuery(context.Context, string) (hostiface.PreparedStmt, error) {
	return nil, nil
}
func (fakeExecHost) TypeCodec(catalog.OID) (catalog.Codec, bool) { return nil, false }
func (fakeExecHost) Cancelled(context.Context) bool              { return false }
func (fakeExecHost) RaiseError(hostiface.FuncIdentity, error)    {}
func (fakeExecHost) Notice(hostiface.FuncIdentity, string)       {}

func newSinglePartitionCluster(t *testing.T, addr string, cfg cluster.Config) *cluster.Cluster {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	cl, err := cluster.NewCluster("c", cfg, []string{"host=" + host + " port=" + port + " dbname=p user=alice"}, "alice", "alice")
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	return cl
}

func newExecutor() *Executor {
	return &Executor{
		Host:          fakeExecHost{},
		Registry:      catalog.NewRegistry(nil),
		LocalEncoding: "UTF8",
		LocalVersion:  "16.4",
		NewPoller:     poller.NewPoller,
	}
}

// TestExecuteRoundTripProducesExactlyOneResultPerArmedConnection is
// invariant 1: every armed connection ends Done with exactly one tuple
// result, and the pairing between "armed" and "has a result" is total.
func TestExecuteRoundTripProducesExactlyOneResultPerArmedConnection(t *testing.T) {
	addr := fakePartition(t, "hello")
	cl := newSinglePartitionCluster(t, addr, cluster.Config{})
	ex := newExecutor()

	spec := CallSpec{
		Query:   cluster.ProxyQuery{SQL: "select $1", ArgLookup: []int{0}},
		RunOn:   partition.RunOn{Mode: partition.Exact, ExactIndex: 0},
		Args:    []any{int64(42)},
		ArgOIDs: []catalog.OID{catalog.Int8},
	}

	res, err := ex.Execute(context.Background(), cl, hostiface.FuncIdentity{Cluster: "c", Function: "f"}, spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Connections) != 1 {
		t.Fatalf("want exactly 1 armed connection, got %d", len(res.Connections))
	}
	conn := res.Connections[0]
	if conn.State != cluster.StateDone {
		t.Fatalf("want state done, got %s", conn.State)
	}
	if conn.Result == nil || len(conn.Result.Rows) != 1 {
		t.Fatalf("want exactly one row, got %+v", conn.Result)
	}
	if res.RowCount != 1 {
		t.Fatalf("want ret_total 1, got %d", res.RowCount)
	}

	// Invariant 6: run_tag and the busy flag are cleared once the call
	// returns; the tuple result checked above stays readable.
	if conn.RunTag != 0 {
		t.Fatalf("want run_tag cleared after call, got %d", conn.RunTag)
	}
	if cl.Busy() {
		t.Fatal("want busy cleared after call")
	}
}

// TestBusyFlagRejectsReentrantExecute is invariant 7.
func TestBusyFlagRejectsReentrantExecute(t *testing.T) {
	cl := newSinglePartitionCluster(t, "127.0.0.1:1", cluster.Config{})
	if !cl.TryAcquire() {
		t.Fatal("expected to acquire busy flag")
	}
	defer cl.Release()

	ex := newExecutor()
	spec := CallSpec{RunOn: partition.RunOn{Mode: partition.All}}
	_, err := ex.Execute(context.Background(), cl, hostiface.FuncIdentity{}, spec)
	if err == nil {
		t.Fatal("expected an error for a reentrant call on a busy cluster")
	}
	var execErr *Error
	if !asExecError(err, &execErr) || execErr.Kind != Configuration {
		t.Fatalf("want Configuration error, got %v", err)
	}
}

// TestConfigurationErrorClearsPerCallStateAndBusyFlag is invariant 6 on
// the failure path: RUN ON EXACT with an out-of-range index fails before
// any I/O, and the call must still leave the cluster idle and clean.
func TestConfigurationErrorClearsPerCallStateAndBusyFlag(t *testing.T) {
	cl := newSinglePartitionCluster(t, "127.0.0.1:1", cluster.Config{})
	ex := newExecutor()

	spec := CallSpec{
		Query: cluster.ProxyQuery{SQL: "select 1"},
		RunOn: partition.RunOn{Mode: partition.Exact, ExactIndex: 7},
		Args:  []any{},
	}
	_, err := ex.Execute(context.Background(), cl, hostiface.FuncIdentity{}, spec)
	if err == nil {
		t.Fatal("expected an error for an out-of-range RUN ON EXACT index")
	}
	if cl.Busy() {
		t.Fatal("want busy cleared after a failed call")
	}
	for _, c := range cl.ConnList {
		if c.RunTag != 0 {
			t.Fatalf("want run_tag cleared after a failed call, got %d", c.RunTag)
		}
	}
}

func asExecError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
