package partition

import (
	"context"
	"testing"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
)

func newTestCluster(t *testing.T, n int) *cluster.Cluster {
	t.Helper()
	connstrs := make([]string, n)
	for i := range connstrs {
		connstrs[i] = "host=localhost port=5432 dbname=p"
		// distinguish slots so they don't all dedup to one connection
		connstrs[i] += " application_name=p" + string(rune('0'+i))
	}
	cl, err := cluster.NewCluster("c", cluster.Config{}, connstrs, "alice", "alice")
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	return cl
}

type fakeHost struct {
	rows [][]any
	err  error
}

func (f fakeHost) ClusterConfig(context.Context, string) (cluster.Config, error) {
	return cluster.Config{}, nil
}
func (f fakeHost) PartitionConnStrings(context.Context, string) ([]string, error) { return nil, nil }
func (f fakeHost) ClusterVersion(context.Context, string) (uint64, error)         { return 0, nil }
func (f fakeHost) TypeCodec(catalog.OID) (catalog.Codec, bool)                    { return nil, false }
func (f fakeHost) Cancelled(context.Context) bool                                 { return false }
func (f fakeHost) RaiseError(hostiface.FuncIdentity, error)                       {}
func (f fakeHost) Notice(hostiface.FuncIdentity, string)                          {}

func (f fakeHost) PrepareHashQuery(context.Context, string) (hostiface.PreparedStmt, error) {
	return fakeStmt{rows: f.rows, err: f.err}, nil
}

type fakeStmt struct {
	rows [][]any
	err  error
}

func (s fakeStmt) Execute(context.Context, []any) ([][]any, error) { return s.rows, s.err }

func TestTagAll(t *testing.T) {
	cl := newTestCluster(t, 4)
	armed, err := Tag(context.Background(), cl, RunOn{Mode: All}, 1, "", nil)
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if len(armed) != 4 {
		t.Fatalf("expected 4 armed connections, got %d", len(armed))
	}
	for p := 0; p < cl.PartCount; p++ {
		if cl.PartitionConn(p).RunTag != 1 {
			t.Errorf("partition %d not tagged", p)
		}
	}
}

func TestTagExact(t *testing.T) {
	cl := newTestCluster(t, 4)
	if _, err := Tag(context.Background(), cl, RunOn{Mode: Exact, ExactIndex: 2}, 1, "", nil); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	for p := 0; p < cl.PartCount; p++ {
		want := 0
		if p == 2 {
			want = 1
		}
		if cl.PartitionConn(p).RunTag != want {
			t.Errorf("partition %d: want run_tag %d, got %d", p, want, cl.PartitionConn(p).RunTag)
		}
	}
}

func TestTagExactOutOfRange(t *testing.T) {
	cl := newTestCluster(t, 4)
	if _, err := Tag(context.Background(), cl, RunOn{Mode: Exact, ExactIndex: 4}, 1, "", nil); err == nil {
		t.Fatal("expected an error for out-of-range EXACT index")
	}
}

func TestTagAnyExactlyOne(t *testing.T) {
	cl := newTestCluster(t, 4)
	armed, err := Tag(context.Background(), cl, RunOn{Mode: Any}, 1, "", nil)
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if len(armed) != 1 {
		t.Fatalf("expected exactly one armed connection, got %d", len(armed))
	}
	count := 0
	for p := 0; p < cl.PartCount; p++ {
		if cl.PartitionConn(p).RunTag != 0 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one tagged partition, got %d", count)
	}
}

func TestTagHashRoutesByMaskedHash(t *testing.T) {
	cl := newTestCluster(t, 4)
	host := fakeHost{rows: [][]any{{int64(6)}}} // 6 & 3 == 2
	armed, err := Tag(context.Background(), cl, RunOn{Mode: Hash, HashArgs: []any{int64(6)}}, 1, "select 6", host)
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if len(armed) != 1 || armed[0] != cl.PartitionConn(2) {
		t.Fatalf("expected partition 2 tagged, got %d armed", len(armed))
	}
}

func TestTagHashSetReturningUnionsPartitions(t *testing.T) {
	cl := newTestCluster(t, 4)
	host := fakeHost{rows: [][]any{{int64(1)}, {int64(5)}, {int64(2)}}} // 1,5->1 ; 2->2
	armed, err := Tag(context.Background(), cl, RunOn{Mode: Hash, SetReturning: true}, 1, "select h", host)
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if len(armed) != 2 {
		t.Fatalf("expected 2 distinct partitions tagged, got %d", len(armed))
	}
	if cl.PartitionConn(1).RunTag == 0 || cl.PartitionConn(2).RunTag == 0 {
		t.Fatal("expected partitions 1 and 2 tagged")
	}
}

func TestTagHashZeroRowsNonSetReturningIsFatal(t *testing.T) {
	cl := newTestCluster(t, 4)
	host := fakeHost{rows: nil}
	if _, err := Tag(context.Background(), cl, RunOn{Mode: Hash}, 1, "select h", host); err == nil {
		t.Fatal("expected an error for zero hash rows on a non-set-returning function")
	}
}

func TestTagHashNullValueIsFatal(t *testing.T) {
	cl := newTestCluster(t, 4)
	host := fakeHost{rows: [][]any{{nil}}}
	if _, err := Tag(context.Background(), cl, RunOn{Mode: Hash}, 1, "select h", host); err == nil {
		t.Fatal("expected an error for a NULL hash value")
	}
}
