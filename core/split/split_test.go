package split

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
)

func newTestCluster(t *testing.T, n int) *cluster.Cluster {
	t.Helper()
	connstrs := make([]string, n)
	for i := range connstrs {
		connstrs[i] = "host=localhost port=5432 dbname=p application_name=p" + string(rune('0'+i))
	}
	cl, err := cluster.NewCluster("c", cluster.Config{}, connstrs, "alice", "alice")
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	return cl
}

// identityHashStmt answers the per-row hash query h(x) = x, the same
// toy hash function spec.md §8's worked scenarios use.
type identityHashStmt struct{}

func (identityHashStmt) Execute(_ context.Context, args []any) ([][]any, error) {
	return [][]any{{args[0]}}, nil
}

// generateSeriesHashStmt answers the optimized (i, hash) query for a
// fixed element vector using the same identity hash function.
type generateSeriesHashStmt struct{ xs []int64 }

func (s generateSeriesHashStmt) Execute(context.Context, []any) ([][]any, error) {
	rows := make([][]any, len(s.xs))
	for i, x := range s.xs {
		rows[i] = []any{int64(i + 1), x}
	}
	return rows, nil
}

type fakeSplitHost struct {
	optimized generateSeriesHashStmt
}

func (h fakeSplitHost) ClusterConfig(context.Context, string) (cluster.Config, error) {
	return cluster.Config{}, nil
}
func (h fakeSplitHost) PartitionConnStrings(context.Context, string) ([]string, error) { return nil, nil }
func (h fakeSplitHost) ClusterVersion(context.Context, string) (uint64, error)         { return 0, nil }
func (h fakeSplitHost) TypeCodec(catalog.OID) (catalog.Codec, bool)                    { return nil, false }
func (h fakeSplitHost) Cancelled(context.Context) bool                                 { return false }
func (h fakeSplitHost) RaiseError(hostiface.FuncIdentity, error)                       {}
func (h fakeSplitHost) Notice(hostiface.FuncIdentity, string)                          {}

// PrepareHashQuery dispatches on the SQL text the way a real host would
// dispatch on a cached prepared-statement key: the fallback per-row hash
// query versus the optimized generate-series-driven one.
func (h fakeSplitHost) PrepareHashQuery(_ context.Context, sql string) (hostiface.PreparedStmt, error) {
	if sql == "select i, h(x) from generate_series(...)" {
		return h.optimized, nil
	}
	return identityHashStmt{}, nil
}

func buildPlan(xs []int64, optimized bool) Plan {
	values := make([]any, len(xs))
	for i, x := range xs {
		values[i] = x
	}
	arr := cluster.NewDatumArray(catalog.Int8, values, make([]bool, len(xs)))
	return Plan{
		SplitArgIndices:  []int{0},
		Arrays:           []cluster.DatumArray{arr},
		OtherArgs:        []any{nil},
		HashSQL:          "select h($1)",
		Optimized:        optimized,
		OptimizedHashSQL: "select i, h(x) from generate_series(...)",
	}
}

func elementsOf(t *testing.T, conn *cluster.ProxyConnection) []any {
	t.Helper()
	return conn.SplitParams[0].Values
}

func TestSplitScenario3AllElementsHashToOnePartition(t *testing.T) {
	cl := newTestCluster(t, 4)
	xs := []int64{1, 5, 9} // 1&3=1, 5&3=1, 9&3=1 -> all route to partition 1
	host := fakeSplitHost{optimized: generateSeriesHashStmt{xs: xs}}

	plan := buildPlan(xs, false)
	armed, err := Route(context.Background(), cl, plan, host)
	if err != nil {
		t.Fatalf("Route (fallback): %v", err)
	}
	if len(armed) != 1 || armed[0] != cl.PartitionConn(1) {
		t.Fatalf("expected exactly partition 1 armed, got %d connections", len(armed))
	}
	got := elementsOf(t, cl.PartitionConn(1))
	want := []any{int64(1), int64(5), int64(9)}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("partition 1 elements mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitScenario4EachElementOwnPartition(t *testing.T) {
	cl := newTestCluster(t, 4)
	xs := []int64{1, 2, 3, 4} // -> partitions 1,2,3,0
	host := fakeSplitHost{optimized: generateSeriesHashStmt{xs: xs}}

	plan := buildPlan(xs, false)
	armed, err := Route(context.Background(), cl, plan, host)
	if err != nil {
		t.Fatalf("Route (fallback): %v", err)
	}
	if len(armed) != 4 {
		t.Fatalf("expected 4 partitions armed, got %d", len(armed))
	}
	wantByPart := map[int]int64{1: 1, 2: 2, 3: 3, 0: 4}
	for part, want := range wantByPart {
		got := elementsOf(t, cl.PartitionConn(part))
		if diff := pretty.Compare([]any{want}, got); diff != "" {
			t.Fatalf("partition %d elements mismatch (-want +got):\n%s", part, diff)
		}
	}
}

func TestSplitOptimizedMatchesFallback(t *testing.T) {
	xs := []int64{1, 5, 9, 2, 3, 4}
	for _, optimized := range []bool{false, true} {
		cl := newTestCluster(t, 4)
		host := fakeSplitHost{optimized: generateSeriesHashStmt{xs: xs}}
		plan := buildPlan(xs, optimized)
		if _, err := Route(context.Background(), cl, plan, host); err != nil {
			t.Fatalf("Route(optimized=%v): %v", optimized, err)
		}
		if optimized {
			optResult := snapshot(cl)
			cl2 := newTestCluster(t, 4)
			plan2 := buildPlan(xs, false)
			if _, err := Route(context.Background(), cl2, plan2, host); err != nil {
				t.Fatalf("Route(fallback): %v", err)
			}
			fallbackResult := snapshot(cl2)
			if diff := pretty.Compare(fallbackResult, optResult); diff != "" {
				t.Fatalf("optimized/fallback mismatch (-fallback +optimized):\n%s", diff)
			}
		}
	}
}

func snapshot(cl *cluster.Cluster) map[int][]any {
	out := map[int][]any{}
	for p := 0; p < cl.PartCount; p++ {
		c := cl.PartitionConn(p)
		if c.RunTag != 0 {
			out[p] = c.SplitParams[0].Values
		}
	}
	return out
}

func TestSplitDifferingLengthsIsFatal(t *testing.T) {
	cl := newTestCluster(t, 4)
	arr1 := cluster.NewDatumArray(catalog.Int8, []any{int64(1), int64(2)}, []bool{false, false})
	arr2 := cluster.NewDatumArray(catalog.Int8, []any{int64(1)}, []bool{false})
	plan := Plan{
		SplitArgIndices: []int{0, 1},
		Arrays:          []cluster.DatumArray{arr1, arr2},
		OtherArgs:       []any{nil, nil},
	}
	if _, err := Route(context.Background(), cl, plan, fakeSplitHost{}); err == nil {
		t.Fatal("expected an error for split arrays of differing lengths")
	}
}
