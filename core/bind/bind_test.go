package bind

import (
	"bytes"
	"testing"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
)

func newConns(n int) []*cluster.ProxyConnection {
	conns := make([]*cluster.ProxyConnection, n)
	for i := range conns {
		conns[i] = &cluster.ProxyConnection{SplitParams: make([]cluster.DatumArray, 2)}
	}
	return conns
}

func TestBindSharesNonSplitEncodingAcrossPartitions(t *testing.T) {
	conns := newConns(3)
	query := cluster.ProxyQuery{SQL: "select f($1)", ArgLookup: []int{0}}
	registry := catalog.NewRegistry(nil)

	if err := Bind(conns, query, []any{int64(42)}, []catalog.OID{catalog.Int8}, registry, false); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	for i, c := range conns {
		if !bytes.Equal(c.Values[0], []byte("42")) {
			t.Fatalf("conn %d: want value 42, got %q", i, c.Values[0])
		}
		if c.Formats[0] != 0 {
			t.Fatalf("conn %d: want text format, got %d", i, c.Formats[0])
		}
	}
	// The same underlying byte slice should be shared across connections.
	if &conns[0].Values[0][0] != &conns[1].Values[0][0] {
		t.Fatal("expected non-split argument encoding to be shared, not re-encoded per partition")
	}
}

func TestBindNullAlwaysFormatZero(t *testing.T) {
	conns := newConns(1)
	query := cluster.ProxyQuery{SQL: "select f($1)", ArgLookup: []int{0}}
	registry := catalog.NewRegistry(nil)

	if err := Bind(conns, query, []any{nil}, []catalog.OID{catalog.Int8}, registry, true); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	c := conns[0]
	if c.Values[0] != nil {
		t.Fatalf("want nil value for NULL argument, got %q", c.Values[0])
	}
	if c.Lengths[0] != 0 {
		t.Fatalf("want length 0 for NULL argument, got %d", c.Lengths[0])
	}
	if c.Formats[0] != 0 {
		t.Fatalf("want format 0 for NULL argument even when binary is requested, got %d", c.Formats[0])
	}
}

func TestBindEncodesSplitParamsPerPartition(t *testing.T) {
	conns := newConns(2)
	conns[0].SplitParams[0] = cluster.NewDatumArray(catalog.Int8, []any{int64(1), int64(5)}, []bool{false, false})
	conns[1].SplitParams[0] = cluster.NewDatumArray(catalog.Int8, []any{int64(9)}, []bool{false})

	query := cluster.ProxyQuery{SQL: "select f($1)", ArgLookup: []int{0}}
	registry := catalog.NewRegistry(nil)

	if err := Bind(conns, query, []any{[]any{int64(1), int64(5), int64(9)}}, []catalog.OID{catalog.Int8}, registry, false); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !bytes.Equal(conns[0].Values[0], []byte("{1,5}")) {
		t.Fatalf("conn 0: want {1,5}, got %q", conns[0].Values[0])
	}
	if !bytes.Equal(conns[1].Values[0], []byte("{9}")) {
		t.Fatalf("conn 1: want {9}, got %q", conns[1].Values[0])
	}
}
