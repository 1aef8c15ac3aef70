// Package split implements the Split Planner of spec.md §4.4: when one or
// more function arguments are declared as split arrays, it decomposes them
// element-wise, routes each index to a partition via the hash function, and
// accumulates per-partition sub-arrays to be passed in place of the
// original arrays. Both the optimized (single generate-series-driven hash
// query) and fallback (per-row hash invocation) paths are implemented and
// are required to agree (spec.md §8 invariant 4).
package split

import (
	"context"
	"fmt"

	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
)

// Plan describes a split call: the indices of the function's split-array
// arguments, their common element count L, and the hash-query machinery
// to route each index.
type Plan struct {
	SplitArgIndices []int               // function argument indices that are split arrays
	Arrays          []cluster.DatumArray // one entry per SplitArgIndices, length L each
	OtherArgs       []any               // the full function argument vector; split slots are ignored by the caller

	// HashSQL is the per-row (fallback) hash query: bound with a
	// single-row view over the split arrays plus OtherArgs.
	HashSQL string
	// Optimized selects the single generate-series-driven hash query
	// path (spec.md §4.4 "Optimized path"); when true, OptimizedHashSQL
	// is used instead of HashSQL.
	Optimized        bool
	OptimizedHashSQL string
}

// accumulator collects one partition's per-argument element builders.
type accumulator struct {
	conn      *cluster.ProxyConnection
	firstIdx  int // the i that first routed here (1-based, matches run_tag)
	perArg    [][]any
	perArgNul [][]bool
}

// Route executes the split plan against a cluster, setting run_tag and
// split_params on every partition that receives at least one element
// (spec.md §4.4 steps 2-3). Returns the armed connections in tagging
// order for the Executor to prime.
func Route(ctx context.Context, cl *cluster.Cluster, plan Plan, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	if err := validate(plan); err != nil {
		return nil, err
	}
	l := plan.length()
	if l == 0 {
		return nil, nil
	}

	if plan.Optimized {
		return routeOptimized(ctx, cl, plan, l, host)
	}
	return routeFallback(ctx, cl, plan, l, host)
}

func validate(plan Plan) error {
	if len(plan.Arrays) == 0 {
		return fmt.Errorf("split: no split-array arguments declared")
	}
	l := plan.Arrays[0].Count
	for i, a := range plan.Arrays {
		if a.Count != l {
			return fmt.Errorf("split: split arrays have differing lengths (%d vs %d at index %d)", l, a.Count, i)
		}
	}
	return nil
}

func (p Plan) length() int {
	if len(p.Arrays) == 0 {
		return 0
	}
	return p.Arrays[0].Count
}

func routeFallback(ctx context.Context, cl *cluster.Cluster, plan Plan, l int, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	accByConn := map[*cluster.ProxyConnection]*accumulator{}
	var order []*cluster.ProxyConnection

	stmt, err := host.PrepareHashQuery(ctx, plan.HashSQL)
	if err != nil {
		return nil, fmt.Errorf("split: prepare hash query: %w", err)
	}

	for i := 0; i < l; i++ {
		args := rowView(plan, i)
		rows, err := stmt.Execute(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("split: hash query at index %d: %w", i, err)
		}
		if len(rows) != 1 || len(rows[0]) != 1 {
			return nil, fmt.Errorf("split: hash query at index %d must return exactly one row of one column", i)
		}
		if rows[0][0] == nil {
			return nil, fmt.Errorf("split: hash query at index %d returned a NULL value", i)
		}
		h, err := toInt64(rows[0][0])
		if err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
		part := int(h) & cl.PartMask
		conn := cl.PartitionConn(part)

		acc, ok := accByConn[conn]
		if !ok {
			acc = newAccumulator(conn, i+1, len(plan.Arrays))
			accByConn[conn] = acc
			order = append(order, conn)
		}
		appendRow(acc, plan, i)
	}

	return materialize(order, accByConn, plan), nil
}

// routeOptimized replaces the fallback's L hash invocations with one
// generate-series-driven query returning (i, hash) pairs, then replays
// them through the exact same tag-once/accumulate-always reducer the
// fallback path uses (spec.md §8 invariant 4: the two paths must agree).
// A duplicate (partition, i) row — the same index reported twice, which
// a generate-series/join-based query plan can produce — is collapsed to
// one; a distinct index landing on an already-tagged partition still
// contributes its elements, it just doesn't change run_tag (spec.md §9
// open question (a), resolved in favor of matching the fallback path and
// the worked example in spec.md §8 scenario 3).
func routeOptimized(ctx context.Context, cl *cluster.Cluster, plan Plan, l int, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	stmt, err := host.PrepareHashQuery(ctx, plan.OptimizedHashSQL)
	if err != nil {
		return nil, fmt.Errorf("split: prepare optimized hash query: %w", err)
	}
	rows, err := stmt.Execute(ctx, plan.OtherArgs)
	if err != nil {
		return nil, fmt.Errorf("split: optimized hash query: %w", err)
	}

	hashByIdx := make(map[int]int64, len(rows))
	for _, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("split: optimized hash query must return (i, hash) pairs, got %d columns", len(row))
		}
		if row[0] == nil || row[1] == nil {
			return nil, fmt.Errorf("split: optimized hash query returned a NULL value")
		}
		iVal, err := toInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("split: optimized hash query index: %w", err)
		}
		hVal, err := toInt64(row[1])
		if err != nil {
			return nil, fmt.Errorf("split: optimized hash query hash: %w", err)
		}
		i := int(iVal) - 1 // generate-series is 1-based
		if i < 0 || i >= l {
			return nil, fmt.Errorf("split: optimized hash query index %d out of range [0,%d)", i, l)
		}
		if _, dup := hashByIdx[i]; dup {
			continue // same (partition, i) row reported twice
		}
		hashByIdx[i] = hVal
	}

	accByConn := map[*cluster.ProxyConnection]*accumulator{}
	var order []*cluster.ProxyConnection
	for i := 0; i < l; i++ {
		hVal, ok := hashByIdx[i]
		if !ok {
			return nil, fmt.Errorf("split: optimized hash query did not report index %d", i)
		}
		part := int(hVal) & cl.PartMask
		conn := cl.PartitionConn(part)
		acc, ok := accByConn[conn]
		if !ok {
			acc = newAccumulator(conn, i+1, len(plan.Arrays))
			accByConn[conn] = acc
			order = append(order, conn)
		}
		appendRow(acc, plan, i)
	}

	return materialize(order, accByConn, plan), nil
}

func newAccumulator(conn *cluster.ProxyConnection, firstIdx, nArgs int) *accumulator {
	return &accumulator{
		conn:      conn,
		firstIdx:  firstIdx,
		perArg:    make([][]any, nArgs),
		perArgNul: make([][]bool, nArgs),
	}
}

func appendRow(acc *accumulator, plan Plan, i int) {
	for argPos, arr := range plan.Arrays {
		var v any
		var isNull bool
		if i < len(arr.Nulls) && arr.Nulls[i] {
			isNull = true
		} else if i < len(arr.Values) {
			v = arr.Values[i]
		}
		acc.perArg[argPos] = append(acc.perArg[argPos], v)
		acc.perArgNul[argPos] = append(acc.perArgNul[argPos], isNull)
	}
}

func materialize(order []*cluster.ProxyConnection, accByConn map[*cluster.ProxyConnection]*accumulator, plan Plan) []*cluster.ProxyConnection {
	for _, conn := range order {
		acc := accByConn[conn]
		conn.RunTag = acc.firstIdx
		if len(conn.SplitParams) == 0 {
			conn.SplitParams = make([]cluster.DatumArray, len(plan.OtherArgs))
		}
		for argPos, origIdx := range plan.SplitArgIndices {
			elemOID := plan.Arrays[argPos].ElemOID
			conn.SplitParams[origIdx] = cluster.NewDatumArray(elemOID, acc.perArg[argPos], acc.perArgNul[argPos])
		}
	}
	return order
}

// rowView builds the argument vector for the fallback per-row hash
// invocation: split arguments are replaced by their i-th element, other
// arguments pass through unchanged (spec.md §4.4 step 2).
func rowView(plan Plan, i int) []any {
	args := make([]any, len(plan.OtherArgs))
	copy(args, plan.OtherArgs)
	for argPos, origIdx := range plan.SplitArgIndices {
		arr := plan.Arrays[argPos]
		if i < len(arr.Nulls) && arr.Nulls[i] {
			args[origIdx] = nil
		} else {
			args[origIdx] = arr.Values[i]
		}
	}
	return args
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("hash value of unsupported type %T", v)
	}
}
