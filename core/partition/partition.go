// Package partition implements the Partition Tagger of spec.md §4.3: given
// a call's RUN ON mode, it marks the subset of a cluster's connections to
// execute on by setting their run_tag. It is a pure selection step — the
// hash query itself is executed through the host-provided prepared
// statement collaborator, not fetched by this package.
package partition

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/hostiface"
)

// Mode selects one of the four RUN ON routing strategies (spec.md §4.3).
type Mode int

const (
	All Mode = iota
	Exact
	Any
	Hash
)

// RunOn describes a function's routing clause as extracted by the
// out-of-scope SQL parser (spec.md §1 "out of scope").
type RunOn struct {
	Mode Mode

	// ExactIndex is the partition-map index for Mode == Exact.
	ExactIndex int

	// HashArgs are the positional arguments to bind against the hash
	// query for Mode == Hash. Split calls do not go through Tag: core/split
	// binds its own single-row view over the split arrays.
	HashArgs []any

	// SetReturning allows the hash query to return more than one row,
	// unioning every selected partition (spec.md §4.3).
	SetReturning bool
}

// Tag marks every connection RunOn selects with the given run_tag and
// returns the list of newly-armed connections, or an error if the mode's
// contract is violated (spec.md §4.3, §7 "Configuration"/"Split contract").
func Tag(ctx context.Context, cl *cluster.Cluster, spec RunOn, tag int, hashSQL string, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	switch spec.Mode {
	case All:
		return tagAll(cl, tag), nil
	case Exact:
		return tagExact(cl, spec.ExactIndex, tag)
	case Any:
		return tagAny(cl, tag), nil
	case Hash:
		return tagHash(ctx, cl, spec, tag, hashSQL, host)
	default:
		return nil, fmt.Errorf("partition: unknown RUN ON mode %d", spec.Mode)
	}
}

// tagAll arms every distinct connection in the partition map. Duplicate
// connstrings share one *ProxyConnection (cluster.NewCluster), so a slot
// whose connection is already tagged is skipped rather than armed twice.
func tagAll(cl *cluster.Cluster, tag int) []*cluster.ProxyConnection {
	armed := make([]*cluster.ProxyConnection, 0, cl.PartCount)
	for p := 0; p < cl.PartCount; p++ {
		c := cl.PartitionConn(p)
		if c.RunTag != 0 {
			continue
		}
		c.RunTag = tag
		armed = append(armed, c)
	}
	return armed
}

func tagExact(cl *cluster.Cluster, idx, tag int) ([]*cluster.ProxyConnection, error) {
	if idx < 0 || idx >= cl.PartCount {
		return nil, fmt.Errorf("partition: RUN ON EXACT index %d out of range [0,%d)", idx, cl.PartCount)
	}
	c := cl.PartitionConn(idx)
	c.RunTag = tag
	return []*cluster.ProxyConnection{c}, nil
}

func tagAny(cl *cluster.Cluster, tag int) []*cluster.ProxyConnection {
	idx := rand.IntN(cl.PartCount) & cl.PartMask
	c := cl.PartitionConn(idx)
	c.RunTag = tag
	return []*cluster.ProxyConnection{c}
}

func tagHash(ctx context.Context, cl *cluster.Cluster, spec RunOn, tag int, hashSQL string, host hostiface.Host) ([]*cluster.ProxyConnection, error) {
	stmt, err := host.PrepareHashQuery(ctx, hashSQL)
	if err != nil {
		return nil, fmt.Errorf("partition: prepare hash query: %w", err)
	}
	rows, err := stmt.Execute(ctx, spec.HashArgs)
	if err != nil {
		return nil, fmt.Errorf("partition: hash query: %w", err)
	}
	if len(rows) == 0 {
		if spec.SetReturning {
			return nil, nil
		}
		return nil, fmt.Errorf("partition: hash query returned zero rows")
	}
	if len(rows) > 1 && !spec.SetReturning {
		return nil, fmt.Errorf("partition: hash query returned %d rows for a non-set-returning function", len(rows))
	}

	armed := make([]*cluster.ProxyConnection, 0, len(rows))
	for _, row := range rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("partition: hash query must return exactly one column, got %d", len(row))
		}
		if row[0] == nil {
			return nil, fmt.Errorf("partition: hash query returned a NULL value")
		}
		h, err := toInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("partition: hash query: %w", err)
		}
		idx := int(h) & cl.PartMask
		c := cl.PartitionConn(idx)
		if c.RunTag == 0 {
			c.RunTag = tag
			armed = append(armed, c)
		}
	}
	return armed, nil
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
