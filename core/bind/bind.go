// Package bind implements the Parameter Binder of spec.md §4.5: for every
// placeholder of a function's remote query, it encodes the right value for
// each armed partition connection — sharing one encoding of a caller value
// across every partition that needs it, and encoding each partition's own
// split sub-array exactly once.
package bind

import (
	"fmt"

	"github.com/partitionql/fanout/core/catalog"
	"github.com/partitionql/fanout/core/cluster"
	"github.com/partitionql/fanout/core/pools"
)

// Bind fills values/lengths/formats on every armed connection per
// spec.md §4.5. args is the caller's function argument vector (by
// function argument index, not remote query placeholder index); argOIDs
// gives each argument's element type (its own type for a scalar, the
// element type for a split/array argument).
func Bind(armed []*cluster.ProxyConnection, query cluster.ProxyQuery, args []any, argOIDs []catalog.OID, registry *catalog.Registry, binary bool) error {
	shared := make(map[int][]byte) // function arg index -> shared encoding, for non-split args

	for _, conn := range armed {
		n := len(query.ArgLookup)
		conn.Values = make([][]byte, n)
		conn.Lengths = make([]int32, n)
		conn.Formats = make([]int16, n)

		for i, argIdx := range query.ArgLookup {
			if argIdx < 0 || argIdx >= len(args) {
				return fmt.Errorf("bind: arg_lookup[%d]=%d out of range for %d arguments", i, argIdx, len(args))
			}

			var (
				value  []byte
				isNull bool
			)

			switch {
			case argIdx < len(conn.SplitParams) && conn.SplitParams[argIdx].IsSet():
				v, err := encodeSplitArray(conn.SplitParams[argIdx], registry, binary)
				if err != nil {
					return fmt.Errorf("bind: function arg %d: %w", argIdx, err)
				}
				value = v // a split argument's materialized array is never itself NULL
			case args[argIdx] == nil:
				isNull = true
			default:
				if cached, ok := shared[argIdx]; ok {
					value = cached
				} else {
					codec, ok := lookupCodec(registry, argOIDs, argIdx)
					if !ok {
						return fmt.Errorf("bind: no codec for function arg %d", argIdx)
					}
					v, err := encode(codec, args[argIdx], binary)
					if err != nil {
						return fmt.Errorf("bind: function arg %d: %w", argIdx, err)
					}
					value = v
					shared[argIdx] = v
				}
			}

			conn.Values[i] = value
			if isNull {
				// spec.md §4.5: a NULL caller value always binds with
				// format=0, independent of the call's binary setting.
				conn.Lengths[i] = 0
				conn.Formats[i] = 0
			} else {
				conn.Lengths[i] = int32(len(value))
				setFormat(conn, i, binary)
			}
		}
	}
	return nil
}

func setFormat(conn *cluster.ProxyConnection, i int, binary bool) {
	if binary {
		conn.Formats[i] = 1
	} else {
		conn.Formats[i] = 0
	}
}

func lookupCodec(registry *catalog.Registry, argOIDs []catalog.OID, argIdx int) (catalog.Codec, bool) {
	if argIdx >= len(argOIDs) {
		return nil, false
	}
	return registry.Lookup(argOIDs[argIdx])
}

func encode(codec catalog.Codec, v any, binary bool) ([]byte, error) {
	if binary && codec.BinaryCapable() {
		return codec.SendBinary(v)
	}
	return codec.SendText(v)
}

// encodeSplitArray encodes a materialized split sub-array as a single
// PostgreSQL array literal/binary value using the element codec; a split
// argument is never itself NULL once set (an empty array is encoded as
// an empty array value, per spec.md §4.4 "a NULL split argument is
// treated as an empty array").
func encodeSplitArray(arr cluster.DatumArray, registry *catalog.Registry, binary bool) ([]byte, error) {
	codec, ok := registry.Lookup(arr.ElemOID)
	if !ok {
		return nil, fmt.Errorf("no codec for split element OID %d", arr.ElemOID)
	}
	if binary && codec.BinaryCapable() {
		return encodeBinaryArray(codec, arr)
	}
	return encodeTextArray(codec, arr)
}

func encodeTextArray(codec catalog.Codec, arr cluster.DatumArray) ([]byte, error) {
	scratch := pools.GetBytes(64)[:0]
	defer pools.PutBytes(scratch[:cap(scratch)])

	out := append(scratch, '{')
	for i := 0; i < arr.Count; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		if i < len(arr.Nulls) && arr.Nulls[i] {
			out = append(out, "NULL"...)
			continue
		}
		elem, err := codec.SendText(arr.Values[i])
		if err != nil {
			return nil, err
		}
		out = append(out, elem...)
	}
	out = append(out, '}')

	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// encodeBinaryArray encodes the one-dimensional PostgreSQL binary array
// wire format: ndim, has-null flag, element OID, then per-dimension
// (length, lower bound), then per-element (length, bytes) with a -1
// length sentinel for NULL.
func encodeBinaryArray(codec catalog.Codec, arr cluster.DatumArray) ([]byte, error) {
	hasNull := int32(0)
	for i := 0; i < arr.Count; i++ {
		if i < len(arr.Nulls) && arr.Nulls[i] {
			hasNull = 1
			break
		}
	}

	scratch := pools.GetBytes(64)[:0]
	defer pools.PutBytes(scratch[:cap(scratch)])

	out := appendInt32(scratch, 1) // ndim
	out = appendInt32(out, hasNull)
	out = appendInt32(out, int32(arr.ElemOID))
	out = appendInt32(out, int32(arr.Count))
	out = appendInt32(out, 1) // lower bound

	for i := 0; i < arr.Count; i++ {
		if i < len(arr.Nulls) && arr.Nulls[i] {
			out = appendInt32(out, -1)
			continue
		}
		elem, err := codec.SendBinary(arr.Values[i])
		if err != nil {
			return nil, err
		}
		out = appendInt32(out, int32(len(elem)))
		out = append(out, elem...)
	}

	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func appendInt32(b []byte, v int32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
