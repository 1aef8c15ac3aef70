// Package catalog provides OID-indexed type descriptors and a pluggable
// send/recv codec registry, the Go encoding of spec.md §6's "type send/recv
// by OID" host collaborator plus the minimal built-in codecs the engine
// needs for itself (hash-query result columns and split-array elements).
package catalog

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/lib/pq/oid"
)

// OID is a PostgreSQL type object identifier.
type OID = oid.Oid

// Well-known OIDs the engine inspects directly (hash-query result types).
const (
	Int2 = oid.T_int2
	Int4 = oid.T_int4
	Int8 = oid.T_int8
	Text = oid.T_text
	Bool = oid.T_bool
)

// Codec encodes/decodes one PostgreSQL type in text or binary form.
type Codec interface {
	OID() OID
	// SendText/SendBinary encode a Go value into wire bytes.
	SendText(v any) ([]byte, error)
	SendBinary(v any) ([]byte, error)
	// RecvText/RecvBinary decode wire bytes into a Go value.
	RecvText(b []byte) (any, error)
	RecvBinary(b []byte) (any, error)
	// BinaryCapable reports whether SendBinary/RecvBinary are implemented
	// for this type (some types only ever travel as text).
	BinaryCapable() bool
}

// Registry resolves a Codec by OID, falling back to the built-in table
// before consulting a host-supplied lookup (spec.md §6 "type send/recv by
// OID").
type Registry struct {
	builtin map[OID]Codec
	host    func(OID) (Codec, bool)
}

// NewRegistry creates a Registry with the engine's built-in integer/text
// codecs pre-populated, optionally backed by a host lookup for everything
// else (composite types, user-defined types, arrays of non-split args).
func NewRegistry(host func(OID) (Codec, bool)) *Registry {
	r := &Registry{builtin: map[OID]Codec{}, host: host}
	for _, c := range []Codec{int2Codec{}, int4Codec{}, int8Codec{}, textCodec{}, boolCodec{}} {
		r.builtin[c.OID()] = c
	}
	return r
}

// Lookup resolves a codec by OID.
func (r *Registry) Lookup(id OID) (Codec, bool) {
	if c, ok := r.builtin[id]; ok {
		return c, true
	}
	if r.host != nil {
		return r.host(id)
	}
	return nil, false
}

type int2Codec struct{}

func (int2Codec) OID() OID            { return Int2 }
func (int2Codec) BinaryCapable() bool { return true }
func (int2Codec) SendText(v any) ([]byte, error) {
	return []byte(strconv.FormatInt(toInt64(v), 10)), nil
}
func (int2Codec) SendBinary(v any) ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(toInt64(v)))
	return b, nil
}
func (int2Codec) RecvText(b []byte) (any, error)   { return strconv.ParseInt(string(b), 10, 16) }
func (int2Codec) RecvBinary(b []byte) (any, error) {
	if len(b) != 2 {
		return nil, fmt.Errorf("catalog: int2 binary value must be 2 bytes, got %d", len(b))
	}
	return int64(int16(binary.BigEndian.Uint16(b))), nil
}

type int4Codec struct{}

func (int4Codec) OID() OID            { return Int4 }
func (int4Codec) BinaryCapable() bool { return true }
func (int4Codec) SendText(v any) ([]byte, error) {
	return []byte(strconv.FormatInt(toInt64(v), 10)), nil
}
func (int4Codec) SendBinary(v any) ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(toInt64(v)))
	return b, nil
}
func (int4Codec) RecvText(b []byte) (any, error) { return strconv.ParseInt(string(b), 10, 32) }
func (int4Codec) RecvBinary(b []byte) (any, error) {
	if len(b) != 4 {
		return nil, fmt.Errorf("catalog: int4 binary value must be 4 bytes, got %d", len(b))
	}
	return int64(int32(binary.BigEndian.Uint32(b))), nil
}

type int8Codec struct{}

func (int8Codec) OID() OID            { return Int8 }
func (int8Codec) BinaryCapable() bool { return true }
func (int8Codec) SendText(v any) ([]byte, error) {
	return []byte(strconv.FormatInt(toInt64(v), 10)), nil
}
func (int8Codec) SendBinary(v any) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(toInt64(v)))
	return b, nil
}
func (int8Codec) RecvText(b []byte) (any, error) { return strconv.ParseInt(string(b), 10, 64) }
func (int8Codec) RecvBinary(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("catalog: int8 binary value must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

type textCodec struct{}

func (textCodec) OID() OID                       { return Text }
func (textCodec) BinaryCapable() bool            { return false }
func (textCodec) SendText(v any) ([]byte, error) { return []byte(fmt.Sprint(v)), nil }
func (textCodec) SendBinary(any) ([]byte, error) {
	return nil, fmt.Errorf("catalog: text has no binary send")
}
func (textCodec) RecvText(b []byte) (any, error) { return string(b), nil }
func (textCodec) RecvBinary([]byte) (any, error) {
	return nil, fmt.Errorf("catalog: text has no binary recv")
}

type boolCodec struct{}

func (boolCodec) OID() OID            { return Bool }
func (boolCodec) BinaryCapable() bool { return true }
func (boolCodec) SendText(v any) ([]byte, error) {
	if v.(bool) {
		return []byte("t"), nil
	}
	return []byte("f"), nil
}
func (boolCodec) SendBinary(v any) ([]byte, error) {
	if v.(bool) {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}
func (boolCodec) RecvText(b []byte) (any, error) { return len(b) > 0 && b[0] == 't', nil }
func (boolCodec) RecvBinary(b []byte) (any, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("catalog: bool binary value must be 1 byte, got %d", len(b))
	}
	return b[0] != 0, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	default:
		return 0
	}
}
