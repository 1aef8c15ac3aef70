package wire

import (
	"encoding/binary"
	"errors"
)

var ErrMalformedLength = errors.New("wire: malformed message length")

const protocolVersion = 196608 // 3.0 << 16

// StartupMessage encodes the untyped startup packet: protocol version
// followed by "key\x00value\x00" pairs and a trailing nul.
func StartupMessage(params map[string]string) []byte {
	body := make([]byte, 0, 64)
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], protocolVersion)
	body = append(body, verBuf[:]...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return withLength(nil, body)
}

// CancelRequest encodes the special out-of-band cancellation packet sent
// on its own short-lived connection (no startup handshake, no type byte).
func CancelRequest(pid, secretKey uint32) []byte {
	const cancelRequestCode = 80877102 // 1234 << 16 | 5678
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], pid)
	binary.BigEndian.PutUint32(buf[12:16], secretKey)
	return buf
}

// PasswordMessage encodes a cleartext or pre-hashed (md5) password
// response to an authentication request.
func PasswordMessage(password string) []byte {
	return typed('p', []byte(password+"\x00"))
}

// Parse encodes an unnamed-statement Parse message with no declared
// parameter OIDs (the backend infers types from context).
func Parse(sql string) []byte {
	body := make([]byte, 0, len(sql)+8)
	body = append(body, 0) // unnamed statement
	body = append(body, sql...)
	body = append(body, 0)
	body = append(body, 0, 0) // zero parameter type OIDs
	return typed('P', body)
}

// BindParam is one positional parameter value for a Bind message.
type BindParam struct {
	Value  []byte // nil means SQL NULL
	Binary bool
}

// Bind encodes an unnamed-portal Bind message against the unnamed
// statement, with per-parameter format codes and a single result-format
// code applied to every output column.
func Bind(params []BindParam, resultBinary bool) []byte {
	body := make([]byte, 0, 32+16*len(params))
	body = append(body, 0) // unnamed portal
	body = append(body, 0) // unnamed statement

	body = append(body, u16(uint16(len(params)))...)
	for _, p := range params {
		if p.Binary {
			body = append(body, u16(1)...)
		} else {
			body = append(body, u16(0)...)
		}
	}

	body = append(body, u16(uint16(len(params)))...)
	for _, p := range params {
		if p.Value == nil {
			body = append(body, 0xFF, 0xFF, 0xFF, 0xFF) // -1 length: NULL
			continue
		}
		body = append(body, u32(uint32(len(p.Value)))...)
		body = append(body, p.Value...)
	}

	body = append(body, u16(1)...)
	if resultBinary {
		body = append(body, u16(1)...)
	} else {
		body = append(body, u16(0)...)
	}
	return typed('B', body)
}

// Describe encodes a Describe(unnamed portal) message.
func Describe() []byte {
	return typed('D', []byte{'P', 0})
}

// Execute encodes an Execute(unnamed portal, unlimited rows) message.
func Execute() []byte {
	body := make([]byte, 0, 6)
	body = append(body, 0) // unnamed portal
	body = append(body, u32(0)...)
	return typed('E', body)
}

// Sync encodes a Sync message, ending the extended-query pipeline.
func Sync() []byte {
	return typed('S', nil)
}

// Terminate encodes a graceful connection-close message.
func Terminate() []byte {
	return typed('X', nil)
}

// QueryMessages returns the Parse+Bind+Describe+Execute+Sync pipeline for
// one parameterized query submission, matching §4.6 "submit the query".
func QueryMessages(sql string, params []BindParam, resultBinary bool) []byte {
	out := Parse(sql)
	out = append(out, Bind(params, resultBinary)...)
	out = append(out, Describe()...)
	out = append(out, Execute()...)
	out = append(out, Sync()...)
	return out
}

func typed(t byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, t)
	return withLength(out, body)
}

func withLength(prefix, body []byte) []byte {
	out := append(prefix, make([]byte, 4)...)
	binary.BigEndian.PutUint32(out[len(prefix):], uint32(4+len(body)))
	return append(out, body...)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
