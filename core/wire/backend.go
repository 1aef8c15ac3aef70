package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/lib/pq"
)

// Authentication request subtypes this package recognizes. core/csm
// completes only AuthOK and AuthCleartextPassword; an AuthMD5Password
// request is parsed (salt included) but csm rejects it as unsupported.
// SCRAM and GSSAPI negotiation are not implemented.
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
)

// AuthRequest is a parsed Authentication message.
type AuthRequest struct {
	Kind int32
	Salt [4]byte // only meaningful when Kind == AuthMD5Password
}

// ParseAuth decodes an Authentication message body.
func ParseAuth(body []byte) (AuthRequest, error) {
	if len(body) < 4 {
		return AuthRequest{}, fmt.Errorf("wire: short auth message")
	}
	req := AuthRequest{Kind: int32(binary.BigEndian.Uint32(body[0:4]))}
	if req.Kind == AuthMD5Password && len(body) >= 8 {
		copy(req.Salt[:], body[4:8])
	}
	return req, nil
}

// ParameterStatus is a parsed 'S' message.
type ParameterStatus struct {
	Name, Value string
}

func ParseParameterStatus(body []byte) ParameterStatus {
	name, rest := cstr(body)
	value, _ := cstr(rest)
	return ParameterStatus{Name: name, Value: value}
}

// BackendKeyData is a parsed 'K' message, needed to issue CancelRequest.
type BackendKeyData struct {
	PID, SecretKey uint32
}

func ParseBackendKeyData(body []byte) BackendKeyData {
	if len(body) < 8 {
		return BackendKeyData{}
	}
	return BackendKeyData{
		PID:       binary.BigEndian.Uint32(body[0:4]),
		SecretKey: binary.BigEndian.Uint32(body[4:8]),
	}
}

// ReadyForQuery transaction-status byte values.
const (
	TxIdle   = 'I'
	TxInTxn  = 'T'
	TxFailed = 'E'
)

// FieldDescription is one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttNum uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16
}

// ParseRowDescription decodes a 'T' message.
func ParseRowDescription(body []byte) ([]FieldDescription, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("wire: short row description")
	}
	n := binary.BigEndian.Uint16(body[0:2])
	fields := make([]FieldDescription, 0, n)
	rest := body[2:]
	for i := uint16(0); i < n; i++ {
		var name string
		name, rest = cstr(rest)
		if len(rest) < 18 {
			return nil, fmt.Errorf("wire: truncated row description")
		}
		fields = append(fields, FieldDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttNum: binary.BigEndian.Uint16(rest[4:6]),
			TypeOID:      binary.BigEndian.Uint32(rest[6:10]),
			TypeSize:     int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			FormatCode:   int16(binary.BigEndian.Uint16(rest[16:18])),
		})
		rest = rest[18:]
	}
	return fields, nil
}

// ParseDataRow decodes a 'D' message into per-column byte slices; a nil
// slice at index i means that column's value is SQL NULL.
func ParseDataRow(body []byte) ([][]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("wire: short data row")
	}
	n := binary.BigEndian.Uint16(body[0:2])
	values := make([][]byte, n)
	rest := body[2:]
	for i := uint16(0); i < n; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: truncated data row")
		}
		length := int32(binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		if length < 0 {
			values[i] = nil
			continue
		}
		if int32(len(rest)) < length {
			return nil, fmt.Errorf("wire: truncated data row value")
		}
		v := make([]byte, length)
		copy(v, rest[:length])
		values[i] = v
		rest = rest[length:]
	}
	return values, nil
}

// CommandComplete is a parsed 'C' message.
type CommandComplete struct {
	Tag string
}

func ParseCommandComplete(body []byte) CommandComplete {
	tag, _ := cstr(body)
	return CommandComplete{Tag: tag}
}

// ParseErrorOrNotice decodes an 'E' or 'N' message into a *pq.Error, the
// same structured type github.com/lib/pq exposes for driver errors, so
// the fields a host raises to its caller (Severity/Code/Message/Detail/
// Hint) match what any PostgreSQL client library would report.
func ParseErrorOrNotice(body []byte) *pq.Error {
	e := &pq.Error{}
	rest := body
	for len(rest) > 0 && rest[0] != 0 {
		field := rest[0]
		var value string
		value, rest = cstr(rest[1:])
		switch field {
		case 'S':
			e.Severity = value
		case 'C':
			e.Code = pq.ErrorCode(value)
		case 'M':
			e.Message = value
		case 'D':
			e.Detail = value
		case 'H':
			e.Hint = value
		case 'W':
			e.Where = value
		case 's':
			e.Schema = value
		case 't':
			e.Table = value
		case 'c':
			e.Column = value
		case 'n':
			e.Constraint = value
		}
	}
	return e
}

func cstr(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
