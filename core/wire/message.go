// Package wire implements the PostgreSQL frontend/backend wire protocol
// message framing used by core/csm's non-blocking connection state
// machine. It only covers the subset of the protocol this engine needs:
// startup, the extended query sub-protocol, and cancellation — there is
// no SSL negotiation and no COPY support.
package wire

import "encoding/binary"

// Message is a single backend message: a one-byte type tag followed by a
// body whose length was already consumed from the 4-byte length prefix.
// Only the frontend's startup and cancel packets lack a tag, and those are
// never decoded into a Message.
type Message struct {
	Type byte
	Body []byte
}

// Backend message type tags.
const (
	TypeAuthentication   byte = 'R'
	TypeParameterStatus  byte = 'S'
	TypeBackendKeyData   byte = 'K'
	TypeReadyForQuery    byte = 'Z'
	TypeRowDescription   byte = 'T'
	TypeDataRow          byte = 'D'
	TypeCommandComplete  byte = 'C'
	TypeEmptyQueryResp   byte = 'I'
	TypeErrorResponse    byte = 'E'
	TypeNoticeResponse   byte = 'N'
	TypeParseComplete    byte = '1'
	TypeBindComplete     byte = '2'
	TypeCloseComplete    byte = '3'
	TypeNoData           byte = 'n'
	TypeParamDescription byte = 't'
	TypePortalSuspended  byte = 's'
)

// Reader incrementally assembles backend messages out of bytes delivered
// by non-blocking reads. Feed appends newly-read bytes; Next pops the next
// complete message, reporting ok=false when more bytes are required (the
// caller should suspend until the socket is readable again).
type Reader struct {
	buf []byte
}

// Feed appends freshly-read bytes to the decode buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next returns the next complete message, or ok=false if the buffer does
// not yet hold a full message.
func (r *Reader) Next() (msg Message, ok bool, err error) {
	if len(r.buf) < 5 {
		return Message{}, false, nil
	}
	typ := r.buf[0]
	length := binary.BigEndian.Uint32(r.buf[1:5])
	if length < 4 {
		return Message{}, false, ErrMalformedLength
	}
	total := 1 + int(length)
	if len(r.buf) < total {
		return Message{}, false, nil
	}
	body := make([]byte, length-4)
	copy(body, r.buf[5:total])
	r.buf = r.buf[total:]
	return Message{Type: typ, Body: body}, true, nil
}

// Pending reports whether bytes are buffered that have not yet formed a
// complete message.
func (r *Reader) Pending() bool {
	return len(r.buf) > 0
}
