package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// EOFPacket terminates the column definition block and the row block of a
// result set.
type EOFPacket struct {
	WarningCount uint16
	Status       uint16
}

// IsEOFPacket reports whether the payload is an EOF control packet. 0xfe also
// prefixes 8-byte length-encoded integers, so only payloads shorter than nine
// bytes qualify.
func IsEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == mysql.EOFHeader && len(payload) < 9
}

// DecodeEOF decodes an EOF packet payload.
func DecodeEOF(payload []byte) (*EOFPacket, error) {
	if !IsEOFPacket(payload) {
		return nil, errors.Annotatef(ErrMalformedPacket, "not an EOF packet")
	}
	if len(payload) < 5 {
		return nil, errors.Annotatef(ErrNotEnoughData, "EOF wants 5 bytes, have %d", len(payload))
	}
	eof := new(EOFPacket)
	cursor := 1
	cursor, eof.WarningCount = util.ReadUB2(payload, cursor)
	_, eof.Status = util.ReadUB2(payload, cursor)
	return eof, nil
}

// EncodeEOFPayload builds an EOF packet payload, without wire framing.
func EncodeEOFPayload(warnings, status uint16) []byte {
	buff := make([]byte, 0, 5)
	buff = util.WriteByte(buff, mysql.EOFHeader)
	buff = util.WriteUB2(buff, warnings)
	buff = util.WriteUB2(buff, status)
	return buff
}
