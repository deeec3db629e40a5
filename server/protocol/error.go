package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

var (
	SqlstateMarker  = byte('#')
	DefaultSqlstate = []byte("HY000")
)

// ERRPacket is the server's failure response.
type ERRPacket struct {
	ErrorCode uint16
	SQLState  string
	Message   string
}

// IsERRPacket reports whether the payload is an ERR packet.
func IsERRPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == mysql.ErrHeader
}

// DecodeERR decodes an ERR packet payload. The sqlstate block is optional on
// the wire; pre-4.1 servers omit it.
func DecodeERR(payload []byte) (*ERRPacket, error) {
	if !IsERRPacket(payload) {
		return nil, errors.Annotatef(ErrMalformedPacket, "not an ERR packet")
	}
	if len(payload) < 3 {
		return nil, errors.Annotatef(ErrNotEnoughData, "ERR wants 3 bytes, have %d", len(payload))
	}
	ep := new(ERRPacket)
	cursor := 1
	cursor, ep.ErrorCode = util.ReadUB2(payload, cursor)
	if cursor < len(payload) && payload[cursor] == SqlstateMarker {
		if cursor+6 > len(payload) {
			return nil, errors.Annotatef(ErrNotEnoughData, "ERR sqlstate block")
		}
		ep.SQLState = string(payload[cursor+1 : cursor+6])
		cursor += 6
	}
	ep.Message = string(payload[cursor:])
	return ep, nil
}

// EncodeERRPayload builds an ERR packet payload, without wire framing. An
// empty sqlState falls back to HY000.
func EncodeERRPayload(errorCode uint16, sqlState, message string) []byte {
	if sqlState == "" {
		sqlState = string(DefaultSqlstate)
	}
	buff := make([]byte, 0, 9+len(message))
	buff = util.WriteByte(buff, mysql.ErrHeader)
	buff = util.WriteUB2(buff, errorCode)
	buff = util.WriteByte(buff, SqlstateMarker)
	buff = util.WriteBytes(buff, []byte(sqlState))
	buff = util.WriteBytes(buff, []byte(message))
	return buff
}
