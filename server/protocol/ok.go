package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// OKPacket is the server's success response to a statement that produced no
// result set.
type OKPacket struct {
	AffectedRows uint64
	InsertID     uint64
	ServerStatus uint16
	WarningNum   uint16
	Info         []byte
}

// IsOKPacket reports whether the payload looks like an OK packet. The minimum
// wire size under protocol 4.1 is seven bytes.
func IsOKPacket(payload []byte) bool {
	return len(payload) >= 7 && payload[0] == mysql.OKHeader
}

// DecodeOK decodes an OK packet payload.
func DecodeOK(payload []byte) (*OKPacket, error) {
	if len(payload) == 0 || payload[0] != mysql.OKHeader {
		return nil, errors.Annotatef(ErrMalformedPacket, "not an OK packet")
	}
	ok := new(OKPacket)

	cursor := 1
	var err error
	cursor, ok.AffectedRows, err = ReadLenencInt(payload, cursor)
	if err != nil {
		return nil, errors.Annotatef(err, "OK affected rows")
	}
	cursor, ok.InsertID, err = ReadLenencInt(payload, cursor)
	if err != nil {
		return nil, errors.Annotatef(err, "OK insert id")
	}
	if cursor+4 > len(payload) {
		return nil, errors.Annotatef(ErrNotEnoughData, "OK status block")
	}
	cursor, ok.ServerStatus = util.ReadUB2(payload, cursor)
	cursor, ok.WarningNum = util.ReadUB2(payload, cursor)
	if cursor < len(payload) {
		ok.Info = append([]byte(nil), payload[cursor:]...)
	}
	return ok, nil
}

// EncodeOKPayload builds an OK packet payload, without wire framing.
func EncodeOKPayload(affectedRows, insertID uint64, serverStatus, warnings uint16, info []byte) []byte {
	buff := make([]byte, 0, 16+len(info))
	buff = util.WriteByte(buff, mysql.OKHeader)
	buff = util.WriteLength(buff, affectedRows)
	buff = util.WriteLength(buff, insertID)
	buff = util.WriteUB2(buff, serverStatus)
	buff = util.WriteUB2(buff, warnings)
	buff = util.WriteBytes(buff, info)
	return buff
}
