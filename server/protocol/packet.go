package protocol

import (
	"errors"

	jerrors "github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// PacketHeaderLen 报文头固定4字节:3字节小端载荷长度加1字节序号
const PacketHeaderLen = 4

var (
	// ErrNotEnoughStream TCP流里还凑不齐一个完整报文
	ErrNotEnoughStream = errors.New("packet stream is not enough")
	// ErrTooLargePackage 报文声明的载荷超出会话允许的上限
	ErrTooLargePackage = errors.New("package length is exceed the mysql package's legal maximum length.")
)

// Packet 一条线缆报文:序号加去掉头部的载荷
type Packet struct {
	Seq     byte
	Payload []byte
}

// Split reports whether the payload fills a whole frame, which means the
// logical payload continues in the next packet.
func (p *Packet) Split() bool {
	return len(p.Payload) == mysql.MaxPayloadLen
}

// DecodePacket splits one wire packet off the head of stream. The payload is
// copied, the caller may recycle stream right after the call. An incomplete
// frame yields ErrNotEnoughStream, otherwise the second return is the frame
// size consumed from the stream.
func DecodePacket(stream []byte, maxPayload int) (*Packet, int, error) {
	if len(stream) < PacketHeaderLen {
		return nil, 0, ErrNotEnoughStream
	}
	_, length := util.ReadUB3(stream, 0)
	if maxPayload > 0 && int(length) > maxPayload {
		return nil, 0, jerrors.Annotatef(ErrTooLargePackage, "payload length %d, limit %d", length, maxPayload)
	}
	frameLen := PacketHeaderLen + int(length)
	if len(stream) < frameLen {
		return nil, 0, ErrNotEnoughStream
	}
	payload := make([]byte, length)
	copy(payload, stream[PacketHeaderLen:frameLen])
	return &Packet{Seq: stream[3], Payload: payload}, frameLen, nil
}

// EncodePacket appends one wire frame to buff. The payload must fit a single
// frame, anything that may cross the 16MB boundary goes through EncodePayload.
func EncodePacket(buff []byte, seq byte, payload []byte) []byte {
	buff = util.WriteUB3(buff, uint32(len(payload)))
	buff = util.WriteByte(buff, seq)
	buff = util.WriteBytes(buff, payload)
	return buff
}

// EncodePayload frames payload into as many wire packets as the 16MB limit
// requires and returns the next free sequence id. A payload that is an exact
// multiple of the limit is closed by an empty trailing packet, the way servers
// emit it.
func EncodePayload(buff []byte, seq byte, payload []byte) ([]byte, byte) {
	for len(payload) >= mysql.MaxPayloadLen {
		buff = EncodePacket(buff, seq, payload[:mysql.MaxPayloadLen])
		payload = payload[mysql.MaxPayloadLen:]
		seq++
	}
	buff = EncodePacket(buff, seq, payload)
	return buff, seq + 1
}
