package protocol

import (
	"bytes"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// Handshake 服务端问候包(HandshakeV10)里中继关心的字段
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ThreadID        uint32
	Capabilities    uint32
	Charset         byte
	Status          uint16
	AuthPluginName  string
}

// DecodeHandshake reads the server greeting. Only protocol version 10 is
// understood; the auth plugin seed itself is skipped, the relay never answers
// the challenge.
func DecodeHandshake(payload []byte) (*Handshake, error) {
	if len(payload) < 1 {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake")
	}
	hs := &Handshake{ProtocolVersion: payload[0]}
	if hs.ProtocolVersion != 10 {
		return nil, errors.Annotatef(ErrMalformedPacket, "handshake protocol version %d", hs.ProtocolVersion)
	}

	cursor, version, err := readStringNul(payload, 1)
	if err != nil {
		return nil, errors.Annotate(err, "server version")
	}
	hs.ServerVersion = string(version)

	// 4字节线程号, 8字节seed前段, 1字节填充, 2字节低位能力
	if cursor+4+8+1+2 > len(payload) {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake")
	}
	cursor, hs.ThreadID = util.ReadUB4(payload, cursor)
	cursor += 8 + 1
	var capsLow uint16
	cursor, capsLow = util.ReadUB2(payload, cursor)
	hs.Capabilities = uint32(capsLow)

	if cursor >= len(payload) {
		// 3.x风格的问候到低位能力为止
		return hs, nil
	}
	cursor, hs.Charset = util.ReadByte(payload, cursor)
	if cursor+2+2 > len(payload) {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake status")
	}
	cursor, hs.Status = util.ReadUB2(payload, cursor)
	var capsHigh uint16
	cursor, capsHigh = util.ReadUB2(payload, cursor)
	hs.Capabilities |= uint32(capsHigh) << 16

	if hs.Capabilities&mysql.ClientPluginAuth == 0 {
		return hs, nil
	}
	// 1字节认证数据总长, 10字节保留区, seed后段取MAX(13, 总长-8)
	if cursor+1+10 > len(payload) {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake reserved")
	}
	part2 := int(payload[cursor]) - 8
	if part2 < 13 {
		part2 = 13
	}
	cursor += 1 + 10 + part2
	if cursor > len(payload) {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake auth data")
	}
	if next, plugin, err := readStringNul(payload, cursor); err == nil {
		hs.AuthPluginName = string(plugin)
		cursor = next
	} else {
		// 部分版本的插件名不带NUL结尾
		hs.AuthPluginName = string(payload[cursor:])
	}
	return hs, nil
}

// handshakeResponseFixed 能力4字节加最大报文4字节加字符集1字节加23字节填充
const handshakeResponseFixed = 4 + 4 + 1 + 23

// HandshakeResponse 客户端应答包(HandshakeResponse41)里中继关心的字段
type HandshakeResponse struct {
	Capabilities   uint32
	MaxPacketSize  uint32
	Charset        byte
	User           string
	Database       string
	AuthPluginName string

	// SSLRequest marks the short 32 byte probe a client sends before it
	// switches the connection to TLS.
	SSLRequest bool
}

// DecodeHandshakeResponse reads the client reply to the greeting. Pre-4.1
// replies are rejected, the auth challenge answer is skipped unread.
func DecodeHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	if len(payload) < handshakeResponseFixed {
		return nil, errors.Annotate(ErrNotEnoughData, "handshake response")
	}
	hr := &HandshakeResponse{}
	cursor := 0
	cursor, hr.Capabilities = util.ReadUB4(payload, cursor)
	if hr.Capabilities&mysql.ClientProtocol41 == 0 {
		return nil, errors.Annotate(ErrMalformedPacket, "pre-4.1 handshake response")
	}
	cursor, hr.MaxPacketSize = util.ReadUB4(payload, cursor)
	cursor, hr.Charset = util.ReadByte(payload, cursor)
	cursor += 23

	if len(payload) == handshakeResponseFixed && hr.Capabilities&mysql.ClientSSL != 0 {
		hr.SSLRequest = true
		return hr, nil
	}

	next, user, err := readStringNul(payload, cursor)
	if err != nil {
		return nil, errors.Annotate(err, "user")
	}
	hr.User = string(user)
	cursor = next

	switch {
	case hr.Capabilities&mysql.ClientPluginAuthLenencClientData != 0:
		cursor, _, err = ReadLenencBytes(payload, cursor)
	case hr.Capabilities&mysql.ClientSecureConnection != 0:
		if cursor >= len(payload) {
			err = ErrNotEnoughData
		} else {
			n := int(payload[cursor])
			cursor++
			if cursor+n > len(payload) {
				err = ErrNotEnoughData
			} else {
				cursor += n
			}
		}
	default:
		cursor, _, err = readStringNul(payload, cursor)
	}
	if err != nil {
		return nil, errors.Annotate(err, "auth response")
	}

	if hr.Capabilities&mysql.ClientConnectWithDB != 0 {
		next, database, err := readStringNul(payload, cursor)
		if err != nil {
			hr.Database = string(payload[cursor:])
			return hr, nil
		}
		hr.Database = string(database)
		cursor = next
	}
	if hr.Capabilities&mysql.ClientPluginAuth != 0 && cursor < len(payload) {
		if _, plugin, err := readStringNul(payload, cursor); err == nil {
			hr.AuthPluginName = string(plugin)
		} else {
			hr.AuthPluginName = string(payload[cursor:])
		}
	}
	return hr, nil
}

// readStringNul reads a NUL terminated string at cursor. The returned slice
// aliases payload and excludes the terminator.
func readStringNul(payload []byte, cursor int) (int, []byte, error) {
	if cursor > len(payload) {
		return cursor, nil, ErrNotEnoughData
	}
	idx := bytes.IndexByte(payload[cursor:], 0x00)
	if idx < 0 {
		return cursor, nil, ErrNotEnoughData
	}
	return cursor + idx + 1, payload[cursor : cursor+idx], nil
}
