package protocol

import (
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// LenencFieldSpan returns the total wire size, prefix included, of the
// length-encoded field starting at cursor. A 0xfb first byte is the one-byte
// NULL marker of the text protocol. Only the prefix bytes themselves are
// bounds-checked here; whether the payload fits is the caller's concern.
func LenencFieldSpan(buff []byte, cursor int) (int, error) {
	if cursor >= len(buff) {
		return 0, ErrNotEnoughData
	}
	switch first := buff[cursor]; first {
	case 0xfb:
		return 1, nil
	case 0xfc:
		if cursor+3 > len(buff) {
			return 0, ErrNotEnoughData
		}
		_, length := util.ReadUB2(buff, cursor+1)
		return 3 + int(length), nil
	case 0xfd:
		if cursor+4 > len(buff) {
			return 0, ErrNotEnoughData
		}
		_, length := util.ReadUB3(buff, cursor+1)
		return 4 + int(length), nil
	case 0xfe:
		if cursor+9 > len(buff) {
			return 0, ErrNotEnoughData
		}
		_, length := util.ReadUB8(buff, cursor+1)
		// 声明长度超过整个缓冲区时提前拒绝，避免int溢出
		if length > uint64(len(buff)) {
			return 0, ErrNotEnoughData
		}
		return 9 + int(length), nil
	default:
		return 1 + int(first), nil
	}
}

// ReadLenencInt reads a length-encoded integer at cursor and returns the new
// cursor and the value. 0xfb and 0xff never start a length-encoded integer.
func ReadLenencInt(buff []byte, cursor int) (int, uint64, error) {
	if cursor >= len(buff) {
		return cursor, 0, ErrNotEnoughData
	}
	switch first := buff[cursor]; first {
	case 0xfb, 0xff:
		return cursor, 0, ErrMalformedPacket
	case 0xfc:
		if cursor+3 > len(buff) {
			return cursor, 0, ErrNotEnoughData
		}
		next, value := util.ReadUB2(buff, cursor+1)
		return next, uint64(value), nil
	case 0xfd:
		if cursor+4 > len(buff) {
			return cursor, 0, ErrNotEnoughData
		}
		next, value := util.ReadUB3(buff, cursor+1)
		return next, uint64(value), nil
	case 0xfe:
		if cursor+9 > len(buff) {
			return cursor, 0, ErrNotEnoughData
		}
		next, value := util.ReadUB8(buff, cursor+1)
		return next, value, nil
	default:
		return cursor + 1, uint64(first), nil
	}
}

// ReadLenencBytes reads a length-prefixed byte string at cursor. The returned
// slice aliases buff.
func ReadLenencBytes(buff []byte, cursor int) (int, []byte, error) {
	next, length, err := ReadLenencInt(buff, cursor)
	if err != nil {
		return cursor, nil, err
	}
	if length > uint64(len(buff)) || next+int(length) > len(buff) {
		return cursor, nil, ErrNotEnoughData
	}
	return next + int(length), buff[next : next+int(length)], nil
}
