package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// EncodeTextRow builds a text-protocol row payload. A nil value encodes the
// NULL marker; an empty non-nil value encodes a zero-length string.
func EncodeTextRow(values [][]byte) []byte {
	buff := make([]byte, 0, 64)
	for _, v := range values {
		if v == nil {
			buff = util.WriteByte(buff, mysql.NullMarker)
			continue
		}
		buff = util.WriteWithLength(buff, v)
	}
	return buff
}

// EncodeBinaryRow builds a binary-protocol row payload for the given column
// types. values[i] == nil marks NULL. Fixed-width values must carry their
// exact wire length; date-time values are the payload without the sub-length
// byte; string-family values are the payload without the length prefix.
func EncodeBinaryRow(columnTypes []byte, values [][]byte) ([]byte, error) {
	if len(columnTypes) != len(values) {
		return nil, errors.Annotatef(ErrMalformedPacket, "%d values for %d columns", len(values), len(columnTypes))
	}

	buff := make([]byte, 0, 64)
	buff = util.WriteByte(buff, mysql.OKHeader)

	bitmap := NullBitmap(make([]byte, NullBitmapSize(len(columnTypes))))
	for i, v := range values {
		if v == nil {
			bitmap.SetNull(i)
		}
	}
	buff = util.WriteBytes(buff, bitmap)

	for i, columnType := range columnTypes {
		v := values[i]
		if v == nil {
			continue
		}
		switch columnType {
		case mysql.TypeTiny, mysql.TypeShort, mysql.TypeLong, mysql.TypeLonglong, mysql.TypeDate:
			want := fixedFieldWidth(columnType)
			if len(v) != want {
				return nil, errors.Annotatef(ErrMalformedPacket, "column %d %s wants %d bytes, have %d",
					i, mysql.TypeName(columnType), want, len(v))
			}
			buff = util.WriteBytes(buff, v)
		case mysql.TypeDuration, mysql.TypeTimestamp, mysql.TypeDatetime:
			buff = util.WriteByte(buff, byte(len(v)))
			buff = util.WriteBytes(buff, v)
		case mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob,
			mysql.TypeBlob, mysql.TypeVarString, mysql.TypeString:
			buff = util.WriteWithLength(buff, v)
		default:
			return nil, errors.Annotatef(ErrUnsupportedType, "column %d %s(0x%02x)",
				i, mysql.TypeName(columnType), columnType)
		}
	}
	return buff, nil
}

func fixedFieldWidth(columnType byte) int {
	switch columnType {
	case mysql.TypeTiny:
		return 1
	case mysql.TypeShort:
		return 2
	case mysql.TypeLong:
		return 4
	case mysql.TypeLonglong:
		return 8
	case mysql.TypeDate:
		return 5
	}
	return 0
}
