package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
)

// ColumnRange locates one column inside a Row buffer. Null columns carry no
// range at all, which keeps them distinguishable from zero-length values.
type ColumnRange struct {
	Start int
	End   int
	Null  bool
}

// Row is one decoded result-set record. The buffer is an owned copy of the
// value bytes and every column resolves to a half-open range inside it, so
// access never allocates and never reaches outside the row.
//
// 文本协议的buffer是整个行载荷，二进制协议的buffer不含头字节和NULL位图。
type Row struct {
	buffer []byte
	values []ColumnRange
}

// Len returns the number of columns in the row.
func (r *Row) Len() int {
	return len(r.values)
}

// Get returns the raw bytes of the column at index, or null=true for SQL
// NULL. The returned slice aliases the row buffer; ranges of string fields
// include their length prefix.
func (r *Row) Get(index int) (value []byte, null bool, err error) {
	if index < 0 || index >= len(r.values) {
		return nil, false, errors.Annotatef(ErrColumnOutOfRange, "index %d with %d columns", index, len(r.values))
	}
	v := r.values[index]
	if v.Null {
		return nil, true, nil
	}
	return r.buffer[v.Start:v.End], false, nil
}

// DecodeTextRow decodes a text-protocol row payload into a Row. Every column
// is a length-encoded string; a 0xfb first byte marks the column as NULL and
// occupies a single byte.
func DecodeTextRow(payload []byte, columnCount int) (*Row, error) {
	buffer := make([]byte, len(payload))
	copy(buffer, payload)

	values := make([]ColumnRange, 0, columnCount)
	cursor := 0
	for i := 0; i < columnCount; i++ {
		if cursor < len(buffer) && buffer[cursor] == mysql.NullMarker {
			values = append(values, ColumnRange{Null: true})
			cursor++
			continue
		}
		size, err := LenencFieldSpan(buffer, cursor)
		if err != nil {
			return nil, errors.Annotatef(err, "text row column %d", i)
		}
		if cursor+size > len(buffer) {
			return nil, errors.Annotatef(ErrNotEnoughData, "text row column %d", i)
		}
		values = append(values, ColumnRange{Start: cursor, End: cursor + size})
		cursor += size
	}
	return &Row{buffer: buffer, values: values}, nil
}

// DecodeBinaryRow decodes a binary-protocol row payload against the ordered
// column types of the result set. Layout on the wire: one 0x00 header byte,
// the NULL bitmap, then the value bytes.
func DecodeBinaryRow(payload []byte, columnTypes []byte) (*Row, error) {
	if len(payload) == 0 {
		return nil, errors.Trace(ErrNotEnoughData)
	}
	if payload[0] != mysql.OKHeader {
		return nil, errors.Annotatef(ErrMalformedPacket, "binary row header 0x%02x", payload[0])
	}
	bitmapLen := NullBitmapSize(len(columnTypes))
	if len(payload) < 1+bitmapLen {
		return nil, errors.Annotatef(ErrNotEnoughData, "null bitmap wants %d bytes", bitmapLen)
	}
	bitmap := NullBitmap(payload[1 : 1+bitmapLen])

	buffer := make([]byte, len(payload)-1-bitmapLen)
	copy(buffer, payload[1+bitmapLen:])

	values := make([]ColumnRange, 0, len(columnTypes))
	cursor := 0
	for i, columnType := range columnTypes {
		if bitmap.IsNull(i) {
			values = append(values, ColumnRange{Null: true})
			continue
		}
		size, err := binaryFieldSize(buffer, cursor, columnType)
		if err != nil {
			return nil, errors.Annotatef(err, "binary row column %d", i)
		}
		if cursor+size > len(buffer) {
			return nil, errors.Annotatef(ErrNotEnoughData, "binary row column %d", i)
		}
		values = append(values, ColumnRange{Start: cursor, End: cursor + size})
		cursor += size
	}
	return &Row{buffer: buffer, values: values}, nil
}

// binaryFieldSize resolves how many bytes the value of a column occupies at
// cursor. Types outside the table fail instead of guessing a size.
func binaryFieldSize(buffer []byte, cursor int, columnType byte) (int, error) {
	switch columnType {
	case mysql.TypeTiny:
		return 1, nil
	case mysql.TypeShort:
		return 2, nil
	case mysql.TypeLong:
		return 4, nil
	case mysql.TypeLonglong:
		return 8, nil
	case mysql.TypeDate:
		return 5, nil
	case mysql.TypeDuration, mysql.TypeTimestamp, mysql.TypeDatetime:
		// 首字节是子长度，0、4、7、11字节载荷随后
		if cursor >= len(buffer) {
			return 0, ErrNotEnoughData
		}
		return 1 + int(buffer[cursor]), nil
	case mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob,
		mysql.TypeBlob, mysql.TypeVarString, mysql.TypeString:
		return LenencFieldSpan(buffer, cursor)
	default:
		return 0, errors.Annotatef(ErrUnsupportedType, "%s(0x%02x)", mysql.TypeName(columnType), columnType)
	}
}
