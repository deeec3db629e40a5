package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

var DEFAULT_CATALOG = []byte("def")

// DecodeColumnCount decodes the column-count packet that opens a result set.
func DecodeColumnCount(payload []byte) (int, error) {
	_, count, err := ReadLenencInt(payload, 0)
	if err != nil {
		return 0, errors.Annotatef(err, "column count")
	}
	if count == 0 || count > 4096 {
		return 0, errors.Annotatef(ErrMalformedPacket, "column count %d", count)
	}
	return int(count), nil
}

// EncodeColumnCountPayload builds a column-count packet payload.
func EncodeColumnCountPayload(count int) []byte {
	buff := make([]byte, 0, 4)
	buff = util.WriteLength(buff, uint64(count))
	return buff
}

// ColumnDefinition is one column of a result set in the protocol 4.1 layout:
// six length-encoded strings, then a fixed block of charset, display length,
// wire type, flags and decimals.
type ColumnDefinition struct {
	Catalog  []byte
	Schema   []byte
	Table    []byte
	OrgTable []byte
	Name     []byte
	OrgName  []byte
	Charset  uint16
	Length   uint32
	Type     byte
	Flags    uint16
	Decimals byte
}

// DecodeColumnDefinition decodes a column definition payload. All strings are
// copied out of the payload so the definition may outlive the read buffer.
func DecodeColumnDefinition(payload []byte) (*ColumnDefinition, error) {
	cd := new(ColumnDefinition)
	cursor := 0

	for i, dst := range []*[]byte{&cd.Catalog, &cd.Schema, &cd.Table, &cd.OrgTable, &cd.Name, &cd.OrgName} {
		next, value, err := ReadLenencBytes(payload, cursor)
		if err != nil {
			return nil, errors.Annotatef(err, "column definition string %d", i)
		}
		*dst = append([]byte(nil), value...)
		cursor = next
	}

	// 固定长度块以0x0c开头
	if cursor >= len(payload) || payload[cursor] != 0x0c {
		return nil, errors.Annotatef(ErrMalformedPacket, "column definition fixed block")
	}
	cursor++
	if cursor+10 > len(payload) {
		return nil, errors.Annotatef(ErrNotEnoughData, "column definition fixed block")
	}
	cursor, cd.Charset = util.ReadUB2(payload, cursor)
	cursor, cd.Length = util.ReadUB4(payload, cursor)
	cursor, cd.Type = util.ReadByte(payload, cursor)
	cursor, cd.Flags = util.ReadUB2(payload, cursor)
	_, cd.Decimals = util.ReadByte(payload, cursor)
	// 随后是2字节filler，COM_FIELD_LIST场景下还可能带默认值，一并忽略
	return cd, nil
}

// Encode builds the column definition payload, without wire framing.
func (cd *ColumnDefinition) Encode() []byte {
	catalog := cd.Catalog
	if catalog == nil {
		catalog = DEFAULT_CATALOG
	}
	buff := make([]byte, 0, 64)
	buff = util.WriteWithLength(buff, catalog)
	buff = util.WriteWithLength(buff, cd.Schema)
	buff = util.WriteWithLength(buff, cd.Table)
	buff = util.WriteWithLength(buff, cd.OrgTable)
	buff = util.WriteWithLength(buff, cd.Name)
	buff = util.WriteWithLength(buff, cd.OrgName)

	buff = util.WriteByte(buff, 0x0c)
	buff = util.WriteUB2(buff, cd.Charset)
	buff = util.WriteUB4(buff, cd.Length)
	buff = util.WriteByte(buff, cd.Type)
	buff = util.WriteUB2(buff, cd.Flags)
	buff = util.WriteByte(buff, cd.Decimals)
	buff = util.WriteUB2(buff, 0)
	return buff
}

// ColumnTypes extracts the ordered wire types from a definition list, in the
// shape the binary row decoder consumes.
func ColumnTypes(defs []*ColumnDefinition) []byte {
	types := make([]byte, len(defs))
	for i, def := range defs {
		types[i] = def.Type
	}
	return types
}
