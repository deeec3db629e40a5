// Copyright 2015 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package mysql

// MySQL type informations.
const (
	TypeDecimal   byte = 0
	TypeTiny      byte = 1
	TypeShort     byte = 2
	TypeLong      byte = 3
	TypeFloat     byte = 4
	TypeDouble    byte = 5
	TypeNull      byte = 6
	TypeTimestamp byte = 7
	TypeLonglong  byte = 8
	TypeInt24     byte = 9
	TypeDate      byte = 10
	/* Original name was TypeTime, renamed to Duration to resolve the conflict with Go type Time.*/
	TypeDuration   byte = 11
	TypeDatetime   byte = 12
	TypeYear       byte = 13
	TypeNewDate    byte = 14
	TypeVarchar    byte = 15
	TypeBit        byte = 16
	TypeJSON       byte = 0xf5
	TypeNewDecimal byte = 0xf6
	TypeEnum       byte = 0xf7
	TypeSet        byte = 0xf8
	TypeTinyBlob   byte = 0xf9
	TypeMediumBlob byte = 0xfa
	TypeLongBlob   byte = 0xfb
	TypeBlob       byte = 0xfc
	TypeVarString  byte = 0xfd
	TypeString     byte = 0xfe
	TypeGeometry   byte = 0xff
)

var RefTypeName = map[byte]string{
	0:    "DECIMAL",
	1:    "TINY",
	2:    "SHORT",
	3:    "LONG",
	4:    "FLOAT",
	5:    "DOUBLE",
	6:    "NULL",
	7:    "TIMESTAMP",
	8:    "LONGLONG",
	9:    "INT24",
	10:   "DATE",
	11:   "TIME",
	12:   "DATETIME",
	13:   "YEAR",
	14:   "NEWDATE",
	15:   "VARCHAR",
	16:   "BIT",
	0xF5: "JSON",
	0xF6: "NEWDECIMAL",
	0xF7: "ENUM",
	0xF8: "SET",
	0xF9: "TINYBLOB",
	0xFA: "MEDIUMBLOB",
	0xFB: "LONGBLOB",
	0xFC: "BLOB",
	0xFD: "VARSTRING",
	0xFE: "STRING",
	0xFF: "GEOMETRY",
}

// TypeName returns the protocol name of a column type byte.
func TypeName(tp byte) string {
	if name, ok := RefTypeName[tp]; ok {
		return name
	}
	return "UNKNOWN"
}

// Flag informations, as carried on column definitions.
const (
	NotNullFlag     uint16 = 1   /* Field can't be NULL */
	PriKeyFlag      uint16 = 2   /* Field is part of a primary key */
	UniqueKeyFlag   uint16 = 4   /* Field is part of a unique key */
	MultipleKeyFlag uint16 = 8   /* Field is part of a key */
	BlobFlag        uint16 = 16  /* Field is a blob */
	UnsignedFlag    uint16 = 32  /* Field is unsigned */
	ZerofillFlag    uint16 = 64  /* Field is zerofill */
	BinaryFlag      uint16 = 128 /* Field is binary   */

	EnumFlag           uint16 = 256   /* Field is an enum */
	AutoIncrementFlag  uint16 = 512   /* Field is an auto increment field */
	TimestampFlag      uint16 = 1024  /* Field is a timestamp */
	SetFlag            uint16 = 2048  /* Field is a set */
	NoDefaultValueFlag uint16 = 4096  /* Field doesn't have a default value */
	OnUpdateNowFlag    uint16 = 8192  /* Field is set to NOW on UPDATE */
	NumFlag            uint16 = 32768 /* Field is a num (for clients) */
)

// HasNotNullFlag checks if NotNullFlag is set.
func HasNotNullFlag(flag uint16) bool {
	return (flag & NotNullFlag) > 0
}

// HasUnsignedFlag checks if UnsignedFlag is set.
func HasUnsignedFlag(flag uint16) bool {
	return (flag & UnsignedFlag) > 0
}

// HasBinaryFlag checks if BinaryFlag is set.
func HasBinaryFlag(flag uint16) bool {
	return (flag & BinaryFlag) > 0
}

// HasPriKeyFlag checks if PriKeyFlag is set.
func HasPriKeyFlag(flag uint16) bool {
	return (flag & PriKeyFlag) > 0
}
