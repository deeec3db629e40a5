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

// Header byte of a server response packet. 0xfe is only an EOF when the
// payload is shorter than 9 bytes, otherwise it is a length prefix.
const (
	OKHeader          byte = 0x00
	ErrHeader         byte = 0xff
	EOFHeader         byte = 0xfe
	LocalInFileHeader byte = 0xfb
)

// NullMarker 文本协议里0xfb表示NULL列
const NullMarker byte = 0xfb

// MaxPayloadLen is the maximum payload of a single wire packet. Larger
// payloads are split and continued in follow-up packets.
const MaxPayloadLen = 1<<24 - 1

// Command information.
const (
	ComSleep byte = iota
	ComQuit
	ComInitDB
	ComQuery
	ComFieldList
	ComCreateDB
	ComDropDB
	ComRefresh
	ComShutdown
	ComStatistics
	ComProcessInfo
	ComConnect
	ComProcessKill
	ComDebug
	ComPing
	ComTime
	ComDelayedInsert
	ComChangeUser
	ComBinlogDump
	ComTableDump
	ComConnectOut
	ComRegisterSlave
	ComStmtPrepare
	ComStmtExecute
	ComStmtSendLongData
	ComStmtClose
	ComStmtReset
	ComSetOption
	ComStmtFetch
	ComDaemon
	ComBinlogDumpGtid
	ComResetConnection
)

// RefComName 命令字节到名称的映射，用于日志输出
var RefComName = map[byte]string{
	ComSleep:            "COM_SLEEP",
	ComQuit:             "COM_QUIT",
	ComInitDB:           "COM_INIT_DB",
	ComQuery:            "COM_QUERY",
	ComFieldList:        "COM_FIELD_LIST",
	ComCreateDB:         "COM_CREATE_DB",
	ComDropDB:           "COM_DROP_DB",
	ComRefresh:          "COM_REFRESH",
	ComShutdown:         "COM_SHUTDOWN",
	ComStatistics:       "COM_STATISTICS",
	ComProcessInfo:      "COM_PROCESS_INFO",
	ComConnect:          "COM_CONNECT",
	ComProcessKill:      "COM_PROCESS_KILL",
	ComDebug:            "COM_DEBUG",
	ComPing:             "COM_PING",
	ComTime:             "COM_TIME",
	ComDelayedInsert:    "COM_DELAYED_INSERT",
	ComChangeUser:       "COM_CHANGE_USER",
	ComBinlogDump:       "COM_BINLOG_DUMP",
	ComTableDump:        "COM_TABLE_DUMP",
	ComConnectOut:       "COM_CONNECT_OUT",
	ComRegisterSlave:    "COM_REGISTER_SLAVE",
	ComStmtPrepare:      "COM_STMT_PREPARE",
	ComStmtExecute:      "COM_STMT_EXECUTE",
	ComStmtSendLongData: "COM_STMT_SEND_LONG_DATA",
	ComStmtClose:        "COM_STMT_CLOSE",
	ComStmtReset:        "COM_STMT_RESET",
	ComSetOption:        "COM_SET_OPTION",
	ComStmtFetch:        "COM_STMT_FETCH",
	ComDaemon:           "COM_DAEMON",
	ComBinlogDumpGtid:   "COM_BINLOG_DUMP_GTID",
	ComResetConnection:  "COM_RESET_CONNECTION",
}

// ComName returns the protocol name of a command byte.
func ComName(cmd byte) string {
	if name, ok := RefComName[cmd]; ok {
		return name
	}
	return "COM_UNKNOWN"
}

// Server information.
const (
	ServerStatusInTrans            uint16 = 0x0001
	ServerStatusAutocommit         uint16 = 0x0002
	ServerMoreResultsExists        uint16 = 0x0008
	ServerStatusNoGoodIndexUsed    uint16 = 0x0010
	ServerStatusNoIndexUsed        uint16 = 0x0020
	ServerStatusCursorExists       uint16 = 0x0040
	ServerStatusLastRowSend        uint16 = 0x0080
	ServerStatusDBDropped          uint16 = 0x0100
	ServerStatusNoBackslashEscaped uint16 = 0x0200
	ServerStatusMetadataChanged    uint16 = 0x0400
	ServerStatusWasSlow            uint16 = 0x0800
	ServerPSOutParams              uint16 = 0x1000
)

// HasCursorExistsFlag checks if ServerStatusCursorExists is set.
func HasCursorExistsFlag(status uint16) bool {
	return status&ServerStatusCursorExists > 0
}

// HasMoreResultsFlag checks if ServerMoreResultsExists is set.
func HasMoreResultsFlag(status uint16) bool {
	return status&ServerMoreResultsExists > 0
}

// Client capability flags, exchanged during the handshake.
const (
	ClientLongPassword uint32 = 1 << iota
	ClientFoundRows
	ClientLongFlag
	ClientConnectWithDB
	ClientNoSchema
	ClientCompress
	ClientODBC
	ClientLocalFiles
	ClientIgnoreSpace
	ClientProtocol41
	ClientInteractive
	ClientSSL
	ClientIgnoreSigpipe
	ClientTransactions
	ClientReserved
	ClientSecureConnection
	ClientMultiStatements
	ClientMultiResults
	ClientPSMultiResults
	ClientPluginAuth
	ClientConnectAtts
	ClientPluginAuthLenencClientData
)

// ClientDeprecateEOF 客户端不再期待EOF包，改用OK包结束结果集
const ClientDeprecateEOF uint32 = 1 << 24

// Charset collation ids used on column definitions.
const (
	CharsetUTF8   uint16 = 33
	CharsetBinary uint16 = 63
)
