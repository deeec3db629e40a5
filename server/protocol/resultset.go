package protocol

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/logger"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
)

type trackerState int

const (
	stateIdle        trackerState = iota
	stateResponse                 // 等待语句的首个响应包
	stateColumns                  // 读取列定义
	stateRows                     // 读取数据行
	statePassiveDefs              // 列定义解码失败后等待定义块结束
	statePassive                  // 行解码失败后只跟踪结果集边界
	stateInfile                   // LOCAL INFILE上送中，等服务端的终结OK/ERR
)

// ResultSetSummary describes one tracked server response: either a result
// set with decoded rows, a plain OK, or an ERR.
type ResultSetSummary struct {
	Command byte
	Binary  bool

	Columns    []string
	Types      []byte
	Rows       int
	NullCells  int
	ValueBytes int

	AffectedRows uint64
	InsertID     uint64
	Status       uint16
	Warnings     uint16

	ErrorCode    uint16
	ErrorMessage string

	// DecodeErr carries the first row or metadata decode failure, with row
	// and column coordinates. The wire traffic itself is never affected.
	DecodeErr error
}

// ResultSetTracker follows the command and response packets of one session
// and decodes result-set rows on the side. COM_QUERY responses carry text
// rows, COM_STMT_EXECUTE responses carry binary rows; other commands are not
// tracked. A decode failure parks the tracker until the result set ends, so
// observation never disturbs forwarding.
type ResultSetTracker struct {
	observer func(*ResultSetSummary)

	state   trackerState
	command byte
	binary  bool

	expectColumns int
	defs          []*ColumnDefinition
	types         []byte

	pending      []byte // 16MB分片载荷的拼接缓冲
	cmdContinues bool
	summary      *ResultSetSummary
}

func NewResultSetTracker(observer func(*ResultSetSummary)) *ResultSetTracker {
	return &ResultSetTracker{observer: observer, state: stateIdle}
}

// Tracking reports whether a command response is currently being followed.
func (t *ResultSetTracker) Tracking() bool {
	return t.state != stateIdle
}

// OnCommand consumes one client packet payload.
func (t *ResultSetTracker) OnCommand(payload []byte) {
	if t.state == stateInfile {
		// LOCAL INFILE的文件内容由客户端上送，不是命令
		return
	}
	if t.cmdContinues {
		// 超大命令的后续分片，不含命令字节
		t.cmdContinues = len(payload) == mysql.MaxPayloadLen
		return
	}
	if len(payload) == 0 {
		return
	}
	t.cmdContinues = len(payload) == mysql.MaxPayloadLen

	t.reset()
	cmd := payload[0]
	switch cmd {
	case mysql.ComQuery:
		t.arm(cmd, false)
	case mysql.ComStmtExecute:
		t.arm(cmd, true)
	default:
		logger.Debugf("命令 %s 不跟踪结果集", mysql.ComName(cmd))
	}
}

func (t *ResultSetTracker) arm(cmd byte, binary bool) {
	t.command = cmd
	t.binary = binary
	t.state = stateResponse
	t.summary = &ResultSetSummary{Command: cmd, Binary: binary}
}

// OnResponse consumes one server packet payload.
func (t *ResultSetTracker) OnResponse(payload []byte) {
	if t.state == stateIdle {
		return
	}
	if len(payload) == 0 && len(t.pending) == 0 {
		// 空载荷只作为整倍数分片的终结包出现，此外丢弃
		return
	}
	full, done := t.join(payload)
	if !done {
		return
	}
	switch t.state {
	case stateResponse:
		t.onFirstResponse(full)
	case stateColumns:
		t.onColumnPacket(full)
	case statePassiveDefs:
		if IsEOFPacket(full) {
			t.state = statePassive
		}
	case stateRows, statePassive:
		t.onRowPacket(full)
	case stateInfile:
		t.onInfileResponse(full)
	}
}

// join reassembles payloads split at the 16MB wire limit.
func (t *ResultSetTracker) join(payload []byte) ([]byte, bool) {
	if len(payload) == mysql.MaxPayloadLen {
		t.pending = append(t.pending, payload...)
		return nil, false
	}
	if len(t.pending) > 0 {
		full := append(t.pending, payload...)
		t.pending = nil
		return full, true
	}
	return payload, true
}

func (t *ResultSetTracker) onFirstResponse(payload []byte) {
	switch {
	case IsERRPacket(payload):
		if ep, err := DecodeERR(payload); err == nil {
			t.summary.ErrorCode = ep.ErrorCode
			t.summary.ErrorMessage = ep.Message
		} else {
			t.summary.DecodeErr = errors.Annotate(err, "first response")
		}
		t.emit()
		t.reset()
	case IsOKPacket(payload):
		ok, err := DecodeOK(payload)
		if err != nil {
			t.summary.DecodeErr = errors.Annotate(err, "first response")
			t.emit()
			t.reset()
			return
		}
		t.summary.AffectedRows = ok.AffectedRows
		t.summary.InsertID = ok.InsertID
		t.summary.Status = ok.ServerStatus
		t.summary.Warnings = ok.WarningNum
		t.emit()
		t.next(ok.ServerStatus)
	case payload[0] == mysql.LocalInFileHeader:
		// LOCAL INFILE请求：客户端接着上送文件内容，到服务端的OK/ERR为止
		logger.Debugf("LOCAL INFILE响应, 等待上送结束")
		t.state = stateInfile
	default:
		count, err := DecodeColumnCount(payload)
		if err != nil {
			t.summary.DecodeErr = errors.Annotate(err, "column count")
			t.emit()
			t.reset()
			return
		}
		t.expectColumns = count
		t.defs = make([]*ColumnDefinition, 0, count)
		t.state = stateColumns
	}
}

// onInfileResponse handles the server packet that ends a LOCAL INFILE upload.
// Only OK or ERR is legal here; either one belongs to the LOAD DATA command
// that opened the upload.
func (t *ResultSetTracker) onInfileResponse(payload []byte) {
	if IsOKPacket(payload) || IsERRPacket(payload) {
		t.onFirstResponse(payload)
		return
	}
	t.summary.DecodeErr = errors.Annotatef(ErrMalformedPacket,
		"LOCAL INFILE reply 0x%02x", payload[0])
	t.emit()
	t.reset()
}

func (t *ResultSetTracker) onColumnPacket(payload []byte) {
	if IsEOFPacket(payload) {
		if len(t.defs) != t.expectColumns {
			// 定义块已经结束，直接进入行阶段的被动跟踪
			t.fail(statePassive, errors.Annotatef(ErrMalformedPacket,
				"%d column definitions, want %d", len(t.defs), t.expectColumns))
			return
		}
		t.types = ColumnTypes(t.defs)
		t.summary.Types = t.types
		t.summary.Columns = make([]string, len(t.defs))
		for i, def := range t.defs {
			t.summary.Columns[i] = string(def.Name)
		}
		t.state = stateRows
		return
	}
	if len(t.defs) >= t.expectColumns {
		t.fail(statePassiveDefs, errors.Annotatef(ErrMalformedPacket,
			"more than %d column definitions", t.expectColumns))
		return
	}
	cd, err := DecodeColumnDefinition(payload)
	if err != nil {
		t.fail(statePassiveDefs, errors.Annotatef(err, "column definition %d", len(t.defs)))
		return
	}
	t.defs = append(t.defs, cd)
}

func (t *ResultSetTracker) onRowPacket(payload []byte) {
	if IsEOFPacket(payload) {
		status := uint16(0)
		if eof, err := DecodeEOF(payload); err == nil {
			t.summary.Status = eof.Status
			t.summary.Warnings = eof.WarningCount
			status = eof.Status
		}
		logger.Debugf("结果集结束, 命令=%s, 行数=%d, 状态=0x%04x",
			mysql.ComName(t.command), t.summary.Rows, t.summary.Status)
		t.emit()
		t.next(status)
		return
	}
	if IsERRPacket(payload) {
		if ep, err := DecodeERR(payload); err == nil {
			t.summary.ErrorCode = ep.ErrorCode
			t.summary.ErrorMessage = ep.Message
		}
		t.emit()
		t.reset()
		return
	}

	rowIndex := t.summary.Rows
	t.summary.Rows++
	if t.state == statePassive {
		return
	}

	var row *Row
	var err error
	if t.binary {
		row, err = DecodeBinaryRow(payload, t.types)
	} else {
		row, err = DecodeTextRow(payload, t.expectColumns)
	}
	if err != nil {
		t.fail(statePassive, errors.Annotatef(err, "row %d", rowIndex))
		return
	}
	for i := 0; i < row.Len(); i++ {
		value, null, _ := row.Get(i)
		if null {
			t.summary.NullCells++
		} else {
			t.summary.ValueBytes += len(value)
		}
	}
}

// next starts over for the following result set of a multi-statement
// response, or goes idle.
func (t *ResultSetTracker) next(status uint16) {
	command, binary := t.command, t.binary
	t.reset()
	if mysql.HasMoreResultsFlag(status) {
		t.arm(command, binary)
	}
}

// fail records the first decode error and parks the tracker; the result set
// boundary is still followed so the summary can be emitted at its end.
func (t *ResultSetTracker) fail(parked trackerState, err error) {
	logger.Debugf("结果集解码失败: %v", err)
	if t.summary.DecodeErr == nil {
		t.summary.DecodeErr = err
	}
	t.state = parked
}

func (t *ResultSetTracker) reset() {
	t.state = stateIdle
	t.command = 0
	t.binary = false
	t.expectColumns = 0
	t.defs = nil
	t.types = nil
	t.pending = nil
	t.summary = nil
}

func (t *ResultSetTracker) emit() {
	if t.summary != nil && t.observer != nil {
		t.observer(t.summary)
	}
	t.summary = nil
}
