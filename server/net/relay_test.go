package net

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/zhukovaskychina/xmysql-relay/server/conf"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/server/protocol"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// fakeConn 模拟一侧连接用于测试
type fakeConn struct {
	mu       sync.Mutex
	id       string
	frames   [][]byte
	attrs    map[interface{}]interface{}
	closed   bool
	writeErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, attrs: make(map[interface{}]interface{})}
}

func (c *fakeConn) Stat() string { return c.id }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// WriteBytes 拷贝一份再存,转发方写完就回收帧缓冲
func (c *fakeConn) WriteBytes(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) SetAttribute(key, value interface{}) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) frameAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) attr(key interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[key]
}

// eventSink 收集总线上的所有事件
type eventSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *eventSink) CanObserve(EventKind) bool { return true }

func (s *eventSink) OnEvent(ev *Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) countOf(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *eventSink) summaries() []*protocol.ResultSetSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.ResultSetSummary
	for _, ev := range s.events {
		if ev.Kind == EventResultSet {
			out = append(out, ev.Summary)
		}
	}
	return out
}

const testBaseCaps = mysql.ClientProtocol41 | mysql.ClientSecureConnection

// greetingPayload 按HandshakeV10版式拼一个服务端问候载荷
func greetingPayload(caps uint32) []byte {
	buff := make([]byte, 0, 64)
	buff = util.WriteByte(buff, 10)
	buff = util.WriteBytes(buff, []byte("5.7.44-log"))
	buff = util.WriteByte(buff, 0x00)
	buff = util.WriteUB4(buff, 1808)
	buff = util.WriteBytes(buff, make([]byte, 8))
	buff = util.WriteByte(buff, 0x00)
	buff = util.WriteUB2(buff, uint16(caps))
	buff = util.WriteByte(buff, 33)
	buff = util.WriteUB2(buff, 0x0002)
	buff = util.WriteUB2(buff, uint16(caps>>16))
	if caps&mysql.ClientPluginAuth != 0 {
		buff = util.WriteByte(buff, 21)
		buff = util.WriteBytes(buff, make([]byte, 10))
		buff = util.WriteBytes(buff, make([]byte, 13))
		buff = util.WriteBytes(buff, []byte("mysql_native_password"))
		buff = util.WriteByte(buff, 0x00)
	}
	return buff
}

// authPayload 按HandshakeResponse41版式拼一个客户端应答载荷
func authPayload(caps uint32, user, database string) []byte {
	if database != "" {
		caps |= mysql.ClientConnectWithDB
	}
	buff := make([]byte, 0, 96)
	buff = util.WriteUB4(buff, caps)
	buff = util.WriteUB4(buff, 1<<24)
	buff = util.WriteByte(buff, 33)
	buff = util.WriteBytes(buff, make([]byte, 23))
	buff = util.WriteBytes(buff, []byte(user))
	buff = util.WriteByte(buff, 0x00)
	buff = util.WriteByte(buff, 20)
	buff = util.WriteBytes(buff, make([]byte, 20))
	if database != "" {
		buff = util.WriteBytes(buff, []byte(database))
		buff = util.WriteByte(buff, 0x00)
	}
	return buff
}

// sslRequestPayload SSLRequest只有32字节定长头
func sslRequestPayload(caps uint32) []byte {
	buff := make([]byte, 0, 32)
	buff = util.WriteUB4(buff, caps|mysql.ClientSSL)
	buff = util.WriteUB4(buff, 1<<24)
	buff = util.WriteByte(buff, 33)
	buff = util.WriteBytes(buff, make([]byte, 23))
	return buff
}

func pkt(seq byte, payload []byte) *protocol.Packet {
	return &protocol.Packet{Seq: seq, Payload: payload}
}

func frameOf(seq byte, payload []byte) []byte {
	return protocol.EncodePacket(nil, seq, payload)
}

// newTestRelay 同步总线上挂一个收集器,方便断言
func newTestRelay() (*RelaySession, *fakeConn, *eventSink) {
	bus := NewEventBus(0)
	sink := &eventSink{}
	bus.Subscribe(sink, EventSessionOpened, EventSessionClosed, EventResultSet, EventPacket)
	front := newFakeConn("front")
	rs := newRelaySession("relay-1", conf.NewCfg(), bus, front)
	return rs, front, sink
}

// 走完整的握手和一条查询,校验阶段推进、双向转发和结果集摘要
func TestRelayHandshakeAndQuery(t *testing.T) {
	rs, front, sink := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	greeting := greetingPayload(testBaseCaps)
	auth := authPayload(testBaseCaps, "root", "demo")
	authOK := protocol.EncodeOKPayload(0, 0, 0x0002, 0, nil)

	rs.HandleResponse(pkt(0, greeting))
	if rs.phase != phaseAuth {
		t.Fatalf("phase after greeting = %d, want phaseAuth", rs.phase)
	}
	rs.HandleCommand(pkt(1, auth))
	if rs.response == nil || rs.response.User != "root" || rs.response.Database != "demo" {
		t.Fatalf("handshake response not decoded: %+v", rs.response)
	}
	rs.HandleResponse(pkt(2, authOK))
	if rs.phase != phaseCommand {
		t.Fatalf("phase after auth OK = %d, want phaseCommand", rs.phase)
	}
	if rs.tracker == nil {
		t.Fatal("tracker was not armed in command phase")
	}

	// 一条单列单行的查询
	query := append([]byte{mysql.ComQuery}, []byte("SELECT n FROM t")...)
	def := &protocol.ColumnDefinition{
		Schema: []byte("demo"), Table: []byte("t"), OrgTable: []byte("t"),
		Name: []byte("n"), OrgName: []byte("n"),
		Charset: 33, Length: 11, Type: mysql.TypeLong,
	}
	rs.HandleCommand(pkt(0, query))
	rs.HandleResponse(pkt(1, protocol.EncodeColumnCountPayload(1)))
	rs.HandleResponse(pkt(2, def.Encode()))
	rs.HandleResponse(pkt(3, protocol.EncodeEOFPayload(0, 0x0002)))
	rs.HandleResponse(pkt(4, []byte{0x01, '7'}))
	rs.HandleResponse(pkt(5, protocol.EncodeEOFPayload(0, 0x0002)))

	summaries := sink.summaries()
	if len(summaries) != 1 {
		t.Fatalf("result set summaries = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Command != mysql.ComQuery || s.Binary {
		t.Fatalf("summary command = %d binary = %v", s.Command, s.Binary)
	}
	if len(s.Columns) != 1 || s.Columns[0] != "n" || s.Rows != 1 || s.ValueBytes != 2 || s.NullCells != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.DecodeErr != nil {
		t.Fatalf("summary decode error: %v", s.DecodeErr)
	}

	// 两帧命令到后端,七帧响应回前端,字节原样
	if back.frameCount() != 2 {
		t.Fatalf("backend frames = %d, want 2", back.frameCount())
	}
	if !bytes.Equal(back.frameAt(1), frameOf(0, query)) {
		t.Fatalf("query frame mismatch: %x", back.frameAt(1))
	}
	if front.frameCount() != 7 {
		t.Fatalf("frontend frames = %d, want 7", front.frameCount())
	}
	if !bytes.Equal(front.frameAt(0), frameOf(0, greeting)) {
		t.Fatalf("greeting frame mismatch: %x", front.frameAt(0))
	}

	if sink.countOf(EventPacket) != 9 {
		t.Fatalf("packet events = %d, want 9", sink.countOf(EventPacket))
	}
}

// SSLRequest一到就切直通,两侧都打上原始流标记
func TestRelaySSLRequestGoesRaw(t *testing.T) {
	rs, front, _ := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	rs.HandleResponse(pkt(0, greetingPayload(testBaseCaps|mysql.ClientSSL)))
	ssl := sslRequestPayload(testBaseCaps)
	rs.HandleCommand(pkt(1, ssl))

	if rs.phase != phaseRaw {
		t.Fatalf("phase after SSLRequest = %d, want phaseRaw", rs.phase)
	}
	if front.attr(rawStreamKey) == nil || back.attr(rawStreamKey) == nil {
		t.Fatal("raw stream attribute was not set on both sides")
	}
	// SSLRequest本身还是按报文转发的
	if !bytes.Equal(back.frameAt(0), frameOf(1, ssl)) {
		t.Fatalf("SSLRequest frame mismatch: %x", back.frameAt(0))
	}

	// 之后的TLS字节原样透传,不再框帧
	cipher := RawChunk{0x16, 0x03, 0x01, 0x02, 0x00, 0x01}
	rs.HandleRaw(true, cipher)
	if !bytes.Equal(back.frameAt(1), cipher) {
		t.Fatalf("raw chunk mismatch: %x", back.frameAt(1))
	}
	rs.HandleRaw(false, RawChunk{0x16, 0x03, 0x03})
	if front.frameCount() != 2 {
		t.Fatalf("frontend frames = %d, want 2", front.frameCount())
	}
}

// 双方协商出压缩协议时鉴权一结束就切直通
func TestRelayCompressGoesRaw(t *testing.T) {
	rs, front, _ := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	rs.HandleResponse(pkt(0, greetingPayload(testBaseCaps|mysql.ClientCompress)))
	rs.HandleCommand(pkt(1, authPayload(testBaseCaps|mysql.ClientCompress, "root", "")))
	rs.HandleResponse(pkt(2, protocol.EncodeOKPayload(0, 0, 0x0002, 0, nil)))

	if rs.phase != phaseRaw {
		t.Fatalf("phase = %d, want phaseRaw", rs.phase)
	}
	if front.attr(rawStreamKey) == nil || back.attr(rawStreamKey) == nil {
		t.Fatal("raw stream attribute was not set on both sides")
	}
}

// 协商掉EOF包的会话认不出结果集边界,只转发不跟踪
func TestRelayDeprecateEOFPassthrough(t *testing.T) {
	rs, _, sink := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	caps := testBaseCaps | mysql.ClientDeprecateEOF
	rs.HandleResponse(pkt(0, greetingPayload(caps)))
	rs.HandleCommand(pkt(1, authPayload(caps, "root", "")))
	rs.HandleResponse(pkt(2, protocol.EncodeOKPayload(0, 0, 0x0002, 0, nil)))

	if rs.phase != phasePassthrough {
		t.Fatalf("phase = %d, want phasePassthrough", rs.phase)
	}
	if rs.tracker != nil {
		t.Fatal("tracker must stay off without EOF boundaries")
	}

	query := append([]byte{mysql.ComQuery}, []byte("SELECT 1")...)
	rs.HandleCommand(pkt(0, query))
	rs.HandleResponse(pkt(1, protocol.EncodeOKPayload(1, 0, 0x0002, 0, nil)))
	if sink.countOf(EventResultSet) != 0 {
		t.Fatal("passthrough session must not emit result set summaries")
	}
	if !bytes.Equal(back.frameAt(1), frameOf(0, query)) {
		t.Fatalf("query frame mismatch: %x", back.frameAt(1))
	}
}

// 鉴权插件切换来回几趟都停在auth阶段,最后的OK才进命令阶段
func TestRelayAuthSwitchFlow(t *testing.T) {
	rs, _, _ := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	caps := testBaseCaps | mysql.ClientPluginAuth
	rs.HandleResponse(pkt(0, greetingPayload(caps)))
	rs.HandleCommand(pkt(1, authPayload(caps, "root", "")))

	// 0xFE切换请求带插件名,长度超过EOF的上限,不会被误判
	switchReq := append([]byte{0xfe}, []byte("mysql_native_password\x00seedseedseedseedseed")...)
	rs.HandleResponse(pkt(2, switchReq))
	if rs.phase != phaseAuth {
		t.Fatalf("phase after auth switch = %d, want phaseAuth", rs.phase)
	}

	// 切换应答是纯挑战数据,中继不解码
	rs.HandleCommand(pkt(3, bytes.Repeat([]byte{0xab}, 20)))
	if rs.phase != phaseAuth {
		t.Fatalf("phase after switch response = %d, want phaseAuth", rs.phase)
	}

	// 第一次被拒还停在auth阶段
	rs.HandleResponse(pkt(4, protocol.EncodeERRPayload(1045, "28000", "Access denied")))
	if rs.phase != phaseAuth {
		t.Fatalf("phase after auth ERR = %d, want phaseAuth", rs.phase)
	}

	rs.HandleResponse(pkt(4, protocol.EncodeOKPayload(0, 0, 0x0002, 0, nil)))
	if rs.phase != phaseCommand {
		t.Fatalf("phase after auth OK = %d, want phaseCommand", rs.phase)
	}
}

// 后端还没拨通时客户端的帧进暂存,绑定后按序冲出去
func TestRelayPendingFlushedOnBind(t *testing.T) {
	rs, _, _ := newTestRelay()

	payloads := [][]byte{{0x01}, {0x02, 0x03}, {0x04}}
	for i, p := range payloads {
		rs.HandleCommand(pkt(byte(i), p))
	}

	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}
	if back.frameCount() != len(payloads) {
		t.Fatalf("flushed frames = %d, want %d", back.frameCount(), len(payloads))
	}
	for i, p := range payloads {
		if !bytes.Equal(back.frameAt(i), frameOf(byte(i), p)) {
			t.Fatalf("flushed frame %d mismatch: %x", i, back.frameAt(i))
		}
	}
	if rs.pending != nil {
		t.Fatal("pending queue was not cleared after flush")
	}
}

func TestRelayPendingOverflowTearsDown(t *testing.T) {
	rs, front, sink := newTestRelay()

	for i := 0; i <= maxPendingFrames; i++ {
		rs.HandleCommand(pkt(byte(i), []byte{0x0e}))
	}
	if !rs.closed {
		t.Fatal("session must tear down when the pending queue overflows")
	}
	if !front.isClosed() {
		t.Fatal("frontend connection was not closed")
	}
	if sink.countOf(EventSessionClosed) != 1 {
		t.Fatalf("closed events = %d, want 1", sink.countOf(EventSessionClosed))
	}
}

func TestRelayTeardownIdempotent(t *testing.T) {
	rs, front, sink := newTestRelay()
	back := newFakeConn("back")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}
	detached := 0
	rs.onDetach = func() { detached++ }

	rs.Teardown("first")
	rs.Teardown("second")

	if detached != 1 {
		t.Fatalf("onDetach ran %d times, want 1", detached)
	}
	if sink.countOf(EventSessionClosed) != 1 {
		t.Fatalf("closed events = %d, want 1", sink.countOf(EventSessionClosed))
	}
	if !front.isClosed() || !back.isClosed() {
		t.Fatal("both sides must be closed on teardown")
	}

	// 拆除之后的流量直接丢弃
	rs.HandleCommand(pkt(0, []byte{0x0e}))
	rs.HandleResponse(pkt(1, []byte{0x00}))
	if back.frameCount() != 0 || front.frameCount() != 0 {
		t.Fatal("closed session must not forward traffic")
	}
	if err := rs.BindBackend(newFakeConn("late")); err == nil {
		t.Fatal("BindBackend must fail on a closed session")
	}
}

func TestRelayForwardFailureTearsDown(t *testing.T) {
	rs, front, sink := newTestRelay()
	back := newFakeConn("back")
	back.writeErr = errors.New("connection reset by peer")
	if err := rs.BindBackend(back); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}

	rs.HandleCommand(pkt(0, []byte{0x0e}))

	if !rs.closed {
		t.Fatal("session must tear down when forwarding fails")
	}
	if !front.isClosed() {
		t.Fatal("frontend connection was not closed")
	}
	if sink.countOf(EventSessionClosed) != 1 {
		t.Fatalf("closed events = %d, want 1", sink.countOf(EventSessionClosed))
	}
}

func TestRelayRejectsSecondBackend(t *testing.T) {
	rs, _, _ := newTestRelay()
	if err := rs.BindBackend(newFakeConn("back-1")); err != nil {
		t.Fatalf("BindBackend failed: %v", err)
	}
	if err := rs.BindBackend(newFakeConn("back-2")); err == nil {
		t.Fatal("second backend must be rejected")
	}
}

func TestSessionRegistryLimit(t *testing.T) {
	bus := NewEventBus(0)
	cfg := conf.NewCfg()
	reg := NewSessionRegistry(2)

	fronts := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
	for i := 0; i < 2; i++ {
		rs := newRelaySession(reg.NextToken(), cfg, bus, fronts[i])
		if err := reg.Attach(fronts[i], rs); err != nil {
			t.Fatalf("Attach %d failed: %v", i, err)
		}
	}
	rs3 := newRelaySession(reg.NextToken(), cfg, bus, fronts[2])
	if err := reg.Attach(fronts[2], rs3); err != errTooManySessions {
		t.Fatalf("Attach beyond the limit = %v, want errTooManySessions", err)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reg.Count())
	}

	reg.Detach(fronts[0])
	if err := reg.Attach(fronts[2], rs3); err != nil {
		t.Fatalf("Attach after Detach failed: %v", err)
	}
	if got, ok := reg.Get(fronts[2]); !ok || got != rs3 {
		t.Fatal("Get did not return the attached session")
	}
}

func TestSessionRegistryCloseAll(t *testing.T) {
	bus := NewEventBus(0)
	sink := &eventSink{}
	bus.Subscribe(sink, EventSessionClosed)
	cfg := conf.NewCfg()
	reg := NewSessionRegistry(0)

	for i := 0; i < 3; i++ {
		front := newFakeConn(reg.NextToken())
		rs := newRelaySession(front.id, cfg, bus, front)
		rs.onDetach = func() { reg.Detach(front) }
		if err := reg.Attach(front, rs); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	}

	reg.CloseAll("draining")
	if reg.Count() != 0 {
		t.Fatalf("Count after CloseAll = %d, want 0", reg.Count())
	}
	if sink.countOf(EventSessionClosed) != 3 {
		t.Fatalf("closed events = %d, want 3", sink.countOf(EventSessionClosed))
	}
}
