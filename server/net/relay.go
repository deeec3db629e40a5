/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/AlexStocks/getty/transport"
	log "github.com/AlexStocks/log4go"
	gxbytes "github.com/dubbogo/gost/bytes"
	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-relay/server/capture"
	"github.com/zhukovaskychina/xmysql-relay/server/conf"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/server/protocol"
)

// 会话推进的阶段。greeting等服务端问候包,auth等客户端应答直到鉴权结束,
// command阶段逐条跟踪命令和结果集,passthrough只转发不解码,
// raw连报文边界都不再切分。
const (
	phaseGreeting = iota
	phaseAuth
	phaseCommand
	phasePassthrough
	phaseRaw
)

const (
	relaySessionKey = "relay-session"
	rawStreamKey    = "relay-raw-stream"

	// 后端还没连上时前端命令的暂存上限,超过就认为后端起不来了
	maxPendingFrames = 32
)

// sessionConn 是中继用到的getty.Session子集,测试里好替身
type sessionConn interface {
	Stat() string
	Close()
	WriteBytes([]byte) error
	SetAttribute(key, value interface{})
}

// RelaySession 把一条客户端连接和它专属的后端连接捆成一对,客户端方向
// 的报文转给后端,后端方向的转回客户端,转发路径旁路解码握手和结果集。
type RelaySession struct {
	token string
	cfg   *conf.Cfg
	bus   *EventBus

	mu         sync.Mutex
	front      sessionConn
	back       sessionConn
	backClient getty.Client
	pending    [][]byte
	phase      int
	greeting   *protocol.Handshake
	response   *protocol.HandshakeResponse
	tracker    *protocol.ResultSetTracker
	closed     bool
	onDetach   func()

	created time.Time
}

func newRelaySession(token string, cfg *conf.Cfg, bus *EventBus, front sessionConn) *RelaySession {
	return &RelaySession{
		token:   token,
		cfg:     cfg,
		bus:     bus,
		front:   front,
		phase:   phaseGreeting,
		created: time.Now(),
	}
}

func (rs *RelaySession) Token() string { return rs.token }

// HandleCommand 处理一帧客户端到服务端方向的报文
func (rs *RelaySession) HandleCommand(pkt *protocol.Packet) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.observeCommand(pkt)
	rs.publishPacket(capture.DirCommand, pkt.Payload)
	if rs.back == nil {
		// 后端还在握手,先暂存整帧
		if len(rs.pending) >= maxPendingFrames {
			rs.mu.Unlock()
			rs.Teardown("后端未就绪且暂存帧超限")
			return
		}
		rs.pending = append(rs.pending, protocol.EncodePacket(nil, pkt.Seq, pkt.Payload))
		rs.mu.Unlock()
		return
	}
	back := rs.back
	rs.mu.Unlock()

	if err := rs.forwardFrame(back, pkt); err != nil {
		log.Error("session{%s} forward to backend failed: %s", rs.token, jerrors.ErrorStack(err))
		rs.Teardown("转发后端失败")
	}
}

// HandleResponse 处理一帧服务端到客户端方向的报文
func (rs *RelaySession) HandleResponse(pkt *protocol.Packet) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.observeResponse(pkt)
	rs.publishPacket(capture.DirResponse, pkt.Payload)
	front := rs.front
	rs.mu.Unlock()

	if err := rs.forwardFrame(front, pkt); err != nil {
		log.Error("session{%s} forward to client failed: %s", rs.token, jerrors.ErrorStack(err))
		rs.Teardown("转发客户端失败")
	}
}

// HandleRaw 直通模式下转发一段原始字节,不再观察也不抓包
func (rs *RelaySession) HandleRaw(fromFront bool, chunk RawChunk) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	peer := rs.back
	if !fromFront {
		peer = rs.front
	}
	if fromFront && peer == nil {
		if len(rs.pending) >= maxPendingFrames {
			rs.mu.Unlock()
			rs.Teardown("后端未就绪且暂存帧超限")
			return
		}
		rs.pending = append(rs.pending, chunk)
		rs.mu.Unlock()
		return
	}
	rs.mu.Unlock()

	if err := peer.WriteBytes(chunk); err != nil {
		log.Error("session{%s} raw forward failed: %s", rs.token, jerrors.ErrorStack(err))
		rs.Teardown("直通转发失败")
	}
}

// 调用方持有rs.mu
func (rs *RelaySession) observeCommand(pkt *protocol.Packet) {
	switch rs.phase {
	case phaseAuth:
		if rs.response != nil {
			// 鉴权插件切换的后续数据,不解码
			return
		}
		resp, err := protocol.DecodeHandshakeResponse(pkt.Payload)
		if err != nil {
			log.Warn("session{%s} undecodable handshake response: %s", rs.token, jerrors.ErrorStack(err))
			rs.goRaw("握手应答无法解析")
			return
		}
		if resp.SSLRequest {
			rs.goRaw("TLS加密")
			return
		}
		rs.response = resp
		log.Info("session{%s} auth user{%s} database{%s}", rs.token, resp.User, resp.Database)
	case phaseCommand:
		if rs.tracker != nil {
			rs.tracker.OnCommand(pkt.Payload)
		}
	}
}

// 调用方持有rs.mu
func (rs *RelaySession) observeResponse(pkt *protocol.Packet) {
	switch rs.phase {
	case phaseGreeting:
		greeting, err := protocol.DecodeHandshake(pkt.Payload)
		if err != nil {
			log.Warn("session{%s} undecodable greeting: %s", rs.token, jerrors.ErrorStack(err))
			rs.goRaw("问候包无法解析")
			return
		}
		rs.greeting = greeting
		rs.phase = phaseAuth
		log.Info("session{%s} backend version{%s} thread{%d} capabilities{0x%08x}",
			rs.token, greeting.ServerVersion, greeting.ThreadID, greeting.Capabilities)
	case phaseAuth:
		if rs.response == nil {
			// 客户端应答还没来,问候包重发或者多包问候,不管
			return
		}
		switch {
		case protocol.IsOKPacket(pkt.Payload):
			rs.enterCommandPhase()
		case protocol.IsERRPacket(pkt.Payload):
			log.Warn("session{%s} auth rejected by backend", rs.token)
		}
		// 0xFE鉴权插件切换和0x01附加数据都停在auth阶段等下一轮
	case phaseCommand:
		if rs.tracker != nil {
			rs.tracker.OnResponse(pkt.Payload)
		}
	}
}

// 鉴权通过后按双方协商出的能力decide命令阶段怎么走。调用方持有rs.mu
func (rs *RelaySession) enterCommandPhase() {
	caps := rs.greeting.Capabilities & rs.response.Capabilities
	switch {
	case caps&mysql.ClientCompress != 0:
		rs.goRaw("压缩协议")
	case caps&mysql.ClientDeprecateEOF != 0:
		// 结果集不再以EOF结尾,跟踪器认不出边界,只转发
		rs.phase = phasePassthrough
		log.Info("session{%s} deprecate-eof negotiated, passthrough only", rs.token)
	default:
		rs.phase = phaseCommand
		rs.tracker = protocol.NewResultSetTracker(rs.emitSummary)
		log.Info("session{%s} entering command phase, capabilities{0x%08x}", rs.token, caps)
	}
}

// goRaw 把会话切到直通模式,两侧都打上原始流标记让编解码器不再切帧。
// 调用方持有rs.mu
func (rs *RelaySession) goRaw(reason string) {
	rs.phase = phaseRaw
	rs.tracker = nil
	if rs.front != nil {
		rs.front.SetAttribute(rawStreamKey, true)
	}
	if rs.back != nil {
		rs.back.SetAttribute(rawStreamKey, true)
	}
	log.Info("session{%s} switching to raw passthrough: %s", rs.token, reason)
}

// BindBackend 把拨通的后端会话挂进来并冲掉暂存的前端报文
func (rs *RelaySession) BindBackend(ss sessionConn) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return jerrors.Errorf("session{%s} already closed", rs.token)
	}
	if rs.back != nil {
		rs.mu.Unlock()
		return jerrors.Errorf("session{%s} backend already bound", rs.token)
	}
	rs.back = ss
	if rs.phase == phaseRaw {
		ss.SetAttribute(rawStreamKey, true)
	}
	pending := rs.pending
	rs.pending = nil
	rs.mu.Unlock()

	for _, frame := range pending {
		if err := ss.WriteBytes(frame); err != nil {
			rs.Teardown("冲暂存帧失败")
			return jerrors.Trace(err)
		}
	}
	return nil
}

// setBackendClient 记下后端拨号句柄,停机时要一并收掉
func (rs *RelaySession) setBackendClient(client getty.Client) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		client.Close()
		return
	}
	rs.backClient = client
	rs.mu.Unlock()
}

// Teardown 拆除两侧连接,可以被任何一侧的回调重复调用
func (rs *RelaySession) Teardown(reason string) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.closed = true
	front, back, backClient := rs.front, rs.back, rs.backClient
	onDetach := rs.onDetach
	rs.tracker = nil
	rs.mu.Unlock()

	log.Info("session{%s} teardown after {%s}: %s", rs.token, time.Since(rs.created).String(), reason)
	if front != nil {
		front.Close()
	}
	if back != nil {
		back.Close()
	}
	if backClient != nil {
		backClient.Close()
	}
	if onDetach != nil {
		onDetach()
	}
	rs.bus.Publish(&Event{
		Kind:    EventSessionClosed,
		Session: rs.token,
		Time:    time.Now(),
		Reason:  reason,
	})
}

func (rs *RelaySession) emitSummary(summary *protocol.ResultSetSummary) {
	rs.bus.Publish(&Event{
		Kind:    EventResultSet,
		Session: rs.token,
		Time:    time.Now(),
		Summary: summary,
	})
}

// 调用方持有rs.mu。载荷是解码时拷出来的,总线观察方和转发方都只读
func (rs *RelaySession) publishPacket(direction byte, payload []byte) {
	rs.bus.Publish(&Event{
		Kind:      EventPacket,
		Session:   rs.token,
		Time:      time.Now(),
		Direction: direction,
		Payload:   payload,
	})
}

// forwardFrame 把一帧报文原样写到对端,帧缓冲用完就还池子
func (rs *RelaySession) forwardFrame(peer sessionConn, pkt *protocol.Packet) error {
	bufp := gxbytes.GetBytes(protocol.PacketHeaderLen + len(pkt.Payload))
	defer gxbytes.PutBytes(bufp)

	frame := (*bufp)[:0]
	frame = protocol.EncodePacket(frame, pkt.Seq, pkt.Payload)
	return jerrors.Trace(peer.WriteBytes(frame))
}

////////////////////////////////////////////
// 前端监听
////////////////////////////////////////////

// FrontEndListener 接客户端连接,对每条连接开一条中继会话并拨后端
type FrontEndListener struct {
	cfg        *conf.Cfg
	registry   *SessionRegistry
	bus        *EventBus
	taskPool   gxsync.GenericTaskPool
	pkgHandler *RelayPackageHandler
	backend    *BackEndListener
}

func NewFrontEndListener(cfg *conf.Cfg, registry *SessionRegistry, bus *EventBus,
	pkgHandler *RelayPackageHandler, taskPool gxsync.GenericTaskPool) *FrontEndListener {
	return &FrontEndListener{
		cfg:        cfg,
		registry:   registry,
		bus:        bus,
		taskPool:   taskPool,
		pkgHandler: pkgHandler,
		backend:    &BackEndListener{},
	}
}

func (l *FrontEndListener) OnOpen(session getty.Session) error {
	token := l.registry.NextToken()
	rs := newRelaySession(token, l.cfg, l.bus, session)
	rs.onDetach = func() { l.registry.Detach(session) }
	if err := l.registry.Attach(session, rs); err != nil {
		log.Warn("{%s} attach session{%s} failed: %v", session.Stat(), token, err)
		return err
	}

	log.Info("session{%s} opened from {%s}", token, session.Stat())
	l.bus.Publish(&Event{
		Kind:    EventSessionOpened,
		Session: token,
		Time:    time.Now(),
	})

	// 后端拨号在任务池里做,拨通前客户端报文都走暂存
	client := newBackendClient(l.cfg)
	rs.setBackendClient(client)
	l.taskPool.AddTaskAlways(func() {
		client.RunEventLoop(backendSessionInit(l.cfg, l.pkgHandler, l.backend, rs))
	})
	return nil
}

func (l *FrontEndListener) OnMessage(session getty.Session, pkg interface{}) {
	rs, ok := l.registry.Get(session)
	if !ok {
		log.Warn("{%s} message on unregistered session", session.Stat())
		session.Close()
		return
	}
	switch p := pkg.(type) {
	case *protocol.Packet:
		rs.HandleCommand(p)
	case RawChunk:
		rs.HandleRaw(true, p)
	default:
		log.Error("session{%s} illegal frontend pkg{%#v}", rs.token, pkg)
		session.Close()
	}
}

func (l *FrontEndListener) OnClose(session getty.Session) {
	if rs, ok := l.registry.Get(session); ok {
		rs.Teardown("前端连接断开")
	}
}

func (l *FrontEndListener) OnError(session getty.Session, err error) {
	if rs, ok := l.registry.Get(session); ok {
		rs.Teardown(fmt.Sprintf("前端连接出错: %v", err))
	}
}

func (l *FrontEndListener) OnCron(session getty.Session) {
	active := session.GetActive()
	if l.cfg.SessionTimeoutDuration < time.Since(active) {
		if rs, ok := l.registry.Get(session); ok {
			log.Warn("session{%s} idle {%s} since last active, closing it", rs.token, time.Since(active).String())
			rs.Teardown("会话空闲超时")
		}
	}
}

////////////////////////////////////////////
// 后端监听
////////////////////////////////////////////

// BackEndListener 挂在后端拨号会话上,靠会话属性找回中继会话
type BackEndListener struct{}

func relaySessionOf(session getty.Session) *RelaySession {
	if v := session.GetAttribute(relaySessionKey); v != nil {
		if rs, ok := v.(*RelaySession); ok {
			return rs
		}
	}
	return nil
}

func (l *BackEndListener) OnOpen(session getty.Session) error {
	rs := relaySessionOf(session)
	if rs == nil {
		log.Warn("{%s} backend session carries no relay session", session.Stat())
		return jerrors.New("no relay session bound")
	}
	if err := rs.BindBackend(session); err != nil {
		log.Warn("session{%s} bind backend failed: %v", rs.token, err)
		return err
	}
	log.Info("session{%s} backend connected {%s}", rs.token, session.Stat())
	return nil
}

func (l *BackEndListener) OnMessage(session getty.Session, pkg interface{}) {
	rs := relaySessionOf(session)
	if rs == nil {
		session.Close()
		return
	}
	switch p := pkg.(type) {
	case *protocol.Packet:
		rs.HandleResponse(p)
	case RawChunk:
		rs.HandleRaw(false, p)
	default:
		log.Error("session{%s} illegal backend pkg{%#v}", rs.token, pkg)
		session.Close()
	}
}

func (l *BackEndListener) OnClose(session getty.Session) {
	if rs := relaySessionOf(session); rs != nil {
		rs.Teardown("后端连接断开")
	}
}

func (l *BackEndListener) OnError(session getty.Session, err error) {
	if rs := relaySessionOf(session); rs != nil {
		rs.Teardown(fmt.Sprintf("后端连接出错: %v", err))
	}
}

// 空闲超时由前端那侧管,后端不重复判
func (l *BackEndListener) OnCron(session getty.Session) {}
