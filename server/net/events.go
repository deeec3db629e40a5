package net

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/AlexStocks/log4go"
	"github.com/zhukovaskychina/xmysql-relay/server/capture"
	"github.com/zhukovaskychina/xmysql-relay/server/conf"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/server/protocol"
)

// EventKind 观察事件类型
type EventKind int

const (
	EventSessionOpened EventKind = iota // 前端连接建立
	EventSessionClosed
	EventResultSet // 一条结果集摘要
	EventPacket    // 一帧转发的报文载荷
)

// Event 一条观察事件。Payload只在EventPacket上携带,发布后归总线所有,
// 发布方不得再改写。
type Event struct {
	Kind    EventKind
	Session string
	Time    time.Time

	Reason string // EventSessionClosed

	Direction byte // EventPacket: capture.DirCommand或capture.DirResponse
	Payload   []byte

	Summary *protocol.ResultSetSummary // EventResultSet
}

// EventHandler 观察事件的订阅方
type EventHandler interface {
	CanObserve(kind EventKind) bool
	OnEvent(ev *Event)
}

// EventBus 单工作协程的异步事件总线。单协程派发保证抓包记录保持
// 每个会话内的因果顺序;队列满时事件被丢弃并计数,转发热路径从不等待
// 订阅方。
type EventBus struct {
	mutex    sync.RWMutex
	handlers map[EventKind][]EventHandler

	queue    chan *Event
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	inline   bool
	dropped  int64
}

// NewEventBus 创建事件总线。queueSize小于等于0时退化为就地同步派发,
// 主要给测试用。
func NewEventBus(queueSize int) *EventBus {
	bus := &EventBus{
		handlers: make(map[EventKind][]EventHandler),
		stopChan: make(chan struct{}),
	}
	if queueSize <= 0 {
		bus.inline = true
		return bus
	}
	bus.queue = make(chan *Event, queueSize)
	bus.wg.Add(1)
	go bus.worker()
	return bus
}

// Subscribe 订阅若干事件类型
func (bus *EventBus) Subscribe(handler EventHandler, kinds ...EventKind) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	for _, kind := range kinds {
		bus.handlers[kind] = append(bus.handlers[kind], handler)
	}
}

// Publish 投递一条事件,从不阻塞
func (bus *EventBus) Publish(ev *Event) {
	if bus.inline {
		bus.dispatch(ev)
		return
	}
	select {
	case bus.queue <- ev:
	default:
		atomic.AddInt64(&bus.dropped, 1)
	}
}

// Dropped 因队列满被丢弃的事件数
func (bus *EventBus) Dropped() int64 {
	return atomic.LoadInt64(&bus.dropped)
}

func (bus *EventBus) worker() {
	defer bus.wg.Done()
	for {
		select {
		case ev := <-bus.queue:
			bus.dispatch(ev)
		case <-bus.stopChan:
			// 停机前把已入队的事件派发完
			for {
				select {
				case ev := <-bus.queue:
					bus.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (bus *EventBus) dispatch(ev *Event) {
	bus.mutex.RLock()
	handlers := bus.handlers[ev.Kind]
	bus.mutex.RUnlock()

	for _, handler := range handlers {
		if handler.CanObserve(ev.Kind) {
			handler.OnEvent(ev)
		}
	}
}

// Close 停掉工作协程,队列里未派发的事件先派发完
func (bus *EventBus) Close() {
	bus.stopOnce.Do(func() { close(bus.stopChan) })
	bus.wg.Wait()
}

// RelayStats 全局观察计数,字段只通过atomic访问
type RelayStats struct {
	Opened       int64
	Closed       int64
	Commands     int64
	ResultSets   int64
	Rows         int64
	DecodeErrors int64
	PayloadBytes int64
}

func (st *RelayStats) CanObserve(EventKind) bool { return true }

func (st *RelayStats) OnEvent(ev *Event) {
	switch ev.Kind {
	case EventSessionOpened:
		atomic.AddInt64(&st.Opened, 1)
	case EventSessionClosed:
		atomic.AddInt64(&st.Closed, 1)
	case EventPacket:
		if ev.Direction == capture.DirCommand {
			atomic.AddInt64(&st.Commands, 1)
		}
		atomic.AddInt64(&st.PayloadBytes, int64(len(ev.Payload)))
	case EventResultSet:
		atomic.AddInt64(&st.ResultSets, 1)
		atomic.AddInt64(&st.Rows, int64(ev.Summary.Rows))
		if ev.Summary.DecodeErr != nil {
			atomic.AddInt64(&st.DecodeErrors, 1)
		}
	}
}

func (st *RelayStats) String() string {
	return fmt.Sprintf("sessions{opened:%d, closed:%d} commands:%d result-sets:%d rows:%d decode-errors:%d payload-bytes:%d",
		atomic.LoadInt64(&st.Opened), atomic.LoadInt64(&st.Closed),
		atomic.LoadInt64(&st.Commands), atomic.LoadInt64(&st.ResultSets),
		atomic.LoadInt64(&st.Rows), atomic.LoadInt64(&st.DecodeErrors),
		atomic.LoadInt64(&st.PayloadBytes))
}

// SummaryLogger 把每条结果集摘要写进日志
type SummaryLogger struct{}

func (sl *SummaryLogger) CanObserve(kind EventKind) bool { return kind == EventResultSet }

func (sl *SummaryLogger) OnEvent(ev *Event) {
	s := ev.Summary
	switch {
	case s.ErrorCode != 0:
		log.Warn("session{%s} %s -> ERR %d (%s)",
			ev.Session, mysql.ComName(s.Command), s.ErrorCode, s.ErrorMessage)
	case len(s.Types) == 0 && s.Rows == 0 && s.DecodeErr == nil:
		log.Info("session{%s} %s -> OK affected:%d insert-id:%d status:0x%04x",
			ev.Session, mysql.ComName(s.Command), s.AffectedRows, s.InsertID, s.Status)
	default:
		log.Info("session{%s} %s -> %d columns %d rows, null-cells:%d value-bytes:%d, decode-err:%v",
			ev.Session, mysql.ComName(s.Command), len(s.Columns), s.Rows,
			s.NullCells, s.ValueBytes, s.DecodeErr)
	}
}

// captureSubscriber 把转发的载荷按会话落盘,每条前端连接一个段目录,
// 目录名就是会话标识
type captureSubscriber struct {
	cfg conf.CaptureConfig

	mu      sync.Mutex
	writers map[string]*capture.Writer
}

func newCaptureSubscriber(cfg conf.CaptureConfig) *captureSubscriber {
	return &captureSubscriber{cfg: cfg, writers: make(map[string]*capture.Writer)}
}

func (cs *captureSubscriber) CanObserve(kind EventKind) bool {
	switch kind {
	case EventSessionOpened, EventSessionClosed, EventPacket:
		return true
	}
	return false
}

func (cs *captureSubscriber) OnEvent(ev *Event) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch ev.Kind {
	case EventSessionOpened:
		dir := filepath.Join(cs.cfg.Dir, ev.Session)
		w, err := capture.NewWriter(dir, ev.Session, cs.cfg.Codec, int64(cs.cfg.RotateSize))
		if err != nil {
			log.Error("open capture dir{%s} failed: %v", dir, err)
			return
		}
		cs.writers[ev.Session] = w
	case EventPacket:
		w := cs.writers[ev.Session]
		if w == nil {
			return
		}
		if err := w.Append(ev.Direction, ev.Payload); err != nil {
			log.Error("capture session{%s} failed: %v", ev.Session, err)
			w.Close()
			delete(cs.writers, ev.Session)
		}
	case EventSessionClosed:
		if w := cs.writers[ev.Session]; w != nil {
			if err := w.Close(); err != nil {
				log.Error("close capture session{%s} failed: %v", ev.Session, err)
			}
			delete(cs.writers, ev.Session)
		}
	}
}

// Close 停机时把所有没走到会话关闭事件的抓包文件落盘
func (cs *captureSubscriber) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for token, w := range cs.writers {
		if err := w.Close(); err != nil {
			log.Error("close capture session{%s} failed: %v", token, err)
		}
	}
	cs.writers = make(map[string]*capture.Writer)
}
