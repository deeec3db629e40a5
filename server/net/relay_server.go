package net

import (
	"fmt"
	"github.com/AlexStocks/getty/transport"
	gxlog "github.com/AlexStocks/goext/log"
	gxnet "github.com/AlexStocks/goext/net"
	log "github.com/AlexStocks/log4go"
	"github.com/dubbogo/gost/sync"
	"github.com/zhukovaskychina/xmysql-relay/server/conf"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

const (
	pprofPath = "/debug/pprof/"

	// 事件总线的队列长度,观察端堵住时事件被丢弃而不是拖慢转发
	eventQueueSize = 4096
)

const logBanner = `
**************************************************************

 __   __         _____   ______  _                 __     __
 \ \ / /        |  __ \ |  ____|| |         /\     \ \   / /
  \ V /  ______ | |__) || |__   | |        /  \     \ \_/ /
   > <  |______||  _  / |  __|  | |       / /\ \     \   /
  / . \         | | \ \ | |____ | |____  / ____ \     | |
 /_/ \_\        |_|  \_\|______||______|/_/    \_\    |_|

**************************************************************
`

// RelayServer 在客户端和真正的MySQL服务端之间转发报文,并在转发路径
// 旁路解码握手和结果集
type RelayServer struct {
	conf       *conf.Cfg
	serverList []getty.Server
	taskPool   gxsync.GenericTaskPool

	registry   *SessionRegistry
	bus        *EventBus
	stats      *RelayStats
	capture    *captureSubscriber
	pkgHandler *RelayPackageHandler
	frontEnd   *FrontEndListener
}

func NewRelayServer(conf *conf.Cfg) *RelayServer {
	srv := &RelayServer{
		conf:     conf,
		taskPool: gxsync.NewTaskPoolSimple(0),
		registry: NewSessionRegistry(conf.SessionNumber),
		bus:      NewEventBus(eventQueueSize),
		stats:    &RelayStats{},
	}
	srv.pkgHandler = NewRelayPackageHandler(conf.MySQLSessionParam.MaxMsgLen)
	srv.frontEnd = NewFrontEndListener(conf, srv.registry, srv.bus, srv.pkgHandler, srv.taskPool)

	srv.bus.Subscribe(srv.stats, EventSessionOpened, EventSessionClosed, EventPacket, EventResultSet)
	srv.bus.Subscribe(&SummaryLogger{}, EventResultSet)
	if conf.Capture.Enabled {
		srv.capture = newCaptureSubscriber(conf.Capture)
		srv.bus.Subscribe(srv.capture, EventSessionOpened, EventSessionClosed, EventPacket)
	}
	return srv
}

func (srv *RelayServer) Start() {
	initProfiling(srv.conf)
	srv.initServer(srv.conf)

	gxlog.CInfo(logBanner)
	gxlog.CInfo("%s starts successfull! its version=%s, its listen ends=%s:%d, its backend=%s:%d\n",
		srv.conf.AppName, getty.Version, srv.conf.BindAddress, srv.conf.Port,
		srv.conf.BackendAddress, srv.conf.BackendPort)
	log.Info("%s starts successfull! its version=%s, its listen ends=%s:%d, its backend=%s:%d",
		srv.conf.AppName, getty.Version, srv.conf.BindAddress, srv.conf.Port,
		srv.conf.BackendAddress, srv.conf.BackendPort)

	srv.initSignal()
}

func initProfiling(conf *conf.Cfg) {
	if conf.ProfilePort <= 0 {
		return
	}
	addr := gxnet.HostAddress(conf.BindAddress, conf.ProfilePort)
	log.Info("App Profiling startup on address{%v}", addr+pprofPath)
	go func() {
		log.Info(http.ListenAndServe(addr, nil))
	}()
}

// configureSession 前端接入和后端拨号的会话走同一套TCP参数
func configureSession(session getty.Session, conf *conf.Cfg,
	pkgHandler *RelayPackageHandler, listener getty.EventListener) error {
	var (
		ok      bool
		tcpConn *net.TCPConn
	)
	if tcpConn, ok = session.Conn().(*net.TCPConn); !ok {
		panic(fmt.Sprintf("%s, session.conn{%#v} is not tcp connection\n", session.Stat(), session.Conn()))
	}
	tcpConn.SetNoDelay(conf.MySQLSessionParam.TcpNoDelay)
	tcpConn.SetKeepAlive(conf.MySQLSessionParam.TcpKeepAlive)
	if conf.MySQLSessionParam.TcpKeepAlive {
		tcpConn.SetKeepAlivePeriod(conf.MySQLSessionParam.KeepAlivePeriodDuration)
	}
	tcpConn.SetReadBuffer(conf.MySQLSessionParam.TcpRBufSize)
	tcpConn.SetWriteBuffer(conf.MySQLSessionParam.TcpWBufSize)

	session.SetName(conf.MySQLSessionParam.SessionName)
	session.SetMaxMsgLen(conf.MySQLSessionParam.MaxMsgLen)
	session.SetPkgHandler(pkgHandler)
	session.SetEventListener(listener)
	session.SetWQLen(conf.MySQLSessionParam.PkgWQSize)
	session.SetReadTimeout(conf.MySQLSessionParam.TcpReadTimeoutDuration)
	session.SetWriteTimeout(conf.MySQLSessionParam.TcpWriteTimeoutDuration)
	session.SetCronPeriod((int)(conf.SessionTimeoutDuration / 1e6))
	session.SetWaitTime(conf.MySQLSessionParam.WaitTimeoutDuration)
	return nil
}

func (srv *RelayServer) initServer(conf *conf.Cfg) {
	var (
		addr     string
		portList []string
		server   getty.Server
	)
	portList = append(portList, strconv.Itoa(conf.Port))
	for _, port := range portList {
		addr = gxnet.HostAddress2(conf.BindAddress, port)
		serverOpts := []getty.ServerOption{getty.WithLocalAddress(addr)}
		server = getty.NewTCPServer(serverOpts...)
		server.RunEventLoop(func(session getty.Session) error {
			if err := configureSession(session, conf, srv.pkgHandler, srv.frontEnd); err != nil {
				return err
			}
			log.Debug("app accepts new session:%s\n", session.Stat())
			return nil
		})
		log.Debug("relay bind addr{%s} ok!", addr)
		srv.serverList = append(srv.serverList, server)
	}
}

func (srv *RelayServer) uninitServer() {
	for _, server := range srv.serverList {
		server.Close()
	}
	srv.registry.CloseAll("服务停机")
	srv.bus.Close()
	if srv.capture != nil {
		srv.capture.Close()
	}
	if srv.taskPool != nil {
		srv.taskPool.Close()
	}
	log.Info("relay shutdown, %s, dropped-events:%d", srv.stats.String(), srv.bus.Dropped())
}

func (srv *RelayServer) initSignal() {
	// signal.Notify的ch信道是阻塞的(signal.Notify不会阻塞发送信号), 需要设置缓冲
	signals := make(chan os.Signal, 1)
	// It is not possible to block SIGKILL or syscall.SIGSTOP
	signal.Notify(signals, os.Interrupt, os.Kill, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-signals
		log.Info("get signal %s", sig.String())
		switch sig {
		case syscall.SIGHUP:
		// reload()
		default:
			go time.AfterFunc(srv.conf.FailFastTimeoutDuration, func() {
				log.Exit("app exit now by force...")
				log.Close()
			})

			// 要么fastFailTimeout时间内执行完毕下面的逻辑然后程序退出，要么执行上面的超时函数程序强行退出
			srv.uninitServer()
			log.Exit("app exit now...")
			log.Close()
			return
		}
	}
}
