package net

import (
	"github.com/AlexStocks/getty/transport"
	gxnet "github.com/AlexStocks/goext/net"
	log "github.com/AlexStocks/log4go"
	"github.com/zhukovaskychina/xmysql-relay/server/conf"
)

// newBackendClient 为一条前端连接拨一条专属的后端连接。MySQL会话是有
// 状态的,连接数固定为1,断了也不悄悄重拨,两侧一起拆干净。
func newBackendClient(conf *conf.Cfg) getty.Client {
	return getty.NewTCPClient(
		getty.WithServerAddress(gxnet.HostAddress(conf.BackendAddress, conf.BackendPort)),
		getty.WithConnectionNumber(1),
	)
}

// backendSessionInit 后端会话的初始化回调,把中继会话挂进会话属性,
// 后端监听器靠它找回转发的另一头
func backendSessionInit(conf *conf.Cfg, pkgHandler *RelayPackageHandler,
	listener *BackEndListener, rs *RelaySession) getty.NewSessionCallback {
	return func(session getty.Session) error {
		if err := configureSession(session, conf, pkgHandler, listener); err != nil {
			return err
		}
		session.SetName("backend-" + conf.MySQLSessionParam.SessionName)
		session.SetAttribute(relaySessionKey, rs)
		log.Debug("session{%s} dialed backend {%s}", rs.token, session.Stat())
		return nil
	}
}
