package net

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errTooManySessions = errors.New("Too many MySQL sessions!")

// SessionRegistry 前端会话到中继会话的映射,带会话数上限
type SessionRegistry struct {
	rwlock    sync.RWMutex
	sessions  map[sessionConn]*RelaySession
	maxNumber int
	counter   uint64
}

func NewSessionRegistry(maxNumber int) *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[sessionConn]*RelaySession),
		maxNumber: maxNumber,
	}
}

// NextToken 生成下一个会话标识,日志和抓包目录都用它指代会话
func (r *SessionRegistry) NextToken() string {
	return fmt.Sprintf("relay-%d", atomic.AddUint64(&r.counter, 1))
}

// Attach 登记一条前端会话,超出上限时拒绝
func (r *SessionRegistry) Attach(front sessionConn, rs *RelaySession) error {
	r.rwlock.Lock()
	defer r.rwlock.Unlock()
	if r.maxNumber > 0 && len(r.sessions) >= r.maxNumber {
		return errTooManySessions
	}
	r.sessions[front] = rs
	return nil
}

func (r *SessionRegistry) Get(front sessionConn) (*RelaySession, bool) {
	r.rwlock.RLock()
	defer r.rwlock.RUnlock()
	rs, ok := r.sessions[front]
	return rs, ok
}

func (r *SessionRegistry) Detach(front sessionConn) {
	r.rwlock.Lock()
	defer r.rwlock.Unlock()
	delete(r.sessions, front)
}

func (r *SessionRegistry) Count() int {
	r.rwlock.RLock()
	defer r.rwlock.RUnlock()
	return len(r.sessions)
}

// CloseAll 停机时挨个拆除仍在转发的会话
func (r *SessionRegistry) CloseAll(reason string) {
	r.rwlock.RLock()
	all := make([]*RelaySession, 0, len(r.sessions))
	for _, rs := range r.sessions {
		all = append(all, rs)
	}
	r.rwlock.RUnlock()

	for _, rs := range all {
		rs.Teardown(reason)
	}
}
