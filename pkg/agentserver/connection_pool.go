package agentserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is the part of a websocket connection the pool writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool tracks the agent's client connections. Writes are serialized
// by the pool and a connection that fails a write is dropped. onIdle fires
// once the pool has stayed empty for idleTimeout.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	conns        map[Conn]struct{}
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(name string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		conns:        map[Conn]struct{}{},
		writeTimeout: 5 * time.Second,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn Conn) {
	if conn == nil {
		return
	}
	if cp != nil {
		cp.mu.Lock()
		delete(cp.conns, conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
	}
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		cp.writeLocked(conn, data)
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

// SendToOne writes to conn if it is still part of the pool.
func (cp *ConnectionPool) SendToOne(conn Conn, data []byte) bool {
	if cp == nil || conn == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return false
	}
	ok := cp.writeLocked(conn, data)
	if !ok {
		cp.scheduleIdleTimerLocked()
	}
	return ok
}

func (cp *ConnectionPool) writeLocked(conn Conn, data []byte) bool {
	if cp.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "agentserver").Str("pool", cp.name).Msg("ws write failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
		return false
	}
	return true
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
