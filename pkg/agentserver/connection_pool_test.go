package agentserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("closed")
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestConnectionPool_BroadcastDropsFailingConnections(t *testing.T) {
	pool := NewConnectionPool("p", 0, nil)
	good := &stubConn{}
	bad := &stubConn{fail: true}
	pool.Add(good)
	pool.Add(bad)

	pool.Broadcast([]byte("one"))

	require.Equal(t, 1, pool.Count())
	require.Equal(t, 1, good.count())
	require.True(t, bad.closed)
}

func TestConnectionPool_SendToOneIgnoresUnknown(t *testing.T) {
	pool := NewConnectionPool("p", 0, nil)
	c := &stubConn{}
	require.False(t, pool.SendToOne(c, []byte("x")))
	pool.Add(c)
	require.True(t, pool.SendToOne(c, []byte("x")))
	require.Equal(t, 1, c.count())
}

func TestConnectionPool_IdleCallbackAfterLastRemove(t *testing.T) {
	fired := make(chan struct{}, 1)
	pool := NewConnectionPool("p", 20*time.Millisecond, func() { fired <- struct{}{} })
	c := &stubConn{}
	pool.Add(c)
	pool.Remove(c)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle callback did not fire")
	}
	require.True(t, c.closed)
}

func TestConnectionPool_AddCancelsIdle(t *testing.T) {
	fired := make(chan struct{}, 1)
	pool := NewConnectionPool("p", 30*time.Millisecond, func() { fired <- struct{}{} })
	a, b := &stubConn{}, &stubConn{}
	pool.Add(a)
	pool.Remove(a)
	pool.Add(b)

	select {
	case <-fired:
		t.Fatal("idle callback fired while a client was connected")
	case <-time.After(100 * time.Millisecond):
	}
	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, b.closed)
}
