package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/tunnelproto"
)

// session is one authenticated agent control connection. It serves at most
// one tunnel name, set once registration succeeds.
type session struct {
	id        string
	principal domain.Principal
	conn      *websocket.Conn
	writeMu   sync.Mutex

	mu   sync.Mutex
	name string

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

func newSession(id string, conn *websocket.Conn, p domain.Principal) *session {
	sess := &session{id: id, conn: conn, principal: p}
	sess.touch(time.Now())
	return sess
}

func (s *session) writeJSON(v tunnelproto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) writePing() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *session) tunnelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// setTunnelName records the bound name. It fails when the session already
// serves a tunnel.
func (s *session) setTunnelName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return false
	}
	s.name = name
	return true
}

// close closes the connection once. It reports whether this call did it.
func (s *session) close() bool {
	if !s.closing.CompareAndSwap(false, true) {
		return false
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return true
}
