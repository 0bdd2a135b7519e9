package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// SessionState is the connection lifecycle position
type SessionState int32

const (
	StateAwaitingHello SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHello:
		return "AWAITING_HELLO"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session represents one client connection. It is owned by the goroutine
// serving the connection; the Registry only references it by username.
type Session struct {
	ID          string    // ULID, unique per connection
	Transport   string    // "tcp", "websocket" or "ssh"
	RemoteAddr  string
	ConnectedAt time.Time
	Conn        *SafeConn // connection with write serialization and deadlines

	mu       sync.RWMutex // protects username
	username string
	state    atomic.Int32
	limiter  *rate.Limiter

	closeOnce sync.Once
}

// newSession wraps conn in a session awaiting HELLO
func newSession(conn net.Conn, transport string, cfg ServerConfig) *Session {
	sess := &Session{
		ID:          ulid.Make().String(),
		Transport:   transport,
		RemoteAddr:  remoteAddr(conn),
		ConnectedAt: time.Now(),
		Conn:        NewSafeConn(conn, cfg.WriteTimeout(), cfg.MaxFrameSize),
	}
	if cfg.MessageRateLimit > 0 {
		burst := cfg.MessageBurst
		if burst <= 0 {
			burst = cfg.MessageRateLimit
		}
		sess.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRateLimit), burst)
	}
	return sess
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Username returns the registered username, or "" before HELLO
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// activate moves AWAITING_HELLO to ACTIVE and records the username. It
// fails once the session has been closed. Called by the Registry under its
// lock.
func (s *Session) activate(username string) bool {
	if !s.state.CompareAndSwap(int32(StateAwaitingHello), int32(StateActive)) {
		return false
	}
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	return true
}

// allow reports whether the next inbound frame fits the rate limit
func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Send writes one frame to the session's connection
func (s *Session) Send(msg protocol.Message) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return s.Conn.WriteMessage(msg)
}

// label identifies the session in log lines
func (s *Session) label() string {
	if name := s.Username(); name != "" {
		return s.ID + " (" + name + ")"
	}
	return s.ID
}
