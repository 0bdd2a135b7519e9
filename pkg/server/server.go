package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
)

const (
	welcomeText    = "Welcome to the chat server!"
	forcedText     = "Server forcibly disconnecting you."
	shutdownText   = "Server shutting down."
	rateLimitText  = "Rate limit exceeded"
	stopGraceDelay = 5 * time.Second
)

// Disconnect reasons, used in logs, metrics and the session audit log
const (
	reasonClientDisconnect = "client_disconnect"
	reasonIOClosed         = "io_closed"
	reasonFramingError     = "framing_error"
	reasonAuthFailed       = "auth_failed"
	reasonHandshakeTimeout = "handshake_timeout"
	reasonForced           = "forced"
	reasonShutdown         = "shutdown"
)

// Server represents the chat server
type Server struct {
	config   ServerConfig
	registry *Registry
	delivery *Delivery
	metrics  *Metrics
	store    SessionStore // nil when the audit log is disabled

	listener    net.Listener
	sshListener net.Listener
	http        *HTTPServer

	connsMu sync.Mutex
	conns   map[*Session]struct{} // every open connection, registered or not
	closing bool

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server, opening the session audit log when
// config.DatabasePath is set
func NewServer(config ServerConfig) (*Server, error) {
	var store SessionStore
	if strings.TrimSpace(config.DatabasePath) != "" {
		path, err := expandHome(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		db, err := database.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		store = db
	}
	return NewServerWithStore(config, store), nil
}

// NewServerWithStore creates a server with an explicit (possibly nil) session store
func NewServerWithStore(config ServerConfig, store SessionStore) *Server {
	registry := NewRegistry()
	registry.SetCapacity(config.MaxClients)
	metrics := NewMetrics()

	return &Server{
		config:   config,
		registry: registry,
		delivery: NewDelivery(registry, metrics),
		metrics:  metrics,
		store:    store,
		conns:    make(map[*Session]struct{}),
		shutdown: make(chan struct{}),
	}
}

// EnableDebugLogging turns on per-frame logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stdout)
}

// Registry exposes the room and user registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics exposes the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the server configuration
func (s *Server) Config() ServerConfig {
	return s.config
}

// Start starts the TCP, SSH and HTTP listeners
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		s.http = NewHTTPServer(s)
		if err := s.http.Start(fmt.Sprintf(":%d", s.config.HTTPPort)); err != nil {
			s.listener.Close()
			if s.sshListener != nil {
				s.sshListener.Close()
			}
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	s.wg.Add(2)
	go s.monitorListenOverflows(10 * time.Second)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.http == nil {
		return nil
	}
	return s.http.Addr()
}

// Stop notifies every connected client, closes all connections and waits
// for their goroutines to finish
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopGraceDelay)
			err = s.http.Shutdown(ctx)
			cancel()
		}

		s.connsMu.Lock()
		s.closing = true
		sessions := make([]*Session, 0, len(s.conns))
		for sess := range s.conns {
			sessions = append(sessions, sess)
		}
		s.connsMu.Unlock()

		var notify sync.WaitGroup
		for _, sess := range sessions {
			notify.Add(1)
			go func(sess *Session) {
				defer notify.Done()
				s.forceClose(sess, shutdownText, reasonShutdown)
			}(sess)
		}
		notify.Wait()

		s.wg.Wait()

		if s.store != nil {
			err = errors.Join(err, s.store.Close())
		}
		log.Printf("Server stopped")
	})
	return err
}

// Disconnect forcibly disconnects a user, notifying them first
func (s *Server) Disconnect(username string) error {
	sess, ok := s.registry.Lookup(username)
	if !ok {
		return errUserNotFound(username)
	}
	log.Printf("Session %s: forcibly disconnecting", sess.label())
	s.forceClose(sess, forcedText, reasonForced)
	return nil
}

// forceClose sends SERVER_DISCONNECT to a registered session, then closes it.
// Closing the connection unblocks the session's read loop.
func (s *Server) forceClose(sess *Session, text, reason string) {
	if sess.State() == StateActive {
		s.reply(sess, protocol.OpServerDisconnect, text)
	}
	s.endSession(sess, reason)
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection serves a TCP connection
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.serveConn(conn, "tcp")
}

// track registers an open connection so Stop can reach it. It fails once
// shutdown has begun.
func (s *Server) track(sess *Session) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.closing {
		return false
	}
	s.conns[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.connsMu.Lock()
	delete(s.conns, sess)
	s.connsMu.Unlock()
	s.wg.Done()
}

// serveConn runs one connection from accept to cleanup. It is shared by the
// TCP, WebSocket and SSH transports.
func (s *Server) serveConn(conn net.Conn, transport string) {
	sess := newSession(conn, transport, s.config)
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	s.metrics.RecordSessionCreated(transport)
	debugLog.Printf("New %s connection from %s (session %s)", transport, sess.RemoteAddr, sess.ID)

	reason := s.readLoop(sess)
	s.endSession(sess, reason)
}

// readLoop performs the handshake, then dispatches frames until the
// connection ends. It returns the disconnect reason.
func (s *Server) readLoop(sess *Session) string {
	dec := protocol.NewDecoder(sess.Conn, s.config.MaxFrameSize)

	if timeout := s.config.HandshakeTimeout(); timeout > 0 {
		sess.Conn.SetReadDeadline(time.Now().Add(timeout))
	}

	msg, err := dec.Next()
	if err != nil {
		return s.readFailure(sess, err)
	}
	s.metrics.RecordMessageReceived(msg.Opcode)
	debugLog.Printf("Session %s ← RECV: %s PayloadLen=%d", sess.label(), protocol.OpcodeName(msg.Opcode), len(msg.Payload))

	if err := s.handshake(sess, msg); err != nil {
		log.Printf("Session %s: handshake rejected: %v", sess.ID, err)
		s.replyError(sess, err)
		return reasonAuthFailed
	}
	sess.Conn.SetReadDeadline(time.Time{})

	for {
		msg, err := dec.Next()
		if err != nil {
			return s.readFailure(sess, err)
		}

		debugLog.Printf("Session %s ← RECV: %s PayloadLen=%d", sess.label(), protocol.OpcodeName(msg.Opcode), len(msg.Payload))
		s.metrics.RecordMessageReceived(msg.Opcode)

		if msg.Opcode != protocol.OpClientDisconnect && !sess.allow() {
			s.metrics.RecordRateLimited()
			s.replyError(sess, &RoutingError{Code: protocol.ErrCodePermissionDenied, Message: rateLimitText})
			continue
		}

		if err := s.handleMessage(sess, msg); err != nil {
			if errors.Is(err, errClientDisconnect) {
				return reasonClientDisconnect
			}
			s.replyError(sess, err)
		}
	}
}

// readFailure classifies a decoder error into a disconnect reason
func (s *Server) readFailure(sess *Session, err error) string {
	var ferr *protocol.FramingError
	var netErr net.Error
	switch {
	case errors.As(err, &ferr):
		s.metrics.RecordFramingError()
		errorLog.Printf("Session %s: %v", sess.label(), err)
		return reasonFramingError
	case sess.State() == StateAwaitingHello && errors.As(err, &netErr) && netErr.Timeout():
		log.Printf("Session %s: no HELLO within %v", sess.ID, s.config.HandshakeTimeout())
		return reasonHandshakeTimeout
	case errors.Is(err, io.EOF):
		debugLog.Printf("Session %s disconnected", sess.label())
	default:
		debugLog.Printf("Session %s read error: %v", sess.label(), err)
	}
	return reasonIOClosed
}

// handshake validates the first frame and registers the session
func (s *Server) handshake(sess *Session, msg protocol.Message) error {
	if msg.Opcode != protocol.OpHello {
		return &AuthError{Code: protocol.ErrCodePermissionDenied, Message: "Expected HELLO message first"}
	}

	username := strings.TrimSpace(msg.Text())
	if err := s.validateUsername(username); err != nil {
		return err
	}

	if err := s.registry.Register(username, sess); err != nil {
		return err
	}

	s.reply(sess, protocol.OpHello, welcomeText)
	log.Printf("Session %s: %s connected via %s from %s", sess.ID, username, sess.Transport, sess.RemoteAddr)
	s.metrics.RecordActiveSessions(s.registry.Count())
	s.metrics.RecordRooms(s.registry.RoomCount())

	if s.store != nil {
		s.store.RecordConnect(database.SessionRecord{
			ID:          sess.ID,
			Username:    username,
			Transport:   sess.Transport,
			RemoteAddr:  sess.RemoteAddr,
			ConnectedAt: sess.ConnectedAt,
		})
	}
	return nil
}

func (s *Server) validateUsername(username string) error {
	if username == "" {
		return &AuthError{Code: protocol.ErrCodeUnknown, Message: "Username cannot be empty"}
	}
	if strings.ContainsFunc(username, unicode.IsSpace) {
		return &AuthError{Code: protocol.ErrCodeUnknown, Message: "Usernames cannot contain spaces"}
	}
	if limit := s.config.MaxUsernameLength; limit > 0 && utf8.RuneCountInString(username) > limit {
		return &AuthError{Code: protocol.ErrCodePayloadTooLarge, Message: fmt.Sprintf("Username too long (max %d characters)", limit)}
	}
	return nil
}

// endSession moves a session to CLOSED exactly once: registry purge,
// connection close, metrics and audit log.
func (s *Server) endSession(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		// CLOSED first so a racing Register refuses the session
		sess.setState(StateClosed)
		registered := s.registry.UnregisterSession(sess)
		sess.Conn.Close()

		s.metrics.RecordSessionDisconnected(reason)
		if !registered {
			debugLog.Printf("Session %s closed before registering (%s)", sess.ID, reason)
			return
		}

		log.Printf("Session %s: disconnected (%s)", sess.label(), reason)
		s.metrics.RecordActiveSessions(s.registry.Count())
		if s.store != nil {
			s.store.RecordDisconnect(sess.ID, time.Now(), reason)
		}
	})
}
