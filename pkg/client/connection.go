package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out waiting for a frame")
)

// ServerError is an ERROR frame received from the server
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Connection is a RoomChat protocol client over TCP, WebSocket or SSH
type Connection struct {
	addr            string
	dial            func() (net.Conn, error)
	securityWarning string

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	writeMu   sync.Mutex

	incoming chan protocol.Message
	errors   chan error

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client for addr. See parseServerAddress for the
// accepted forms.
func NewConnection(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:            cfg.display,
		dial:            cfg.dial,
		securityWarning: cfg.warning,
		incoming:        make(chan protocol.Message, 256),
		errors:          make(chan error, 10),
		shutdown:        make(chan struct{}),
	}, nil
}

// Dial creates a connection to addr and connects it
func Dial(addr string) (*Connection, error) {
	c, err := NewConnection(addr)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets a logger for connection events and frame traffic
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the transport and starts the read loop
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.securityWarning != "" {
		c.logf("WARNING: %s", c.securityWarning)
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close sends CLIENT_DISCONNECT if still connected, closes the transport and
// waits for the read loop. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.IsConnected() {
			_ = c.Send(protocol.Message{Opcode: protocol.OpClientDisconnect})
		}
		close(c.shutdown)

		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
	return err
}

// Send writes one frame in a single write
func (c *Connection) Send(msg protocol.Message) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	n, err := conn.Write(data)
	c.writeMu.Unlock()
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write error: %w", err)
	}

	c.logf("→ SEND: %s PayloadLen=%d", protocol.OpcodeName(msg.Opcode), len(msg.Payload))
	return nil
}

// SendText sends a frame with a text payload
func (c *Connection) SendText(opcode uint32, text string) error {
	return c.Send(protocol.NewMessage(opcode, text))
}

// Hello performs the handshake. It returns the server's welcome text, or a
// *ServerError when the username is refused.
func (c *Connection) Hello(username string, timeout time.Duration) (string, error) {
	if err := c.SendText(protocol.OpHello, username); err != nil {
		return "", err
	}

	msg, err := c.Receive(timeout)
	if err != nil {
		return "", err
	}
	switch msg.Opcode {
	case protocol.OpHello:
		return msg.Text(), nil
	case protocol.OpError:
		return "", &ServerError{Message: msg.Text()}
	default:
		return "", fmt.Errorf("unexpected %s reply to HELLO", protocol.OpcodeName(msg.Opcode))
	}
}

// Receive waits for the next frame. It returns io.EOF once the connection
// has ended and every received frame has been consumed.
func (c *Connection) Receive(timeout time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return msg, nil
	case <-timer.C:
		return protocol.Message{}, ErrTimeout
	}
}

// ReceiveUntil discards frames until one with the given opcode arrives
func (c *Connection) ReceiveUntil(opcode uint32, timeout time.Duration) (protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Message{}, ErrTimeout
		}
		msg, err := c.Receive(remaining)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Opcode == opcode {
			return msg, nil
		}
	}
}

// Incoming returns the channel of received frames. It is closed when the
// connection ends.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Errors returns the channel of read errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected reports whether the transport is open
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address as displayed to users
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes written
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes read
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop decodes frames until the connection ends, then closes incoming
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.incoming)

	dec := protocol.NewDecoder(&countingReader{r: conn, counter: &c.bytesReceived}, 0)
	for {
		msg, err := dec.Next()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			select {
			case <-c.shutdown:
			default:
				if errors.Is(err, io.EOF) {
					c.logf("Connection closed by server")
				} else {
					c.logf("Read error: %v", err)
					select {
					case c.errors <- fmt.Errorf("read error: %w", err):
					default:
					}
				}
			}
			return
		}

		c.logf("← RECV: %s PayloadLen=%d", protocol.OpcodeName(msg.Opcode), len(msg.Payload))

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// countingReader counts bytes read from r
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}
