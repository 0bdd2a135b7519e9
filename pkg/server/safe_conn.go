package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// SafeConn serializes frame writes to a connection so concurrent senders
// never interleave bytes, and bounds each write with a deadline.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	maxFrame     uint32
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps conn. A zero writeTimeout means writes never time out;
// a zero maxFrame means protocol.MaxFrameSize.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration, maxFrame uint32) *SafeConn {
	if maxFrame == 0 {
		maxFrame = protocol.MaxFrameSize
	}
	return &SafeConn{conn: conn, writeTimeout: writeTimeout, maxFrame: maxFrame}
}

// WriteMessage encodes msg and writes it in a single call. A write that
// stops partway leaves the peer's stream unparseable, so the connection
// is closed in that case.
func (c *SafeConn) WriteMessage(msg protocol.Message) error {
	data, err := protocol.EncodeLimit(msg, c.maxFrame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	n, err := c.conn.Write(data)
	if err == nil {
		return nil
	}
	if n > 0 && n < len(data) {
		c.closeLocked()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %v: %v", ErrWriteTimeout, c.writeTimeout, err)
	}
	return err
}

// Close waits for an in-flight write to finish (bounded by the write
// timeout), then closes the underlying connection once
func (c *SafeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *SafeConn) closeLocked() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// SetReadDeadline forwards to the underlying connection
func (c *SafeConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Read reads from the underlying connection. Only the session's own
// goroutine reads, so no lock is taken.
func (c *SafeConn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}
