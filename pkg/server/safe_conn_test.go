package server

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// TestSafeConnConcurrentWritesDoNotInterleave checks every frame arrives
// intact when many goroutines write to one connection
func TestSafeConnConcurrentWritesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sc := NewSafeConn(server, time.Second, 0)
	defer sc.Close()

	const writers, perWriter = 8, 25
	payload := strings.Repeat("x", 3000)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := sc.WriteMessage(protocol.NewMessage(protocol.OpMessage, payload)); err != nil {
					t.Errorf("write failed: %v", err)
					return
				}
			}
		}()
	}

	dec := protocol.NewDecoder(client, 0)
	for i := 0; i < writers*perWriter; i++ {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if msg.Opcode != protocol.OpMessage || msg.Text() != payload {
			t.Fatalf("frame %d corrupted", i)
		}
	}
	wg.Wait()
}

func TestSafeConnWriteTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	// Nobody reads from client, so the write blocks until the deadline
	sc := NewSafeConn(server, 50*time.Millisecond, 0)
	defer sc.Close()

	start := time.Now()
	err := sc.WriteMessage(protocol.NewMessage(protocol.OpMessage, "hello"))
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("expected ErrWriteTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("write blocked for %v", elapsed)
	}
}

// partialConn accepts only the first few bytes of each write
type partialConn struct {
	*mockConn
	accept int
}

func (p *partialConn) Write(b []byte) (int, error) {
	n := p.accept
	if n > len(b) {
		n = len(b)
	}
	p.mockConn.Write(b[:n])
	return n, errors.New("short write")
}

func TestSafeConnClosesAfterPartialWrite(t *testing.T) {
	conn := &partialConn{mockConn: newMockConn(), accept: 3}
	sc := NewSafeConn(conn, time.Second, 0)

	if err := sc.WriteMessage(protocol.NewMessage(protocol.OpMessage, "hello")); err == nil {
		t.Fatal("expected an error from a short write")
	}
	if !conn.isClosed() {
		t.Fatal("connection left open after a partial frame")
	}
}

func TestSafeConnRejectsOversizedMessage(t *testing.T) {
	conn := newMockConn()
	sc := NewSafeConn(conn, time.Second, 16)

	err := sc.WriteMessage(protocol.NewMessage(protocol.OpMessage, strings.Repeat("a", 17)))
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if len(conn.frames(t)) != 0 {
		t.Error("oversized frame reached the connection")
	}
	if conn.isClosed() {
		t.Error("rejected encode should not close the connection")
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	sess := newSession(newMockConn(), "tcp", DefaultConfig())
	sess.setState(StateClosed)

	if err := sess.Send(protocol.NewMessage(protocol.OpMessage, "late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageRateLimit = 1
	cfg.MessageBurst = 3
	sess := newSession(newMockConn(), "tcp", cfg)

	allowed := 0
	for i := 0; i < 10; i++ {
		if sess.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected burst of 3 frames, allowed %d", allowed)
	}

	cfg.MessageRateLimit = 0
	unlimited := newSession(newMockConn(), "tcp", cfg)
	for i := 0; i < 100; i++ {
		if !unlimited.allow() {
			t.Fatal("rate limit applied with message_rate_limit = 0")
		}
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess := newSession(newMockConn(), "tcp", DefaultConfig())
		if seen[sess.ID] {
			t.Fatalf("duplicate session id %s", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestSessionStateString(t *testing.T) {
	tests := map[SessionState]string{
		StateAwaitingHello: "AWAITING_HELLO",
		StateActive:        "ACTIVE",
		StateClosed:        "CLOSED",
		SessionState(42):   "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
