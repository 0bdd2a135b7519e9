package server

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// stuckChannel is an ssh.Channel whose peer never reads: Read and Write
// block until Close
type stuckChannel struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newStuckChannel() *stuckChannel {
	return &stuckChannel{closed: make(chan struct{})}
}

func (c *stuckChannel) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *stuckChannel) Write(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *stuckChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stuckChannel) CloseWrite() error { return nil }

func (c *stuckChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}

func (c *stuckChannel) Stderr() io.ReadWriter { return nil }

func newStuckSSHConn() *sshChannelConn {
	ch := newStuckChannel()
	return newSSHChannelConn(ch, ch, &mockAddr{}, &mockAddr{})
}

func TestSSHChannelWriteDeadline(t *testing.T) {
	sc := NewSafeConn(newStuckSSHConn(), 100*time.Millisecond, 0)

	done := make(chan error, 1)
	go func() { done <- sc.WriteMessage(protocol.NewMessage(protocol.OpMessage, "hello")) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWriteTimeout) {
			t.Fatalf("expected ErrWriteTimeout, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("write to a stuck ssh channel ignored the deadline")
	}

	// Close must not wait on the abandoned write
	closed := make(chan struct{})
	go func() {
		sc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("Close blocked after a timed out write")
	}
}

func TestSSHChannelReadDeadline(t *testing.T) {
	conn := newStuckSSHConn()
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 1))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("read on a silent ssh channel ignored the deadline")
	}
}

func TestSSHChannelClearedDeadlineDoesNotFire(t *testing.T) {
	conn := newStuckSSHConn()
	conn.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
	conn.SetWriteDeadline(time.Time{})

	time.Sleep(60 * time.Millisecond)
	select {
	case <-conn.channel.(*stuckChannel).closed:
		t.Fatal("cleared deadline closed the transport")
	default:
	}
	conn.Close()
}

func TestStuckSSHRecipientDoesNotBlockDelivery(t *testing.T) {
	initTestLoggers(t)
	cfg := DefaultConfig()
	cfg.MessageRateLimit = 0
	cfg.WriteTimeoutMs = 100
	srv := NewServerWithStore(cfg, nil)

	slow := newSession(newStuckSSHConn(), "ssh", cfg)
	if err := srv.registry.Register("slow", slow); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	_, fast := testUser(t, srv, "fast")

	delivered := make(chan int, 1)
	go func() { delivered <- srv.delivery.BroadcastAll(protocol.NewMessage(protocol.OpMessage, "hi")) }()

	select {
	case n := <-delivered:
		if n != 1 {
			t.Errorf("expected 1 delivery, got %d", n)
		}
	case <-time.After(testTimeout):
		t.Fatal("broadcast blocked on a stuck ssh recipient")
	}
	if frames := fast.frames(t); len(frames) != 1 || frames[0].Text() != "hi" {
		t.Errorf("fast recipient got %v", frames)
	}

	disconnected := make(chan error, 1)
	go func() { disconnected <- srv.Disconnect("slow") }()

	select {
	case err := <-disconnected:
		if err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("forced disconnect blocked on a stuck ssh recipient")
	}
	if _, ok := srv.registry.Lookup("slow"); ok {
		t.Error("slow user still registered")
	}
}
