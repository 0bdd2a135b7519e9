package client

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

func TestParseServerAddressTCP(t *testing.T) {
	cfg, err := parseServerAddress("example.com:1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "example.com:1234" {
		t.Fatalf("expected display address example.com:1234, got %s", cfg.display)
	}
	if cfg.dial == nil {
		t.Fatal("expected dial function to be set")
	}
	if cfg.warning != "" {
		t.Fatalf("expected no warning for TCP, got %q", cfg.warning)
	}
}

func TestParseServerAddressTCPDefaultPort(t *testing.T) {
	cfg, err := parseServerAddress("tcp://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "example.com:6060" {
		t.Fatalf("expected default port to be appended, got %s", cfg.display)
	}
}

func TestParseServerAddressWebSocket(t *testing.T) {
	cfg, err := parseServerAddress("ws://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "ws://example.com:6061/ws" {
		t.Fatalf("expected default port and path, got %s", cfg.display)
	}

	cfg, err = parseServerAddress("ws://example.com:9000/chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "ws://example.com:9000/chat" {
		t.Fatalf("expected explicit path to be kept, got %s", cfg.display)
	}
}

func TestParseServerAddressSSH(t *testing.T) {
	cfg, err := parseServerAddress("ssh://tester@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "ssh://tester@example.com:6062" {
		t.Fatalf("unexpected display %s", cfg.display)
	}
	if cfg.warning == "" {
		t.Fatal("expected a host key warning for SSH")
	}

	cfg, err = parseServerAddress("ssh://example.com:2222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.display != "ssh://roomchat@example.com:2222" {
		t.Fatalf("expected default user, got %s", cfg.display)
	}
}

func TestParseServerAddressInvalid(t *testing.T) {
	if _, err := parseServerAddress("udp://example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	} else if !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := parseServerAddress("   "); err == nil {
		t.Fatal("expected error for empty address")
	}
}

// fakeServer accepts one connection and hands it to serve
func fakeServer(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return listener.Addr().String()
}

func TestConnectionHelloAndReceive(t *testing.T) {
	received := make(chan protocol.Message, 4)
	addr := fakeServer(t, func(conn net.Conn) {
		dec := protocol.NewDecoder(conn, 0)
		hello, err := dec.Next()
		if err != nil {
			return
		}
		received <- hello
		protocol.EncodeFrame(conn, protocol.NewMessage(protocol.OpHello, "Welcome to the chat server!"))
		protocol.EncodeFrame(conn, protocol.NewMessage(protocol.OpMessage, "lobby | bob: hi"))

		if bye, err := dec.Next(); err == nil {
			received <- bye
		}
	})

	conn, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	welcome, err := conn.Hello("alice", 2*time.Second)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if welcome != "Welcome to the chat server!" {
		t.Errorf("unexpected welcome %q", welcome)
	}

	msg, err := conn.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Opcode != protocol.OpMessage || msg.Text() != "lobby | bob: hi" {
		t.Errorf("unexpected frame %s %q", protocol.OpcodeName(msg.Opcode), msg.Text())
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	hello := <-received
	if hello.Opcode != protocol.OpHello || hello.Text() != "alice" {
		t.Errorf("server saw %s %q", protocol.OpcodeName(hello.Opcode), hello.Text())
	}
	select {
	case bye := <-received:
		if bye.Opcode != protocol.OpClientDisconnect {
			t.Errorf("expected CLIENT_DISCONNECT on close, got %s", protocol.OpcodeName(bye.Opcode))
		}
	case <-time.After(2 * time.Second):
		t.Error("server never saw CLIENT_DISCONNECT")
	}

	if conn.GetBytesSent() == 0 || conn.GetBytesReceived() == 0 {
		t.Error("byte counters were not updated")
	}
}

func TestConnectionHelloRejected(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		dec := protocol.NewDecoder(conn, 0)
		if _, err := dec.Next(); err != nil {
			return
		}
		protocol.EncodeFrame(conn, protocol.NewMessage(protocol.OpError, "Username already taken"))
	})

	conn, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	_, err = conn.Hello("alice", 2*time.Second)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.Message != "Username already taken" {
		t.Errorf("unexpected message %q", serverErr.Message)
	}
}

func TestConnectionReceiveEOFAfterServerClose(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		protocol.EncodeFrame(conn, protocol.NewMessage(protocol.OpServerDisconnect, "Server shutting down."))
	})

	conn, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg, err := conn.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Opcode != protocol.OpServerDisconnect {
		t.Fatalf("expected SERVER_DISCONNECT, got %s", protocol.OpcodeName(msg.Opcode))
	}

	if _, err := conn.Receive(2 * time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after server close, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("connection still reports connected")
	}
	if err := conn.Send(protocol.NewMessage(protocol.OpListRooms, "")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectionReceiveTimeout(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		time.Sleep(time.Second)
	})

	conn, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Receive(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
