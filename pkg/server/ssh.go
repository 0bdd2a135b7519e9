package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH transport on the configured port. Any
// "session" channel carries the same binary frames as a TCP connection;
// the SSH user name is ignored and HELLO still decides the chat username.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		// Identity is established by HELLO, not by SSH auth
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-RoomChat"
	config.AddHostKey(hostKey)

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the SSH handshake and serves each session
// channel as an independent chat connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	// Bound the SSH handshake like the HELLO handshake
	if timeout := s.config.HandshakeTimeout(); timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	// Drop the transport on shutdown so chans closes
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	var channels sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}

		channels.Add(1)
		go func() {
			defer channels.Done()
			go handleSSHChannelRequests(requests)
			s.serveConn(newSSHChannelConn(channel, conn, sshConn.LocalAddr(), sshConn.RemoteAddr()), "ssh")
		}()
	}
	channels.Wait()
}

// handleSSHChannelRequests accepts the requests interactive clients send
// before using the channel and refuses everything else
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. SSH channels have
// no deadlines of their own, so an expired deadline closes the transport,
// which fails the blocked Read or Write with os.ErrDeadlineExceeded.
type sshChannelConn struct {
	channel   ssh.Channel
	transport io.Closer // the SSH connection carrying channel
	local     net.Addr
	remote    net.Addr

	mu           sync.Mutex
	readTimer    *time.Timer
	writeTimer   *time.Timer
	readExpired  atomic.Bool
	writeExpired atomic.Bool
}

func newSSHChannelConn(channel ssh.Channel, transport io.Closer, local, remote net.Addr) *sshChannelConn {
	return &sshChannelConn{channel: channel, transport: transport, local: local, remote: remote}
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	n, err := c.channel.Read(b)
	if err != nil && c.readExpired.Load() {
		return n, fmt.Errorf("ssh channel read: %w", os.ErrDeadlineExceeded)
	}
	return n, err
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	n, err := c.channel.Write(b)
	if err != nil && c.writeExpired.Load() {
		return n, fmt.Errorf("ssh channel write: %w", os.ErrDeadlineExceeded)
	}
	return n, err
}

func (c *sshChannelConn) Close() error {
	c.mu.Lock()
	for _, timer := range []*time.Timer{c.readTimer, c.writeTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	c.mu.Unlock()
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armDeadline(c.readTimer, &c.readExpired, t)
	return nil
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armDeadline(c.writeTimer, &c.writeExpired, t)
	return nil
}

// armDeadline replaces timer with one firing at t. A zero t disarms it.
// Caller holds mu.
func (c *sshChannelConn) armDeadline(timer *time.Timer, expired *atomic.Bool, t time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if t.IsZero() {
		return nil
	}
	return time.AfterFunc(time.Until(t), func() {
		expired.Store(true)
		c.transport.Close()
	})
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func loadOrGenerateHostKey(keyPath string) (ssh.Signer, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := expandHome(keyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return key, nil
}
