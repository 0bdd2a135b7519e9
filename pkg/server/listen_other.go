//go:build !linux

package server

import (
	"log"
	"time"
)

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(addr string) {
	log.Printf("TCP server listening on %s", addr)
}

// monitorListenOverflows has no counter to read outside Linux
func (s *Server) monitorListenOverflows(time.Duration) {
	s.wg.Done()
}
