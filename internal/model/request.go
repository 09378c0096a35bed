// Package model defines shared types for the proxy.
package model

import (
	"net"
	"strconv"
	"time"
)

// Request is the parsed form of a client's request line.
type Request struct {
	Method  string
	Host    string
	Port    int
	Path    string
	Version string

	// RawTarget is the request-target exactly as the client sent it.
	RawTarget string
}

// Addr returns the origin address as host:port.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// LogRecord is a single access-log entry. Records are appended, never mutated.
type LogRecord struct {
	Time         time.Time
	ClientIP     string
	RawTarget    string
	BytesRelayed int64
}

// Session carries per-request metadata through the pipeline.
type Session struct {
	ID         string
	ClientAddr net.Addr
	Start      time.Time
	State      State
}

// ClientIP returns the peer IP without the port.
func (s *Session) ClientIP() string {
	if s.ClientAddr == nil {
		return ""
	}
	if tcp, ok := s.ClientAddr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(s.ClientAddr.String())
	if err != nil {
		return s.ClientAddr.String()
	}
	return host
}
