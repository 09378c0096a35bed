package model

import (
	"net"
	"testing"
)

type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }

func TestSession_ClientIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"tcp addr", &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 54321}, "192.0.2.10"},
		{"string host:port", strAddr("203.0.113.7:8080"), "203.0.113.7"},
		{"no port", strAddr("pipe"), "pipe"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ClientAddr: tt.addr}
			if got := s.ClientIP(); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequest_Addr(t *testing.T) {
	r := &Request{Host: "example.com", Port: 8080}
	if got := r.Addr(); got != "example.com:8080" {
		t.Errorf("Addr() = %q, want %q", got, "example.com:8080")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAwaitingRequest, "awaiting_request"},
		{StateParsed, "parsed"},
		{StateConnecting, "connecting"},
		{StateRelaying, "relaying"},
		{StateLogged, "logged"},
		{StateRejected, "rejected"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
			}
		})
	}
}
