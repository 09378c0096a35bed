// Package parser turns the raw bytes a client sends into a model.Request.
//
// Only the first line is inspected. Headers sent by the client are ignored
// because the proxy forwards a fresh request carrying only Host and
// Connection.
package parser

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"forward-proxy/internal/model"
)

const (
	// MaxRequestBytes is the size of the single read taken from the client.
	MaxRequestBytes = 10000

	// DefaultPort is used when the request-target has no :port suffix.
	DefaultPort = 80

	scheme = "http://"
)

// Parse extracts the method, origin and path from the request line in raw.
// raw is never modified and the returned Request shares no memory with it.
func Parse(raw []byte) (*model.Request, error) {
	fields := strings.Fields(firstLine(raw))
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: request line has %d tokens, want 3", model.ErrMalformedRequest, len(fields))
	}

	method, target, version := fields[0], fields[1], fields[2]
	if method != "GET" {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedMethod, method)
	}

	host, port, path, err := splitTarget(target)
	if err != nil {
		return nil, err
	}

	return &model.Request{
		Method:    method,
		Host:      host,
		Port:      port,
		Path:      path,
		Version:   version,
		RawTarget: target,
	}, nil
}

// firstLine returns a copy of raw up to the first line feed.
func firstLine(raw []byte) string {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(string(raw), "\r")
}

// splitTarget decomposes an absolute http URI into host, port and path.
func splitTarget(target string) (host string, port int, path string, err error) {
	if len(target) < len(scheme) || !strings.EqualFold(target[:len(scheme)], scheme) {
		return "", 0, "", fmt.Errorf("%w: target %q is not an absolute http URI", model.ErrMalformedRequest, target)
	}
	rest := target[len(scheme):]

	authority, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
		path = rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
	}

	host, port = authority, DefaultPort
	if strings.Contains(authority, ":") {
		h, p, err := net.SplitHostPort(authority)
		if err != nil {
			return "", 0, "", fmt.Errorf("%w: authority %q: %w", model.ErrMalformedRequest, authority, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, "", fmt.Errorf("%w: invalid port %q", model.ErrMalformedRequest, p)
		}
		host, port = h, n
	}

	if host == "" {
		return "", 0, "", fmt.Errorf("%w: target %q has no host", model.ErrMalformedRequest, target)
	}
	return host, port, path, nil
}
