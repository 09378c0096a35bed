// Package service implements the byte relay between client and origin.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"forward-proxy/internal/config"
	"forward-proxy/internal/metrics"
	"forward-proxy/internal/model"
)

// DefaultBufferSize is the chunk size used when config leaves it unset.
const DefaultBufferSize = 10000

// Relay sends the rebuilt request to the origin and streams the response
// back to the client in bounded chunks.
type Relay struct {
	bufferSize  int
	idleTimeout time.Duration
	eol         string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRelay creates a Relay.
// The metrics parameter is optional; pass nil to disable byte counting in metrics.
func NewRelay(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	size := cfg.Proxy.BufferBytes
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Relay{
		bufferSize:  size,
		idleTimeout: cfg.Proxy.IdleTimeout(),
		eol:         cfg.Proxy.EOL(),
		logger:      logger.With("component", "relay"),
		metrics:     m,
	}
}

// BuildRequest renders the outbound request. Only the request line, Host and
// Connection: close are sent; client headers are never forwarded.
func (r *Relay) BuildRequest(req *model.Request) []byte {
	var b strings.Builder
	b.Grow(len(req.Path) + len(req.Version) + len(req.Host) + 48)

	b.WriteString("GET ")
	b.WriteString(req.Path)
	b.WriteByte(' ')
	b.WriteString(req.Version)
	b.WriteString(r.eol)

	b.WriteString("Host: ")
	b.WriteString(hostHeader(req))
	b.WriteString(r.eol)

	b.WriteString("Connection: close")
	b.WriteString(r.eol)
	b.WriteString(r.eol)

	return []byte(b.String())
}

// hostHeader omits the port when it is the HTTP default.
func hostHeader(req *model.Request) string {
	if req.Port == 0 || req.Port == 80 {
		return req.Host
	}
	return net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
}

// Forward writes the outbound request for req to upstream.
func (r *Relay) Forward(ctx context.Context, upstream net.Conn, req *model.Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrRelayFailure, err)
	}
	r.armDeadline(upstream.SetWriteDeadline)

	if _, err := upstream.Write(r.BuildRequest(req)); err != nil {
		return fmt.Errorf("%w: send request to %s: %w", model.ErrRelayFailure, req.Addr(), r.cause(ctx, err))
	}

	r.logger.Debug("request forwarded", "origin", req.Addr(), "path", req.Path)
	return nil
}

// Stream copies the upstream response to the client until the origin closes
// the connection. Each chunk is written to the client as soon as it is read,
// so memory use is bounded by the buffer size regardless of response length.
//
// The returned count is the number of bytes delivered to the client, and is
// valid even when err is non-nil. Bytes already delivered are not retracted.
func (r *Relay) Stream(ctx context.Context, upstream io.Reader, client io.Writer) (int64, error) {
	buf := make([]byte, r.bufferSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("%w: %w", model.ErrRelayFailure, err)
		}

		if c, ok := upstream.(net.Conn); ok {
			r.armDeadline(c.SetReadDeadline)
		}
		n, readErr := upstream.Read(buf)

		if n > 0 {
			if c, ok := client.(net.Conn); ok {
				r.armDeadline(c.SetWriteDeadline)
			}
			written, err := client.Write(buf[:n])
			total += int64(written)
			if r.metrics != nil {
				r.metrics.BytesRelayed.Add(float64(written))
			}
			if err != nil {
				return total, fmt.Errorf("%w: write to client: %w", model.ErrRelayFailure, r.cause(ctx, err))
			}
		}

		if errors.Is(readErr, io.EOF) {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("%w: read from origin: %w", model.ErrRelayFailure, r.cause(ctx, readErr))
		}
	}
}

// armDeadline pushes the idle deadline forward before each socket operation.
func (r *Relay) armDeadline(set func(time.Time) error) {
	if r.idleTimeout <= 0 {
		return
	}
	_ = set(time.Now().Add(r.idleTimeout))
}

// cause prefers the context error when a cancellation closed the socket
// underneath an in-progress read or write.
func (r *Relay) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", ctxErr, err)
	}
	return err
}
