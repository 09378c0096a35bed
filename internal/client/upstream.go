// Package client resolves origin servers and opens upstream TCP connections.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"forward-proxy/internal/config"
	"forward-proxy/internal/metrics"
	"forward-proxy/internal/model"
)

// Dialer turns a host/port pair into an open IPv4 connection.
type Dialer struct {
	resolver       *net.Resolver
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewDialer creates a Dialer using the system resolver.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Dialer {
	return &Dialer{
		resolver:       net.DefaultResolver,
		connectTimeout: cfg.Proxy.ConnectTimeout(),
		logger:         logger.With("component", "upstream_dialer"),
		metrics:        m,
	}
}

// Resolve returns the first IPv4 endpoint for host. IP literals skip the
// resolver; IPv6 literals are rejected.
func (d *Dialer) Resolve(ctx context.Context, host string, port int) (*net.TCPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("%w: %s is not an IPv4 address", model.ErrUpstreamUnreachable, host)
		}
		return &net.TCPAddr{IP: ip4, Port: port}, nil
	}

	ips, err := d.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", model.ErrUpstreamUnreachable, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: no IPv4 addresses", model.ErrUpstreamUnreachable, host)
	}

	d.logger.Debug("resolved origin", "host", host, "addr", ips[0].String())
	return &net.TCPAddr{IP: ips[0], Port: port}, nil
}

// Connect opens a TCP connection to addr. The connect timeout from config
// applies in addition to any deadline on ctx.
func (d *Dialer) Connect(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", model.ErrUpstreamUnreachable, addr, err)
	}
	return conn, nil
}

// Dial resolves host and connects to it, recording latency and failures.
// The caller owns the returned connection.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	start := time.Now()

	addr, err := d.Resolve(ctx, host, port)
	if err != nil {
		d.observe(start, "resolve")
		return nil, err
	}

	conn, err := d.Connect(ctx, addr)
	if err != nil {
		d.observe(start, "connect")
		return nil, err
	}

	d.observe(start, "")
	d.logger.Debug("upstream connected",
		"origin", net.JoinHostPort(host, strconv.Itoa(port)),
		"addr", addr.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return conn, nil
}

// observe records connect latency; a non-empty stage marks a failure.
func (d *Dialer) observe(start time.Time, failedStage string) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamConnectDuration.Observe(time.Since(start).Seconds())
	if failedStage != "" {
		d.metrics.UpstreamErrors.WithLabelValues(failedStage).Inc()
	}
}
