package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"forward-proxy/internal/metrics"
	"forward-proxy/internal/model"
	"forward-proxy/internal/parser"
)

// handleConn runs the full pipeline for one client connection and always
// closes it. Errors and panics stay inside this worker.
func (s *Server) handleConn(conn net.Conn) {
	sess := &model.Session{
		ID:         uuid.NewString(),
		ClientAddr: conn.RemoteAddr(),
		Start:      time.Now(),
		State:      model.StateAwaitingRequest,
	}
	logger := s.logger.With("session", sess.ID, "client", sess.ClientIP())

	s.inFlight.Add(1)
	s.metrics.RequestsInFlight.Inc()
	defer func() {
		s.metrics.RequestsInFlight.Dec()
		s.inFlight.Add(-1)
	}()

	ctx, cancel := s.requestContext()
	defer cancel()

	// Cancellation closes the client socket to unblock a stuck read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		_ = conn.Close()
		s.finish(sess, logger, err)
	}()

	err = s.serve(ctx, conn, sess, logger)
}

// requestContext derives the per-request context from the worker context.
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	if d := s.cfg.Proxy.RequestTimeout(); d > 0 {
		return context.WithTimeout(s.workerCtx, d)
	}
	return context.WithCancel(s.workerCtx)
}

// serve walks the request through its states. On success the session ends in
// StateLogged; on failure the returned error carries the failing stage.
func (s *Server) serve(ctx context.Context, conn net.Conn, sess *model.Session, logger *slog.Logger) error {
	req, err := s.readRequest(conn)
	if err != nil {
		return err
	}
	sess.State = model.StateParsed
	logger = logger.With("target", req.RawTarget)
	logger.Debug("request parsed", "origin", req.Addr(), "path", req.Path)

	n, err := s.relayRequest(ctx, conn, req, sess)
	if err != nil {
		logger.Debug("relay aborted", "bytes", n)
		return err
	}

	rec := model.LogRecord{
		Time:         time.Now(),
		ClientIP:     sess.ClientIP(),
		RawTarget:    req.RawTarget,
		BytesRelayed: n,
	}
	if err := s.log.Record(rec); err != nil {
		// Best effort: a broken log must not take the proxy down.
		s.metrics.AccessLogErrors.Inc()
		logger.Error("access log write failed", "err", err)
	}
	sess.State = model.StateLogged

	logger.Info("request relayed",
		"bytes", n,
		"duration_ms", time.Since(sess.Start).Milliseconds(),
	)
	return nil
}

// readRequest takes a single bounded read from the client and parses it.
func (s *Server) readRequest(conn net.Conn) (*model.Request, error) {
	if d := s.cfg.Proxy.ClientReadTimeout(); d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	buf := make([]byte, parser.MaxRequestBytes)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: client sent no data", model.ErrMalformedRequest)
		}
		return nil, fmt.Errorf("%w: read request: %w", model.ErrMalformedRequest, err)
	}

	return parser.Parse(buf[:n])
}

// relayRequest connects to the origin, forwards the request and streams the
// response. The upstream connection is closed before it returns.
func (s *Server) relayRequest(ctx context.Context, conn net.Conn, req *model.Request, sess *model.Session) (int64, error) {
	sess.State = model.StateConnecting
	upstream, err := s.dialer.Dial(ctx, req.Host, req.Port)
	if err != nil {
		return 0, err
	}
	defer upstream.Close()

	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	sess.State = model.StateRelaying
	if err := s.relay.Forward(ctx, upstream, req); err != nil {
		return 0, err
	}
	return s.relay.Stream(ctx, upstream, conn)
}

// finish records the outcome of a request and moves the session to closed.
func (s *Server) finish(sess *model.Session, logger *slog.Logger, err error) {
	outcome := metrics.Outcome(err)
	s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues(outcome).Observe(time.Since(sess.Start).Seconds())

	if err != nil {
		failedIn := sess.State
		sess.State = model.StateRejected
		logger.Warn("request rejected",
			"state", failedIn.String(),
			"outcome", outcome,
			"err", err,
		)
	}

	sess.State = model.StateClosed
	logger.Debug("connection closed", "duration_ms", time.Since(sess.Start).Milliseconds())
}
