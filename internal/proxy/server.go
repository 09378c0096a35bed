// Package proxy implements the listener, worker dispatch and per-request
// pipeline of the forwarding proxy.
//
// Every accepted connection is handled by its own goroutine:
//
//	read request -> parse -> resolve + connect -> forward -> stream -> log -> close
//
// Workers share nothing except the access log. Each one runs under a
// context carrying the request deadline; cancelling that context closes
// both sockets, which unblocks any read or write in progress.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"forward-proxy/internal/accesslog"
	"forward-proxy/internal/client"
	"forward-proxy/internal/config"
	"forward-proxy/internal/metrics"
	"forward-proxy/internal/model"
	"forward-proxy/internal/service"
)

// ErrShutdownTimeout is returned when workers do not drain before the
// shutdown context expires.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts client connections and dispatches each to a worker.
type Server struct {
	cfg     *config.Config
	dialer  *client.Dialer
	relay   *service.Relay
	log     *accesslog.Log
	metrics *metrics.Metrics
	logger  *slog.Logger

	sem     *semaphore.Weighted // nil when max_connections is 0
	limiter *rate.Limiter       // nil when accept_rate is 0

	// workerCtx outlives the accept loop so in-flight requests can drain.
	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	wg            sync.WaitGroup
	inFlight      atomic.Int64

	mu         sync.Mutex
	addr       net.Addr
	stopAccept context.CancelFunc
	acceptDone chan struct{}
}

// NewServer creates a Server.
func NewServer(cfg *config.Config, d *client.Dialer, r *service.Relay, l *accesslog.Log, m *metrics.Metrics, logger *slog.Logger) *Server {
	workerCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		dialer:        d,
		relay:         r,
		log:           l,
		metrics:       m,
		logger:        logger.With("component", "proxy_server"),
		workerCtx:     workerCtx,
		cancelWorkers: cancel,
	}
	if n := cfg.Proxy.MaxConnections; n > 0 {
		s.sem = semaphore.NewWeighted(n)
	}
	if cfg.Proxy.AcceptRate > 0 {
		burst := cfg.Proxy.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Proxy.AcceptRate), burst)
	}
	return s
}

// Listen binds the configured address. Failure is a startup failure.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", model.ErrStartupFailure, addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. It never waits for a worker; use Shutdown to drain them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	acceptCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	defer close(done)

	s.mu.Lock()
	s.addr = ln.Addr()
	s.stopAccept = stop
	s.acceptDone = done
	s.mu.Unlock()

	s.logger.Info("proxy listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(acceptCtx)

	// Closing the listener is what unblocks Accept.
	g.Go(func() error {
		<-gctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("close listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	s.logger.Info("proxy stopped accepting", "addr", ln.Addr().String())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer func() {
		// Make sure the listener goroutine exits even if Accept failed on its own.
		s.mu.Lock()
		if s.stopAccept != nil {
			s.stopAccept()
		}
		s.mu.Unlock()
	}()

	backoff := time.Duration(0)
	for {
		if err := s.admit(ctx); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			backoff = min(backoff, maxAcceptBackoff)
			s.logger.Error("failed to accept connection", "err", err, "retry_in", backoff)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.metrics.ConnectionsAccepted.Inc()
		s.dispatch(conn)
	}
}

// admit blocks until the rate limiter and semaphore allow one more worker.
func (s *Server) admit(ctx context.Context) error {
	if s.limiter == nil && s.sem == nil {
		return nil
	}

	s.metrics.ConnectionsWaiting.Set(1)
	defer s.metrics.ConnectionsWaiting.Set(0)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

// release returns a semaphore slot taken by admit.
func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// dispatch hands conn to a new worker goroutine and returns immediately.
func (s *Server) dispatch(conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.handleConn(conn)
	}()
}

// Shutdown stops accepting, then waits for in-flight workers until ctx
// expires. After that, remaining workers are cancelled, which closes their
// sockets, and ErrShutdownTimeout is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stop, acceptDone := s.stopAccept, s.acceptDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-acceptDone
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancelWorkers()
		s.logger.Info("all connections closed gracefully")
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("shutdown timeout exceeded, forcing connection closure",
		"in_flight", s.inFlight.Load())
	s.cancelWorkers()

	select {
	case <-drained:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

// Addr returns the bound listen address, or "" before Serve is called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// InFlight returns the number of workers currently running.
func (s *Server) InFlight() int64 {
	return s.inFlight.Load()
}

// Logged returns the number of access-log records written.
func (s *Server) Logged() int64 {
	return s.log.Count()
}
