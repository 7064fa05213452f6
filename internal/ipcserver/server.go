// Package ipcserver implements the local-transport accept loop,
// bounded connection pool, and per-connection protocol state machine
// (spec.md §4.9), plus the streaming bridge (spec.md §4.10).
package ipcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/auth"
	"github.com/defilantech/llmrund/internal/lifecycle"
	"github.com/defilantech/llmrund/internal/queue"
	"github.com/defilantech/llmrund/internal/telemetry"
)

// Config configures a Server.
type Config struct {
	SocketPath      string
	MaxConnections  int64
	ShutdownTimeout time.Duration
	StartedAt       time.Time
}

// Server accepts local-transport connections, bounding concurrency
// with a weighted semaphore (spec.md's "semaphore with a configurable
// max connection count") and spawning one goroutine per accepted
// connection.
type Server struct {
	cfg       Config
	pool      *semaphore.Weighted
	auth      *auth.Authenticator
	queue     *queue.Queue
	registry  *lifecycle.Registry
	telemetry *telemetry.Store
	logger    *zap.SugaredLogger

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server over its collaborators. logger may be nil,
// in which case a no-op logger is used.
func New(cfg Config, authenticator *auth.Authenticator, q *queue.Queue, registry *lifecycle.Registry, store *telemetry.Store, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:       cfg,
		pool:      semaphore.NewWeighted(cfg.MaxConnections),
		auth:      authenticator,
		queue:     q,
		registry:  registry,
		telemetry: store,
		logger:    logger,
	}
}

// Serve opens the local listener and runs the accept loop until ctx is
// cancelled. On return, it waits up to cfg.ShutdownTimeout for
// in-flight connections to drain.
func (s *Server) Serve(ctx context.Context) error {
	l, err := listen(s.cfg.SocketPath)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "opening listener", err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.drain()
			default:
				s.logger.Warnw("accept error", "error", err)
				continue
			}
		}

		if !s.pool.TryAcquire(1) {
			s.logger.Infow("connection pool full, rejecting connection")
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pool.Release(1)
			c := newConnection(conn, s)
			c.run(ctx)
		}()
	}
}

func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return apperr.New(apperr.CodeTimeout, "timed out waiting for connections to drain")
	}
}
