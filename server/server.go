package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// BindError is returned when a listen address cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listening on %s: %s", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

const maxAcceptDelay = 1 * time.Second

// Server accepts connections and hands each one to its own bridge.
type Server struct {
	logger *zap.SugaredLogger
	cfg    config.Config
	bridge *bridge.Bridge

	listener   net.Listener
	wsListener net.Listener
	httpServer *http.Server

	// ctx is the parent of every bridge, canceled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	m       sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	closed  chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("procbridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithListener makes the server accept on l instead of binding cfg.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

// WithWSListener makes the WebSocket endpoint accept on l instead of binding cfg.WSListenAddr.
func WithWSListener(l net.Listener) Option {
	return func(s *Server) {
		s.wsListener = l
	}
}

// New validates cfg and constructs a server. cfg is copied and not read again.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger: logger.Named("procbridge").Sugar(),
		cfg:    cfg.Clone(),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.bridge = bridge.New(s.cfg, bridge.WithLogger(s.logger.Named("bridge")))
	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Listen binds the configured addresses. It is a no-op for listeners passed as options.
func (s *Server) Listen() error {
	if s.listener == nil {
		l, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return &BindError{Addr: s.cfg.ListenAddr, Err: err}
		}
		s.listener = l
	}
	if s.wsListener == nil && s.cfg.WSListenAddr != "" {
		l, err := net.Listen("tcp", s.cfg.WSListenAddr)
		if err != nil {
			s.listener.Close()
			return &BindError{Addr: s.cfg.WSListenAddr, Err: err}
		}
		s.wsListener = l
	}
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// Run binds and serves until ctx is done or Stop is called.
// The WebSocket endpoint, if configured, is served alongside the TCP listener.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.Serve(groupCtx) })
	if s.wsListener != nil {
		group.Go(s.serveWS)
	}
	return group.Wait()
}

// Serve runs the accept loop on an already bound listener. A failed accept is logged and
// retried with backoff; only Stop or ctx ends the loop, and either way every bridge is torn down.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	defer s.Stop()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.closed:
		}
	}()

	s.logger.Infof("waiting for connections on %s", s.listener.Addr())

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Errorf("error accepting connection, retrying in %s: %s", delay, err)
			select {
			case <-time.After(delay):
			case <-s.closed:
				return nil
			}
			continue
		}
		delay = 0

		if !s.track() {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.logResult(s.bridge.Serve(s.ctx, conn))
		}()
	}
}

// track registers a bridge with the server, unless the server is stopping.
func (s *Server) track() bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isStopped() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.stopped
}

func (s *Server) logResult(err error) {
	var spawnErr *bridge.SpawnError
	var streamErr *bridge.StreamError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.As(err, &spawnErr):
		s.logger.Errorf("failed to spawn server process: %s", err)
	case errors.As(err, &streamErr):
		s.logger.Warnf("connection failed mid-session: %s", err)
	default:
		s.logger.Errorf("error handling connection: %s", err)
	}
}

// Stop closes the listeners, terminates every bridge and waits for them.
func (s *Server) Stop() error {
	s.m.Lock()
	if s.stopped {
		s.m.Unlock()
		s.wg.Wait()
		return nil
	}
	s.stopped = true
	close(s.closed)
	s.m.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if httpErr := s.httpServer.Close(); httpErr != nil && err == nil {
		err = httpErr
	}
	if s.wsListener != nil {
		// not tracked by httpServer until serveWS runs
		s.wsListener.Close()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("stopped")
	return err
}
