package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"visiongate/internal/logger"
	"visiongate/internal/model"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

// HandlerFunc turns one request payload into one reply payload.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr       string
	MaxPayload int64
	MaxConns   int           // open connections served at once
	IOTimeout  time.Duration // read and write deadline per connection
}

// Server accepts connections concurrently. Each connection carries exactly
// one request and one reply. When the handler fails the connection is
// closed without a reply.
type Server struct {
	opts    ServerOptions
	handler HandlerFunc
	logger  *logger.Logger
	sem     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup

	served atomic.Int64
	failed atomic.Int64
}

// NewServer creates a Server. A MaxConns below 1 is treated as 1.
func NewServer(opts ServerOptions, handler HandlerFunc, logger *logger.Logger) *Server {
	if opts.MaxConns < 1 {
		opts.MaxConns = 1
	}
	return &Server{
		opts:    opts,
		handler: handler,
		logger:  logger,
		sem:     make(chan struct{}, opts.MaxConns),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("Bridge listening on %s", l.Addr())

	var backoff time.Duration
	for {
		s.sem <- struct{}{}
		conn, err := l.Accept()
		if err != nil {
			<-s.sem
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warning("Accept error: %v; retrying in %s", err, backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.track(conn, true) {
			conn.Close()
			<-s.sem
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer s.track(conn, false)
	defer conn.Close()

	log := s.logger.With("remote", conn.RemoteAddr().String())

	if s.opts.IOTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))
	}
	payload, err := Receive(conn, s.opts.MaxPayload)
	if err != nil {
		if errors.Is(err, model.ErrEmptyResponse) {
			log.Info("Connection closed without data")
		} else {
			log.Warning("Failed to read request: %v", err)
		}
		s.failed.Add(1)
		return
	}
	log.Info("Received %d bytes", len(payload))

	reply, err := s.safeHandle(payload)
	if err != nil {
		log.Error("Request failed: %v", err)
		s.failed.Add(1)
		return
	}

	if s.opts.IOTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	}
	if err := Send(conn, reply); err != nil {
		log.Warning("Failed to send reply: %v", err)
		s.failed.Add(1)
		return
	}
	s.served.Add(1)
	log.Info("Sent %d bytes", len(reply))
}

func (s *Server) safeHandle(payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panic")
			s.logger.Error("Handler panic: %v", r)
		}
	}()
	// A claimed request runs to completion even during shutdown.
	return s.handler(context.Background(), payload)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns the number of replies sent and connections that ended without one.
func (s *Server) Stats() (served, failed int64) {
	return s.served.Load(), s.failed.Load()
}

// Shutdown stops accepting and waits for in-flight connections. When ctx
// ends first, the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
