package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Dashron/roads-server/internal/util"
)

// Server owns the listener and the host *http.Server for one adapter.
type Server struct {
	httpServer *http.Server
	tlsConfig  *tls.Config
	log        zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	serveErr error
}

// NewServer wraps handler in an *http.Server configured from opts. When
// tlsConfig is non-nil every accepted connection is TLS-terminated.
// Server-level errors (accept failures, TLS handshakes, malformed requests)
// go to opts.Logger at error level and never reach a road or error handler.
func NewServer(handler http.Handler, tlsConfig *tls.Config, opts Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	s := &Server{
		tlsConfig: tlsConfig,
		log:       opts.Logger,
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          log.New(errorLogWriter{log: opts.Logger}, "", 0),
	}
	return s, nil
}

// errorLogWriter adapts zerolog to the *log.Logger net/http reports through.
type errorLogWriter struct {
	log zerolog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Error().Str("source", "http.Server").Msg(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// HTTPServer exposes the underlying host server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Listen binds hostname:port and serves in the background. It returns once
// the socket is bound; use Wait to block until the server stops.
func (s *Server) Listen(port int, hostname string) error {
	address := util.ListenAddress(hostname, port)
	l, err := util.CreateListener("tcp", address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		l.Close()
		return errors.New("server is already listening")
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	l = s.bind(l)
	go func() {
		err := s.serve(l)
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

// Serve accepts connections on l until the server is shut down. It returns
// nil after a clean Shutdown or Close.
func (s *Server) Serve(l net.Listener) error {
	return s.serve(s.bind(l))
}

// bind wraps l for TLS when configured and records it as the server's listener.
func (s *Server) bind(l net.Listener) net.Listener {
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l
}

func (s *Server) serve(l net.Listener) error {
	s.log.Info().Str("address", l.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("listening")
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("serve loop stopped")
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Wait blocks until a server started with Listen stops, and returns its
// serve error. It returns immediately if Listen was never called.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Addr is the bound address, or nil before the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server immediately, dropping in-flight requests.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
