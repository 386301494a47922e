// Package httpserver serves a Road over HTTP/1.1, optionally behind TLS.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/metrics"
	"github.com/Dashron/roads-server/internal/server"
)

// Protocol labels this adapter's logs and metrics.
const Protocol = "http/1.1"

// Server adapts net/http's HTTP/1.1 server to a Road.
type Server struct {
	dispatch *server.Dispatcher
	srv      *server.Server
}

// New builds a server for road. It does not bind a socket; call Listen or Serve.
func New(road roads.Road, opts ...Option) (*Server, error) {
	o := options{server: server.DefaultOptions()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer != nil {
		m, err := metrics.New(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		o.server.Metrics = m
	}

	dispatch, err := server.NewDispatcher(road, o.errorHandler, Protocol, o.server)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := buildTLSConfig(o.https)
	if err != nil {
		return nil, err
	}

	s := &Server{dispatch: dispatch}
	s.srv, err = server.NewServer(s, tlsConfig, o.server)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		// Keep net/http from negotiating h2 on its own.
		s.srv.HTTPServer().TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}
	return s, nil
}

func buildTLSConfig(https *HTTPSOptions) (*tls.Config, error) {
	if !https.enabled() {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(https.Cert, https.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTPS key pair: %w", err)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if https.Config != nil {
		cfg = https.Config.Clone()
	}
	cfg.Certificates = append(cfg.Certificates, cert)
	cfg.NextProtos = []string{"http/1.1"}
	return cfg, nil
}

// ServeHTTP runs one request through the road.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw, finish := s.dispatch.Begin(r, &responseWriter{w: w})
	defer finish()

	if r.Method == "" {
		if err := server.SendResponse(tw, roads.NewResponse(http.StatusMethodNotAllowed, "Invalid HTTP Method")); err != nil {
			s.dispatch.Logger().Error().Err(err).Msg("failed to send 405")
		}
		return
	}

	req := server.Request{
		Method:  r.Method,
		Path:    server.RequestPath(r),
		Headers: server.RequestHeaders(r),
	}
	body, err := s.dispatch.ReadBody(r.Context(), r.Body)
	if err != nil {
		s.dispatch.Fail(tw, req, err)
		return
	}
	req.Body = body
	s.dispatch.Handle(r.Context(), tw, req)
}

// Listen binds hostname:port and serves in the background.
func (s *Server) Listen(port int, hostname string) error {
	return s.srv.Listen(port, hostname)
}

// Serve accepts connections on l until shutdown.
func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

// Wait blocks until a server started with Listen stops.
func (s *Server) Wait() error {
	return s.srv.Wait()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Addr is the bound address, or nil before listening.
func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// HTTPServer exposes the underlying *http.Server.
func (s *Server) HTTPServer() *http.Server {
	return s.srv.HTTPServer()
}

// responseWriter is the HTTP/1.1 side of server.ResponseWriter.
type responseWriter struct {
	w     http.ResponseWriter
	sent  bool
	ended bool
}

var errWriteAfterEnd = errors.New("httpserver: write after end")

func (rw *responseWriter) SendHeaders(status int, headers roads.Headers) error {
	if rw.sent {
		return roads.ErrHeadersAlreadySent
	}
	h := rw.w.Header()
	for k, v := range headers {
		if strings.HasPrefix(k, ":") {
			continue
		}
		h.Set(k, v)
	}
	rw.w.WriteHeader(status)
	rw.sent = true
	return nil
}

func (rw *responseWriter) WriteData(p []byte) error {
	if rw.ended {
		return errWriteAfterEnd
	}
	_, err := rw.w.Write(p)
	return err
}

func (rw *responseWriter) End() error {
	rw.ended = true
	return nil
}

func (rw *responseWriter) HeadersSent() bool {
	return rw.sent
}

// Abort hijacks and closes the connection so the client sees a truncated
// response rather than a clean end.
func (rw *responseWriter) Abort() error {
	conn, _, err := http.NewResponseController(rw.w).Hijack()
	if err != nil {
		return err
	}
	rw.ended = true
	return conn.Close()
}
