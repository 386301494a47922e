// Package http2server serves a Road over cleartext HTTP/2 (h2c).
//
// Both prior-knowledge connections and the HTTP/1.1 Upgrade: h2c handshake
// are accepted. Plain HTTP/1.x requests are answered with 505. There is no
// pluggable error handler; road failures always produce the default 500.
package http2server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/metrics"
	"github.com/Dashron/roads-server/internal/server"
)

// Protocol labels this adapter's logs and metrics.
const Protocol = "h2"

// Server adapts an x/net HTTP/2 server to a Road.
type Server struct {
	dispatch *server.Dispatcher
	h2       *http2.Server
	srv      *server.Server
	streams  streamTracker
}

// streamTracker counts running streams. h2c hijacks its connections, so
// http.Server.Shutdown cannot see them and returns before they finish.
type streamTracker struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func (t *streamTracker) add() {
	t.mu.Lock()
	t.active++
	t.mu.Unlock()
}

func (t *streamTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.active == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// wait blocks until no stream is running or ctx expires.
func (t *streamTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.active == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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

	dispatch, err := server.NewDispatcher(road, nil, Protocol, o.server)
	if err != nil {
		return nil, err
	}

	s := &Server{dispatch: dispatch}
	log := dispatch.Logger()
	s.h2 = &http2.Server{
		IdleTimeout: o.server.IdleTimeout,
		CountError: func(errType string) {
			log.Error().Str("error_type", errType).Msg("http2 transport error")
		},
	}
	s.srv, err = server.NewServer(h2c.NewHandler(s, s.h2), nil, o.server)
	if err != nil {
		return nil, err
	}
	// Registers the graceful GOAWAY hook on Shutdown.
	if err := http2.ConfigureServer(s.srv.HTTPServer(), s.h2); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}
	return s, nil
}

// ServeHTTP runs one HTTP/2 stream through the road.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.streams.add()
	defer s.streams.done()

	tw, finish := s.dispatch.Begin(r, &streamWriter{w: w})
	defer finish()

	if r.ProtoMajor != 2 {
		s.rejectVersion(tw)
		return
	}

	req := server.Request{
		Method:  r.Method,
		Path:    server.RequestPath(r),
		Headers: streamHeaders(r),
	}
	body, err := s.dispatch.ReadBody(r.Context(), r.Body)
	if err != nil {
		if errors.Is(err, roads.ErrRequestBodyTooLarge) {
			s.dispatch.Fail(tw, req, err)
			return
		}
		s.dispatch.Logger().Error().Err(err).Str("method", req.Method).Str("path", req.Path).
			Msg("failed to read request stream")
		return
	}
	req.Body = body
	s.dispatch.Handle(r.Context(), tw, req)
}

// rejectVersion answers a plain HTTP/1.x request with 505.
func (s *Server) rejectVersion(w server.ResponseWriter) {
	resp := &roads.Response{
		Status:  http.StatusHTTPVersionNotSupported,
		Headers: roads.Headers{"content-type": "text/plain; charset=utf-8"},
		Body:    http.StatusText(http.StatusHTTPVersionNotSupported) + "\n",
	}
	if err := server.SendResponse(w, resp); err != nil {
		s.dispatch.Logger().Error().Err(err).Msg("failed to send 505")
	}
}

// streamHeaders is the request header block with the HTTP/2 pseudo-headers
// restored, since net/http moves them onto the request itself.
func streamHeaders(r *http.Request) roads.Headers {
	headers := server.RequestHeaders(r)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	headers[":method"] = r.Method
	headers[":path"] = server.RequestPath(r)
	headers[":scheme"] = scheme
	headers[":authority"] = r.Host
	return headers
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

// Shutdown sends GOAWAY on open connections and waits for in-flight streams
// to finish, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if werr := s.streams.wait(ctx); err == nil {
		err = werr
	}
	return err
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

var errAbortUnsupported = errors.New("http2server: stream abort is not supported")

// connectionSpecific headers are not valid on an HTTP/2 stream. x/net reads a
// "connection: close" response header as a request to shut the whole
// connection down, which would take sibling streams with it.
var connectionSpecific = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// streamWriter is the HTTP/2 side of server.ResponseWriter.
type streamWriter struct {
	w     http.ResponseWriter
	sent  bool
	ended bool
}

// SendHeaders merges the status into the header block as :status and responds.
func (sw *streamWriter) SendHeaders(status int, headers roads.Headers) error {
	if sw.sent {
		return roads.ErrHeadersAlreadySent
	}
	block := headers.Clone()
	block[":status"] = strconv.Itoa(status)
	return sw.respond(block)
}

func (sw *streamWriter) respond(block roads.Headers) error {
	status, err := strconv.Atoi(block[":status"])
	if err != nil {
		return fmt.Errorf("invalid :status %q: %w", block[":status"], err)
	}
	h := sw.w.Header()
	for k, v := range block {
		if strings.HasPrefix(k, ":") || connectionSpecific[k] {
			continue
		}
		h.Set(k, v)
	}
	sw.w.WriteHeader(status)
	sw.sent = true
	return nil
}

func (sw *streamWriter) WriteData(p []byte) error {
	if sw.ended {
		return errors.New("http2server: write after end")
	}
	_, err := sw.w.Write(p)
	return err
}

func (sw *streamWriter) End() error {
	sw.ended = true
	return nil
}

func (sw *streamWriter) HeadersSent() bool {
	return sw.sent
}

func (sw *streamWriter) Abort() error {
	return errAbortUnsupported
}
