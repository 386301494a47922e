package http2server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Dashron/roads-server/internal/server"
)

// AccessLogger receives one call per completed stream.
type AccessLogger = server.AccessLogger

type options struct {
	server     server.Options
	registerer prometheus.Registerer
}

// Option configures a Server.
type Option func(*options)

// WithLogger replaces the default stderr logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.server.Logger = l }
}

// WithMaxRequestBodySize bounds request bodies. Zero disables the bound.
func WithMaxRequestBodySize(n int64) Option {
	return func(o *options) { o.server.MaxRequestBodySize = n }
}

// WithAccessLogger records one line per stream.
func WithAccessLogger(a AccessLogger) Option {
	return func(o *options) { o.server.AccessLog = a }
}

// WithMetrics registers request metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTimeouts sets the read-header timeout of the host server and the idle
// timeout of both the host server and HTTP/2 connections.
func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(o *options) {
		o.server.ReadHeaderTimeout = readHeader
		o.server.IdleTimeout = idle
	}
}
