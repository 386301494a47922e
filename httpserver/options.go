package httpserver

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/server"
)

// AccessLogger receives one call per completed request.
type AccessLogger = server.AccessLogger

// HTTPSOptions enables TLS when both Key and Cert hold PEM data. Config, if
// set, is cloned and used as the base TLS configuration.
type HTTPSOptions struct {
	Key    []byte
	Cert   []byte
	Config *tls.Config
}

func (o *HTTPSOptions) enabled() bool {
	return o != nil && len(o.Key) > 0 && len(o.Cert) > 0
}

type options struct {
	server       server.Options
	errorHandler roads.ErrorHandler
	https        *HTTPSOptions
	registerer   prometheus.Registerer
}

// Option configures a Server.
type Option func(*options)

// WithLogger replaces the default stderr logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.server.Logger = l }
}

// WithErrorHandler sets the function that turns road failures into responses.
func WithErrorHandler(h roads.ErrorHandler) Option {
	return func(o *options) { o.errorHandler = h }
}

// WithHTTPS serves over TLS using the given key pair.
func WithHTTPS(https HTTPSOptions) Option {
	return func(o *options) { o.https = &https }
}

// WithMaxRequestBodySize bounds request bodies. Zero disables the bound.
func WithMaxRequestBodySize(n int64) Option {
	return func(o *options) { o.server.MaxRequestBodySize = n }
}

// WithAccessLogger records one line per request.
func WithAccessLogger(a AccessLogger) Option {
	return func(o *options) { o.server.AccessLog = a }
}

// WithMetrics registers request metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTimeouts sets the host server's read-header and idle timeouts.
func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(o *options) {
		o.server.ReadHeaderTimeout = readHeader
		o.server.IdleTimeout = idle
	}
}
