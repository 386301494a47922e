package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/metrics"
)

// DefaultMaxRequestBodySize bounds body accumulation when no limit is configured.
const DefaultMaxRequestBodySize int64 = 10 << 20

const readChunkSize = 32 << 10

// Options are the settings shared by both adapters.
type Options struct {
	Logger             zerolog.Logger
	MaxRequestBodySize int64 // 0 disables the bound
	AccessLog          AccessLogger
	Metrics            *metrics.Metrics
	ReadHeaderTimeout  time.Duration
	IdleTimeout        time.Duration
}

// DefaultOptions logs JSON to stderr and applies the default body bound and timeouts.
func DefaultOptions() Options {
	return Options{
		Logger:             zerolog.New(os.Stderr).With().Timestamp().Logger(),
		MaxRequestBodySize: DefaultMaxRequestBodySize,
		ReadHeaderTimeout:  10 * time.Second,
		IdleTimeout:        120 * time.Second,
	}
}

// Dispatcher runs one request through the road and the error fallback chain.
// It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	road         roads.Road
	errorHandler roads.ErrorHandler
	protocol     string
	log          zerolog.Logger
	maxBodySize  int64
	metrics      *metrics.Metrics
	accessLog    AccessLogger
}

// NewDispatcher binds road to a transport. A nil errorHandler selects
// roads.DefaultErrorHandler. protocol labels logs and metrics.
func NewDispatcher(road roads.Road, errorHandler roads.ErrorHandler, protocol string, opts Options) (*Dispatcher, error) {
	if road == nil {
		return nil, errors.New("road cannot be nil")
	}
	if opts.MaxRequestBodySize < 0 {
		return nil, fmt.Errorf("max request body size cannot be negative, got %d", opts.MaxRequestBodySize)
	}
	return &Dispatcher{
		road:         road,
		errorHandler: errorHandler,
		protocol:     protocol,
		log:          opts.Logger.With().Str("protocol", protocol).Logger(),
		maxBodySize:  opts.MaxRequestBodySize,
		metrics:      opts.Metrics,
		accessLog:    opts.AccessLog,
	}, nil
}

// Logger returns the dispatcher's protocol-scoped logger.
func (d *Dispatcher) Logger() *zerolog.Logger {
	return &d.log
}

// Begin wraps w for bookkeeping. The returned func must be called once the
// request is finished; it records metrics and the access log line.
func (d *Dispatcher) Begin(r *http.Request, w ResponseWriter) (*TrackingWriter, func()) {
	tw := Track(w)
	start := time.Now()
	done := d.metrics.Start(d.protocol)
	return tw, func() {
		done(tw.Status())
		if d.accessLog != nil {
			d.accessLog.LogAccess(r, tw.Status(), tw.Bytes(), time.Since(start))
		}
	}
}

// ReadBody accumulates body into a single string. It returns nil when no
// chunk arrived at all, so an absent body stays distinguishable from an
// empty one. Reading stops with roads.ErrRequestBodyTooLarge once the
// configured bound is exceeded, and with ctx's error when the request is
// torn down.
func (d *Dispatcher) ReadBody(ctx context.Context, body io.Reader) (*string, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}

	var (
		buf   strings.Builder
		chunk = make([]byte, readChunkSize)
		seen  bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := body.Read(chunk)
		if n > 0 {
			seen = true
			if d.maxBodySize > 0 && int64(buf.Len()+n) > d.maxBodySize {
				d.metrics.BodyTooLarge(d.protocol)
				return nil, fmt.Errorf("%w: limit is %s", roads.ErrRequestBodyTooLarge, humanize.IBytes(uint64(d.maxBodySize)))
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, fmt.Errorf("%w: limit is %s", roads.ErrRequestBodyTooLarge, humanize.IBytes(uint64(mbe.Limit)))
			}
			return nil, err
		}
	}
	if !seen {
		return nil, nil
	}
	s := buf.String()
	return &s, nil
}

// Handle invokes the road and writes exactly one response to w. Any road
// failure, including a response that cannot be serialized, is routed
// through Fail.
func (d *Dispatcher) Handle(ctx context.Context, w ResponseWriter, req Request) {
	resp, err := d.invokeRoad(ctx, req)
	if err == nil {
		if err = SendResponse(w, resp); err == nil {
			return
		}
	}
	d.Fail(w, req, err)
}

func (d *Dispatcher) invokeRoad(ctx context.Context, req Request) (resp *roads.Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			resp, err = nil, &roads.PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	resp, err = d.road.Request(ctx, req.Method, req.Path, req.Body, req.Headers)
	if err == nil && resp == nil {
		err = roads.ErrNilResponse
	}
	return resp, err
}

// Fail converts cause into a response. The configured error handler gets one
// chance; if it fails, or its response cannot be written, the default 500 is
// sent; if even that fails, the transport gets a bare 500 or is aborted.
// Fail never panics.
func (d *Dispatcher) Fail(w ResponseWriter, req Request, cause error) {
	ev := d.log.Error().Err(cause).Str("method", req.Method).Str("path", req.Path)
	var pe *roads.PanicError
	if errors.As(cause, &pe) {
		ev = ev.Bytes("stack", pe.Stack)
	}
	ev.Msg("road request failed")
	d.metrics.Fallback(d.protocol, metrics.StageErrorHandler)

	resp, err := d.resolveError(cause)
	if err == nil {
		if err = SendResponse(w, resp); err == nil {
			return
		}
	}

	d.log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).
		Msg("error handler failed, sending default error response")
	d.metrics.Fallback(d.protocol, metrics.StageDefault)
	if err = SendResponse(w, roads.DefaultErrorResponse()); err == nil {
		return
	}

	d.log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).
		Msg("default error response failed, closing connection")
	d.metrics.Fallback(d.protocol, metrics.StageLastResort)
	d.lastResort(w)
}

func (d *Dispatcher) resolveError(cause error) (resp *roads.Response, err error) {
	handler := d.errorHandler
	if handler == nil {
		handler = roads.DefaultErrorHandler
	}
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, &roads.PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	if resp = handler(cause); resp == nil {
		return nil, roads.ErrNilResponse
	}
	return resp, nil
}

// lastResort sends a bare 500 with Connection: close when no head went out,
// and aborts the connection otherwise.
func (d *Dispatcher) lastResort(w ResponseWriter) {
	defer func() {
		if v := recover(); v != nil {
			d.log.Error().Interface("panic", v).Msg("panic while terminating response")
		}
	}()

	if !w.HeadersSent() {
		err := w.SendHeaders(http.StatusInternalServerError, roads.Headers{"connection": "close"})
		if err == nil {
			if err = w.End(); err == nil {
				return
			}
		}
		d.log.Error().Err(err).Msg("failed to send bare 500")
	}
	if err := w.Abort(); err != nil {
		d.log.Debug().Err(err).Msg("abort unsupported, ending response")
		_ = w.End()
	}
}
