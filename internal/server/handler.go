package server

import (
	"net/http"
	"strings"
	"time"

	roads "github.com/Dashron/roads-server"
)

// ResponseWriter is the capability set each transport exposes to the shared
// serializer. Implementations must refuse a second SendHeaders call.
type ResponseWriter interface {
	// SendHeaders writes the response status and header set.
	SendHeaders(status int, headers roads.Headers) error

	// WriteData writes a chunk of the response body.
	WriteData(p []byte) error

	// End finishes the response. Nothing may be written afterwards.
	End() error

	// HeadersSent reports whether SendHeaders has succeeded.
	HeadersSent() bool

	// Abort tears down the connection or stream without a clean end. It is
	// only used once a head has been sent and the response cannot be completed.
	Abort() error
}

// Request is what the adapters extract from the transport before invoking the road.
type Request struct {
	Method  string
	Path    string
	Headers roads.Headers
	Body    *string
}

// RequestHeaders flattens r's header block into lowercase names. Repeated
// values are joined with ", ", except cookie which uses "; ". The host is
// included even though net/http keeps it out of r.Header.
func RequestHeaders(r *http.Request) roads.Headers {
	headers := make(roads.Headers, len(r.Header)+1)
	for name, values := range r.Header {
		key := strings.ToLower(name)
		sep := ", "
		if key == "cookie" {
			sep = "; "
		}
		headers[key] = strings.Join(values, sep)
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}
	return headers
}

// RequestPath is the request target as the client sent it, query included.
func RequestPath(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return "/"
}

// AccessLogger receives one call per completed request.
type AccessLogger interface {
	LogAccess(r *http.Request, status int, responseBytes int64, duration time.Duration)
}

// TrackingWriter records what actually reached the transport.
type TrackingWriter struct {
	ResponseWriter
	status int
	bytes  int64
}

// Track wraps w so the status and byte count can be reported afterwards.
func Track(w ResponseWriter) *TrackingWriter {
	return &TrackingWriter{ResponseWriter: w}
}

func (t *TrackingWriter) SendHeaders(status int, headers roads.Headers) error {
	if err := t.ResponseWriter.SendHeaders(status, headers); err != nil {
		return err
	}
	t.status = status
	return nil
}

func (t *TrackingWriter) WriteData(p []byte) error {
	if err := t.ResponseWriter.WriteData(p); err != nil {
		return err
	}
	t.bytes += int64(len(p))
	return nil
}

// Status is the status that was sent, or 0 if no head went out.
func (t *TrackingWriter) Status() int { return t.status }

// Bytes is the number of body bytes written.
func (t *TrackingWriter) Bytes() int64 { return t.bytes }
