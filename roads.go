// Package roads defines the contract between the roads server adapters and
// the request handler they serve.
//
// A Road receives a method, path, optional body and header set, and returns a
// Response. The adapters in the httpserver and http2server packages translate
// between a host HTTP stack and this contract.
package roads

import (
	"context"
	"strings"
)

// Road handles a single request.
//
// body is nil when the client sent no body chunk at all, and a pointer to the
// accumulated body otherwise (possibly to an empty string). ctx is cancelled
// when the underlying connection or stream goes away.
type Road interface {
	Request(ctx context.Context, method, path string, body *string, headers Headers) (*Response, error)
}

// RoadFunc adapts an ordinary function to the Road interface.
type RoadFunc func(ctx context.Context, method, path string, body *string, headers Headers) (*Response, error)

func (f RoadFunc) Request(ctx context.Context, method, path string, body *string, headers Headers) (*Response, error) {
	return f(ctx, method, path, body, headers)
}

// ErrorHandler turns a failure into the Response sent to the client.
type ErrorHandler func(err error) *Response

// Headers is a header set keyed by lowercase name. Lookups are case-insensitive
// so Road-produced maps with mixed-case keys still behave.
type Headers map[string]string

// Get returns the value for name, matching case-insensitively.
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup is Get with a presence flag.
func (h Headers) Lookup(name string) (string, bool) {
	if v, ok := h[strings.ToLower(name)]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Set stores value under the lowercased name, replacing any differently-cased entry.
func (h Headers) Set(name, value string) {
	lower := strings.ToLower(name)
	for k := range h {
		if k != lower && strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[lower] = value
}

// Clone returns a copy that can be modified without touching h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Response is what a Road produces.
//
// Body is nil for no payload, a string or []byte to be written verbatim, or
// any other value to be JSON-encoded.
type Response struct {
	Status  int
	Headers Headers
	Body    any
}

// NewResponse builds a Response with an empty header set.
func NewResponse(status int, body any) *Response {
	return &Response{Status: status, Headers: Headers{}, Body: body}
}

// DefaultErrorBody is the payload of DefaultErrorResponse.
const DefaultErrorBody = `{"error":"An unknown error has occured"}`

// DefaultErrorResponse is the generic 500 used when no custom error handler
// is configured, and as the fallback when one fails.
func DefaultErrorResponse() *Response {
	return &Response{
		Status:  500,
		Headers: Headers{"content-type": "application/json"},
		Body:    DefaultErrorBody,
	}
}

// DefaultErrorHandler ignores err and returns DefaultErrorResponse.
func DefaultErrorHandler(error) *Response {
	return DefaultErrorResponse()
}

// ValidStatus reports whether status can be sent as a final response status.
func ValidStatus(status int) bool {
	return status >= 200 && status <= 999
}
