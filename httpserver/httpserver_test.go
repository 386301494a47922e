package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/logger"
	certs "github.com/Dashron/roads-server/internal/testutil"
)

type call struct {
	method  string
	path    string
	body    *string
	headers roads.Headers
}

// recordingRoad captures every call and answers with resp/err.
type recordingRoad struct {
	calls []call
	resp  *roads.Response
	err   error
}

func (r *recordingRoad) Request(_ context.Context, method, path string, body *string, headers roads.Headers) (*roads.Response, error) {
	r.calls = append(r.calls, call{method, path, body, headers})
	return r.resp, r.err
}

// chunkReader yields one chunk per Read.
type chunkReader struct{ chunks []string }

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func newServer(t *testing.T, road roads.Road, opts ...Option) (*Server, *bytes.Buffer) {
	t.Helper()
	logs := &bytes.Buffer{}
	s, err := New(road, append([]Option{WithLogger(zerolog.New(logs))}, opts...)...)
	require.NoError(t, err)
	return s, logs
}

func TestNew_NilRoad(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestServeHTTP_StructuredBody(t *testing.T) {
	road := &recordingRoad{resp: &roads.Response{Status: 200, Headers: roads.Headers{}, Body: map[string]bool{"ok": true}}}
	s, _ := newServer(t, road)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestServeHTTP_RequestTranslation(t *testing.T) {
	road := &recordingRoad{resp: roads.NewResponse(204, nil)}
	s, _ := newServer(t, road)

	r := httptest.NewRequest(http.MethodPut, "/a/b?c=d", &chunkReader{chunks: []string{"ab", "cd", "ef"}})
	r.Header.Add("Accept", "text/plain")
	r.Header.Add("Accept", "application/json")
	r.Header.Add("Cookie", "a=1")
	r.Header.Add("Cookie", "b=2")
	r.Header.Set("X-Request-Id", "42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)

	require.Len(t, road.calls, 1)
	got := road.calls[0]
	assert.Equal(t, "PUT", got.method)
	assert.Equal(t, "/a/b?c=d", got.path)
	require.NotNil(t, got.body)
	assert.Equal(t, "abcdef", *got.body)
	assert.Equal(t, "text/plain, application/json", got.headers["accept"])
	assert.Equal(t, "a=1; b=2", got.headers["cookie"])
	assert.Equal(t, "42", got.headers["x-request-id"])
	assert.Equal(t, "example.com", got.headers["host"])

	assert.Equal(t, 204, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestServeHTTP_NoBodyIsAbsent(t *testing.T) {
	road := &recordingRoad{resp: roads.NewResponse(200, "ok")}
	s, _ := newServer(t, road)

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, road.calls, 1)
	assert.Nil(t, road.calls[0].body)
}

func TestServeHTTP_EmptyMethod(t *testing.T) {
	road := &recordingRoad{resp: roads.NewResponse(200, "ok")}
	s, _ := newServer(t, road)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Method = ""
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Invalid HTTP Method", rec.Body.String())
	assert.Empty(t, road.calls)
}

func TestServeHTTP_RoadErrorDefault(t *testing.T) {
	s, logs := newServer(t, &recordingRoad{err: errors.New("boom")})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, roads.DefaultErrorBody, rec.Body.String())
	assert.Contains(t, logs.String(), `"path":"/fail"`)
}

func TestServeHTTP_CustomErrorHandler(t *testing.T) {
	var calls int
	handler := func(err error) *roads.Response {
		calls++
		if errors.Is(err, roads.ErrRequestBodyTooLarge) {
			return roads.NewResponse(http.StatusRequestEntityTooLarge, map[string]string{"error": "too large"})
		}
		return roads.NewResponse(http.StatusTeapot, "teapot")
	}

	t.Run("road failure", func(t *testing.T) {
		calls = 0
		s, _ := newServer(t, &recordingRoad{err: errors.New("boom")}, WithErrorHandler(handler))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, 1, calls)
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "teapot", rec.Body.String())
	})

	t.Run("oversize body", func(t *testing.T) {
		calls = 0
		road := &recordingRoad{resp: roads.NewResponse(200, "ok")}
		s, _ := newServer(t, road, WithErrorHandler(handler), WithMaxRequestBodySize(4))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))

		assert.Equal(t, 1, calls)
		assert.Empty(t, road.calls)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.JSONEq(t, `{"error":"too large"}`, rec.Body.String())
	})
}

func TestServeHTTP_OversizeBodyDefault(t *testing.T) {
	s, logs := newServer(t, &recordingRoad{resp: roads.NewResponse(200, "ok")}, WithMaxRequestBodySize(4))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))

	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, logs.String(), "request body too large")
}

func TestServeHTTP_AccessLogAndMetrics(t *testing.T) {
	var access bytes.Buffer
	reg := prometheus.NewRegistry()
	s, _ := newServer(t, &recordingRoad{resp: roads.NewResponse(201, "made")},
		WithAccessLogger(logger.NewTestLogger(&access)),
		WithMetrics(reg),
	)

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/things", nil))

	assert.Contains(t, access.String(), `"status":201`)
	assert.Contains(t, access.String(), `"resp_bytes":4`)
	assert.Contains(t, access.String(), `"uri":"/things"`)

	n, err := testutil.GatherAndCount(reg, "roads_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{w: rec}

	assert.False(t, rw.HeadersSent())
	require.NoError(t, rw.SendHeaders(202, roads.Headers{"x-one": "1", ":status": "202"}))
	assert.True(t, rw.HeadersSent())
	assert.ErrorIs(t, rw.SendHeaders(500, nil), roads.ErrHeadersAlreadySent)

	require.NoError(t, rw.WriteData([]byte("hi")))
	require.NoError(t, rw.End())
	assert.Error(t, rw.WriteData([]byte("late")))

	assert.Equal(t, 202, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-One"))
	_, hasPseudo := rec.Header()[":status"]
	assert.False(t, hasPseudo)
	assert.Equal(t, "hi", rec.Body.String())

	// The recorder cannot be hijacked.
	assert.ErrorIs(t, rw.Abort(), http.ErrNotSupported)
}

func TestNew_HTTPS(t *testing.T) {
	certPEM, keyPEM, err := certs.GenerateSelfSignedCertKeyPEM("localhost")
	require.NoError(t, err)

	t.Run("invalid PEM fails", func(t *testing.T) {
		_, err := New(&recordingRoad{}, WithHTTPS(HTTPSOptions{Key: []byte("nope"), Cert: certPEM}))
		assert.ErrorContains(t, err, "invalid HTTPS key pair")
	})

	t.Run("key without cert serves plaintext", func(t *testing.T) {
		cfg, err := buildTLSConfig(&HTTPSOptions{Key: keyPEM})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("valid pair offers only http/1.1", func(t *testing.T) {
		cfg, err := buildTLSConfig(&HTTPSOptions{Key: keyPEM, Cert: certPEM})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
		assert.Len(t, cfg.Certificates, 1)
	})
}
