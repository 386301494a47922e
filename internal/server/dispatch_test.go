package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/metrics"
)

func newTestDispatcher(t *testing.T, road roads.Road, handler roads.ErrorHandler, mutate ...func(*Options)) (*Dispatcher, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	opts := DefaultOptions()
	opts.Logger = zerolog.New(logs)
	for _, m := range mutate {
		m(&opts)
	}
	d, err := NewDispatcher(road, handler, "http/1.1", opts)
	require.NoError(t, err)
	return d, logs
}

func staticRoad(resp *roads.Response, err error) roads.Road {
	return roads.RoadFunc(func(context.Context, string, string, *string, roads.Headers) (*roads.Response, error) {
		return resp, err
	})
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, nil, "h2", DefaultOptions())
	assert.EqualError(t, err, "road cannot be nil")

	opts := DefaultOptions()
	opts.MaxRequestBodySize = -1
	_, err = NewDispatcher(staticRoad(nil, nil), nil, "h2", opts)
	assert.ErrorContains(t, err, "cannot be negative")
}

func TestReadBody(t *testing.T) {
	d, _ := newTestDispatcher(t, staticRoad(nil, nil), nil)
	ctx := context.Background()

	t.Run("chunks are concatenated", func(t *testing.T) {
		body, err := d.ReadBody(ctx, &chunkReader{chunks: []string{"ab", "cd", "ef"}})
		require.NoError(t, err)
		require.NotNil(t, body)
		assert.Equal(t, "abcdef", *body)
	})

	t.Run("no chunk means absent", func(t *testing.T) {
		body, err := d.ReadBody(ctx, &chunkReader{})
		require.NoError(t, err)
		assert.Nil(t, body)

		body, err = d.ReadBody(ctx, http.NoBody)
		require.NoError(t, err)
		assert.Nil(t, body)

		body, err = d.ReadBody(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, body)

		body, err = d.ReadBody(ctx, strings.NewReader(""))
		require.NoError(t, err)
		assert.Nil(t, body)
	})

	t.Run("read error is returned", func(t *testing.T) {
		_, err := d.ReadBody(ctx, &errReader{data: "partial", err: errBrokenPipe})
		assert.ErrorIs(t, err, errBrokenPipe)
	})

	t.Run("cancelled context stops reading", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := d.ReadBody(cctx, &chunkReader{chunks: []string{"ab"}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReadBody_Bounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	d, _ := newTestDispatcher(t, staticRoad(nil, nil), nil, func(o *Options) {
		o.MaxRequestBodySize = 4
		o.Metrics = m
	})

	body, err := d.ReadBody(context.Background(), &chunkReader{chunks: []string{"ab", "cd"}})
	require.NoError(t, err)
	assert.Equal(t, "abcd", *body)

	_, err = d.ReadBody(context.Background(), &chunkReader{chunks: []string{"ab", "cd", "e"}})
	assert.ErrorIs(t, err, roads.ErrRequestBodyTooLarge)
	assert.Equal(t, map[string]float64{"http/1.1": 1}, counterValues(t, reg, "roads_request_body_too_large_total", "protocol"))

	// A transport-level bound surfaces as the same error even when ours is off.
	limited := http.MaxBytesReader(httptest.NewRecorder(), io.NopCloser(strings.NewReader("xyz")), 2)
	unbounded, _ := newTestDispatcher(t, staticRoad(nil, nil), nil, func(o *Options) { o.MaxRequestBodySize = 0 })
	_, err = unbounded.ReadBody(context.Background(), limited)
	assert.ErrorIs(t, err, roads.ErrRequestBodyTooLarge)
}

// counterValues gathers the counter family name from reg, keyed by one label.
func counterValues(t *testing.T, reg *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label {
					out[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func TestHandle_Success(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody *string
	var gotHeaders roads.Headers
	road := roads.RoadFunc(func(_ context.Context, method, path string, body *string, headers roads.Headers) (*roads.Response, error) {
		gotMethod, gotPath, gotBody, gotHeaders = method, path, body, headers
		return &roads.Response{Status: 200, Headers: roads.Headers{}, Body: map[string]bool{"ok": true}}, nil
	})
	d, _ := newTestDispatcher(t, road, nil)

	body := "payload"
	w := &fakeWriter{}
	d.Handle(context.Background(), w, Request{Method: "POST", Path: "/x?y=1", Headers: roads.Headers{"a": "b"}, Body: &body})

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/x?y=1", gotPath)
	assert.Equal(t, "payload", *gotBody)
	assert.Equal(t, "b", gotHeaders["a"])

	assert.Equal(t, 200, w.status)
	assert.Equal(t, "application/json", w.headers["content-type"])
	assert.Equal(t, `{"ok":true}`, w.body.String())
	assert.True(t, w.ended)
}

func TestHandle_RoadErrorDefaultHandler(t *testing.T) {
	d, logs := newTestDispatcher(t, staticRoad(nil, errors.New("db down")), nil)

	w := &fakeWriter{}
	d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

	assert.Equal(t, 500, w.status)
	assert.Equal(t, `{"error":"An unknown error has occured"}`, w.body.String())
	assert.Equal(t, 1, w.headCalls)
	assert.Contains(t, logs.String(), "db down")
	assert.Contains(t, logs.String(), "road request failed")
}

func TestHandle_CustomErrorHandlerCalledOnce(t *testing.T) {
	cause := errors.New("nope")
	var calls int
	var got error
	handler := func(err error) *roads.Response {
		calls++
		got = err
		return &roads.Response{Status: 418, Headers: roads.Headers{"content-type": "text/plain"}, Body: "teapot"}
	}
	d, _ := newTestDispatcher(t, staticRoad(nil, cause), handler)

	w := &fakeWriter{}
	d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, got, cause)
	assert.Equal(t, 418, w.status)
	assert.Equal(t, "teapot", w.body.String())
	assert.Equal(t, 1, w.headCalls)
}

func TestHandle_RoadFailureModes(t *testing.T) {
	tests := []struct {
		name    string
		road    roads.Road
		wantErr func(*testing.T, error)
	}{
		{
			name: "nil response",
			road: staticRoad(nil, nil),
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, roads.ErrNilResponse)
			},
		},
		{
			name: "invalid status",
			road: staticRoad(&roads.Response{Status: 7}, nil),
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, roads.ErrInvalidStatus)
			},
		},
		{
			name: "panic",
			road: roads.RoadFunc(func(context.Context, string, string, *string, roads.Headers) (*roads.Response, error) {
				panic("kaboom")
			}),
			wantErr: func(t *testing.T, err error) {
				var pe *roads.PanicError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "kaboom", pe.Value)
				assert.NotEmpty(t, pe.Stack)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got error
			handler := func(err error) *roads.Response {
				got = err
				return roads.NewResponse(503, nil)
			}
			d, _ := newTestDispatcher(t, tc.road, handler)

			w := &fakeWriter{}
			d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

			tc.wantErr(t, got)
			assert.Equal(t, 503, w.status)
			assert.True(t, w.ended)
		})
	}
}

func TestHandle_AbortHandlerPanicPropagates(t *testing.T) {
	road := roads.RoadFunc(func(context.Context, string, string, *string, roads.Headers) (*roads.Response, error) {
		panic(http.ErrAbortHandler)
	})
	d, _ := newTestDispatcher(t, road, nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		d.Handle(context.Background(), &fakeWriter{}, Request{})
	})
}

func TestFail_ErrorHandlerFailuresFallBackToDefault(t *testing.T) {
	tests := []struct {
		name    string
		handler roads.ErrorHandler
	}{
		{"handler panics", func(error) *roads.Response { panic("handler broke") }},
		{"handler returns nil", func(error) *roads.Response { return nil }},
		{"handler response unserializable", func(error) *roads.Response { return &roads.Response{Status: 1} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, logs := newTestDispatcher(t, staticRoad(nil, errors.New("boom")), tc.handler)

			w := &fakeWriter{}
			d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

			assert.Equal(t, 500, w.status)
			assert.Equal(t, roads.DefaultErrorBody, w.body.String())
			assert.Equal(t, "application/json", w.headers["content-type"])
			assert.Contains(t, logs.String(), "error handler failed")
		})
	}
}

func TestFail_BareLastResort(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	d, logs := newTestDispatcher(t, staticRoad(nil, errors.New("boom")), nil, func(o *Options) { o.Metrics = m })

	// The error handler's response and the default both fail to send.
	w := &fakeWriter{headFailures: 2}
	d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

	assert.Equal(t, 500, w.status)
	assert.Equal(t, roads.Headers{"connection": "close"}, w.headers)
	assert.Equal(t, 0, w.body.Len())
	assert.True(t, w.ended)
	assert.False(t, w.aborted)
	assert.Contains(t, logs.String(), "default error response failed")

	stages := counterValues(t, reg, "roads_error_fallbacks_total", "stage")
	assert.Equal(t, map[string]float64{
		metrics.StageErrorHandler: 1,
		metrics.StageDefault:      1,
		metrics.StageLastResort:   1,
	}, stages)
}

func TestFail_AbortsWhenHeadAlreadySent(t *testing.T) {
	d, _ := newTestDispatcher(t, staticRoad(roads.NewResponse(200, "hello"), nil), nil)

	w := &fakeWriter{dataErr: errBrokenPipe}
	d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})

	assert.Equal(t, 200, w.status, "only one head is ever sent")
	assert.True(t, w.aborted)
}

func TestFail_AbortUnsupportedEndsResponse(t *testing.T) {
	d, _ := newTestDispatcher(t, staticRoad(roads.NewResponse(200, "hello"), nil), nil)

	w := &fakeWriter{dataErr: errBrokenPipe, abortErr: errors.New("unsupported")}
	assert.NotPanics(t, func() {
		d.Handle(context.Background(), w, Request{Method: "GET", Path: "/"})
	})
	assert.True(t, w.aborted)
	assert.True(t, w.ended)
}

type recordingAccessLog struct {
	status int
	bytes  int64
	path   string
}

func (r *recordingAccessLog) LogAccess(req *http.Request, status int, responseBytes int64, _ time.Duration) {
	r.status, r.bytes, r.path = status, responseBytes, req.URL.Path
}

func TestBegin_RecordsAccessLog(t *testing.T) {
	access := &recordingAccessLog{}
	d, _ := newTestDispatcher(t, staticRoad(roads.NewResponse(201, "created"), nil), nil, func(o *Options) { o.AccessLog = access })

	r := httptest.NewRequest(http.MethodPost, "/things", nil)
	tw, finish := d.Begin(r, &fakeWriter{})
	d.Handle(r.Context(), tw, Request{Method: r.Method, Path: r.RequestURI})
	finish()

	assert.Equal(t, 201, access.status)
	assert.Equal(t, int64(len("created")), access.bytes)
	assert.Equal(t, "/things", access.path)
}
