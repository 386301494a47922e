package roads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaders(t *testing.T) {
	h := Headers{"Content-Type": "text/plain"}

	assert.Equal(t, "text/plain", h.Get("content-type"))
	assert.True(t, h.Has("CONTENT-TYPE"))
	_, ok := h.Lookup("x-missing")
	assert.False(t, ok)

	h.Set("content-TYPE", "application/json")
	assert.Equal(t, Headers{"content-type": "application/json"}, h)

	c := h.Clone()
	c.Set("x-extra", "1")
	assert.False(t, h.Has("x-extra"))

	var nilHeaders Headers
	assert.NotNil(t, nilHeaders.Clone())
	assert.Equal(t, "", nilHeaders.Get("anything"))
}

func TestDefaultErrorResponse(t *testing.T) {
	resp := DefaultErrorHandler(errors.New("ignored"))
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, "application/json", resp.Headers.Get("content-type"))
	assert.Equal(t, `{"error":"An unknown error has occured"}`, resp.Body)

	// Each call returns a fresh value.
	resp.Headers.Set("x", "y")
	assert.False(t, DefaultErrorResponse().Headers.Has("x"))
}

func TestValidStatus(t *testing.T) {
	for status, want := range map[int]bool{199: false, 200: true, 404: true, 999: true, 1000: false, 0: false} {
		assert.Equal(t, want, ValidStatus(status), "status %d", status)
	}
}

func TestPanicError(t *testing.T) {
	pe := &PanicError{Value: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, pe, io.ErrUnexpectedEOF)
	assert.Equal(t, "roads: panic: unexpected EOF", pe.Error())

	plain := &PanicError{Value: 42}
	assert.Nil(t, plain.Unwrap())

	wrapped := fmt.Errorf("handling: %w", plain)
	var target *PanicError
	assert.ErrorAs(t, wrapped, &target)
	assert.Equal(t, 42, target.Value)
}

func TestRoadFunc(t *testing.T) {
	var road Road = RoadFunc(func(_ context.Context, method, path string, _ *string, _ Headers) (*Response, error) {
		return NewResponse(200, method+" "+path), nil
	})
	resp, err := road.Request(context.Background(), "GET", "/x", nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, "GET /x", resp.Body)
	assert.Empty(t, resp.Headers)
}
