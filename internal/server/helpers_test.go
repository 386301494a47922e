package server

import (
	"bytes"
	"errors"
	"io"
	"sync"

	roads "github.com/Dashron/roads-server"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeWriter is an in-memory ResponseWriter. headFailures makes the next N
// SendHeaders calls fail before anything is sent.
type fakeWriter struct {
	status    int
	headers   roads.Headers
	body      bytes.Buffer
	sent      bool
	ended     bool
	aborted   bool
	headCalls int
	dataCalls int

	headFailures int
	dataErr      error
	abortErr     error
}

func (f *fakeWriter) SendHeaders(status int, headers roads.Headers) error {
	f.headCalls++
	if f.sent {
		return roads.ErrHeadersAlreadySent
	}
	if f.headFailures > 0 {
		f.headFailures--
		return errBrokenPipe
	}
	f.sent = true
	f.status = status
	f.headers = headers
	return nil
}

func (f *fakeWriter) WriteData(p []byte) error {
	f.dataCalls++
	if f.dataErr != nil {
		return f.dataErr
	}
	f.body.Write(p)
	return nil
}

func (f *fakeWriter) End() error {
	f.ended = true
	return nil
}

func (f *fakeWriter) HeadersSent() bool { return f.sent }

func (f *fakeWriter) Abort() error {
	f.aborted = true
	return f.abortErr
}

// chunkReader yields one chunk per Read, then io.EOF.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

// errReader fails after yielding its data.
type errReader struct {
	data string
	err  error
	done bool
}

func (e *errReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, e.err
	}
	e.done = true
	return copy(p, e.data), nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
