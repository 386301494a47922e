// Package testutil drives the roads adapters end to end over real sockets.
package testutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/http2"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // includes the query string, if any
	Headers http.Header
	Body    []byte
}

// HeaderMatcher maps header names to their exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // match status and a description of any mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// JSONFieldsBodyMatcher decodes the body as a JSON object and compares the
// listed top-level fields.
type JSONFieldsBodyMatcher struct {
	Fields map[string]interface{}
}

func (m *JSONFieldsBodyMatcher) Match(body []byte) (bool, string) {
	var got map[string]interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		return false, fmt.Sprintf("body is not a JSON object: %v. Body: %q", err, string(body))
	}
	for k, want := range m.Fields {
		if fmt.Sprint(got[k]) != fmt.Sprint(want) {
			return false, fmt.Sprintf("JSON field %q: expected %v, got %v", k, want, got[k])
		}
	}
	return true, ""
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	ProtoMajor   int // 0 skips the check
	Headers      HeaderMatcher
	BodyMatcher  BodyMatcher
	ExpectNoBody bool // BodyMatcher is ignored and the body must be empty
}

// ActualResponse stores what a client received.
type ActualResponse struct {
	StatusCode int
	ProtoMajor int
	Headers    http.Header
	Body       []byte
}

// HTTPClientType names a client flavour in test output.
type HTTPClientType string

const (
	HTTP1Client HTTPClientType = "http1"
	HTTPSClient HTTPClientType = "https"
	H2CClient   HTTPClientType = "h2c"
)

// Client sends a TestRequest to a server address.
type Client struct {
	kind   HTTPClientType
	scheme string
	http   *http.Client
}

// NewHTTP1Client speaks plaintext HTTP/1.1.
func NewHTTP1Client() *Client {
	return &Client{
		kind:   HTTP1Client,
		scheme: "http",
		http:   &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}},
	}
}

// NewHTTPSClient speaks HTTP/1.1 over TLS using tlsConfig.
func NewHTTPSClient(tlsConfig *tls.Config) *Client {
	return &Client{
		kind:   HTTPSClient,
		scheme: "https",
		http: &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		}},
	}
}

// NewH2CClient speaks cleartext HTTP/2 with prior knowledge.
func NewH2CClient() *Client {
	return &Client{
		kind:   H2CClient,
		scheme: "http",
		http: &http.Client{Timeout: 10 * time.Second, Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}},
	}
}

func (c *Client) Type() HTTPClientType {
	return c.kind
}

// Do sends request to serverAddr and reads the whole response.
func (c *Client) Do(serverAddr string, request TestRequest) (ActualResponse, error) {
	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	req, err := http.NewRequest(request.Method, c.scheme+"://"+serverAddr+request.Path, body)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vv := range request.Headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("%s request failed: %w", c.kind, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to read %s response body: %w", c.kind, err)
	}
	return ActualResponse{
		StatusCode: resp.StatusCode,
		ProtoMajor: resp.ProtoMajor,
		Headers:    resp.Header,
		Body:       data,
	}, nil
}

// AssertResponse reports every way actual differs from expected.
func AssertResponse(t *testing.T, actual ActualResponse, expected ExpectedResponse) {
	t.Helper()
	if actual.StatusCode != expected.StatusCode {
		t.Errorf("expected status %d, got %d (body %q)", expected.StatusCode, actual.StatusCode, string(actual.Body))
	}
	if expected.ProtoMajor != 0 && actual.ProtoMajor != expected.ProtoMajor {
		t.Errorf("expected HTTP/%d response, got HTTP/%d", expected.ProtoMajor, actual.ProtoMajor)
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			t.Errorf("header %s: expected %q, got %q", name, want, got)
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("expected no body, got %q", string(actual.Body))
		}
		return
	}
	if expected.BodyMatcher != nil {
		if ok, msg := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Error(msg)
		}
	}
}

// WriteTempConfig encodes configData as JSON or TOML into t.TempDir().
func WriteTempConfig(t *testing.T, configData interface{}, format string) string {
	t.Helper()
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		t.Fatalf("failed to marshal config data to %s: %v", format, err)
	}

	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write temp config file: %v", err)
	}
	return path
}
