package util

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestListenAddress(t *testing.T) {
	tests := []struct {
		host     string
		port     int
		expected string
	}{
		{"127.0.0.1", 8080, "127.0.0.1:8080"},
		{"", 0, ":0"},
		{"::1", 443, "[::1]:443"},
		{"localhost", 3000, "localhost:3000"},
	}
	for _, tc := range tests {
		if got := ListenAddress(tc.host, tc.port); got != tc.expected {
			t.Errorf("ListenAddress(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.expected)
		}
	}
}

func TestCreateListener(t *testing.T) {
	l, err := CreateListener("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("CreateListener failed: %v", err)
	}
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		accepted <- err
	}()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestCreateListener_UnsupportedNetwork(t *testing.T) {
	_, err := CreateListener("unix", "/tmp/roads.sock")
	if err == nil || !strings.Contains(err.Error(), "unsupported network type: unix") {
		t.Fatalf("expected unsupported network error, got %v", err)
	}
}

func TestIsAddrInUse(t *testing.T) {
	l, err := CreateListener("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("CreateListener failed: %v", err)
	}
	defer l.Close()

	_, err = CreateListener("tcp", l.Addr().String())
	if err == nil {
		t.Fatal("expected second bind on the same address to fail")
	}
	if !IsAddrInUse(err) {
		t.Errorf("IsAddrInUse(%v) = false, want true", err)
	}

	if IsAddrInUse(nil) {
		t.Error("IsAddrInUse(nil) = true")
	}
	if IsAddrInUse(errors.New("connection refused")) {
		t.Error("IsAddrInUse(unrelated) = true")
	}
}
