package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// tcpKeepAlive matches net/http's own listener keep-alive period.
const tcpKeepAlive = 3 * time.Minute

// ListenAddress joins a hostname and port into a dialable listen address.
// An empty hostname listens on all interfaces.
func ListenAddress(hostname string, port int) string {
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

// CreateListener creates a TCP net.Listener on the given address with
// keep-alives enabled on accepted connections.
func CreateListener(network, address string) (net.Listener, error) {
	return CreateListenerContext(context.Background(), network, address)
}

// CreateListenerContext is CreateListener with a context bounding the bind.
func CreateListenerContext(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}

	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	l, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener on %s %s: %w", network, address, err)
	}
	return l, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	// Some platforms only surface this as text.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
