package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dashron/roads-server/internal/config"
)

// LogFields carries structured context for a single log line.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// logTarget is a reopenable log destination. Writes are serialized so a
// SIGHUP-driven reopen never interleaves with a log line.
type logTarget struct {
	mu   sync.Mutex
	path string // empty for stdout/stderr
	w    io.Writer
	file *os.File
}

func openTarget(target string) (*logTarget, error) {
	switch target {
	case "stdout":
		return &logTarget{w: os.Stdout}, nil
	case "stderr", "":
		return &logTarget{w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &logTarget{path: target, w: f, file: f}, nil
}

func writerTarget(w io.Writer) *logTarget {
	return &logTarget{w: w}
}

func (t *logTarget) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *logTarget) reopen() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}

	_ = t.file.Close()
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.w, t.file = os.Stderr, nil
		return fmt.Errorf("failed to reopen log file %s: %w", t.path, err)
	}
	t.w, t.file = f, f
	return nil
}

func (t *logTarget) close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return
	}
	_ = t.file.Close()
	t.file = nil
	t.w = io.Discard
}

// AccessLogger writes one JSON line per completed request.
type AccessLogger struct {
	logger        zerolog.Logger
	out           *logTarget
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles leveled diagnostic logging.
type ErrorLogger struct {
	logger zerolog.Logger
	out    *logTarget
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log file %s: %w", errorTarget, err)
	}
	l := &Logger{errorLog: newErrorLogger(errOut, cfg.LogLevel)}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		parsedProxies, err := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOut, err := openTarget(accessTarget)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to open access log file %s: %w", accessTarget, err)
		}
		realIPHeader := ""
		if cfg.AccessLog.RealIPHeader != nil {
			realIPHeader = *cfg.AccessLog.RealIPHeader
		}
		l.accessLog = &AccessLogger{
			logger:        zerolog.New(accessOut),
			out:           accessOut,
			realIPHeader:  realIPHeader,
			parsedProxies: parsedProxies,
		}
	}

	return l, nil
}

// NewTestLogger returns a Logger whose access and error output both go to out,
// logging everything from DEBUG up.
func NewTestLogger(out io.Writer) *Logger {
	target := writerTarget(out)
	return &Logger{
		errorLog: newErrorLogger(target, config.LogLevelDebug),
		accessLog: &AccessLogger{
			logger:       zerolog.New(target),
			out:          target,
			realIPHeader: "X-Forwarded-For",
		},
	}
}

func newErrorLogger(out *logTarget, level config.LogLevel) *ErrorLogger {
	return &ErrorLogger{
		logger: zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger(),
		out:    out,
	}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	container := parsedProxiesContainer{}
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP walks the real-IP header right to left and returns the
// first address that is not a trusted proxy. The direct peer is used when the
// header is missing, malformed, or made up entirely of trusted proxies.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

// LogAccess writes an access log entry for a completed request.
func (al *AccessLogger) LogAccess(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	if al == nil || req == nil {
		return
	}

	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	uri := req.RequestURI
	if uri == "" && req.URL != nil {
		uri = req.URL.RequestURI()
	}

	ev := al.logger.Log().
		Str("ts", time.Now().UTC().Format("2006-01-02T15:04:05.000Z")).
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, al.realIPHeader, al.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", uri).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds())
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(level zerolog.Level, msg string, fields []LogFields) {
	if el == nil {
		return
	}
	ev := el.logger.WithLevel(level)
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.InfoLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.ErrorLevel, msg, fields)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.DebugLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.WarnLevel, msg, fields)
}

// Zerolog exposes the error log so it can be handed to the adapters.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil || l.errorLog == nil {
		return zerolog.Nop()
	}
	return l.errorLog.logger
}

// LogAccess records a completed request. A disabled access log makes this a no-op.
func (l *Logger) LogAccess(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	l.accessLog.LogAccess(req, status, responseBytes, duration)
}

// AccessLogEnabled reports whether access lines are being written.
func (l *Logger) AccessLogEnabled() bool {
	return l != nil && l.accessLog != nil
}

// CloseLogFiles closes any open log files. Standard streams are left alone.
func (l *Logger) CloseLogFiles() {
	if l.accessLog != nil {
		l.accessLog.out.close()
	}
	if l.errorLog != nil {
		l.errorLog.out.close()
	}
}

// ReopenLogFiles closes and reopens file-based targets, for use after log rotation.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	var errOut *logTarget
	if l.errorLog != nil {
		errOut = l.errorLog.out
		if err := errOut.reopen(); err != nil {
			firstErr = err
		}
	}
	if l.accessLog != nil && l.accessLog.out != errOut {
		if err := l.accessLog.out.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
