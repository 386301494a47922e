package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Protocol selects which adapter serves the road.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
)

const (
	defaultServerAddress           = "0.0.0.0:8080"
	defaultProtocol                = ProtocolHTTP1
	defaultMaxRequestBodySize      = ByteSize(10 << 20)
	defaultGracefulShutdownTimeout = 30 * time.Second
	defaultReadHeaderTimeout       = 10 * time.Second
	defaultIdleTimeout             = 120 * time.Second

	defaultLogLevel              = LogLevelInfo
	defaultAccessLogEnabled      = true
	defaultAccessLogTarget       = "stdout"
	defaultAccessLogFormat       = "json"
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget        = "stderr"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	originalFilePath string
}

// OriginalFilePath returns the path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string    `json:"address,omitempty" toml:"address,omitempty"`
	Protocol                *Protocol  `json:"protocol,omitempty" toml:"protocol,omitempty"`
	TLS                     *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
	MaxRequestBodySize      *ByteSize  `json:"max_request_body_size,omitempty" toml:"max_request_body_size,omitempty"` // e.g., "10MiB"; "0" disables the limit
	GracefulShutdownTimeout *Duration  `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	ReadHeaderTimeout       *Duration  `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty"`
	IdleTimeout             *Duration  `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
	MetricsAddress          *string    `json:"metrics_address,omitempty" toml:"metrics_address,omitempty"`
}

// TLSConfig points at PEM files. Relative paths are resolved against the
// directory of the configuration file.
type TLSConfig struct {
	CertFile string `json:"cert_file" toml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule. Status, Headers and Body are only
// read by the "Static" handler type.
type Route struct {
	PathPattern string            `json:"path_pattern" toml:"path_pattern"`
	MatchType   MatchType         `json:"match_type" toml:"match_type"`
	HandlerType string            `json:"handler_type" toml:"handler_type"`
	Status      *int              `json:"status,omitempty" toml:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" toml:"headers,omitempty"`
	Body        *string           `json:"body,omitempty" toml:"body,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// Duration is a time.Duration that unmarshals from a positive Go duration string.
type Duration struct {
	d time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration { return Duration{d: d} }

func (d Duration) Value() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return errors.New("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		return d.UnmarshalText(nil)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", trimmed)
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// ByteSize is a byte count that unmarshals from a humanized size ("512KB",
// "10MiB") or a plain integer.
type ByteSize uint64

func (b ByteSize) Value() int64 {
	if uint64(b) > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return errors.New("byte size string cannot be empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("invalid byte size %s: %w", trimmed, err)
		}
		return b.UnmarshalText([]byte(s))
	}
	n, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("byte size should be a string or a non-negative integer, got %s", trimmed)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration at filePath.
// The format is chosen by extension (.json, .toml); anything else is auto-detected.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", filePath, err)
	}

	cfg, err := parse(data, strings.ToLower(filepath.Ext(filePath)))
	if err != nil {
		return nil, err
	}
	cfg.originalFilePath = filePath

	applyDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(filePath))

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parse(data []byte, ext string) (*Config, error) {
	switch ext {
	case ".json":
		cfg, err := parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return cfg, nil
	case ".toml":
		cfg, err := parseTOML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return cfg, nil
	}

	cfg, jsonErr := parseJSON(data)
	if jsonErr == nil {
		return cfg, nil
	}
	cfg, tomlErr := parseTOML(data)
	if tomlErr == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("failed to auto-detect and parse config (JSON error: %v; TOML error: %v)", jsonErr, tomlErr)
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty input")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		addr := defaultServerAddress
		s.Address = &addr
	}
	if s.Protocol == nil {
		p := defaultProtocol
		s.Protocol = &p
	}
	if s.MaxRequestBodySize == nil {
		size := defaultMaxRequestBodySize
		s.MaxRequestBodySize = &size
	}
	if s.GracefulShutdownTimeout == nil {
		d := NewDuration(defaultGracefulShutdownTimeout)
		s.GracefulShutdownTimeout = &d
	}
	if s.ReadHeaderTimeout == nil {
		d := NewDuration(defaultReadHeaderTimeout)
		s.ReadHeaderTimeout = &d
	}
	if s.IdleTimeout == nil {
		d := NewDuration(defaultIdleTimeout)
		s.IdleTimeout = &d
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = defaultLogLevel
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		enabled := defaultAccessLogEnabled
		l.AccessLog.Enabled = &enabled
	}
	if l.AccessLog.Target == nil {
		target := defaultAccessLogTarget
		l.AccessLog.Target = &target
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = defaultAccessLogFormat
	}
	if l.AccessLog.TrustedProxies == nil {
		l.AccessLog.TrustedProxies = []string{}
	}
	if l.AccessLog.RealIPHeader == nil {
		header := defaultAccessLogRealIPHeader
		l.AccessLog.RealIPHeader = &header
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		target := defaultErrorLogTarget
		l.ErrorLog.Target = &target
	}
}

func resolveRelativePaths(cfg *Config, baseDir string) {
	if cfg.Server == nil || cfg.Server.TLS == nil {
		return
	}
	t := cfg.Server.TLS
	if t.CertFile != "" && !filepath.IsAbs(t.CertFile) {
		t.CertFile = filepath.Join(baseDir, t.CertFile)
	}
	if t.KeyFile != "" && !filepath.IsAbs(t.KeyFile) {
		t.KeyFile = filepath.Join(baseDir, t.KeyFile)
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return errors.New("server section is missing")
	}
	if s.Address != nil {
		if *s.Address == "" {
			return errors.New("server.address cannot be an empty string")
		}
		if _, _, err := SplitAddress(*s.Address); err != nil {
			return fmt.Errorf("server.address '%s' is invalid: %w", *s.Address, err)
		}
	}
	if s.Protocol != nil && *s.Protocol != ProtocolHTTP1 && *s.Protocol != ProtocolHTTP2 {
		return fmt.Errorf("server.protocol '%s' is invalid; must be '%s' or '%s'", *s.Protocol, ProtocolHTTP1, ProtocolHTTP2)
	}
	if s.TLS != nil {
		if s.Protocol != nil && *s.Protocol != ProtocolHTTP1 {
			return fmt.Errorf("server.tls is only supported with server.protocol '%s'", ProtocolHTTP1)
		}
		if s.TLS.CertFile == "" {
			return errors.New("server.tls.cert_file cannot be empty")
		}
		if s.TLS.KeyFile == "" {
			return errors.New("server.tls.key_file cannot be empty")
		}
	}
	if s.MetricsAddress != nil {
		if *s.MetricsAddress == "" {
			return errors.New("server.metrics_address, if provided, cannot be empty")
		}
		if s.Address != nil && *s.MetricsAddress == *s.Address {
			return fmt.Errorf("server.metrics_address '%s' must differ from server.address", *s.MetricsAddress)
		}
	}
	return nil
}

// SplitAddress splits a host:port listen address into the hostname and
// numeric port the adapters' Listen expects.
func SplitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("port '%s' must be a number between 0 and 65535", portStr)
	}
	return host, port, nil
}

func validateRouting(r *RoutingConfig) error {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	for i, route := range r.Routes {
		if route.PathPattern == "" {
			return fmt.Errorf("routing.routes[%d].path_pattern cannot be empty", i)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d].handler_type cannot be empty for path_pattern '%s'", i, route.PathPattern)
		}
		switch route.MatchType {
		case "":
			return fmt.Errorf("routing.routes[%d].match_type is missing for path_pattern '%s'; must be '%s' or '%s'", i, route.PathPattern, MatchTypeExact, MatchTypePrefix)
		case MatchTypeExact:
			if route.PathPattern != "/" && strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: path_pattern '%s' with MatchType 'Exact' must not end with '/' unless it is the root path '/'", i, route.PathPattern)
			}
		case MatchTypePrefix:
			if !strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: path_pattern '%s' with MatchType 'Prefix' must end with '/'", i, route.PathPattern)
			}
		default:
			return fmt.Errorf("routing.routes[%d].match_type '%s' is invalid for path_pattern '%s'; must be '%s' or '%s'", i, route.MatchType, route.PathPattern, MatchTypeExact, MatchTypePrefix)
		}
		if !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern '%s' must start with '/'", i, route.PathPattern)
		}
		if route.Status != nil && (*route.Status < 200 || *route.Status > 999) {
			return fmt.Errorf("routing.routes[%d].status %d is invalid for path_pattern '%s'; must be between 200 and 999", i, *route.Status, route.PathPattern)
		}

		key := string(route.MatchType) + " " + route.PathPattern
		if seen[key] {
			return fmt.Errorf("ambiguous route: duplicate PathPattern '%s' and MatchType '%s' found", route.PathPattern, route.MatchType)
		}
		seen[key] = true
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	if l == nil {
		return nil
	}
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", l.LogLevel)
	}

	if a := l.AccessLog; a != nil {
		if a.Target != nil {
			if err := validateTarget("logging.access_log.target", *a.Target); err != nil {
				return err
			}
		}
		if a.Format != "json" {
			return fmt.Errorf("logging.access_log.format '%s' is invalid; currently only 'json' is supported", a.Format)
		}
		if a.RealIPHeader != nil && *a.RealIPHeader == "" {
			return errors.New("logging.access_log.real_ip_header, if provided, cannot be empty")
		}
		for _, entry := range a.TrustedProxies {
			if _, _, err := net.ParseCIDR(entry); err == nil {
				continue
			}
			if net.ParseIP(entry) == nil {
				return fmt.Errorf("logging.access_log.trusted_proxies entry '%s' is not a valid CIDR or IP address", entry)
			}
		}
	}

	if e := l.ErrorLog; e != nil && e.Target != nil {
		if err := validateTarget("logging.error_log.target", *e.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s path '%s' must be absolute", field, target)
	}
	return nil
}
