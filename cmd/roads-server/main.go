package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/http2server"
	"github.com/Dashron/roads-server/httpserver"
	"github.com/Dashron/roads-server/internal/config"
	"github.com/Dashron/roads-server/internal/handlers"
	"github.com/Dashron/roads-server/internal/logger"
	"github.com/Dashron/roads-server/internal/router"
	"github.com/Dashron/roads-server/internal/util"
)

func main() {
	var configFilePath string
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}
	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	if err := run(absConfigPath, signals, nil); err != nil {
		log.Fatalf("roads-server: %v", err)
	}
}

// adapter is what both protocol servers offer the binary.
type adapter interface {
	Listen(port int, hostname string) error
	Wait() error
	Shutdown(ctx context.Context) error
	Addr() net.Addr
}

// run serves until a SIGINT or SIGTERM arrives on signals. SIGHUP reopens log
// files. ready, if non-nil, receives the bound address once listening.
func run(configFilePath string, signals <-chan os.Signal, ready chan<- net.Addr) error {
	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.CloseLogFiles()
	appLogger.Info("Logger initialized", logger.LogFields{"config": cfg.OriginalFilePath()})

	road, err := buildRoad(cfg, appLogger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := newAdapter(cfg.Server, road, appLogger, registry)
	if err != nil {
		return err
	}

	hostname, port, err := config.SplitAddress(*cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("invalid server.address: %w", err)
	}
	if err := srv.Listen(port, hostname); err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s is already in use: %w", *cfg.Server.Address, err)
		}
		return fmt.Errorf("failed to listen on %s: %w", *cfg.Server.Address, err)
	}
	appLogger.Info("Server listening", logger.LogFields{
		"address":  srv.Addr().String(),
		"protocol": string(*cfg.Server.Protocol),
	})

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != nil {
		l, err := util.CreateListener("tcp", *cfg.Server.MetricsAddress)
		if err != nil {
			_ = shutdown(srv, nil, time.Second, appLogger)
			return fmt.Errorf("failed to listen for metrics on %s: %w", *cfg.Server.MetricsAddress, err)
		}
		metricsServer = startMetrics(l, registry, appLogger)
	}
	if ready != nil {
		ready <- srv.Addr()
	}

	served := make(chan error, 1)
	go func() { served <- srv.Wait() }()

	for {
		select {
		case err := <-served:
			if err != nil {
				appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
			}
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				appLogger.Info("Received SIGHUP, reopening log files", nil)
				if err := appLogger.ReopenLogFiles(); err != nil {
					appLogger.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			appLogger.Info("Shutting down", logger.LogFields{"signal": sig.String()})
			return shutdown(srv, metricsServer, cfg.Server.GracefulShutdownTimeout.Value(), appLogger)
		}
	}
}

// buildRoad turns the routing table into a Road using the built-in handler types.
func buildRoad(cfg *config.Config, lg *logger.Logger) (roads.Road, error) {
	registry := router.NewHandlerRegistry()
	if err := handlers.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}
	var routes []config.Route
	if cfg.Routing != nil {
		routes = cfg.Routing.Routes
	}
	r, err := router.NewRouter(routes, registry, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}
	return r, nil
}

func newAdapter(sc *config.ServerConfig, road roads.Road, lg *logger.Logger, reg prometheus.Registerer) (adapter, error) {
	maxBody := sc.MaxRequestBodySize.Value()
	readHeader := sc.ReadHeaderTimeout.Value()
	idle := sc.IdleTimeout.Value()

	switch *sc.Protocol {
	case config.ProtocolHTTP2:
		opts := []http2server.Option{
			http2server.WithLogger(lg.Zerolog()),
			http2server.WithMaxRequestBodySize(maxBody),
			http2server.WithTimeouts(readHeader, idle),
			http2server.WithMetrics(reg),
		}
		if lg.AccessLogEnabled() {
			opts = append(opts, http2server.WithAccessLogger(lg))
		}
		return http2server.New(road, opts...)

	case config.ProtocolHTTP1:
		opts := []httpserver.Option{
			httpserver.WithLogger(lg.Zerolog()),
			httpserver.WithMaxRequestBodySize(maxBody),
			httpserver.WithTimeouts(readHeader, idle),
			httpserver.WithMetrics(reg),
			httpserver.WithErrorHandler(errorHandler),
		}
		if lg.AccessLogEnabled() {
			opts = append(opts, httpserver.WithAccessLogger(lg))
		}
		if sc.TLS != nil {
			cert, err := os.ReadFile(sc.TLS.CertFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read server.tls.cert_file: %w", err)
			}
			key, err := os.ReadFile(sc.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read server.tls.key_file: %w", err)
			}
			opts = append(opts, httpserver.WithHTTPS(httpserver.HTTPSOptions{Key: key, Cert: cert}))
		}
		return httpserver.New(road, opts...)
	}
	return nil, fmt.Errorf("unsupported protocol '%s'", *sc.Protocol)
}

// errorHandler answers oversize bodies with 413 and everything else with the
// default 500.
func errorHandler(err error) *roads.Response {
	if errors.Is(err, roads.ErrRequestBodyTooLarge) {
		return roads.NewResponse(http.StatusRequestEntityTooLarge, map[string]string{"error": "Request Entity Too Large"})
	}
	return roads.DefaultErrorResponse()
}

// startMetrics serves reg at /metrics on l in the background.
func startMetrics(l net.Listener, reg *prometheus.Registry, lg *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	ms := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := ms.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Metrics listener stopped", logger.LogFields{"error": err.Error()})
		}
	}()
	lg.Info("Metrics listening", logger.LogFields{"address": l.Addr().String()})
	return ms
}

func shutdown(srv adapter, metricsServer *http.Server, timeout time.Duration, lg *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("Graceful shutdown did not complete", logger.LogFields{"error": err.Error()})
		return err
	}
	if err := srv.Wait(); err != nil {
		return err
	}
	lg.Info("Server has shut down gracefully", nil)
	return nil
}
