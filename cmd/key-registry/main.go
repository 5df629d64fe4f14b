// Command key-registry runs the key-record management API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/key-registry/registry"
	"github.com/wolfeidau/key-registry/server"
	"github.com/wolfeidau/key-registry/store"
	"github.com/wolfeidau/key-registry/telemetry"
)

var version = "dev"

var cli struct {
	Listen     string `help:"Address to listen on." default:":8080" env:"KEY_REGISTRY_LISTEN"`
	Backend    string `help:"Storage backend." enum:"memory,file,sqlite,bolt" default:"file" env:"KEY_REGISTRY_BACKEND"`
	DataDir    string `help:"Directory for persistent backends." default:"./data" env:"KEY_REGISTRY_DATA_DIR"`
	CORSOrigin string `help:"Access-Control-Allow-Origin value, empty to disable CORS." default:"*" env:"KEY_REGISTRY_CORS_ORIGIN"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"KEY_REGISTRY_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"KEY_REGISTRY_LOG_FORMAT"`

	OTLPEndpoint string           `help:"OTLP gRPC endpoint for metrics export, empty to disable." env:"KEY_REGISTRY_OTLP_ENDPOINT"`
	Prometheus   bool             `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:"" env:"KEY_REGISTRY_PROMETHEUS"`
	Version      kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("key-registry"),
		kong.Description("Key-record management API with swappable storage backends."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "key-registry",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	st, err := buildStore(cli.Backend, cli.DataDir)
	if err != nil {
		return fmt.Errorf("creating %s store: %w", cli.Backend, err)
	}
	defer func() { _ = st.Close() }()

	reg := registry.New(store.NewInstrumented(st, cli.Backend),
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithBackendName(cli.Backend),
	)

	srv := server.New(reg, server.Config{
		Address:    cli.Listen,
		CORSOrigin: cli.CORSOrigin,
		Logger:     logger.With("component", "server"),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"backend", cli.Backend,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildStore constructs the selected storage backend. Persistent backends
// live under dataDir.
func buildStore(backend, dataDir string) (store.Store, error) {
	switch backend {
	case "memory":
		return store.NewMemory(), nil
	case "file":
		return store.NewFile(filepath.Join(dataDir, "keys.snap"))
	case "sqlite":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return store.NewSQLite(filepath.Join(dataDir, "keys.db"))
	case "bolt":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return store.NewBolt(filepath.Join(dataDir, "keys.bolt"))
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func buildLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
