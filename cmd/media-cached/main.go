// Command media-cached runs the media cache and download engine as a
// daemon, exposing prometheus metrics and a status endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/retention"
	"github.com/wolfeidau/media-cache/service"
	"github.com/wolfeidau/media-cache/telemetry"
)

var version = "dev"

type cli struct {
	DataDir string `help:"Cache storage directory." default:"./media-cache" env:"MEDIA_CACHE_DATA_DIR"`
	DBPath  string `help:"Metadata database path (default: <data-dir>/metadb.bolt)." env:"MEDIA_CACHE_DB_PATH"`

	Workers      int           `help:"Number of download workers." default:"3"`
	RetryCeiling int           `help:"Max automatic retries per download." default:"3"`
	FetchTimeout time.Duration `help:"Per-attempt fetch timeout." default:"30s"`

	MaxTotalBytes     int64         `help:"Total cache size budget in bytes (0 = unlimited)." default:"0"`
	MaxAge            time.Duration `help:"Evict media older than this (0 = unlimited)." default:"0"`
	RetentionInterval time.Duration `help:"How often retention sweeps run." default:"1h"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	MetricsAddr  string `help:"Listen address for /metrics and /status." default:":9090"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export (empty = disabled)."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("media-cached"),
		kong.Description("Local media cache and background download engine."),
		kong.Vars{"version": version},
	)

	if err := run(&flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *cli) error {
	logger, err := newLogger(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-cached",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	dbPath := flags.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(flags.DataDir, "metadb.bolt")
	}

	dlCfg := download.DefaultConfig()
	dlCfg.Workers = flags.Workers
	dlCfg.RetryCeiling = flags.RetryCeiling
	dlCfg.FetchTimeout = flags.FetchTimeout

	retCfg := retention.DefaultConfig()
	retCfg.Interval = flags.RetentionInterval
	retCfg.MaxTotalBytes = flags.MaxTotalBytes
	retCfg.MaxAge = flags.MaxAge

	svc, err := service.New(service.Config{
		DataDir:   flags.DataDir,
		DBPath:    dbPath,
		Download:  dlCfg,
		Retention: retCfg,
	}, service.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if err := svc.Open(ctx); err != nil {
		return fmt.Errorf("opening service: %w", err)
	}

	srv := &http.Server{
		Addr:              flags.MetricsAddr,
		Handler:           newMux(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("media-cached started",
		"version", version,
		"data_dir", flags.DataDir,
		"db_path", dbPath,
		"metrics_addr", flags.MetricsAddr,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		logger.Error("metrics server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("service close: %w", err))
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func newLogger(flags *cli) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	return slog.New(handler), nil
}

func newMux(svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Stats.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := map[string]any{
			"queue":     svc.Downloads.QueueStats(),
			"cache":     snap,
			"retention": svc.Retention.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
