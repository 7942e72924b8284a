// Package service wires the media cache components into a single runnable
// unit: metadata store, file backend, download queue, retention sweeps and
// stats aggregation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/policy"
	"github.com/wolfeidau/media-cache/retention"
	"github.com/wolfeidau/media-cache/stats"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Config configures a Service.
type Config struct {
	// DataDir is the root of the cache directory tree.
	DataDir string

	// DBPath is the path of the bbolt metadata database file.
	DBPath string

	Download  download.Config
	Retention retention.Config
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithLogger sets the logger for the service and all components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithFetcher replaces the download fetcher, used in tests to point the
// queue at an httptest server.
func WithFetcher(f *download.Fetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

// WithAutoDownloadSettings installs the live view of the user's
// auto-download preferences. Without it AutoDownload denies everything.
func WithAutoDownloadSettings(settings func() policy.Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// Service owns every cache component. Construct with New, then Open before
// use and Close on shutdown. All dependencies are explicit; nothing in this
// module reaches for process-global state.
type Service struct {
	DB        metadb.MetaDB
	Files     backend.LocalBackend
	Downloads *download.Manager
	Retention *retention.Manager
	Stats     *stats.Aggregator

	config   Config
	logger   *slog.Logger
	fetcher  *download.Fetcher
	settings func() policy.Settings
	decider  *policy.Decider
	opened   bool
}

// New constructs the component graph. No I/O happens until Open.
func New(config Config, opts ...Option) (*Service, error) {
	s := &Service{config: config}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.settings == nil {
		s.settings = func() policy.Settings { return policy.Settings{} }
	}

	fs, err := backend.NewFilesystem(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	s.Files = backend.NewInstrumentedBackend(fs, "filesystem")

	s.DB = metadb.NewBoltDB(metadb.WithLogger(s.logger))

	retMetrics, err := retention.NewMetrics(telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("retention metrics: %w", err)
	}
	s.Retention = retention.New(s.DB, s.Files, config.Retention, retMetrics, s.logger)

	dlOpts := []download.Option{
		download.WithLogger(s.logger),
		download.WithStoragePressureHook(func(context.Context) {
			s.Retention.Kick()
		}),
	}
	if s.fetcher != nil {
		dlOpts = append(dlOpts, download.WithFetcher(s.fetcher))
	}
	s.Downloads = download.New(s.DB, s.Files, config.Download, dlOpts...)

	s.Stats = stats.New(s.DB, s.logger)
	s.decider = policy.NewDecider(s.settings, s.logger)

	return s, nil
}

// Open opens the metadata database, recovers entries stranded by a previous
// shutdown, and starts the background components.
func (s *Service) Open(ctx context.Context) error {
	if s.opened {
		return errors.New("service: already open")
	}

	if err := s.DB.Open(s.config.DBPath); err != nil {
		return fmt.Errorf("open metadb: %w", err)
	}

	if err := s.recoverStale(ctx); err != nil {
		_ = s.DB.Close()
		return fmt.Errorf("recover stale entries: %w", err)
	}

	s.Downloads.Start(ctx)
	s.Retention.Start(ctx)
	s.Stats.Start(ctx)
	s.opened = true

	s.logger.Info("media cache open",
		"data_dir", s.config.DataDir,
		"db_path", s.config.DBPath,
		"workers", s.config.Download.Workers,
	)
	return nil
}

// Close stops the background components and closes the database. Pending
// queue items are dropped; in-flight downloads get until ctx expires.
func (s *Service) Close(ctx context.Context) error {
	if !s.opened {
		return nil
	}
	s.opened = false

	var errs []error
	if err := s.Downloads.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop downloads: %w", err))
	}
	if err := s.Retention.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop retention: %w", err))
	}
	s.Stats.Stop()
	if err := s.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadb: %w", err))
	}
	return errors.Join(errs...)
}

// AutoDownload applies the auto-download policy to a notification,
// enqueueing opportunistic downloads for every allowed attachment.
func (s *Service) AutoDownload(ctx context.Context, conn policy.Connectivity, n policy.Notification) {
	s.decider.TryAutoDownload(ctx, s.Downloads, conn, n)
}

// recoverStale demotes entries left Downloading by a previous process. No
// worker holds them any more, so NotCached is the truthful state; the next
// request re-enqueues them.
func (s *Service) recoverStale(ctx context.Context) error {
	var stale []mediacache.CacheKey
	err := s.DB.Scan(ctx, func(entry *metadb.Entry) error {
		if entry.State == mediacache.StateDownloading {
			stale = append(stale, entry.Key())
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range stale {
		_, err := s.DB.Mutate(ctx, key, func(current *metadb.Entry) (*metadb.Entry, error) {
			if current == nil || current.State != mediacache.StateDownloading {
				return nil, metadb.ErrUnchanged
			}
			current.State = mediacache.StateNotCached
			current.LocalPath = ""
			current.SizeBytes = 0
			current.ErrorCode = ""
			current.CachedAt = time.Time{}
			return current, nil
		})
		if err != nil {
			return err
		}
		s.logger.Warn("recovered stale download", "url", key.URL, "kind", key.Kind)
	}
	return nil
}
