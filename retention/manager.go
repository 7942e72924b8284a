// Package retention reclaims cache disk space under configurable budgets.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
)

// Config configures the retention manager. Zero budgets mean unlimited;
// the concrete values come from user settings, not from this package.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 1m)
	BatchSize    int           // Max evictions per phase per run (default: 1000)

	// MaxTotalBytes is the target maximum total size of cached files.
	MaxTotalBytes int64

	// MaxAge evicts entries whose associated notification is older.
	MaxAge time.Duration

	// MaxItemsPerKind caps the number of cached entries per media kind.
	MaxItemsPerKind map[mediacache.MediaKind]int
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 1 * time.Minute,
		BatchSize:    1000,
	}
}

// Result contains the results of a retention sweep.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	AgedEvicted    int           `json:"aged_evicted"`
	CountEvicted   int           `json:"count_evicted"`
	SizeEvicted    int           `json:"size_evicted"`
	OrphansDeleted int           `json:"orphans_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs retention sweeps over the metadata store and cache
// directory. It never touches Downloading entries; the per-key write
// serialisation in the store keeps sweeps from interleaving with an
// in-progress download of the same key.
type Manager struct {
	db      metadb.MetaDB
	files   backend.Backend
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	kickCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new retention manager.
func New(db metadb.MetaDB, files backend.Backend, config Config, metrics *Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 1 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	return &Manager{
		db:      db,
		files:   files,
		config:  config,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		kickCh:  make(chan struct{}, 1),
	}
}

// Start starts the background sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the retention manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate sweep and returns its result.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.sweep(ctx)
}

// Kick requests an asynchronous sweep from the background goroutine, used
// for storage-pressure signals. A sweep already pending absorbs the kick.
func (m *Manager) Kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// Status returns the last sweep result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	if m.config.StartupDelay > 0 {
		select {
		case <-time.After(m.config.StartupDelay):
		case <-m.kickCh:
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	m.sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.kickCh:
			m.sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs all retention phases in order: age expiry first (cheapest
// wins), then per-kind counts, then the total size budget, then the orphan
// scan over the cache directory.
func (m *Manager) sweep(ctx context.Context) *Result {
	start := m.now()
	result := &Result{StartedAt: start}

	m.logger.Debug("starting retention sweep")

	m.phaseExpireAged(ctx, result)
	m.phaseEnforceKindCounts(ctx, result)
	m.phaseEnforceTotalSize(ctx, result)
	m.phaseSweepOrphans(ctx, result)

	result.Duration = m.now().Sub(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.metrics.recordSweep(ctx, result)

	m.logger.Info("retention sweep complete",
		"duration", result.Duration,
		"aged_evicted", result.AgedEvicted,
		"count_evicted", result.CountEvicted,
		"size_evicted", result.SizeEvicted,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)
	return result
}
