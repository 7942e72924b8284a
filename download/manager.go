package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Config configures the download queue manager and worker pool.
type Config struct {
	// Workers is the number of concurrent download workers (default: 3).
	Workers int

	// QueueDepth is the per-lane queue buffer (default: 256).
	QueueDepth int

	// RetryCeiling is the number of automatic retries after the first
	// transient failure before escalating to a permanent failure
	// (default: 3).
	RetryCeiling int

	// FetchTimeout bounds each fetch attempt (default: 30s). Expiry is a
	// transient failure.
	FetchTimeout time.Duration

	// BackoffInitial and BackoffMax bound the exponential retry backoff
	// (defaults: 500ms and 30s). Delays are jittered.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns the default download configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		QueueDepth:     256,
		RetryCeiling:   3,
		FetchTimeout:   30 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// QueueStats is the queue-level observability surface.
type QueueStats struct {
	// TotalItems is the number of jobs accepted since start.
	TotalItems int64 `json:"total_items"`

	// CompletedItems is the number of jobs that reached Cached.
	CompletedItems int64 `json:"completed_items"`

	// FailedItems is the number of jobs that reached PermanentFailure.
	// Transient failures still being retried are not counted.
	FailedItems int64 `json:"failed_items"`

	// IsProcessing reports whether any job is queued or in flight.
	IsProcessing bool `json:"is_processing"`
}

// job is one queued download. The prev* fields hold the state to restore
// if the job is withdrawn from the queue before a worker picks it up.
type job struct {
	id           string
	key          mediacache.CacheKey
	digest       mediacache.Digest
	associatedAt time.Time
	forced       bool

	prevState mediacache.State
	prevCode  mediacache.ErrorCode
	prevRetry int
	prevPath  string
	prevSize  int64
}

// Manager is the download queue: it deduplicates requests per key,
// prioritises forced requests over opportunistic ones, and feeds the
// worker pool. All public operations are safe for concurrent use and
// serialise through the metadata store's per-key mutation path; download
// outcomes are represented as entry state, never returned as errors.
type Manager struct {
	db      metadb.MetaDB
	files   backend.LocalBackend
	fetcher *Fetcher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	flight flightGroup

	mu       sync.Mutex
	running  bool
	inflight map[mediacache.Digest]context.CancelFunc
	timers   map[mediacache.Digest]*time.Timer

	forced  chan *job
	queued  chan *job
	pending atomic.Int64

	enqueuedTotal atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onStoragePressure func(context.Context)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithFetcher replaces the default fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithStoragePressureHook registers a callback invoked when a download
// fails with a storage error, typically wired to an immediate retention
// sweep.
func WithStoragePressureHook(fn func(context.Context)) Option {
	return func(m *Manager) {
		m.onStoragePressure = fn
	}
}

// New creates a download manager. Call Start to launch the worker pool.
func New(db metadb.MetaDB, files backend.LocalBackend, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = def.RetryCeiling
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}

	m := &Manager{
		db:       db,
		files:    files,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[mediacache.Digest]context.CancelFunc),
		timers:   make(map[mediacache.Digest]*time.Timer),
		forced:   make(chan *job, cfg.QueueDepth),
		queued:   make(chan *job, cfg.QueueDepth),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fetcher == nil {
		m.fetcher = NewFetcher()
	}
	return m
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	// Workers outlive the caller's request context; shutdown is via Stop.
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.runWorker(i)
	}

	m.logger.Debug("download manager started", "workers", m.cfg.Workers)
}

// Stop cancels in-flight jobs, drops scheduled retries, and waits for the
// workers to exit or ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	for d, t := range m.timers {
		t.Stop()
		delete(m.timers, d)
	}
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DownloadMedia requests an opportunistic download. It is a no-op if the
// entry is already Cached, Downloading, or in a terminal state; a
// transient failure with retry budget remaining is re-enqueued with
// backoff. The timestamp is the originating notification's creation time,
// recorded for retention grouping.
func (m *Manager) DownloadMedia(ctx context.Context, key mediacache.CacheKey, ts time.Time) error {
	entry, err := m.db.Get(ctx, key)
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return fmt.Errorf("reading entry: %w", err)
	}

	if entry != nil {
		switch entry.State {
		case mediacache.StateCached, mediacache.StateDownloading:
			return nil
		case mediacache.StatePermanentFailure, mediacache.StateUserDeleted:
			// Explicit force required.
			return nil
		case mediacache.StateTransientFailure:
			if entry.RetryCount > m.cfg.RetryCeiling {
				return nil
			}
			m.scheduleRetry(ctx, key, ts, m.retryDelay(entry.RetryCount))
			return nil
		}
	}

	j, err := m.begin(ctx, key, ts, false)
	if err != nil {
		return err
	}
	if j != nil {
		m.dispatch(ctx, j)
	}
	return nil
}

// ForceMediaDownload unconditionally re-enqueues the key on the priority
// lane, overriding any terminal state and resetting the retry count. A
// request while a job is already in flight attaches to that job.
func (m *Manager) ForceMediaDownload(ctx context.Context, key mediacache.CacheKey, ts time.Time) error {
	m.cancelTimer(key.Digest())

	j, err := m.begin(ctx, key, ts, true)
	if err != nil {
		return err
	}
	if j != nil {
		m.dispatch(ctx, j)
	}
	return nil
}

// DeleteCachedMedia removes the user's local copy. A Cached entry's file is
// deleted and the entry becomes UserDeleted; a Downloading entry's job is
// cancelled first. Other states are left untouched.
func (m *Manager) DeleteCachedMedia(ctx context.Context, key mediacache.CacheKey) error {
	d := key.Digest()
	m.cancelTimer(d)
	m.cancelInflight(d)

	var removeFile bool
	_, err := m.db.Mutate(ctx, key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e == nil {
			return nil, metadb.ErrUnchanged
		}
		switch e.State {
		case mediacache.StateCached:
			removeFile = true
		case mediacache.StateDownloading:
			// Job cancelled above; the worker discards its result.
		default:
			return nil, metadb.ErrUnchanged
		}
		e.State = mediacache.StateUserDeleted
		e.LocalPath = ""
		e.SizeBytes = 0
		e.ErrorCode = ""
		e.RetryCount = 0
		return e, nil
	})
	if err != nil {
		return fmt.Errorf("deleting cached media: %w", err)
	}

	if removeFile {
		if err := m.files.Delete(ctx, key.StorageKey()); err != nil {
			m.logger.Error("failed to delete cached file", "key", key.String(), "error", err)
		}
	}

	m.logger.Debug("deleted cached media", "key", key.String())
	return nil
}

// MarkAsPermanentFailure transitions any state directly to PermanentFailure
// with the given code. Used when a downstream consumer finds the downloaded
// file unusable despite a successful fetch; any local file is removed.
func (m *Manager) MarkAsPermanentFailure(ctx context.Context, key mediacache.CacheKey, code mediacache.ErrorCode) error {
	d := key.Digest()
	m.cancelTimer(d)
	m.cancelInflight(d)

	var removeFile bool
	_, err := m.db.Mutate(ctx, key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e == nil {
			e = &metadb.Entry{URL: key.URL, Kind: key.Kind}
		}
		if e.State == mediacache.StateCached {
			removeFile = true
		}
		e.State = mediacache.StatePermanentFailure
		e.ErrorCode = code
		e.LocalPath = ""
		e.SizeBytes = 0
		return e, nil
	})
	if err != nil {
		return fmt.Errorf("marking permanent failure: %w", err)
	}

	if removeFile {
		if err := m.files.Delete(ctx, key.StorageKey()); err != nil {
			m.logger.Error("failed to delete unusable file", "key", key.String(), "error", err)
		}
	}

	m.failed.Add(1)
	m.logger.Info("marked as permanent failure", "key", key.String(), "code", code)
	return nil
}

// CheckMediaExists reports whether the key has a usable cached file, and
// records the access for LRU eviction. A Cached entry whose file has
// vanished from disk is dropped so a later download can heal it.
func (m *Manager) CheckMediaExists(ctx context.Context, key mediacache.CacheKey) (bool, error) {
	entry, err := m.db.Get(ctx, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.State != mediacache.StateCached {
		return false, nil
	}

	exists, err := m.files.Exists(ctx, key.StorageKey())
	if err != nil {
		return false, err
	}
	if !exists {
		m.logger.Warn("cached file missing from disk, dropping entry", "key", key.String())
		_, err := m.db.Mutate(ctx, key, func(e *metadb.Entry) (*metadb.Entry, error) {
			if e == nil || e.State != mediacache.StateCached {
				return nil, metadb.ErrUnchanged
			}
			return nil, nil
		})
		return false, err
	}

	if err := m.db.Touch(ctx, key); err != nil && !errors.Is(err, metadb.ErrNotFound) {
		m.logger.Warn("failed to record access", "key", key.String(), "error", err)
	}
	return true, nil
}

// Status returns the per-key view exposed to UI subscribers. A missing
// entry reads as NotCached.
func (m *Manager) Status(ctx context.Context, key mediacache.CacheKey) (mediacache.Status, error) {
	entry, err := m.db.Get(ctx, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return mediacache.Status{Key: key, State: mediacache.StateNotCached}, nil
	}
	if err != nil {
		return mediacache.Status{}, err
	}
	return entry.Status(), nil
}

// ClearQueue withdraws all pending jobs and scheduled retries. In-flight
// jobs are left to finish.
func (m *Manager) ClearQueue() {
	m.mu.Lock()
	for d, t := range m.timers {
		t.Stop()
		delete(m.timers, d)
	}
	m.mu.Unlock()

	for {
		select {
		case j := <-m.forced:
			m.withdraw(j)
		case j := <-m.queued:
			m.withdraw(j)
		default:
			return
		}
	}
}

// QueueStats returns the queue-level counters.
func (m *Manager) QueueStats() QueueStats {
	m.mu.Lock()
	inflight := len(m.inflight)
	m.mu.Unlock()

	return QueueStats{
		TotalItems:     m.enqueuedTotal.Load(),
		CompletedItems: m.completed.Load(),
		FailedItems:    m.failed.Load(),
		IsProcessing:   m.pending.Load() > 0 || inflight > 0,
	}
}

// begin attempts the transition into Downloading and builds the job for
// it. It returns nil when no transition happened: either a job is already
// in flight for the key (the caller attaches to it), or the state forbids
// an opportunistic download. This single transition point is what makes a
// second concurrent fetch for the same key impossible.
func (m *Manager) begin(ctx context.Context, key mediacache.CacheKey, ts time.Time, forced bool) (*job, error) {
	var j *job
	_, err := m.db.Mutate(ctx, key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e != nil && e.State == mediacache.StateDownloading {
			return nil, metadb.ErrUnchanged
		}
		if !forced && e != nil &&
			e.State != mediacache.StateNotCached &&
			e.State != mediacache.StateTransientFailure {
			return nil, metadb.ErrUnchanged
		}

		j = &job{
			id:           uuid.NewString(),
			key:          key,
			digest:       key.Digest(),
			associatedAt: ts,
			forced:       forced,
			prevState:    mediacache.StateNotCached,
		}
		if e == nil {
			e = &metadb.Entry{URL: key.URL, Kind: key.Kind, AssociatedAt: ts}
		} else {
			j.prevState = e.State
			j.prevCode = e.ErrorCode
			j.prevRetry = e.RetryCount
			j.prevPath = e.LocalPath
			j.prevSize = e.SizeBytes
		}
		if e.AssociatedAt.IsZero() {
			e.AssociatedAt = ts
		}
		e.State = mediacache.StateDownloading
		e.ErrorCode = ""
		e.LocalPath = ""
		e.SizeBytes = 0
		if forced {
			e.RetryCount = 0
		}
		e.LastAccess = m.now()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting download: %w", err)
	}
	return j, nil
}

// dispatch places a job on its lane. A full lane withdraws the job so the
// entry does not stay Downloading with no job behind it.
func (m *Manager) dispatch(ctx context.Context, j *job) {
	lane := m.queued
	if j.forced {
		lane = m.forced
	}

	m.enqueuedTotal.Add(1)
	m.pending.Add(1)

	select {
	case lane <- j:
		m.logger.Debug("enqueued download", "job", j.id, "key", j.key.String(), "forced", j.forced)
	default:
		m.logger.Warn("download queue full, dropping job", "job", j.id, "key", j.key.String())
		m.withdraw(j)
	}
}

// withdraw reverts a queued job's entry to its pre-enqueue state.
func (m *Manager) withdraw(j *job) {
	m.pending.Add(-1)

	_, err := m.db.Mutate(context.Background(), j.key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e == nil || e.State != mediacache.StateDownloading {
			return nil, metadb.ErrUnchanged
		}
		if j.prevState == mediacache.StateNotCached {
			// Restore the implicit state by dropping the entry.
			return nil, nil
		}
		e.State = j.prevState
		e.ErrorCode = j.prevCode
		e.RetryCount = j.prevRetry
		e.LocalPath = j.prevPath
		e.SizeBytes = j.prevSize
		return e, nil
	})
	if err != nil {
		m.logger.Error("failed to withdraw job", "job", j.id, "key", j.key.String(), "error", err)
	}
}

// scheduleRetry arms a backoff timer that re-enqueues the key. At most one
// timer exists per key; a second schedule while one is armed is a no-op,
// which is the dedup rule applied to the delayed lane.
func (m *Manager) scheduleRetry(ctx context.Context, key mediacache.CacheKey, ts time.Time, delay time.Duration) {
	d := key.Digest()

	m.mu.Lock()
	if _, ok := m.timers[d]; ok {
		m.mu.Unlock()
		return
	}
	m.timers[d] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, d)
		running := m.running
		m.mu.Unlock()
		if !running {
			return
		}

		j, err := m.begin(context.Background(), key, ts, false)
		if err != nil {
			m.logger.Error("failed to re-enqueue retry", "key", key.String(), "error", err)
			return
		}
		if j != nil {
			m.dispatch(context.Background(), j)
		}
	})
	m.mu.Unlock()

	telemetry.RecordRetryScheduled(ctx, string(key.Kind))
	m.logger.Debug("scheduled retry", "key", key.String(), "delay", delay)
}

// cancelTimer stops any scheduled retry for the digest.
func (m *Manager) cancelTimer(d mediacache.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[d]; ok {
		t.Stop()
		delete(m.timers, d)
	}
}

// cancelInflight cancels the in-flight job for the digest, if any. The
// worker detects the cancellation (or the state change on completion) and
// discards its result.
func (m *Manager) cancelInflight(d mediacache.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.inflight[d]; ok {
		cancel()
	}
}

// retryDelay computes the jittered exponential backoff delay for the given
// attempt number (1-based).
func (m *Manager) retryDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.BackoffInitial
	eb.MaxInterval = m.cfg.BackoffMax

	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
