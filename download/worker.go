package download

import (
	"context"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// runWorker pulls jobs until the manager stops. The forced lane is always
// drained first so a user-initiated retry is never starved behind a
// backlog of opportunistic downloads.
func (m *Manager) runWorker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case j := <-m.forced:
			m.process(j)
		default:
		}

		select {
		case <-m.baseCtx.Done():
			return
		case j := <-m.forced:
			m.process(j)
		case j := <-m.queued:
			m.process(j)
		}
	}
}

// process runs one download job end to end: fetch, validate, persist
// atomically, then commit the state transition. Network fetch and disk I/O
// are the only blocking steps; a worker never sleeps holding its slot
// waiting for a retry.
func (m *Manager) process(j *job) {
	m.pending.Add(-1)
	ctx := m.baseCtx
	start := m.now()

	// The job may have been withdrawn or the entry deleted between
	// enqueue and dequeue; only a Downloading entry still owns a job.
	entry, err := m.db.Get(ctx, j.key)
	if err != nil || entry.State != mediacache.StateDownloading {
		m.logger.Debug("discarding stale job", "job", j.id, "key", j.key.String())
		return
	}

	jctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.inflight[j.digest] = cancel
	m.mu.Unlock()

	res, shared, err := m.flight.Do(jctx, j.digest.String(), func(fctx context.Context) (*fetchResult, error) {
		actx, acancel := context.WithTimeout(fctx, m.cfg.FetchTimeout)
		defer acancel()
		return m.fetchAndPersist(actx, j)
	})

	m.mu.Lock()
	delete(m.inflight, j.digest)
	m.mu.Unlock()
	cancel()

	if err != nil {
		m.handleFailure(ctx, j, err, start)
		return
	}
	m.handleSuccess(ctx, j, res, start, shared)
}

// fetchAndPersist streams the remote resource through validation into the
// cache directory. The write is atomic: any error mid-stream (including a
// failed validation) aborts before commit and leaves no file behind.
func (m *Manager) fetchAndPersist(ctx context.Context, j *job) (*fetchResult, error) {
	body, err := m.fetcher.Fetch(ctx, j.key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	vr := newValidatingReader(body, j.key.Kind)
	skey := j.key.StorageKey()
	if err := m.files.Write(ctx, skey, vr); err != nil {
		return nil, err
	}

	return &fetchResult{LocalPath: m.files.Path(skey), Size: vr.Size()}, nil
}

// handleSuccess commits the Cached transition, unless the entry moved on
// while the fetch ran (cancel race), in which case the fresh file must not
// outlive the newer state and is removed.
func (m *Manager) handleSuccess(ctx context.Context, j *job, res *fetchResult, start time.Time, shared bool) {
	now := m.now()
	kind := string(j.key.Kind)

	stale := false
	_, err := m.db.Mutate(ctx, j.key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e == nil || e.State != mediacache.StateDownloading {
			stale = true
			return nil, metadb.ErrUnchanged
		}
		e.State = mediacache.StateCached
		e.LocalPath = res.LocalPath
		e.SizeBytes = res.Size
		e.CachedAt = now
		e.LastAccess = now
		e.RetryCount = 0
		e.ErrorCode = ""
		return e, nil
	})
	if err != nil {
		m.logger.Error("failed to commit download", "job", j.id, "key", j.key.String(), "error", err)
		return
	}
	if stale {
		if derr := m.files.Delete(ctx, j.key.StorageKey()); derr != nil {
			m.logger.Error("failed to remove superseded file", "key", j.key.String(), "error", derr)
		}
		m.logger.Debug("discarding superseded download", "job", j.id, "key", j.key.String())
		return
	}

	m.completed.Add(1)
	telemetry.RecordDownload(ctx, kind, "cached", now.Sub(start), res.Size)
	m.logger.Info("cached media",
		"job", j.id,
		"key", j.key.String(),
		"size", res.Size,
		"shared", shared,
		"duration", now.Sub(start),
	)
}

// handleFailure classifies the error and commits the matching transition.
// Cancelled attempts record nothing: the canceller already set the state
// it wanted. Transient failures schedule a backoff re-enqueue rather than
// blocking the worker, and escalate to PermanentFailure once the retry
// ceiling is passed.
func (m *Manager) handleFailure(ctx context.Context, j *job, ferr error, start time.Time) {
	code, class := classify(ferr)
	kind := string(j.key.Kind)
	elapsed := m.now().Sub(start)

	// Allow the next attempt for this digest its own fetch.
	m.flight.Forget(j.digest.String())

	if class == ClassCancelled {
		telemetry.RecordDownload(ctx, kind, "cancelled", elapsed, 0)
		m.logger.Debug("download cancelled", "job", j.id, "key", j.key.String())
		return
	}

	if class == ClassPermanent {
		stale := false
		_, err := m.db.Mutate(ctx, j.key, func(e *metadb.Entry) (*metadb.Entry, error) {
			if e == nil || e.State != mediacache.StateDownloading {
				stale = true
				return nil, metadb.ErrUnchanged
			}
			e.State = mediacache.StatePermanentFailure
			e.ErrorCode = code
			e.LocalPath = ""
			e.SizeBytes = 0
			return e, nil
		})
		if err != nil {
			m.logger.Error("failed to record permanent failure", "job", j.id, "key", j.key.String(), "error", err)
			return
		}
		if stale {
			return
		}
		m.failed.Add(1)
		telemetry.RecordDownload(ctx, kind, "permanent_failure", elapsed, 0)
		m.logger.Warn("download failed permanently",
			"job", j.id, "key", j.key.String(), "code", code, "error", ferr)
		return
	}

	// Transient failure.
	var (
		stale     bool
		escalated bool
		retry     int
	)
	_, err := m.db.Mutate(ctx, j.key, func(e *metadb.Entry) (*metadb.Entry, error) {
		if e == nil || e.State != mediacache.StateDownloading {
			stale = true
			return nil, metadb.ErrUnchanged
		}
		retry = e.RetryCount + 1
		e.RetryCount = retry
		e.LocalPath = ""
		e.SizeBytes = 0
		if retry > m.cfg.RetryCeiling {
			escalated = true
			e.State = mediacache.StatePermanentFailure
			e.ErrorCode = mediacache.CodeRetryExhausted
		} else {
			e.State = mediacache.StateTransientFailure
			e.ErrorCode = code
		}
		return e, nil
	})
	if err != nil {
		m.logger.Error("failed to record transient failure", "job", j.id, "key", j.key.String(), "error", err)
		return
	}
	if stale {
		return
	}

	if code == mediacache.CodeStorage && m.onStoragePressure != nil {
		// Disk trouble: let retention reclaim space before the retry.
		go m.onStoragePressure(context.WithoutCancel(ctx))
	}

	if escalated {
		m.failed.Add(1)
		telemetry.RecordDownload(ctx, kind, "permanent_failure", elapsed, 0)
		m.logger.Warn("retry budget exhausted",
			"job", j.id, "key", j.key.String(), "attempts", retry, "error", ferr)
		return
	}

	telemetry.RecordDownload(ctx, kind, "transient_failure", elapsed, 0)
	delay := m.retryDelay(retry)
	m.logger.Debug("download failed transiently",
		"job", j.id, "key", j.key.String(), "code", code, "attempt", retry, "retry_in", delay, "error", ferr)
	m.scheduleRetry(ctx, j.key, j.associatedAt, delay)
}
