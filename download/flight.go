// Package download provides the queue manager and worker pool that fetch
// remote media into the local cache. Requests for the same key are
// deduplicated so that at most one fetch per key is ever in flight.
package download

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// fetchResult holds the outcome of one fetch-and-persist operation.
type fetchResult struct {
	LocalPath string
	Size      int64
}

// fetchFunc fetches from the remote URL, validates, and persists into the
// cache directory.
type fetchFunc func(ctx context.Context) (*fetchResult, error)

// flightGroup collapses concurrent fetches for the same digest using
// singleflight. The state machine already guarantees one job per key; this
// closes the window where a withdrawn job and its forced replacement could
// briefly overlap. DoChan is used so the caller keeps observing its own
// context (worker shutdown) even while attached to a shared fetch.
type flightGroup struct {
	group singleflight.Group
}

// Do runs fn for the digest unless a fetch for it is already in flight, in
// which case the caller attaches to that fetch's completion.
// Returns the result, whether it was shared with another caller, and any error.
func (f *flightGroup) Do(ctx context.Context, digest string, fn fetchFunc) (*fetchResult, bool, error) {
	ch := f.group.DoChan(digest, func() (any, error) {
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*fetchResult), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the digest from the singleflight group, allowing a
// subsequent call to retry. Called after a fetch error.
func (f *flightGroup) Forget(digest string) {
	f.group.Forget(digest)
}
