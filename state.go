package mediacache

// State is the lifecycle state of a cache entry.
//
// Transitions are driven by the download queue manager; the retention engine
// only removes entries, it never transitions them. An entry that does not
// exist in the store is implicitly NotCached.
type State string

const (
	// StateNotCached means the resource has never been fetched, or a queued
	// download was withdrawn before it started.
	StateNotCached State = "not_cached"

	// StateDownloading means a download job is in flight or queued for this
	// key. There is exactly one job per Downloading entry.
	StateDownloading State = "downloading"

	// StateCached means the resource is on disk at the entry's LocalPath.
	StateCached State = "cached"

	// StateTransientFailure means the last attempt failed with a retryable
	// error and retry budget remains.
	StateTransientFailure State = "transient_failure"

	// StatePermanentFailure means the resource cannot be fetched without an
	// explicit forced retry: a non-retryable error occurred or the retry
	// budget was exhausted.
	StatePermanentFailure State = "permanent_failure"

	// StateUserDeleted means the user explicitly removed a cached copy.
	// Unlike PermanentFailure, redownload from here is unconditional.
	StateUserDeleted State = "user_deleted"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNotCached, StateDownloading, StateCached,
		StateTransientFailure, StatePermanentFailure, StateUserDeleted:
		return true
	}
	return false
}

// Terminal reports whether an opportunistic download is a no-op in this
// state. Forced downloads override terminal states.
func (s State) Terminal() bool {
	return s == StatePermanentFailure || s == StateUserDeleted
}

// Retryable reports whether an opportunistic download may re-enqueue from
// this state, subject to the retry budget.
func (s State) Retryable() bool {
	return s == StateNotCached || s == StateTransientFailure
}

func (s State) String() string {
	return string(s)
}
