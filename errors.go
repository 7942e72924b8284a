package mediacache

// ErrorCode is an opaque classification string recorded on failed entries.
// The UI displays it and offers a retry affordance for permanent codes; it
// is never interpreted beyond equality checks.
type ErrorCode string

const (
	// CodeNetwork covers connection errors and 5xx upstream responses.
	CodeNetwork ErrorCode = "NETWORK"

	// CodeTimeout covers per-attempt fetch deadline expiry.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeClientError covers 4xx upstream responses and malformed URLs.
	CodeClientError ErrorCode = "CLIENT_ERROR"

	// CodeContentInvalid covers downloads that completed but produced an
	// empty body or bytes that do not match the expected media kind.
	CodeContentInvalid ErrorCode = "CONTENT_INVALID"

	// CodeStorage covers disk-full and write failures while persisting.
	CodeStorage ErrorCode = "STORAGE"

	// CodeRetryExhausted marks an entry escalated to permanent failure
	// after the transient retry budget ran out.
	CodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
)

// Status is the per-key view exposed to UI subscribers. All download
// outcomes are represented as state; no error crosses the public API.
type Status struct {
	Key       CacheKey  `json:"key"`
	State     State     `json:"state"`
	LocalPath string    `json:"local_path,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}
