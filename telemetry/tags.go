package telemetry

import (
	"context"
)

type contextKey string

// kindKey is the context key for propagating the media kind to the
// instrumented transport, which sits below the fetcher and has no other
// view of the job.
const kindKey contextKey = "media_kind"

// WithKind returns a context carrying the media kind for metric attributes.
func WithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, kindKey, kind)
}

// KindFrom retrieves the media kind from the context, or "unknown".
func KindFrom(ctx context.Context) string {
	if kind, ok := ctx.Value(kindKey).(string); ok && kind != "" {
		return kind
	}
	return "unknown"
}
