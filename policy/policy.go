// Package policy decides which notification attachments are downloaded
// automatically, based on user settings and current connectivity.
package policy

import (
	"context"
	"log/slog"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// Connectivity describes the network the device is currently on.
type Connectivity string

const (
	Wifi     Connectivity = "wifi"
	Cellular Connectivity = "cellular"
	Offline  Connectivity = "offline"
)

// Settings are the user's auto-download preferences. They arrive from the
// settings collaborator; this package never persists them.
type Settings struct {
	// Enabled flags auto-download per media kind. A kind absent from the
	// map is disabled.
	Enabled map[mediacache.MediaKind]bool

	// WifiOnly restricts auto-downloads to wifi connectivity.
	WifiOnly bool

	// MaxAutoDownloadBytes skips attachments whose advertised size exceeds
	// the limit. Zero means unlimited. Attachments without a size hint are
	// never skipped on size.
	MaxAutoDownloadBytes int64
}

// Attachment is a single media reference carried by a notification.
type Attachment struct {
	URL      string
	Kind     mediacache.MediaKind
	SizeHint int64 // advertised size in bytes, 0 when unknown
}

// Notification is the slice of an incoming notification the policy cares
// about: when it arrived and what media it references.
type Notification struct {
	ReceivedAt  time.Time
	Attachments []Attachment
}

// Downloader is the subset of the queue manager the policy drives.
type Downloader interface {
	DownloadMedia(ctx context.Context, key mediacache.CacheKey, ts time.Time) error
}

// Decider evaluates auto-download decisions against a settings source.
type Decider struct {
	settings func() Settings
	logger   *slog.Logger
}

// NewDecider creates a Decider. settings is called per decision so callers
// can hand in a live view of user preferences.
func NewDecider(settings func() Settings, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{settings: settings, logger: logger}
}

// Allow reports whether an attachment of the given kind and advertised size
// should be auto-downloaded on the given connectivity. Pure with respect to
// the current settings.
func (d *Decider) Allow(conn Connectivity, kind mediacache.MediaKind, sizeHint int64) bool {
	s := d.settings()

	if conn == Offline {
		return false
	}
	if s.WifiOnly && conn != Wifi {
		return false
	}
	if !s.Enabled[kind] {
		return false
	}
	if s.MaxAutoDownloadBytes > 0 && sizeHint > s.MaxAutoDownloadBytes {
		return false
	}
	return true
}

// TryAutoDownload enqueues opportunistic downloads for every attachment the
// policy allows. Disallowed or invalid attachments are skipped silently;
// the notification itself is always delivered regardless of what happens
// here.
func (d *Decider) TryAutoDownload(ctx context.Context, dl Downloader, conn Connectivity, n Notification) {
	for _, att := range n.Attachments {
		if !d.Allow(conn, att.Kind, att.SizeHint) {
			continue
		}

		key := mediacache.CacheKey{URL: att.URL, Kind: att.Kind}
		if err := key.Validate(); err != nil {
			d.logger.Debug("skipping invalid attachment", "url", att.URL, "kind", att.Kind, "error", err)
			continue
		}

		if err := dl.DownloadMedia(ctx, key, n.ReceivedAt); err != nil {
			d.logger.Warn("auto-download enqueue failed", "url", att.URL, "kind", att.Kind, "error", err)
		}
	}
}
