package mediacache

import (
	"fmt"
	"strings"
)

// MediaKind identifies the kind of media behind a cached attachment.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindGif   MediaKind = "gif"
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
	KindIcon  MediaKind = "icon"
)

// Kinds lists all valid media kinds in a stable order.
func Kinds() []MediaKind {
	return []MediaKind{KindImage, KindGif, KindVideo, KindAudio, KindIcon}
}

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case KindImage, KindGif, KindVideo, KindAudio, KindIcon:
		return true
	}
	return false
}

// String returns the lowercase kind name.
func (k MediaKind) String() string {
	return string(k)
}

// ParseMediaKind parses a kind name. The name is case-insensitive.
func ParseMediaKind(s string) (MediaKind, error) {
	k := MediaKind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown media kind: %q", s)
	}
	return k, nil
}
