package download

import (
	"io"
	"mime"
	"net/http"
	"strings"

	mediacache "github.com/wolfeidau/media-cache"
)

// sniffLen is how many leading bytes are buffered for content detection,
// matching http.DetectContentType's window.
const sniffLen = 512

// validatingReader checks a download stream against the expected media
// kind's basic shape while it is copied to storage. A failed check surfaces
// as a read error, which aborts the atomic write before commit.
type validatingReader struct {
	r    io.Reader
	kind mediacache.MediaKind

	head    []byte
	checked bool
	n       int64
}

func newValidatingReader(r io.Reader, kind mediacache.MediaKind) *validatingReader {
	return &validatingReader{r: r, kind: kind, head: make([]byte, 0, sniffLen)}
}

func (vr *validatingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	vr.n += int64(n)

	if !vr.checked && n > 0 {
		remaining := sniffLen - len(vr.head)
		if remaining > n {
			remaining = n
		}
		vr.head = append(vr.head, p[:remaining]...)
		if len(vr.head) >= sniffLen {
			if verr := vr.check(); verr != nil {
				return n, verr
			}
		}
	}

	if err == io.EOF {
		if vr.n == 0 {
			return n, &Error{Code: mediacache.CodeContentInvalid, Class: ClassPermanent, Err: io.ErrUnexpectedEOF}
		}
		if !vr.checked {
			if verr := vr.check(); verr != nil {
				return n, verr
			}
		}
	}
	return n, err
}

// Size returns the number of bytes read through the reader.
func (vr *validatingReader) Size() int64 {
	return vr.n
}

func (vr *validatingReader) check() error {
	vr.checked = true
	ct := http.DetectContentType(vr.head)
	if !kindMatches(vr.kind, ct) {
		return &Error{
			Code:  mediacache.CodeContentInvalid,
			Class: ClassPermanent,
			Err:   &contentTypeError{kind: vr.kind, detected: ct},
		}
	}
	return nil
}

type contentTypeError struct {
	kind     mediacache.MediaKind
	detected string
}

func (e *contentTypeError) Error() string {
	return "content type " + e.detected + " does not match kind " + string(e.kind)
}

// kindMatches reports whether a sniffed content type is plausible for the
// media kind. Sniffing is best-effort: application/octet-stream means the
// detector gave up, never that the content is wrong.
func kindMatches(kind mediacache.MediaKind, contentType string) bool {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		ct = strings.ToLower(strings.TrimSpace(contentType))
	}
	if ct == "application/octet-stream" {
		return true
	}

	switch kind {
	case mediacache.KindImage, mediacache.KindIcon:
		return strings.HasPrefix(ct, "image/")
	case mediacache.KindGif:
		return ct == "image/gif"
	case mediacache.KindVideo:
		// MP4 audio sniffs as video/mp4, and ogg containers sniff as
		// application/ogg regardless of track type.
		return strings.HasPrefix(ct, "video/") || ct == "application/ogg"
	case mediacache.KindAudio:
		return strings.HasPrefix(ct, "audio/") || ct == "video/mp4" || ct == "application/ogg"
	}
	return false
}
