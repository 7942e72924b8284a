package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	mediacache "github.com/wolfeidau/media-cache"
)

// Class determines how a failed download attempt is handled.
type Class int

const (
	// ClassTransient errors are retried automatically up to the retry
	// ceiling, then escalate to a permanent failure.
	ClassTransient Class = iota

	// ClassPermanent errors are terminal until a forced retry.
	ClassPermanent

	// ClassCancelled attempts record no error at all; the entry keeps
	// whatever state the cancellation requested.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified download failure.
type Error struct {
	Code   mediacache.ErrorCode
	Class  Class
	Status int // HTTP status, when one was received
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download: %s (%s): %v", e.Code, e.Class, e.Err)
	}
	return fmt.Sprintf("download: %s (%s)", e.Code, e.Class)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps any error from the fetch-and-persist path to an error code
// and handling class. Already-classified errors pass through; everything
// else falls back by shape: context cancellation, network timeouts, disk
// errors, then generic network failure.
func classify(err error) (mediacache.ErrorCode, Class) {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code, derr.Class
	}

	if errors.Is(err, context.Canceled) {
		return "", ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mediacache.CodeTimeout, ClassTransient
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return mediacache.CodeTimeout, ClassTransient
		}
		return mediacache.CodeNetwork, ClassTransient
	}

	var perr *os.PathError
	var lerr *os.LinkError
	var serr *os.SyscallError
	if errors.As(err, &perr) || errors.As(err, &lerr) || errors.As(err, &serr) {
		// Disk writes failed. Treated as transient, but the manager also
		// signals storage pressure so retention can free space first.
		return mediacache.CodeStorage, ClassTransient
	}

	return mediacache.CodeNetwork, ClassTransient
}
