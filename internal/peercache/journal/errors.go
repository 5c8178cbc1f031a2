package journal

import (
	"errors"
	"fmt"

	"github.com/julianstephens/peercache/internal/peercache/errorutil"
)

var (
	ErrClosed          = errors.New("journal: closed")
	ErrInvalidDir      = errors.New("journal: invalid journal dir")
	ErrSegmentList     = errors.New("journal: list segments failed")
	ErrSegmentOpen     = errors.New("journal: open segment failed")
	ErrSegmentCreate   = errors.New("journal: create segment failed")
	ErrSegmentRotate   = errors.New("journal: rotate segment failed")
	ErrSegmentClose    = errors.New("journal: close segment failed")
	ErrSegmentFlush    = errors.New("journal: flush segment failed")
	ErrSegmentSync     = errors.New("journal: fsync segment failed")
	ErrSegmentOrder    = errors.New("journal: segments out of order")
	ErrSegmentRemove   = errors.New("journal: remove segment failed")
	ErrAppendFailed    = errors.New("journal: append failed")
	ErrCorrupt         = errors.New("journal: corrupt entry")
	ErrSeqRegression   = errors.New("journal: sequence regression")
	ErrNilSegmentFile  = errors.New("journal: nil segment file")
	ErrClosedAppender  = errors.New("journal: segment appender closed")
	ErrPayloadTooLarge = errors.New("journal: payload too large")
)

// JournalError wraps journal failures with context. Err is always one of the
// sentinels above so callers can errors.Is against it.
type JournalError struct {
	Err error

	Dir         string
	Coordinates *errorutil.Coordinates

	// Op is a short label for where the error occurred:
	// "open", "append", "flush", "fsync", "rotate", "close", "replay", etc.
	Op string

	Cause error
}

func (e *JournalError) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if c := e.Coordinates.FormatCoordinates(); c != "" {
		msg += " (" + c + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *JournalError) Unwrap() error { return e.Err }

func (e *JournalError) CauseErr() error { return e.Cause }

func wrapJournalErr(op string, sentinel error, dir string, segID uint64, cause error) error {
	return &JournalError{
		Err:         sentinel,
		Dir:         dir,
		Coordinates: &errorutil.Coordinates{SegId: errorutil.Ptr(segID)},
		Op:          op,
		Cause:       cause,
	}
}
