package cache

import (
	"errors"
	"fmt"

	"github.com/julianstephens/peercache/internal/peercache/change"
)

var (
	ErrInvalidPath    = errors.New("cache: invalid path")
	ErrOpenFailed     = errors.New("cache: open failed")
	ErrClosed         = errors.New("cache: closed")
	ErrUnknownTable   = errors.New("cache: unknown table")
	ErrDuplicateTable = errors.New("cache: duplicate table")
	ErrNoIdentity     = errors.New("cache: record has no identity")
	ErrTypeMismatch   = errors.New("cache: payload type mismatch")
	ErrTxFinished     = errors.New("cache: transaction finished")
	ErrCommitFailed   = errors.New("cache: commit failed")
	ErrQueryFailed    = errors.New("cache: query failed")
	ErrNilKey         = errors.New("cache: nil key")
	ErrInvalidOp      = errors.New("cache: invalid op kind")
)

// CacheError wraps storage-level failures with a stable sentinel.
type CacheError struct {
	Err error

	// Op describes the operation: "open", "commit", "changed_since", etc.
	Op string

	// Path is the database file.
	Path string

	Cause error
}

func (e *CacheError) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CacheError) Unwrap() error { return e.Err }

func (e *CacheError) CauseErr() error { return e.Cause }

func wrapCacheErr(op string, sentinel error, path string, cause error) error {
	return &CacheError{Err: sentinel, Op: op, Path: path, Cause: cause}
}

// ApplyError reports one inbound record that could not be materialized.
// The rest of its batch is unaffected.
type ApplyError struct {
	Err      error
	Table    string
	Identity any
	Command  change.Command
	Cause    error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("apply %s %s[%v]: %v", e.Command, e.Table, e.Identity, e.Err)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) CauseErr() error { return e.Cause }

func applyErr(rec change.Record, sentinel error, cause error) error {
	return &ApplyError{
		Err:      sentinel,
		Table:    rec.Table,
		Identity: rec.Identity,
		Command:  rec.Command,
		Cause:    cause,
	}
}

// AsApplyError returns the first ApplyError in err's chain, including
// errors joined by ApplyBatch.
func AsApplyError(err error) (*ApplyError, bool) {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
