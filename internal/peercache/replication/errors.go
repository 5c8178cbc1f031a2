package replication

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("replication: not started")
	ErrState          = errors.New("replication: invalid state transition")
	ErrNotStream      = errors.New("replication: listen endpoint must be tcp or ws")
	ErrSend           = errors.New("replication: send failed")
	ErrSignInTimeout  = errors.New("replication: no peer answered sign-in")
	ErrSyncFailed     = errors.New("replication: sync failed")
	ErrLinkClosed     = errors.New("replication: link closed")
	ErrUnexpectedKind = errors.New("replication: unexpected envelope kind")
)

// SendError reports an envelope that could not be delivered to one peer.
// Other peers are unaffected.
type SendError struct {
	Peer string
	Kind string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("replication: send %s to %s: %v", e.Kind, e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSend }

// SyncError reports a diff that failed for one peer and table.
type SyncError struct {
	Peer  string
	Table string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("replication: sync with %s: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("replication: sync %s with %s: %v", e.Table, e.Peer, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }
