package node

import (
	"errors"
	"fmt"
)

var (
	ErrConfig       = errors.New("node: invalid configuration")
	ErrOpenFailed   = errors.New("node: open failed")
	ErrStartFailed  = errors.New("node: start failed")
	ErrStopFailed   = errors.New("node: stop failed")
	ErrClosed       = errors.New("node: closed")
	ErrState        = errors.New("node: invalid state")
	ErrNoReplicator = errors.New("node: no stream endpoint configured")
)

// NodeError wraps node-level failures with stable sentinels for errors.Is,
// while preserving Cause for inspection and logging.
type NodeError struct {
	Err error
	// Op is the lifecycle step: "open", "start", "stop", "close".
	Op string
	// Dir is the data directory.
	Dir   string
	Cause error
}

func (e *NodeError) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Dir != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Dir)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func (e *NodeError) CauseErr() error { return e.Cause }

func wrapNodeErr(op string, sentinel error, dir string, cause error) error {
	return &NodeError{Err: sentinel, Op: op, Dir: dir, Cause: cause}
}
