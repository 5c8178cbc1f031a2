package notify

import (
	"errors"
	"fmt"
)

var (
	ErrOffline      = errors.New("notify: transport is not online")
	ErrState        = errors.New("notify: invalid state transition")
	ErrSend         = errors.New("notify: send failed")
	ErrNotListening = errors.New("notify: listen endpoint must be udp")
)

// SendError reports a datagram that could not be delivered to one peer.
type SendError struct {
	Peer string
	Kind string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify: send %s to %s: %v", e.Kind, e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSend }
