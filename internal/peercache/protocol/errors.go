package protocol

import "errors"

var (
	ErrUnknownKind = errors.New("protocol: unknown envelope kind")
	ErrTooLarge    = errors.New("protocol: envelope exceeds datagram size")
	ErrEmpty       = errors.New("protocol: empty envelope payload")
)
