package peer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEndpoint = errors.New("peer: invalid endpoint")
	ErrUnknownScheme   = errors.New("peer: unknown scheme")
	ErrUnknownPeer     = errors.New("peer: unknown peer")
)

// EndpointError reports an endpoint string that could not be parsed.
type EndpointError struct {
	Input string
	Err   error
	Cause error
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("%v: %q", e.Err, e.Input)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error { return e.Err }

func wrapEndpointErr(input string, sentinel, cause error) error {
	return &EndpointError{Input: input, Err: sentinel, Cause: cause}
}
