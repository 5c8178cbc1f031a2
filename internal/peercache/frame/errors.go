package frame

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrTruncated        = errors.New("frame: truncated")
	ErrCorrupt          = errors.New("frame: corrupt")
	ErrTooLarge         = errors.New("frame: too large")
	ErrInvalidKind      = errors.New("frame: invalid kind")
	ErrInvalidLength    = errors.New("frame: invalid length (must be > 0)")
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
)

type ParseErrorKind uint8

const (
	KindTruncated ParseErrorKind = iota
	KindInvalidLength
	KindTooLarge
	KindChecksumMismatch
	KindInvalidKind
	KindCorrupt
)

var kindNames = [...]string{
	KindTruncated:        "truncated",
	KindInvalidLength:    "invalid_length",
	KindTooLarge:         "too_large",
	KindChecksumMismatch: "checksum_mismatch",
	KindInvalidKind:      "invalid_kind",
	KindCorrupt:          "corrupt",
}

// sentinels maps each kind to the error errors.Is matches it against.
var sentinels = [...]error{
	KindTruncated:        ErrTruncated,
	KindInvalidLength:    ErrInvalidLength,
	KindTooLarge:         ErrTooLarge,
	KindChecksumMismatch: ErrChecksumMismatch,
	KindInvalidKind:      ErrInvalidKind,
	KindCorrupt:          ErrCorrupt,
}

func (k ParseErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseError describes one frame that could not be read. Offset is where
// the frame's length prefix starts; Want and Have are byte counts for
// truncation and length failures.
type ParseError struct {
	Kind        ParseErrorKind
	Offset      int64
	DeclaredLen uint32
	RawKind     byte
	Want        int
	Have        int
	Err         error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("frame %s at offset %d", e.Kind, e.Offset)
	if e.DeclaredLen != 0 {
		msg += fmt.Sprintf(" len=%d", e.DeclaredLen)
	}
	if e.Kind == KindInvalidKind {
		msg += fmt.Sprintf(" kind=0x%02x", e.RawKind)
	}
	if e.Want != 0 || e.Have != 0 {
		msg += fmt.Sprintf(" want=%d have=%d", e.Want, e.Have)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return int(e.Kind) < len(sentinels) && sentinels[e.Kind] == target
}

func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsCleanEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func IsTruncation(err error) bool {
	return errors.Is(err, ErrTruncated)
}

// IsCorruption reports errors that make the frame unusable but leave the
// stream position known.
func IsCorruption(err error) bool {
	pe, ok := AsParseError(err)
	return ok && pe.Kind != KindTruncated
}
