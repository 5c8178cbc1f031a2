package wire

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated    = errors.New("wire: truncated stream")
	ErrCorrupt      = errors.New("wire: corrupt stream")
	ErrUnknownToken = errors.New("wire: unknown token")
	ErrUnknownType  = errors.New("wire: unknown type name")
	ErrUnknownLeaf  = errors.New("wire: unknown leaf tag")
	ErrTypeMismatch = errors.New("wire: type mismatch")
	ErrUnsupported  = errors.New("wire: unsupported type")
	ErrTooLarge     = errors.New("wire: value too large")
)

type CodecErrorKind uint8

const (
	KindTruncated CodecErrorKind = iota
	KindCorrupt
	KindUnknownToken
	KindUnknownType
	KindUnknownLeaf
	KindTypeMismatch
	KindUnsupported
	KindTooLarge
)

func (k CodecErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindCorrupt:
		return "corrupt"
	case KindUnknownToken:
		return "unknown_token"
	case KindUnknownType:
		return "unknown_type"
	case KindUnknownLeaf:
		return "unknown_leaf"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindUnsupported:
		return "unsupported"
	case KindTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// CodecError reports where in a stream encoding or decoding failed.
type CodecError struct {
	Kind  CodecErrorKind
	Field string // "schema_name", "entry_len", "leaf_tag", a field name, etc.
	At    int    // byte offset within the (sub-)stream
	Want  int
	Have  int
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("wire: codec %s field=%s at=%d want=%d have=%d: %v",
		e.Kind.String(), e.Field, e.At, e.Want, e.Have, e.Err,
	)
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == KindTruncated
	case ErrCorrupt:
		return e.Kind == KindCorrupt
	case ErrUnknownToken:
		return e.Kind == KindUnknownToken
	case ErrUnknownType:
		return e.Kind == KindUnknownType
	case ErrUnknownLeaf:
		return e.Kind == KindUnknownLeaf
	case ErrTypeMismatch:
		return e.Kind == KindTypeMismatch
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	case ErrTooLarge:
		return e.Kind == KindTooLarge
	default:
		return false
	}
}

func AsCodecError(err error) (*CodecError, bool) {
	var ce *CodecError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsProtocolError reports whether err came from a malformed or unreadable
// stream, as opposed to a local encoding problem.
func IsProtocolError(err error) bool {
	ce, ok := AsCodecError(err)
	if !ok {
		return false
	}
	switch ce.Kind {
	case KindTruncated, KindCorrupt, KindUnknownToken, KindUnknownType, KindUnknownLeaf, KindTypeMismatch:
		return true
	}
	return false
}

func codecErr(kind CodecErrorKind, field string, at int, sentinel error, format string, args ...any) error {
	err := sentinel
	if format != "" {
		err = fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
	}
	return &CodecError{
		Kind:  kind,
		Field: field,
		At:    at,
		Err:   err,
	}
}
