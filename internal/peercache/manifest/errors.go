package manifest

import (
	"errors"
	"fmt"
)

type ManifestErrorKind int

const (
	ManifestErrorKindOpen ManifestErrorKind = iota + 1
	ManifestErrorKindNotFound
	ManifestErrorKindUnsupportedVersion
	ManifestErrorKindInvalid
	ManifestErrorKindEncode
	ManifestErrorKindDecode
	ManifestErrorKindWrite
	ManifestErrorKindAlreadyExists
)

var (
	ErrManifestOpen               = errors.New("manifest: unable to open file")
	ErrManifestNotFound           = errors.New("manifest: file not found")
	ErrManifestUnsupportedVersion = errors.New("manifest: unsupported version")
	ErrManifestInvalid            = errors.New("manifest: invalid contents")
	ErrManifestEncode             = errors.New("manifest: unable to encode to JSON")
	ErrManifestDecode             = errors.New("manifest: unable to decode from JSON")
	ErrManifestWrite              = errors.New("manifest: unable to write to file")
	ErrManifestAlreadyExists      = errors.New("manifest: file already exists")
)

func (k ManifestErrorKind) String() string {
	switch k {
	case ManifestErrorKindOpen:
		return "open"
	case ManifestErrorKindNotFound:
		return "not_found"
	case ManifestErrorKindUnsupportedVersion:
		return "unsupported_version"
	case ManifestErrorKindInvalid:
		return "invalid"
	case ManifestErrorKindEncode:
		return "encode"
	case ManifestErrorKindDecode:
		return "decode"
	case ManifestErrorKindWrite:
		return "write"
	case ManifestErrorKindAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

type ManifestError struct {
	Kind ManifestErrorKind
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("manifest error (%v): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("manifest error (%v) at %s: %v", e.Kind, e.Path, e.Err)
}

// Unwrap exposes the cause to errors.As.
func (e *ManifestError) Unwrap() error { return e.Err }

// Is maps the kind to its sentinel.
func (e *ManifestError) Is(target error) bool {
	switch e.Kind {
	case ManifestErrorKindOpen:
		return target == ErrManifestOpen
	case ManifestErrorKindNotFound:
		return target == ErrManifestNotFound
	case ManifestErrorKindUnsupportedVersion:
		return target == ErrManifestUnsupportedVersion
	case ManifestErrorKindInvalid:
		return target == ErrManifestInvalid
	case ManifestErrorKindEncode:
		return target == ErrManifestEncode
	case ManifestErrorKindDecode:
		return target == ErrManifestDecode
	case ManifestErrorKindWrite:
		return target == ErrManifestWrite
	case ManifestErrorKindAlreadyExists:
		return target == ErrManifestAlreadyExists
	}
	return false
}
