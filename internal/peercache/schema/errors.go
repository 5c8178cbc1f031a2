package schema

import (
	"errors"
	"fmt"
)

var (
	ErrUnregistered  = errors.New("schema: type not registered")
	ErrDuplicateName = errors.New("schema: duplicate type name")
	ErrDuplicateType = errors.New("schema: type already registered")
	ErrInvalidDef    = errors.New("schema: invalid type definition")
	ErrTooManyFields = errors.New("schema: too many fields")
	ErrOwnerMismatch = errors.New("schema: accessor used with foreign type")
	ErrValueMismatch = errors.New("schema: value type mismatch")
	ErrReadOnly      = errors.New("schema: field is read-only")
)

// SchemaError wraps schema failures with the type and field involved.
type SchemaError struct {
	Err   error
	Type  string
	Field string
	Cause error
}

func (e *SchemaError) Error() string {
	msg := e.Err.Error()
	if e.Type != "" {
		msg = fmt.Sprintf("%s type=%s", msg, e.Type)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s field=%s", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

func wrapSchemaErr(sentinel error, typ, field string, cause error) error {
	return &SchemaError{
		Err:   sentinel,
		Type:  typ,
		Field: field,
		Cause: cause,
	}
}
