package config

import (
	"errors"
	"fmt"
)

var (
	ErrRead    = errors.New("config: unable to read file")
	ErrInvalid = errors.New("config: invalid value")
)

// ConfigError names the field that failed and why.
type ConfigError struct {
	Err   error
	Field string
	Value any
	Path  string
	Cause error
}

func (e *ConfigError) Error() string {
	msg := e.Err.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s=%v", msg, e.Field, e.Value)
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) CauseErr() error { return e.Cause }

func invalid(field string, value any, cause error) error {
	return &ConfigError{Err: ErrInvalid, Field: field, Value: value, Cause: cause}
}
