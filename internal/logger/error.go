package logger

import "errors"

var (
	ErrLogCreate    = errors.New("logger: create error")
	ErrLogClose     = errors.New("logger: close error")
	ErrInvalidLevel = errors.New("logger: invalid level")
)

// LoggerError reports a failure to set up or tear down a logger. Path is
// the log directory or the rejected level name.
type LoggerError struct {
	Op    string
	Err   error
	Cause error
	Path  string
}

func (e *LoggerError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoggerError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func wrapLoggerErr(op string, err, cause error, path string) error {
	return &LoggerError{
		Op:    op,
		Err:   err,
		Cause: cause,
		Path:  path,
	}
}
