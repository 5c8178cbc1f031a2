package logger

import "strings"

// ParseLevel normalizes a level name. The empty string means "info".
func ParseLevel(s string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); l {
	case "":
		return "info", nil
	case "debug", "info", "warn", "error":
		return l, nil
	default:
		return "", wrapLoggerErr("parse level", ErrInvalidLevel, nil, s)
	}
}

type fieldLogger struct {
	base   Logger
	fields []interface{}
}

// With returns a logger that adds fields ahead of every call's own fields.
func With(lg Logger, fields ...interface{}) Logger {
	if lg == nil {
		return NoOpLogger{}
	}
	if _, ok := lg.(NoOpLogger); ok || len(fields) == 0 {
		return lg
	}
	if fl, ok := lg.(*fieldLogger); ok {
		return &fieldLogger{base: fl.base, fields: join(fl.fields, fields)}
	}
	return &fieldLogger{base: lg, fields: fields}
}

func join(a, b []interface{}) []interface{} {
	out := make([]interface{}, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

func (l *fieldLogger) Debug(msg string, fields ...interface{}) {
	l.base.Debug(msg, join(l.fields, fields)...)
}

func (l *fieldLogger) Info(msg string, fields ...interface{}) {
	l.base.Info(msg, join(l.fields, fields)...)
}

func (l *fieldLogger) Warn(msg string, fields ...interface{}) {
	l.base.Warn(msg, join(l.fields, fields)...)
}

func (l *fieldLogger) Error(msg string, err error, fields ...interface{}) {
	l.base.Error(msg, err, join(l.fields, fields)...)
}

// OrNop returns lg, or a NoOpLogger when lg is nil.
func OrNop(lg Logger) Logger {
	if lg == nil {
		return NoOpLogger{}
	}
	return lg
}
