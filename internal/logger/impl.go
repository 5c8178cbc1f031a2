package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/julianstephens/go-utils/helpers"
	goulog "github.com/julianstephens/go-utils/logger"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// enabled reports whether a message at level passes min. Unknown minimums
// behave like info.
func enabled(min, level string) bool {
	r, ok := levelRank[min]
	if !ok {
		r = levelRank["info"]
	}
	return levelRank[level] >= r
}

// pairs renders key/value fields as " k=v" runs. A trailing key without a
// value is dropped.
func pairs(fields []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	return b.String()
}

// ConsoleLogger writes one line per message: info and below to out,
// warnings and errors to err.
type ConsoleLogger struct {
	minLevel string
	out      io.Writer
	err      io.Writer
}

// NewConsoleLogger writes to stdout and stderr. level is one of debug, info,
// warn or error; empty means info.
func NewConsoleLogger(level string) Logger {
	if level == "" {
		level = "info"
	}
	return &ConsoleLogger{
		minLevel: level,
		out:      os.Stdout,
		err:      os.Stderr,
	}
}

func (cl *ConsoleLogger) Debug(msg string, fields ...interface{}) {
	cl.log("debug", msg, fields)
}

func (cl *ConsoleLogger) Info(msg string, fields ...interface{}) {
	cl.log("info", msg, fields)
}

func (cl *ConsoleLogger) Warn(msg string, fields ...interface{}) {
	cl.log("warn", msg, fields)
}

// Error is written at every level.
func (cl *ConsoleLogger) Error(msg string, err error, fields ...interface{}) {
	cl.log("error", msg, append([]interface{}{"error", err}, fields...))
}

func (cl *ConsoleLogger) log(level, msg string, fields []interface{}) {
	if level != "error" && !enabled(cl.minLevel, level) {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s%s\n",
		time.Now().Format("2006-01-02T15:04:05.000Z07:00"), strings.ToUpper(level), msg, pairs(fields))
	w := cl.out
	if level == "error" {
		w = cl.err
	}
	fmt.Fprint(w, line) // nolint:errcheck
}

// FileLogger writes JSON lines to a rotating file through go-utils/logger.
type FileLogger struct {
	underlying *goulog.Logger
	filePath   string
	minLevel   string
}

// NewFileLogger opens logDir/logFileName for rotating output, creating logDir
// when missing. Files rotate at maxFileSizeMB and at most maxBackups
// compressed backups are kept. Every level is written; see SetLevel.
func NewFileLogger(logDir string, logFileName string, maxFileSizeMB int, maxBackups int) (Logger, error) {
	if err := helpers.Ensure(logDir, true); err != nil {
		return nil, wrapLoggerErr("create file logger", ErrLogCreate, err, logDir)
	}
	logPath := filepath.Join(logDir, logFileName)

	maxAgeDays := 28
	underlying := goulog.New()
	if err := underlying.SetFileOutputWithConfig(goulog.FileRotationConfig{
		Filename:   logPath,
		MaxSize:    maxFileSizeMB,
		MaxBackups: &maxBackups,
		MaxAge:     &maxAgeDays,
		Compress:   true,
	}); err != nil {
		return nil, wrapLoggerErr("create file logger", ErrLogCreate, err, logDir)
	}
	return &FileLogger{underlying: underlying, filePath: logPath, minLevel: "debug"}, nil
}

// SetLevel drops messages below level. Errors are always written.
func (fl *FileLogger) SetLevel(level string) { fl.minLevel = level }

// Path is the active log file.
func (fl *FileLogger) Path() string { return fl.filePath }

func (fl *FileLogger) Debug(msg string, fields ...interface{}) {
	if !enabled(fl.minLevel, "debug") {
		return
	}
	if len(fields) == 0 {
		fl.underlying.Debug(msg)
		return
	}
	fl.underlying.WithFields(fieldsToMap(fields)).Debug(msg)
}

func (fl *FileLogger) Info(msg string, fields ...interface{}) {
	if !enabled(fl.minLevel, "info") {
		return
	}
	if len(fields) == 0 {
		fl.underlying.Info(msg)
		return
	}
	fl.underlying.WithFields(fieldsToMap(fields)).Info(msg)
}

func (fl *FileLogger) Warn(msg string, fields ...interface{}) {
	if !enabled(fl.minLevel, "warn") {
		return
	}
	if len(fields) == 0 {
		fl.underlying.Warn(msg)
		return
	}
	fl.underlying.WithFields(fieldsToMap(fields)).Warn(msg)
}

func (fl *FileLogger) Error(msg string, err error, fields ...interface{}) {
	fl.underlying.WithFields(fieldsToMap(append([]interface{}{"error", err}, fields...))).Error(msg)
}

// Close flushes and closes the rotating file.
func (fl *FileLogger) Close() error {
	if err := fl.underlying.Close(); err != nil {
		return wrapLoggerErr("close file logger", ErrLogClose, err, fl.filePath)
	}
	return nil
}

// fieldsToMap pairs up key/value fields. Keys are formatted with %v.
func fieldsToMap(fields []interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		result[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	return result
}

// MultiLogger writes to multiple outputs simultaneously.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines multiple loggers into a single logger.
// All log calls are forwarded to all underlying loggers.
func NewMultiLogger(loggers ...Logger) Logger {
	return &MultiLogger{
		loggers: loggers,
	}
}

func (ml *MultiLogger) Debug(msg string, fields ...interface{}) {
	for _, lg := range ml.loggers {
		lg.Debug(msg, fields...)
	}
}

func (ml *MultiLogger) Info(msg string, fields ...interface{}) {
	for _, lg := range ml.loggers {
		lg.Info(msg, fields...)
	}
}

func (ml *MultiLogger) Warn(msg string, fields ...interface{}) {
	for _, lg := range ml.loggers {
		lg.Warn(msg, fields...)
	}
}

func (ml *MultiLogger) Error(msg string, err error, fields ...interface{}) {
	for _, lg := range ml.loggers {
		lg.Error(msg, err, fields...)
	}
}

// Close closes every Closeable logger and reports all failures.
func (ml *MultiLogger) Close() error {
	var errs []error
	for _, lg := range ml.loggers {
		if c, ok := lg.(Closeable); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return wrapLoggerErr("close multi logger", ErrLogClose, err, "")
	}
	return nil
}
