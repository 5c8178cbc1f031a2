package logger

import (
	"github.com/julianstephens/peercache/internal/peercache"
)

// FromOptions builds the process logger: console only when no log
// directory is set, otherwise a rotating file, mirrored to the console
// when opts.Stream is set.
func FromOptions(opts peercache.OpenOptions) (Logger, error) {
	level, err := ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	console := NewConsoleLogger(level)
	if opts.LogDir == "" {
		return console, nil
	}

	size, backups := opts.LogMaxSize, opts.LogMaxBak
	if size <= 0 {
		size = peercache.DefaultLogMaxSize
	}
	if backups <= 0 {
		backups = peercache.DefaultLogMaxBackups
	}
	lg, err := NewFileLogger(opts.LogDir, peercache.DefaultLogFileName, size, backups)
	if err != nil {
		return nil, err
	}
	lg.(*FileLogger).SetLevel(level)
	if !opts.Stream {
		return lg, nil
	}
	return NewMultiLogger(lg, console), nil
}
