package logger

// Logger is the structured logger every package takes. fields are
// alternating keys and values.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	// Error is written regardless of the configured level.
	Error(msg string, err error, fields ...interface{})
}

// Closeable is implemented by loggers that hold files.
type Closeable interface {
	Close() error
}

// NoOpLogger discards everything. Constructors fall back to it when given
// a nil Logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}

func (NoOpLogger) Info(string, ...interface{}) {}

func (NoOpLogger) Warn(string, ...interface{}) {}

func (NoOpLogger) Error(string, error, ...interface{}) {}

var (
	_ Logger    = NoOpLogger{}
	_ Logger    = (*ConsoleLogger)(nil)
	_ Closeable = (*FileLogger)(nil)
	_ Closeable = (*MultiLogger)(nil)
	_ Logger    = (*fieldLogger)(nil)
)
