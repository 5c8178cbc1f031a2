package peercache

// OpenOptions carries the process-level settings that are not part of the
// replicated configuration: where logs go and how chatty they are.
type OpenOptions struct {
	LogLevel   string
	LogDir     string // Directory for rotating log files; empty logs to console only
	LogMaxSize int    // Max size per log file in MB
	LogMaxBak  int    // Max number of backup log files
	// Stream also logs to the console when LogDir is set.
	Stream bool
}

func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		LogLevel:   DefaultLogLevel,
		LogMaxSize: DefaultLogMaxSize,
		LogMaxBak:  DefaultLogMaxBackups,
	}
}
