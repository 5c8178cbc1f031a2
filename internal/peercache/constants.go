package peercache

import "time"

const (
	DefaultPort            uint16 = 7400
	DefaultFlushInterval          = 250 * time.Millisecond
	DefaultSignInTimeout          = 5 * time.Second
	DefaultSyncInterval           = 5 * time.Minute
	DefaultDedupTTL               = 10 * time.Minute
	DefaultDedupCapacity   uint64 = 100_000
	DefaultWriteTimeout           = 2 * time.Second
	DefaultDialTimeout            = 3 * time.Second
	DefaultSegmentMaxBytes int64  = 64 * 1024 * 1024
)

// Log file defaults
const (
	DefaultLogFileName   = "peercache.log"
	DefaultLogMaxSize    = 100
	DefaultLogMaxBackups = 3
	DefaultLogLevel      = "info"
)

// Data directory layout
const (
	ManifestVersion  = 1
	ManifestFileName = "MANIFEST.json"
	CacheFileName    = "cache.db"
	JournalDirName   = "journal"
)
