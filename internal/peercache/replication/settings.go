package replication

import (
	"time"

	"github.com/julianstephens/peercache/internal/peercache"
	"github.com/julianstephens/peercache/internal/peercache/peer"
)

// Settings configure a Replicator.
type Settings struct {
	// Listen is the tcp or ws endpoint to bind. Port 0 picks a free port.
	Listen     peer.Endpoint
	InstanceID string
	// SignInTimeout bounds how long SignIn waits for a first answer.
	SignInTimeout time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	// SyncTimeout bounds one Synch round trip.
	SyncTimeout time.Duration
	// SyncInterval runs Synch against every active peer periodically.
	// Zero disables the loop; a sync still follows every new link.
	SyncInterval time.Duration
	// FanOut caps concurrent sends during a broadcast.
	FanOut        int
	DedupTTL      time.Duration
	DedupCapacity uint64
	Rules         []SchemaRule
}

func DefaultSettings() Settings {
	return Settings{
		Listen:        peer.Endpoint{Scheme: peer.SchemeTCP, Host: "127.0.0.1", Port: peercache.DefaultPort},
		SignInTimeout: peercache.DefaultSignInTimeout,
		DialTimeout:   peercache.DefaultDialTimeout,
		WriteTimeout:  peercache.DefaultWriteTimeout,
		SyncTimeout:   peercache.DefaultSignInTimeout,
		SyncInterval:  peercache.DefaultSyncInterval,
		FanOut:        8,
		DedupTTL:      peercache.DefaultDedupTTL,
		DedupCapacity: peercache.DefaultDedupCapacity,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.SignInTimeout <= 0 {
		s.SignInTimeout = def.SignInTimeout
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = def.DialTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = def.WriteTimeout
	}
	if s.SyncTimeout <= 0 {
		s.SyncTimeout = def.SyncTimeout
	}
	if s.FanOut <= 0 {
		s.FanOut = def.FanOut
	}
	if s.DedupTTL <= 0 {
		s.DedupTTL = def.DedupTTL
	}
	return s
}
