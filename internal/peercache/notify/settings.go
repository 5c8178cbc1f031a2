package notify

import (
	"time"

	"github.com/julianstephens/peercache/internal/peercache"
	"github.com/julianstephens/peercache/internal/peercache/peer"
)

// Settings configure a Notifier.
type Settings struct {
	// Listen is the udp endpoint to bind. Port 0 picks a free port.
	Listen peer.Endpoint
	// Stream is advertised to peers as the connection-oriented endpoint.
	Stream        string
	InstanceID    string
	FlushInterval time.Duration
	DedupTTL      time.Duration
	DedupCapacity uint64
	// WriteTimeout bounds one datagram send.
	WriteTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Listen:        peer.Endpoint{Scheme: peer.SchemeUDP, Host: "127.0.0.1", Port: peercache.DefaultPort},
		FlushInterval: peercache.DefaultFlushInterval,
		DedupTTL:      peercache.DefaultDedupTTL,
		DedupCapacity: peercache.DefaultDedupCapacity,
		WriteTimeout:  peercache.DefaultWriteTimeout,
	}
}
