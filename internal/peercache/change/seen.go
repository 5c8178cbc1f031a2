package change

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Seen remembers which records of which batches were applied, so a batch
// delivered twice is applied once. Entries expire after the ttl.
type Seen struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewSeen(ttl time.Duration, capacity uint64) *Seen {
	opts := []ttlcache.Option[string, struct{}]{
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, struct{}](capacity))
	}
	return &Seen{cache: ttlcache.New[string, struct{}](opts...)}
}

// Start runs expiry until Stop. Call it in its own goroutine.
func (s *Seen) Start() { s.cache.Start() }

func (s *Seen) Stop() { s.cache.Stop() }

func seenKey(batch string, r Record) string {
	return batch + "\x00" + r.Table + "\x00" + identityKey(r.Identity) + "\x00" + r.Command.String()
}

// Unseen returns the records of batch not yet marked.
func (s *Seen) Unseen(batch string, recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if !s.cache.Has(seenKey(batch, r)) {
			out = append(out, r)
		}
	}
	return out
}

// Mark records r of batch as applied.
func (s *Seen) Mark(batch string, r Record) {
	s.cache.Set(seenKey(batch, r), struct{}{}, ttlcache.DefaultTTL)
}

func (s *Seen) Len() int { return s.cache.Len() }
