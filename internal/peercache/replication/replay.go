package replication

import (
	"math"

	"github.com/julianstephens/peercache/internal/peercache/protocol"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// catchUp sends the journaled Notify envelopes the peer has not
// acknowledged, then marks the link ready for live broadcasts. The ready
// check and the journal tail are compared under the link lock so no
// envelope appended meanwhile is skipped.
func (r *Replicator) catchUp(l *link) {
	if r.journal == nil {
		l.mu.Lock()
		l.ready = true
		l.mu.Unlock()
		return
	}
	in := l.instance()
	sent := in.AckedSeq()
	replayed := 0
	for {
		err := r.journal.Replay(sent, func(seq uint64, payload []byte) error {
			env, err := wire.Decode[*protocol.Envelope](r.codec, payload)
			if err != nil || env == nil {
				r.lg.Warn("skipping unreadable journal entry", "seq", seq, "error", err)
				sent = seq
				return nil
			}
			env.Kind = protocol.Notify
			env.Seq = seq
			if err := l.send(env); err != nil {
				return err
			}
			sent = seq
			replayed++
			return nil
		})
		if err != nil {
			r.lg.Warn("journal replay failed", "peer", in.Key(), "error", err)
			_ = l.Close()
			return
		}
		l.mu.Lock()
		if r.journal.LastSeq() <= sent {
			l.ready = true
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
	}
	if replayed > 0 {
		r.lg.Info("replayed missed transactions", "peer", in.Key(), "count", replayed, "through", sent)
	}
}

// compact drops journal segments every stream peer has acknowledged.
func (r *Replicator) compact() {
	if r.journal == nil {
		return
	}
	var (
		floor uint64 = math.MaxUint64
		known bool
	)
	for _, in := range r.peers.Enumerate() {
		if !in.Endpoint().Scheme.Stream() {
			continue
		}
		known = true
		floor = min(floor, in.AckedSeq())
	}
	if !known || floor == 0 {
		return
	}
	n, err := r.journal.Compact(floor)
	if err != nil {
		r.lg.Warn("journal compaction failed", "through", floor, "error", err)
		return
	}
	if n > 0 {
		r.lg.Debug("journal compacted", "through", floor, "segments", n)
	}
}
