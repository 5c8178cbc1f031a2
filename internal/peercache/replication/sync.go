package replication

import (
	"bytes"
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/julianstephens/peercache/internal/peercache/cache"
	"github.com/julianstephens/peercache/internal/peercache/peer"
	"github.com/julianstephens/peercache/internal/peercache/protocol"
)

// Synch pulls from ep every replicated table whose digest differs from the
// local one, starting at the stored cursor, and applies the rows under the
// cache apply lock. It returns once every table was answered or
// SyncTimeout passed.
func (r *Replicator) Synch(ctx context.Context, ep peer.Endpoint) error {
	tables := r.elig.Tables()
	if len(tables) == 0 {
		return nil
	}
	in := r.peers.Upsert(ep)
	key := in.Key()
	ctx, cancel := context.WithTimeout(ctx, r.settings.SyncTimeout)
	defer cancel()

	l, err := r.connect(ctx, in, false)
	if err != nil {
		return &SyncError{Peer: key, Err: err}
	}

	req := r.envelope(protocol.SyncRequest)
	req.Batch = ulid.Make()
	for _, def := range tables {
		cur, err := r.store.LoadCursor(ctx, key, def.Schema, def.Name)
		if err != nil {
			return &SyncError{Peer: key, Table: def.Name, Err: err}
		}
		dg, err := r.store.Digest(ctx, def.Name)
		if err != nil {
			return &SyncError{Peer: key, Table: def.Name, Err: err}
		}
		req.Cursors = append(req.Cursors, protocol.SyncCursor{
			Schema: def.Schema,
			Table:  def.Name,
			Since:  cur.Since,
			Digest: dg,
		})
	}

	ch := make(chan *protocol.Envelope, len(req.Cursors))
	r.mu.Lock()
	r.waiters[req.Batch] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, req.Batch)
		r.mu.Unlock()
	}()

	if err := l.send(req); err != nil {
		return &SyncError{Peer: key, Err: err}
	}
	r.lg.Debug("sync requested", "peer", key, "batch", req.Batch.String(), "tables", len(req.Cursors))

	var errs []error
	for pending := len(req.Cursors); pending > 0; pending-- {
		select {
		case resp := <-ch:
			if err := r.applySync(ctx, key, resp); err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, &SyncError{Peer: key, Err: ctx.Err()})
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// applySync applies one table's answer and advances its cursor. The cursor
// stays put when the batch could not be committed.
func (r *Replicator) applySync(ctx context.Context, key string, resp *protocol.Envelope) error {
	if len(resp.Cursors) != 1 {
		return &SyncError{Peer: key, Err: ErrUnexpectedKind}
	}
	cur := resp.Cursors[0]
	if !r.elig.Eligible(cur.Table) {
		return nil
	}
	if len(resp.Records) > 0 {
		applied, err := r.store.ApplyBatch(ctx, key, resp.Records)
		if err != nil {
			if errors.Is(err, cache.ErrCommitFailed) || errors.Is(err, cache.ErrClosed) || ctx.Err() != nil {
				return &SyncError{Peer: key, Table: cur.Table, Err: err}
			}
			r.lg.Error("sync skipped some records", err, "peer", key, "table", cur.Table, "applied", len(applied), "count", len(resp.Records))
		}
	}
	if local, err := r.store.Digest(ctx, cur.Table); err == nil && !bytes.Equal(local, cur.Digest) {
		r.lg.Debug("table still differs after sync", "peer", key, "table", cur.Table)
	}
	if err := r.store.SaveCursor(ctx, cache.Cursor{
		Peer:   key,
		Schema: cur.Schema,
		Table:  cur.Table,
		Since:  cur.Until,
		Digest: cur.Digest,
	}); err != nil {
		return &SyncError{Peer: key, Table: cur.Table, Err: err}
	}
	return nil
}

// answerSync sends one SyncResponse per requested table. A table whose
// digest matches, or that does not replicate here, is answered empty.
func (r *Replicator) answerSync(ctx context.Context, l *link, sender peer.Endpoint, req *protocol.Envelope) {
	for _, c := range req.Cursors {
		out := protocol.SyncCursor{Schema: c.Schema, Table: c.Table, Since: c.Since, Until: c.Since}
		resp := r.envelope(protocol.SyncResponse)
		resp.Batch = req.Batch
		if r.elig.Eligible(c.Table) {
			dg, err := r.store.Digest(ctx, c.Table)
			if err != nil {
				r.lg.Warn("digest failed", "table", c.Table, "error", err)
			}
			out.Digest = dg
			if err != nil || !bytes.Equal(dg, c.Digest) {
				recs, until, err := r.store.ChangedSince(ctx, c.Table, c.Since)
				if err != nil {
					r.lg.Warn("changed rows query failed", "table", c.Table, "error", err)
				} else {
					resp.Records = recs
					out.Until = until
				}
			}
		}
		resp.Cursors = []protocol.SyncCursor{out}
		if err := l.send(resp); err != nil {
			r.lg.Warn("sync response failed", "peer", sender.Key(), "table", c.Table, "error", err)
			return
		}
	}
	r.lg.Debug("sync answered", "peer", sender.Key(), "batch", req.Batch.String(), "tables", len(req.Cursors))
}

func (r *Replicator) deliverSync(resp *protocol.Envelope) {
	r.mu.Lock()
	ch, ok := r.waiters[resp.Batch]
	r.mu.Unlock()
	if !ok {
		r.lg.Debug("late sync response", "batch", resp.Batch.String())
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
