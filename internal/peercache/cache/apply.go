package cache

import (
	"context"
	"errors"

	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/txn"
)

var (
	ErrInvalidRecord = errors.New("cache: invalid record")
	ErrNoPayload     = errors.New("cache: record has no payload")
)

var _ change.Applier = (*Cache)(nil)

// ApplyChange applies one record received from a peer.
func (c *Cache) ApplyChange(ctx context.Context, rec change.Record) error {
	_, err := c.ApplyBatch(ctx, "", []change.Record{rec})
	return err
}

// ApplyBatch applies records received from origin in one replication
// transaction, under the cache-wide apply lock. A record that cannot be
// applied is skipped and reported as an *ApplyError joined into err; the
// others still commit. Records already in effect count as applied.
func (c *Cache) ApplyBatch(ctx context.Context, origin string, recs []change.Record) ([]change.Record, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	t, err := c.Begin(txn.FromPeer(origin))
	if err != nil {
		return nil, err
	}
	var (
		applied []change.Record
		errs    []error
	)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			t.abort()
			return nil, err
		}
		if err := t.apply(rec); err != nil {
			c.lg.Warn("skipping record", "peer", origin, "table", rec.Table, "command", rec.Command.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		applied = append(applied, rec)
	}
	if err := t.Commit(ctx); err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	return applied, errors.Join(errs...)
}

// apply stages rec after re-checking the current row. Applying the same
// record twice leaves the same state as applying it once, and a record
// older than the stored row is ignored.
func (t *Tx) apply(rec change.Record) error {
	def, ok := t.c.tables[rec.Table]
	if !ok {
		return applyErr(rec, ErrUnknownTable, nil)
	}
	if !rec.Command.Valid() {
		return applyErr(rec, ErrInvalidRecord, change.ErrInvalidCommand)
	}

	var payload any
	if rec.Command != change.Delete {
		if rec.Payload == nil {
			return applyErr(rec, ErrNoPayload, nil)
		}
		p, err := asPointer(def, rec.Payload)
		if err != nil {
			return applyErr(rec, ErrTypeMismatch, err)
		}
		payload = p
	}
	if rec.Identity == nil && payload != nil {
		id, err := def.Type.IdentityOf(payload)
		if err != nil {
			return applyErr(rec, ErrNoIdentity, err)
		}
		rec.Identity = id
	}
	if rec.Identity == nil {
		return applyErr(rec, ErrNoIdentity, nil)
	}

	key := rowKey(def.Name, change.IdentityKey(rec.Identity))
	cur, exists := t.current(key)
	if exists && rec.Stamp != 0 && rec.Stamp < cur.Stamp {
		return nil
	}
	if rec.Stamp == 0 {
		rec.Stamp = t.c.nextStamp()
	} else {
		t.c.observeStamp(rec.Stamp)
	}

	if rec.Command == change.Delete {
		if !exists || cur.Tombstone {
			return nil
		}
		if err := t.stageDelete(rec); err != nil {
			return applyErr(rec, ErrInvalidRecord, err)
		}
		return nil
	}

	if rec.Command == change.Update && len(rec.Fields) > 0 && exists && !cur.Tombstone {
		merged, err := t.merge(def, cur.Value, payload, rec.Fields)
		if err != nil {
			return applyErr(rec, ErrTypeMismatch, err)
		}
		payload = merged
	}
	data, err := t.c.codec.Marshal(payload)
	if err != nil {
		return applyErr(rec, ErrInvalidRecord, err)
	}
	rec.Payload = payload
	if err := t.stagePut(def, rec, data); err != nil {
		return applyErr(rec, ErrInvalidRecord, err)
	}
	return nil
}

// merge copies the named fields of src onto the stored row. Fields this
// build does not know are skipped.
func (t *Tx) merge(def TableDef, stored []byte, src any, fields []string) (any, error) {
	base, err := t.c.decodePayload(def, stored)
	if err != nil {
		return nil, err
	}
	for _, name := range fields {
		f, ok := def.Type.Field(name)
		if !ok || !f.Writable() || f.Ignored() {
			continue
		}
		v, err := f.Get(src)
		if err != nil {
			return nil, err
		}
		if err := f.Set(base, v); err != nil {
			return nil, err
		}
	}
	return base, nil
}
