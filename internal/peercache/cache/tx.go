package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/txn"
)

var ErrUnknownField = errors.New("cache: unknown field")

// Tx stages row writes until Commit. A Tx is used by one goroutine.
type Tx struct {
	c      *Cache
	tx     *txn.Tx
	ops    []op
	staged map[string]op
}

// Begin starts a transaction. Pass txn.FromPeer to mark one that applies
// replicated changes.
func (c *Cache) Begin(opts ...txn.Option) (*Tx, error) {
	if c.closed.Load() {
		return nil, wrapCacheErr("begin", ErrClosed, c.path, nil)
	}
	id, err := c.ids.Next()
	if err != nil {
		return nil, err
	}
	return &Tx{c: c, tx: txn.New(id, opts...), staged: make(map[string]op)}, nil
}

// Txn is the handle the hooks see.
func (t *Tx) Txn() *txn.Tx { return t.tx }

// Insert stages obj, which must be a value of or pointer to a table type.
func (t *Tx) Insert(obj any) error {
	return t.put(change.Insert, obj, nil)
}

// Update stages obj. fields names the fields the update touched; peers merge
// only those into their copy. No fields means the whole row.
func (t *Tx) Update(obj any, fields ...string) error {
	return t.put(change.Update, obj, fields)
}

// Delete stages the removal of the row with identity id.
func (t *Tx) Delete(table string, id any) error {
	if !t.tx.Active() {
		return ErrTxFinished
	}
	if _, ok := t.c.tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if id == nil {
		return ErrNoIdentity
	}
	rec := change.Record{
		Command:  change.Delete,
		ActorID:  t.c.actor,
		Table:    table,
		Identity: id,
		Stamp:    t.c.nextStamp(),
	}
	return t.stageDelete(rec)
}

func (t *Tx) put(cmd change.Command, obj any, fields []string) error {
	if !t.tx.Active() {
		return ErrTxFinished
	}
	def, ok := t.c.TableOf(obj)
	if !ok {
		return fmt.Errorf("%w: no table stores %T", ErrUnknownTable, obj)
	}
	for _, name := range fields {
		f, ok := def.Type.Field(name)
		if !ok || !f.Writable() || f.Ignored() {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, def.Type.Name(), name)
		}
	}
	ptr, err := asPointer(def, obj)
	if err != nil {
		return err
	}
	id, err := def.Type.IdentityOf(ptr)
	if err != nil {
		return err
	}
	data, err := t.c.codec.Marshal(ptr)
	if err != nil {
		return err
	}
	// The record carries a copy so later changes to obj stay local.
	payload, err := t.c.decodePayload(def, data)
	if err != nil {
		return err
	}
	rec := change.Record{
		Command:  cmd,
		ActorID:  t.c.actor,
		Table:    def.Name,
		Identity: id,
		Fields:   fields,
		Payload:  payload,
		Stamp:    t.c.nextStamp(),
	}
	return t.stagePut(def, rec, data)
}

func (t *Tx) stagePut(def TableDef, rec change.Record, data []byte) error {
	idBlob, err := t.c.codec.Marshal(rec.Identity)
	if err != nil {
		return err
	}
	t.stage(op{
		kind:  opPut,
		key:   rowKey(def.Name, change.IdentityKey(rec.Identity)),
		table: def.Name,
		ident: idBlob,
		value: data,
		stamp: rec.Stamp,
	}, rec)
	return nil
}

func (t *Tx) stageDelete(rec change.Record) error {
	idBlob, err := t.c.codec.Marshal(rec.Identity)
	if err != nil {
		return err
	}
	t.stage(op{
		kind:  opDelete,
		key:   rowKey(rec.Table, change.IdentityKey(rec.Identity)),
		table: rec.Table,
		ident: idBlob,
		stamp: rec.Stamp,
	}, rec)
	return nil
}

func (t *Tx) stage(o op, rec change.Record) {
	t.ops = append(t.ops, o)
	t.staged[o.key] = o
	if h := t.c.currentHooks().Capture; h != nil {
		if err := h(t.tx, rec); err != nil {
			t.c.lg.Warn("change capture failed", "txn", t.tx.ID, "table", rec.Table, "error", err)
		}
	}
}

// current returns the row as this transaction sees it.
func (t *Tx) current(key string) (entry, bool) {
	if o, ok := t.staged[key]; ok {
		return entry{Value: o.value, Stamp: o.stamp, Tombstone: o.kind == opDelete}, true
	}
	return t.c.mem.lookup(key)
}

// Commit persists the staged writes, then raises the commit hook.
func (t *Tx) Commit(ctx context.Context) error {
	if !t.tx.Active() {
		return ErrTxFinished
	}
	c := t.c
	if c.closed.Load() {
		t.abort()
		return wrapCacheErr("commit", ErrClosed, c.path, nil)
	}

	if len(t.ops) > 0 {
		c.writeMu.Lock()
		version := c.version
		for i := range t.ops {
			version++
			t.ops[i].version = version
		}
		if err := writeOps(ctx, c.db, t.ops); err != nil {
			c.writeMu.Unlock()
			c.lg.Error("commit failed", err, "txn", t.tx.ID, "count", len(t.ops))
			t.abort()
			return wrapCacheErr("commit", ErrCommitFailed, c.path, err)
		}
		c.version = version
		err := c.mem.apply(t.ops)
		c.writeMu.Unlock()
		if err != nil {
			c.lg.Error("failed to apply commit to memtable", err, "txn", t.tx.ID)
			t.abort()
			return wrapCacheErr("commit", ErrCommitFailed, c.path, err)
		}
	}

	if err := t.tx.Finish(txn.StateCommitted); err != nil {
		return err
	}
	c.lg.Debug("commit successful", "txn", t.tx.ID, "count", len(t.ops), "replication", t.tx.Replication)
	if h := c.currentHooks().Commit; h != nil {
		h(ctx, t.tx)
	}
	return nil
}

// Rollback abandons the staged writes.
func (t *Tx) Rollback() error {
	if !t.tx.Active() {
		return ErrTxFinished
	}
	t.abort()
	return nil
}

func (t *Tx) abort() {
	t.ops = nil
	t.staged = nil
	if err := t.tx.Finish(txn.StateRolledBack); err != nil {
		return
	}
	if h := t.c.currentHooks().Rollback; h != nil {
		h(t.tx)
	}
}
