package cache

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/change"
	"github.com/julianstephens/peercache/internal/peercache/schema"
	"github.com/julianstephens/peercache/internal/peercache/txn"
	"github.com/julianstephens/peercache/internal/peercache/wire"
)

// TableDef is the metadata the cache keeps for one table.
type TableDef struct {
	Name string
	// Schema groups tables for replication include and exclude lists.
	Schema string
	// Type is the registered record type stored in the table. It must have
	// an identity field.
	Type *schema.Type
	// NoReplicate keeps the table local.
	NoReplicate bool
}

// Hooks are raised by transactions. Capture runs for every mutation as it
// is staged, Commit after the rows are durable, Rollback when a
// transaction is abandoned or fails to persist. A failing Capture is logged
// and never fails the transaction.
type Hooks struct {
	Capture  func(tx *txn.Tx, rec change.Record) error
	Commit   func(ctx context.Context, tx *txn.Tx)
	Rollback func(tx *txn.Tx)
}

type Options struct {
	// ActorID is stamped on records captured from local mutations.
	ActorID uuid.UUID
	// IDs allocates transaction ids. Defaults to a counter starting at 1.
	IDs txn.IDAllocator
	// Clock supplies mutation stamps. Defaults to time.Now.
	Clock func() time.Time
}

// Cache is the local record cache: SQLite for durability, a memtable for
// reads.
type Cache struct {
	path   string
	db     *sql.DB
	codec  *wire.Codec
	tables map[string]TableDef
	byType map[reflect.Type]TableDef
	mem    *memtable
	ids    txn.IDAllocator
	actor  uuid.UUID
	clock  func() time.Time
	lg     logger.Logger

	hooksMu sync.RWMutex
	hooks   Hooks

	// writeMu serializes commits and guards version.
	writeMu sync.Mutex
	version int64

	stampMu   sync.Mutex
	lastStamp int64

	// applyMu serializes inbound application across peers.
	applyMu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates the cache database at path and loads every row into
// memory. Every table type must be registered with codec.
func Open(path string, codec *wire.Codec, tables []TableDef, opts Options, lg logger.Logger) (*Cache, error) {
	if path == "" {
		return nil, wrapCacheErr("open", ErrInvalidPath, path, nil)
	}
	lg = logger.With(logger.OrNop(lg), "component", "cache")

	c := &Cache{
		path:   path,
		codec:  codec,
		tables: make(map[string]TableDef, len(tables)),
		byType: make(map[reflect.Type]TableDef, len(tables)),
		mem:    newMemtable(),
		ids:    opts.IDs,
		actor:  opts.ActorID,
		clock:  opts.Clock,
		lg:     lg,
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.ids == nil {
		ids, err := txn.NewCounterAllocator(1)
		if err != nil {
			return nil, wrapCacheErr("open", ErrOpenFailed, path, err)
		}
		c.ids = ids
	}
	for _, def := range tables {
		if err := c.addTable(def); err != nil {
			return nil, err
		}
	}

	lg.Info("opening cache", "path", path, "tables", len(tables))
	db, err := openDB(path)
	if err != nil {
		lg.Error("failed to open cache database", err, "path", path)
		return nil, wrapCacheErr("open", ErrOpenFailed, path, err)
	}
	c.db = db

	if err := c.load(context.Background()); err != nil {
		db.Close() //nolint:errcheck
		lg.Error("failed to load cache rows", err, "path", path)
		return nil, wrapCacheErr("load", ErrOpenFailed, path, err)
	}
	lg.Info("cache opened", "path", path, "version", c.version)
	return c, nil
}

func (c *Cache) addTable(def TableDef) error {
	if def.Name == "" || def.Type == nil {
		return wrapCacheErr("open", ErrUnknownTable, c.path, fmt.Errorf("table %q has no name or type", def.Name))
	}
	if _, dup := c.tables[def.Name]; dup {
		return wrapCacheErr("open", ErrDuplicateTable, c.path, fmt.Errorf("table %q", def.Name))
	}
	if def.Type.Identity() == nil {
		return wrapCacheErr("open", ErrNoIdentity, c.path, fmt.Errorf("type %s of table %q", def.Type.FullName(), def.Name))
	}
	if _, ok := c.codec.Registry().Lookup(def.Type.GoType()); !ok {
		return wrapCacheErr("open", schema.ErrUnregistered, c.path, fmt.Errorf("type %s of table %q", def.Type.GoType(), def.Name))
	}
	c.tables[def.Name] = def
	if _, taken := c.byType[def.Type.GoType()]; !taken {
		c.byType[def.Type.GoType()] = def
	}
	return nil
}

func (c *Cache) load(ctx context.Context) error {
	var ops []op
	err := loadRows(ctx, c.db, func(table, identKey string, e entry) error {
		o := op{kind: opPut, key: rowKey(table, identKey), table: table, value: e.Value, stamp: e.Stamp, version: e.Version}
		if e.Tombstone {
			o.kind = opDelete
		}
		if e.Stamp > c.lastStamp {
			c.lastStamp = e.Stamp
		}
		ops = append(ops, o)
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.mem.apply(ops); err != nil {
		return err
	}
	v, err := maxVersion(ctx, c.db)
	if err != nil {
		return err
	}
	c.version = v
	return nil
}

// SetHooks replaces the transaction hooks.
func (c *Cache) SetHooks(h Hooks) {
	c.hooksMu.Lock()
	c.hooks = h
	c.hooksMu.Unlock()
}

func (c *Cache) currentHooks() Hooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks
}

func (c *Cache) Path() string { return c.path }

func (c *Cache) Codec() *wire.Codec { return c.codec }

func (c *Cache) ActorID() uuid.UUID { return c.actor }

// Tables returns the table definitions ordered by name.
func (c *Cache) Tables() []TableDef {
	out := make([]TableDef, 0, len(c.tables))
	for _, def := range c.tables {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Cache) Table(name string) (TableDef, bool) {
	def, ok := c.tables[name]
	return def, ok
}

// TableOf resolves the table storing values of obj's type.
func (c *Cache) TableOf(obj any) (TableDef, bool) {
	typ := reflect.TypeOf(obj)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	def, ok := c.byType[typ]
	return def, ok
}

// Get returns a fresh copy of the row, as a pointer to the table's type.
func (c *Cache) Get(table string, id any) (any, bool, error) {
	def, ok := c.tables[table]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	data, ok := c.mem.get(rowKey(table, change.IdentityKey(id)))
	if !ok {
		return nil, false, nil
	}
	obj, err := c.decodePayload(def, data)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// GetAs is Get for callers that know the row type.
func GetAs[T any](c *Cache, table string, id any) (*T, bool, error) {
	v, ok, err := c.Get(table, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	p, isT := v.(*T)
	if !isT {
		return nil, false, fmt.Errorf("%w: table %q holds %T", ErrTypeMismatch, table, v)
	}
	return p, true, nil
}

// Len reports the live rows in table.
func (c *Cache) Len(table string) int {
	return c.mem.len(table)
}

// Identities returns the identities of the live rows in table, ordered by
// identity key.
func (c *Cache) Identities(table string) ([]any, error) {
	def, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	keys := c.mem.keys(table)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		data, ok := c.mem.get(k)
		if !ok {
			continue
		}
		obj, err := c.decodePayload(def, data)
		if err != nil {
			return nil, err
		}
		id, err := def.Type.IdentityOf(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return wrapCacheErr("close", ErrClosed, c.path, nil)
	}
	c.lg.Info("closing cache", "path", c.path)
	return c.db.Close()
}

// nextStamp returns a stamp above every stamp seen so far.
func (c *Cache) nextStamp() int64 {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()
	s := c.clock().UnixNano()
	if s <= c.lastStamp {
		s = c.lastStamp + 1
	}
	c.lastStamp = s
	return s
}

// observeStamp keeps local stamps ahead of stamps received from peers.
func (c *Cache) observeStamp(s int64) {
	c.stampMu.Lock()
	if s > c.lastStamp {
		c.lastStamp = s
	}
	c.stampMu.Unlock()
}

func (c *Cache) decodePayload(def TableDef, data []byte) (any, error) {
	return c.codec.Unmarshal(data, reflect.PointerTo(def.Type.GoType()))
}

// asPointer returns obj as a pointer to the table's type.
func asPointer(def TableDef, obj any) (any, error) {
	want := def.Type.GoType()
	rv := reflect.ValueOf(obj)
	switch {
	case !rv.IsValid():
		return nil, fmt.Errorf("%w: nil payload for table %q", ErrTypeMismatch, def.Name)
	case rv.Type() == reflect.PointerTo(want):
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil payload for table %q", ErrTypeMismatch, def.Name)
		}
		return obj, nil
	case rv.Type() == want:
		p := reflect.New(want)
		p.Elem().Set(rv)
		return p.Interface(), nil
	}
	return nil, fmt.Errorf("%w: table %q holds %s, got %T", ErrTypeMismatch, def.Name, want, obj)
}
