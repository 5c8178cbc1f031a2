package cache

import (
	"sort"
	"strings"
	"sync"
)

type opKind uint8

const (
	opPut opKind = iota + 1
	opDelete
)

// op is one staged row write. Key is "table\x00identity key".
type op struct {
	kind    opKind
	key     string
	table   string
	ident   []byte // encoded identity
	value   []byte // encoded payload, nil for delete
	stamp   int64
	version int64
}

// entry is a row as held in memory: the encoded payload, or a tombstone.
type entry struct {
	Value     []byte
	Stamp     int64
	Version   int64
	Tombstone bool
}

// memtable is the in-memory front of the row store. It holds every row and
// tombstone so reads never reach SQLite.
type memtable struct {
	mu sync.RWMutex
	m  map[string]entry
}

func newMemtable() *memtable {
	return &memtable{m: make(map[string]entry)}
}

func rowKey(table, identKey string) string {
	return table + "\x00" + identKey
}

// get returns the row for key if present and not tombstoned.
func (t *memtable) get(key string) ([]byte, bool) {
	e, ok := t.lookup(key)
	if !ok || e.Tombstone {
		return nil, false
	}
	return e.Value, true
}

// lookup returns the entry for key, tombstones included.
func (t *memtable) lookup(key string) (entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.m[key]
	return e, ok
}

// apply applies a batch of ops atomically. Either all ops are applied or
// none.
func (t *memtable) apply(ops []op) error {
	for _, o := range ops {
		if o.key == "" {
			return ErrNilKey
		}
		if o.kind != opPut && o.kind != opDelete {
			return ErrInvalidOp
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range ops {
		switch o.kind {
		case opPut:
			v := make([]byte, len(o.value))
			copy(v, o.value)
			t.m[o.key] = entry{Value: v, Stamp: o.stamp, Version: o.version}
		case opDelete:
			t.m[o.key] = entry{Stamp: o.stamp, Version: o.version, Tombstone: true}
		}
	}
	return nil
}

// len reports the number of live rows in table.
func (t *memtable) len(table string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prefix := table + "\x00"
	n := 0
	for k, e := range t.m {
		if !e.Tombstone && strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// keys returns the live row keys of table in sorted order.
func (t *memtable) keys(table string) []string {
	t.mu.RLock()
	prefix := table + "\x00"
	var out []string
	for k, e := range t.m {
		if !e.Tombstone && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// snapshot returns a copy of the current state (for tests/debugging).
func (t *memtable) snapshot() map[string]entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]entry, len(t.m))
	for k, e := range t.m {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		e.Value = v
		out[k] = e
	}
	return out
}
