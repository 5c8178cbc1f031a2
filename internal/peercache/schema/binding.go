package schema

import "sync"

// Named is implemented by items of a named collection.
type Named interface {
	ItemName() string
}

// WireEntry is one SchemaEntry as read off the wire.
type WireEntry struct {
	Index uint16
	Name  string
}

// Binding maps the indices of a wire schema to local fields. A reader builds
// one per wire schema name; indices with no local counterpart map to nil.
type Binding struct {
	Name    string
	Type    *Type
	Entries []WireEntry
	fields  map[uint16]*Field
}

// Bind resolves entries against t by field name. t may be nil, in which case
// every index is unknown.
func Bind(name string, entries []WireEntry, t *Type) *Binding {
	b := &Binding{
		Name:    name,
		Type:    t,
		Entries: entries,
		fields:  make(map[uint16]*Field, len(entries)),
	}
	if t == nil {
		return b
	}
	for _, e := range entries {
		f, ok := t.Field(e.Name)
		if !ok || !f.Writable() || f.Ignored() {
			continue
		}
		b.fields[e.Index] = f
	}
	return b
}

// Rebind resolves the same wire entries against another local type.
func (b *Binding) Rebind(t *Type) *Binding {
	return Bind(b.Name, b.Entries, t)
}

// Field returns the local field for a wire index, or nil when unknown.
func (b *Binding) Field(index uint16) *Field {
	return b.fields[index]
}

// Known reports how many wire entries resolved to a local field.
func (b *Binding) Known() int { return len(b.fields) }

// BindingCache holds the bindings of one reader session.
type BindingCache struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewBindingCache() *BindingCache {
	return &BindingCache{bindings: make(map[string]*Binding)}
}

func (c *BindingCache) Get(name string) (*Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[name]
	return b, ok
}

func (c *BindingCache) Put(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[b.Name] = b
}

func (c *BindingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bindings)
}
