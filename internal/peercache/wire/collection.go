package wire

import (
	"reflect"

	"github.com/julianstephens/peercache/internal/peercache/schema"
)

// Collection is a non-slice container the codec writes as an array.
// Implementations are used through a pointer so the reader can fill them.
type Collection interface {
	Items() []any
	ItemType() reflect.Type
	Append(item any) error
}

// NamedCollection is keyed by item name. Reading into one replaces an item
// with the same name in place instead of adding a duplicate.
type NamedCollection interface {
	Collection
	Upsert(item schema.Named) error
}

// NamedList is an ordered NamedCollection. The zero value is ready to use.
type NamedList[T schema.Named] struct {
	items []T
	index map[string]int
}

func NewNamedList[T schema.Named](items ...T) *NamedList[T] {
	l := &NamedList[T]{}
	for _, item := range items {
		l.Put(item)
	}
	return l
}

func (l *NamedList[T]) Len() int { return len(l.items) }

// All returns the items in insertion order.
func (l *NamedList[T]) All() []T { return l.items }

func (l *NamedList[T]) Get(name string) (T, bool) {
	i, ok := l.index[name]
	if !ok {
		var zero T
		return zero, false
	}
	return l.items[i], true
}

// Put adds item, or replaces the item holding the same name. A replaced
// pointer item keeps its identity and receives the new contents.
func (l *NamedList[T]) Put(item T) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	key := item.ItemName()
	i, ok := l.index[key]
	if !ok {
		l.index[key] = len(l.items)
		l.items = append(l.items, item)
		return
	}
	dst := reflect.ValueOf(l.items[i])
	src := reflect.ValueOf(item)
	if dst.Kind() == reflect.Pointer && dst.Type() == src.Type() && !dst.IsNil() && !src.IsNil() && dst.Pointer() != src.Pointer() {
		dst.Elem().Set(src.Elem())
		return
	}
	l.items[i] = item
}

func (l *NamedList[T]) Items() []any {
	out := make([]any, len(l.items))
	for i, item := range l.items {
		out[i] = item
	}
	return out
}

func (l *NamedList[T]) ItemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (l *NamedList[T]) Append(item any) error {
	t, ok := item.(T)
	if !ok {
		return mismatch(reflect.TypeOf(item), l.ItemType())
	}
	l.Put(t)
	return nil
}

func (l *NamedList[T]) Upsert(item schema.Named) error {
	return l.Append(item)
}

var _ NamedCollection = (*NamedList[schema.Named])(nil)
