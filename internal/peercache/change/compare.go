package change

import (
	"bytes"
	"cmp"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Comparer orders two values, returning a negative number, zero or a
// positive number.
type Comparer[T any] interface {
	Compare(a, b T) int
}

type ComparerFunc[T any] func(a, b T) int

func (f ComparerFunc[T]) Compare(a, b T) int { return f(a, b) }

// Natural orders values of an ordered type.
func Natural[T cmp.Ordered]() Comparer[T] {
	return ComparerFunc[T](cmp.Compare[T])
}

// By orders T by the key extracted with key.
func By[T, K any](key func(T) K, c Comparer[K]) Comparer[T] {
	return ComparerFunc[T](func(a, b T) int {
		return c.Compare(key(a), key(b))
	})
}

// Then applies each comparer in turn until one of them separates a and b.
func Then[T any](cs ...Comparer[T]) Comparer[T] {
	return ComparerFunc[T](func(a, b T) int {
		for _, c := range cs {
			if n := c.Compare(a, b); n != 0 {
				return n
			}
		}
		return 0
	})
}

// IdentityComparer orders the identities of one batch.
//
// Identities are first grouped by class (signed integers, unsigned
// integers, floats, strings, bools, UUIDs, times, and one class per other
// Go type). Classes are ranked by the order they were first seen. Inside a
// class with a natural order, identities compare naturally; otherwise they
// keep the order they were first seen in.
type IdentityComparer struct {
	classRank map[string]int
	seen      map[string]int
}

// NewIdentityComparer ranks ids in the order given. Identities compared
// later that were never seen rank after every seen identity.
func NewIdentityComparer(ids ...any) *IdentityComparer {
	c := &IdentityComparer{
		classRank: make(map[string]int),
		seen:      make(map[string]int),
	}
	for _, id := range ids {
		c.observe(id)
	}
	return c
}

func (c *IdentityComparer) observe(id any) {
	cls, _ := classify(id)
	if _, ok := c.classRank[cls]; !ok {
		c.classRank[cls] = len(c.classRank)
	}
	k := identityKey(id)
	if _, ok := c.seen[k]; !ok {
		c.seen[k] = len(c.seen)
	}
}

func (c *IdentityComparer) Compare(a, b any) int {
	ca, orderedA := classify(a)
	cb, _ := classify(b)
	if ca != cb {
		return cmp.Compare(c.rank(c.classRank, ca), c.rank(c.classRank, cb))
	}
	if orderedA {
		return compareNatural(a, b)
	}
	return cmp.Compare(c.rank(c.seen, identityKey(a)), c.rank(c.seen, identityKey(b)))
}

func (c *IdentityComparer) rank(m map[string]int, k string) int {
	if r, ok := m[k]; ok {
		return r
	}
	return len(m)
}

var (
	uuidType = reflect.TypeFor[uuid.UUID]()
	timeType = reflect.TypeFor[time.Time]()
)

// classify names the comparison class of v and reports whether the class
// has a natural order.
func classify(v any) (string, bool) {
	if v == nil {
		return "nil", true
	}
	rv := reflect.ValueOf(v)
	switch rv.Type() {
	case uuidType:
		return "uuid", true
	case timeType:
		return "time", true
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int", true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "uint", true
	case reflect.Float32, reflect.Float64:
		return "float", true
	case reflect.String:
		return "string", true
	case reflect.Bool:
		return "bool", true
	}
	return rv.Type().String(), false
}

func compareNatural(a, b any) int {
	if a == nil || b == nil {
		return 0
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra.Type() {
	case uuidType:
		ua, ub := a.(uuid.UUID), b.(uuid.UUID)
		return bytes.Compare(ua[:], ub[:])
	case timeType:
		return a.(time.Time).Compare(b.(time.Time))
	}
	switch ra.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(ra.Int(), rb.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(ra.Uint(), rb.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(ra.Float(), rb.Float())
	case reflect.String:
		return cmp.Compare(ra.String(), rb.String())
	case reflect.Bool:
		x, y := ra.Bool(), rb.Bool()
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	}
	return 0
}

// identityKey is a map key for an identity that may not be comparable.
// Values of one class with equal natural values share a key, so an int 7
// and an int64 7 name the same item.
func identityKey(v any) string {
	cls, ordered := classify(v)
	if !ordered || v == nil {
		return fmt.Sprintf("%s\x00%#v", cls, v)
	}
	rv := reflect.ValueOf(v)
	switch cls {
	case "int":
		return fmt.Sprintf("int\x00%d", rv.Int())
	case "uint":
		return fmt.Sprintf("uint\x00%d", rv.Uint())
	case "float":
		return fmt.Sprintf("float\x00%v", rv.Float())
	case "time":
		return "time\x00" + v.(time.Time).UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s\x00%v", cls, v)
}

// SameIdentity reports whether a and b name the same item.
func SameIdentity(a, b any) bool {
	return identityKey(a) == identityKey(b)
}

// IdentityKey returns a string that is equal for identities naming the
// same item.
func IdentityKey(v any) string {
	return identityKey(v)
}
