package schema

import (
	"fmt"
	"reflect"
)

// Accessor reads and writes a single named field of a registered record.
type Accessor interface {
	Name() string
	Type() reflect.Type
	Get(obj any) (any, error)
	Set(obj any, v any) error
}

// Field is a typed accessor built once at registration time.
// It never inspects struct fields through reflection; the closures
// supplied to NewField or Computed do the work.
type Field struct {
	name     string
	owner    reflect.Type
	typ      reflect.Type
	get      func(obj any) (any, error)
	set      func(obj any, v any) error
	ignored  bool
	identity bool
}

// FieldOption customizes a field definition.
type FieldOption func(*Field)

// Ignore keeps the accessor available to callers but leaves the field off the wire.
func Ignore() FieldOption {
	return func(f *Field) { f.ignored = true }
}

// Identity marks the field holding the record's primary identity.
func Identity() FieldOption {
	return func(f *Field) { f.identity = true }
}

// NewField builds a writable field from a function returning a pointer to
// the field inside *T.
func NewField[T, V any](name string, ref func(*T) *V, opts ...FieldOption) *Field {
	owner := reflect.TypeFor[T]()
	typ := reflect.TypeFor[V]()
	f := &Field{
		name:  normalizeName(name),
		owner: owner,
		typ:   typ,
	}
	f.get = func(obj any) (any, error) {
		p, ok := obj.(*T)
		if !ok || p == nil {
			return nil, wrapSchemaErr(ErrOwnerMismatch, owner.String(), f.name, fmt.Errorf("got %T", obj))
		}
		return *ref(p), nil
	}
	f.set = func(obj any, v any) error {
		p, ok := obj.(*T)
		if !ok || p == nil {
			return wrapSchemaErr(ErrOwnerMismatch, owner.String(), f.name, fmt.Errorf("got %T", obj))
		}
		if v == nil {
			var zero V
			*ref(p) = zero
			return nil
		}
		if vv, ok := v.(V); ok {
			*ref(p) = vv
			return nil
		}
		rv := reflect.ValueOf(v)
		if rv.Type().ConvertibleTo(typ) && convertibleKinds(rv.Kind(), typ.Kind()) {
			*ref(p) = rv.Convert(typ).Interface().(V)
			return nil
		}
		return wrapSchemaErr(ErrValueMismatch, owner.String(), f.name, fmt.Errorf("want %s, got %T", typ, v))
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Computed builds a read-only field. Read-only fields are not writable and
// therefore never appear in a wire schema.
func Computed[T, V any](name string, get func(*T) V) *Field {
	owner := reflect.TypeFor[T]()
	f := &Field{
		name:  normalizeName(name),
		owner: owner,
		typ:   reflect.TypeFor[V](),
	}
	f.get = func(obj any) (any, error) {
		p, ok := obj.(*T)
		if !ok || p == nil {
			return nil, wrapSchemaErr(ErrOwnerMismatch, owner.String(), f.name, fmt.Errorf("got %T", obj))
		}
		return get(p), nil
	}
	return f
}

func (f *Field) Name() string       { return f.name }
func (f *Field) Type() reflect.Type { return f.typ }
func (f *Field) Writable() bool     { return f.set != nil }
func (f *Field) Ignored() bool      { return f.ignored }
func (f *Field) IsIdentity() bool   { return f.identity }

func (f *Field) Get(obj any) (any, error) {
	return f.get(obj)
}

func (f *Field) Set(obj any, v any) error {
	if f.set == nil {
		return wrapSchemaErr(ErrReadOnly, f.owner.String(), f.name, nil)
	}
	return f.set(obj, v)
}

var _ Accessor = (*Field)(nil)

func convertibleKinds(from, to reflect.Kind) bool {
	return isScalarKind(from) && isScalarKind(to) && (from == reflect.String) == (to == reflect.String)
}

func isScalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	}
	return false
}
