package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// TypeDef describes a record type at registration time.
type TypeDef[T any] struct {
	// Name is the short wire name. Defaults to the Go type name.
	Name string
	// Namespace prefixes Name to form the full wire name.
	Namespace string
	// New constructs an empty instance. Defaults to new(T).
	New    func() *T
	Fields []*Field
}

// Type is a registered record type.
type Type struct {
	name      string
	namespace string
	goType    reflect.Type
	newFn     func() any
	fields    []*Field
	byName    map[string]*Field
	identity  *Field
}

func (t *Type) Name() string         { return t.name }
func (t *Type) Namespace() string    { return t.namespace }
func (t *Type) GoType() reflect.Type { return t.goType }
func (t *Type) Fields() []*Field     { return t.fields }
func (t *Type) Identity() *Field     { return t.identity }

// FullName is Namespace.Name, or Name when no namespace was given.
func (t *Type) FullName() string {
	if t.namespace == "" {
		return t.name
	}
	return t.namespace + "." + t.name
}

// New returns a pointer to a fresh instance.
func (t *Type) New() any {
	return t.newFn()
}

// Field returns the field registered under name.
func (t *Type) Field(name string) (*Field, bool) {
	f, ok := t.byName[normalizeName(name)]
	return f, ok
}

// IdentityOf reads the identity field of obj. It returns nil when the type
// has no identity field.
func (t *Type) IdentityOf(obj any) (any, error) {
	if t.identity == nil {
		return nil, nil
	}
	return t.identity.Get(obj)
}

// Registry holds registered record types, keyed by Go type and by wire name.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Type
	byName map[string]*Type
}

func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*Type),
		byName: make(map[string]*Type),
	}
}

// Register adds T to r. Both the short and the full name resolve to the
// returned Type.
func Register[T any](r *Registry, def TypeDef[T]) (*Type, error) {
	goType := reflect.TypeFor[T]()
	name := def.Name
	if name == "" {
		name = goType.Name()
	}
	name = normalizeName(name)
	if name == "" {
		return nil, wrapSchemaErr(ErrInvalidDef, goType.String(), "", fmt.Errorf("type has no name"))
	}
	if len(def.Fields) > maxFields {
		return nil, wrapSchemaErr(ErrTooManyFields, goType.String(), "", fmt.Errorf("%d fields", len(def.Fields)))
	}

	t := &Type{
		name:      name,
		namespace: normalizeName(def.Namespace),
		goType:    goType,
		byName:    make(map[string]*Field, len(def.Fields)),
	}
	newFn := def.New
	if newFn == nil {
		newFn = func() *T { return new(T) }
	}
	t.newFn = func() any { return newFn() }

	for _, f := range def.Fields {
		if f == nil {
			return nil, wrapSchemaErr(ErrInvalidDef, goType.String(), "", fmt.Errorf("nil field"))
		}
		if f.owner != goType {
			return nil, wrapSchemaErr(ErrOwnerMismatch, goType.String(), f.name, fmt.Errorf("field belongs to %s", f.owner))
		}
		if f.name == "" {
			return nil, wrapSchemaErr(ErrInvalidDef, goType.String(), "", fmt.Errorf("field has no name"))
		}
		if _, dup := t.byName[f.name]; dup {
			return nil, wrapSchemaErr(ErrInvalidDef, goType.String(), f.name, fmt.Errorf("duplicate field"))
		}
		if f.identity {
			if t.identity != nil {
				return nil, wrapSchemaErr(ErrInvalidDef, goType.String(), f.name, fmt.Errorf("second identity field"))
			}
			t.identity = f
		}
		t.fields = append(t.fields, f)
		t.byName[f.name] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[goType]; ok {
		return nil, wrapSchemaErr(ErrDuplicateType, goType.String(), "", nil)
	}
	for _, n := range t.names() {
		if other, ok := r.byName[n]; ok {
			return nil, wrapSchemaErr(ErrDuplicateName, goType.String(), "", fmt.Errorf("%q already used by %s", n, other.goType))
		}
	}
	r.byType[goType] = t
	for _, n := range t.names() {
		r.byName[n] = t
	}
	return t, nil
}

// MustRegister is Register for package-level setup; it panics on error.
func MustRegister[T any](r *Registry, def TypeDef[T]) *Type {
	t, err := Register(r, def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type) names() []string {
	if t.namespace == "" {
		return []string{t.name}
	}
	return []string{t.name, t.FullName()}
}

// Lookup resolves a Go type. Pointer types resolve to their element type.
func (r *Registry) Lookup(typ reflect.Type) (*Type, bool) {
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byType[typ]
	return t, ok
}

// LookupName resolves a short or full wire name.
func (r *Registry) LookupName(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[normalizeName(name)]
	return t, ok
}

// Types returns every registered type ordered by full name.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	out := make([]*Type, 0, len(r.byType))
	for _, t := range r.byType {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

const maxFields = 1 << 16

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
