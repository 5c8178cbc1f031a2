package schema

import (
	"reflect"
	"sync"
)

// SchemaField is one serializable field with its session index.
type SchemaField struct {
	Index uint16
	Name  string
	Field *Field
}

// TypeSchema is the ordered, indexed set of fields written for a type.
type TypeSchema struct {
	Type   *Type
	Fields []SchemaField
	byName map[string]int
}

// WireName is the name written into SchemaName.
func (s *TypeSchema) WireName(full bool) string {
	if full {
		return s.Type.FullName()
	}
	return s.Type.Name()
}

// Lookup finds a field of the schema by name.
func (s *TypeSchema) Lookup(name string) (SchemaField, bool) {
	i, ok := s.byName[normalizeName(name)]
	if !ok {
		return SchemaField{}, false
	}
	return s.Fields[i], true
}

// Cache builds TypeSchemas on first use and hands back the cached copy after.
type Cache struct {
	reg     *Registry
	mu      sync.RWMutex
	schemas map[reflect.Type]*TypeSchema
}

func NewCache(reg *Registry) *Cache {
	return &Cache{
		reg:     reg,
		schemas: make(map[reflect.Type]*TypeSchema),
	}
}

func (c *Cache) Registry() *Registry { return c.reg }

// GetOrBuild returns the schema of typ. Writable fields not marked Ignore are
// indexed from zero in declaration order.
func (c *Cache) GetOrBuild(typ reflect.Type) (*TypeSchema, error) {
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	c.mu.RLock()
	s, ok := c.schemas[typ]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	t, ok := c.reg.Lookup(typ)
	if !ok {
		name := "<nil>"
		if typ != nil {
			name = typ.String()
		}
		return nil, wrapSchemaErr(ErrUnregistered, name, "", nil)
	}
	s = build(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.schemas[typ]; ok {
		return existing, nil
	}
	c.schemas[typ] = s
	return s, nil
}

// ForType is GetOrBuild for an already resolved registry entry.
func (c *Cache) ForType(t *Type) *TypeSchema {
	s, err := c.GetOrBuild(t.goType)
	if err != nil {
		// t came from the same registry, so lookup cannot fail.
		return build(t)
	}
	return s
}

func build(t *Type) *TypeSchema {
	s := &TypeSchema{Type: t, byName: make(map[string]int)}
	for _, f := range t.fields {
		if !f.Writable() || f.Ignored() {
			continue
		}
		s.byName[f.name] = len(s.Fields)
		s.Fields = append(s.Fields, SchemaField{
			Index: uint16(len(s.Fields)),
			Name:  f.name,
			Field: f,
		})
	}
	return s
}
