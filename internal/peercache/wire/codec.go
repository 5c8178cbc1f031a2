package wire

import (
	"io"
	"reflect"

	"github.com/julianstephens/peercache/internal/peercache/schema"
)

// KeyValue carries one dictionary entry on the wire.
type KeyValue struct {
	Key   any
	Value any
}

const (
	KeyValueName      = "KeyValue"
	KeyValueNamespace = "peercache"
)

// Options tune how a Codec writes. Readers accept either form.
type Options struct {
	// FullSchemaNames writes Namespace.Name instead of the short name.
	FullSchemaNames bool
	// CacheSchemas writes a SchemaRef for a schema already emitted in the
	// same stream instead of repeating its entries.
	CacheSchemas bool
}

// Codec writes and reads token streams for the types in its registry.
type Codec struct {
	reg      *schema.Registry
	schemas  *schema.Cache
	leaves   *Leaves
	bindings *schema.BindingCache
	opts     Options
}

// New builds a codec over reg. The dictionary carrier type is registered
// into reg when missing.
func New(reg *schema.Registry, opts Options) (*Codec, error) {
	if _, ok := reg.Lookup(reflect.TypeFor[KeyValue]()); !ok {
		_, err := schema.Register(reg, schema.TypeDef[KeyValue]{
			Name:      KeyValueName,
			Namespace: KeyValueNamespace,
			Fields: []*schema.Field{
				schema.NewField("Key", func(kv *KeyValue) *any { return &kv.Key }),
				schema.NewField("Value", func(kv *KeyValue) *any { return &kv.Value }),
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return &Codec{
		reg:      reg,
		schemas:  schema.NewCache(reg),
		leaves:   NewLeaves(),
		bindings: schema.NewBindingCache(),
		opts:     opts,
	}, nil
}

func (c *Codec) Registry() *schema.Registry { return c.reg }
func (c *Codec) Schemas() *schema.Cache     { return c.schemas }
func (c *Codec) Leaves() *Leaves            { return c.leaves }
func (c *Codec) Options() Options           { return c.opts }

// NewWriter starts a stream. Schema caching is scoped to one writer.
func (c *Codec) NewWriter() *Writer {
	return &Writer{codec: c, emitted: make(map[string]struct{})}
}

// NewReader starts reading a stream.
func (c *Codec) NewReader(data []byte) *Reader {
	return &Reader{data: data, sess: &session{codec: c, refs: make(map[string]*schema.Binding)}}
}

// Marshal writes v followed by Eof.
func (c *Codec) Marshal(v any) ([]byte, error) {
	w := c.NewWriter()
	if err := w.Write(v); err != nil {
		return nil, err
	}
	return w.Finish(), nil
}

// MarshalWithSchema writes obj using s instead of the schema of its type.
func (c *Codec) MarshalWithSchema(obj any, s *schema.TypeSchema) ([]byte, error) {
	w := c.NewWriter()
	if err := w.WriteWithSchema(obj, s); err != nil {
		return nil, err
	}
	return w.Finish(), nil
}

// Unmarshal reads the first value of data. expected may be nil, in which case
// the stream alone decides the result type. An empty stream yields io.EOF.
func (c *Codec) Unmarshal(data []byte, expected reflect.Type) (any, error) {
	return c.NewReader(data).Read(expected)
}

// UnmarshalInto reads the first object of data onto target, which must be a
// pointer to a registered type. Named collections already held by target are
// updated in place.
func (c *Codec) UnmarshalInto(data []byte, target any) error {
	return c.NewReader(data).ReadInto(target)
}

// ReadAll reads values until Eof.
func (c *Codec) ReadAll(data []byte, expected reflect.Type) ([]any, error) {
	r := c.NewReader(data)
	var out []any
	for {
		v, err := r.Read(expected)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Decode reads the first value of data as a T.
func Decode[T any](c *Codec, data []byte) (T, error) {
	var zero T
	v, err := c.Unmarshal(data, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}
