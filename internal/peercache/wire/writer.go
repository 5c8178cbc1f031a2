package wire

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"sort"

	"github.com/julianstephens/go-utils/generic"

	"github.com/julianstephens/peercache/internal/peercache/schema"
)

var collectionType = reflect.TypeFor[Collection]()

// Writer appends values to one stream.
type Writer struct {
	codec   *Codec
	buf     []byte
	emitted map[string]struct{}
	depth   int
}

// Write appends one value. Several values may share a stream.
func (w *Writer) Write(v any) error {
	return w.writeValue(reflect.ValueOf(v))
}

// WriteWithSchema appends obj described by s.
func (w *Writer) WriteWithSchema(obj any, s *schema.TypeSchema) error {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		w.buf = append(w.buf, byte(Null))
		return nil
	}
	return w.writeObject(addressable(rv), s)
}

// Finish terminates the stream with Eof and returns it.
func (w *Writer) Finish() []byte {
	w.buf = append(w.buf, byte(Eof))
	return w.buf
}

// Bytes returns the stream written so far, without Eof.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) writeValue(rv reflect.Value) error {
	if !rv.IsValid() {
		w.buf = append(w.buf, byte(Null))
		return nil
	}
	if w.depth > MaxDepth {
		return codecErr(KindTooLarge, "depth", len(w.buf), ErrTooLarge, "nesting deeper than %d", MaxDepth)
	}
	w.depth++
	defer func() { w.depth-- }()

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			w.buf = append(w.buf, byte(Null))
			return nil
		}
		return w.writeValue(rv.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			w.buf = append(w.buf, byte(Null))
			return nil
		}
	}

	typ := rv.Type()
	if typ.Implements(collectionType) {
		return w.writeCollection(rv.Interface().(Collection))
	}
	if c, ok := w.codec.leaves.ForType(typ); ok {
		return w.writeLeaf(c, rv)
	}
	if typ.Kind() == reflect.Pointer && typ.Elem().Kind() == reflect.Pointer {
		return w.writeValue(rv.Elem())
	}
	if _, ok := w.codec.reg.Lookup(typ); ok {
		s, err := w.codec.schemas.GetOrBuild(typ)
		if err != nil {
			return err
		}
		return w.writeObject(addressable(rv), s)
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return w.writeValue(rv.Elem())
	case reflect.Slice, reflect.Array:
		return w.writeArray(rv)
	case reflect.Map:
		return w.writeMap(rv)
	}
	return codecErr(KindUnsupported, typ.String(), len(w.buf), ErrUnsupported, "no leaf codec or schema for %s", typ)
}

func (w *Writer) writeLeaf(c LeafCodec, rv reflect.Value) error {
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	w.buf = append(w.buf, byte(Value), byte(c.Tag()))
	buf, err := c.Append(w.buf, rv)
	if err != nil {
		return err
	}
	w.buf = buf
	return nil
}

func (w *Writer) writeHeader(s *schema.TypeSchema) error {
	name := s.WireName(w.codec.opts.FullSchemaNames)
	caching := w.codec.opts.CacheSchemas && w.emitted != nil
	if caching {
		if _, ok := w.emitted[name]; ok {
			w.buf = append(w.buf, byte(SchemaRef))
			buf, err := appendName(w.buf, name, "schema_ref")
			w.buf = buf
			return err
		}
	}

	var err error
	w.buf = append(w.buf, byte(SchemaBegin), byte(SchemaName))
	if w.buf, err = appendName(w.buf, name, generic.If(caching, "cached_schema_name", "schema_name")); err != nil {
		return err
	}
	for _, f := range s.Fields {
		w.buf = append(w.buf, byte(SchemaEntry))
		w.buf = appendU16(w.buf, f.Index)
		if w.buf, err = appendName(w.buf, f.Name, "entry_name"); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(SchemaEnd))
	if caching {
		w.emitted[name] = struct{}{}
	}
	return nil
}

// writeObject expects ptr to be a pointer to the schema's type.
func (w *Writer) writeObject(ptr reflect.Value, s *schema.TypeSchema) error {
	if err := w.writeHeader(s); err != nil {
		return err
	}
	obj := ptr.Interface()
	w.buf = append(w.buf, byte(ObjectBegin))
	for _, f := range s.Fields {
		v, err := f.Field.Get(obj)
		if err != nil {
			return err
		}
		w.buf = append(w.buf, byte(ObjectEntry))
		w.buf = appendU16(w.buf, f.Index)
		if err := w.nested(func() error { return w.writeValue(reflect.ValueOf(v)) }); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(ObjectEnd))
	return nil
}

// nested writes a u32 length placeholder, runs fn and backfills the length.
func (w *Writer) nested(fn func() error) error {
	at := len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
	if err := fn(); err != nil {
		return err
	}
	n := len(w.buf) - at - LenSize
	if n > int(^uint32(0)) {
		return codecErr(KindTooLarge, "entry_len", at, ErrTooLarge, "%d bytes", n)
	}
	binary.LittleEndian.PutUint32(w.buf[at:at+LenSize], uint32(n)) //nolint:gosec
	return nil
}

func (w *Writer) writeArray(rv reflect.Value) error {
	w.buf = append(w.buf, byte(ArrayBegin), byte(ArrayLength))
	w.buf = appendU32(w.buf, uint32(rv.Len())) //nolint:gosec
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i)
		w.buf = append(w.buf, byte(ArrayEntry))
		if err := w.nested(func() error { return w.writeValue(item) }); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(ArrayEnd))
	return nil
}

func (w *Writer) writeCollection(c Collection) error {
	items := c.Items()
	w.buf = append(w.buf, byte(ArrayBegin))
	for _, item := range items {
		w.buf = append(w.buf, byte(ArrayEntry))
		if err := w.nested(func() error { return w.writeValue(reflect.ValueOf(item)) }); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(ArrayEnd))
	return nil
}

// writeMap writes a dictionary as an array of KeyValue carriers ordered by
// the encoded key.
func (w *Writer) writeMap(rv reflect.Value) error {
	type entry struct {
		key  []byte
		k, v reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		scratch := &Writer{codec: w.codec}
		if err := scratch.writeValue(iter.Key()); err != nil {
			return err
		}
		entries = append(entries, entry{key: scratch.buf, k: iter.Key(), v: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	kvSchema, err := w.codec.schemas.GetOrBuild(reflect.TypeFor[KeyValue]())
	if err != nil {
		return err
	}
	w.buf = append(w.buf, byte(ArrayBegin), byte(ArrayLength))
	w.buf = appendU32(w.buf, uint32(len(entries))) //nolint:gosec
	for _, e := range entries {
		kv := &KeyValue{Key: e.k.Interface(), Value: e.v.Interface()}
		w.buf = append(w.buf, byte(ArrayEntry))
		if err := w.nested(func() error { return w.writeObject(reflect.ValueOf(kv), kvSchema) }); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(ArrayEnd))
	return nil
}

// addressable returns a pointer to rv's value, copying when rv is not
// addressable.
func addressable(rv reflect.Value) reflect.Value {
	if rv.Kind() == reflect.Pointer {
		return rv
	}
	if rv.CanAddr() {
		return rv.Addr()
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p
}
