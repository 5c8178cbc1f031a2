package wire

import (
	"io"
	"reflect"
	"slices"

	"github.com/julianstephens/peercache/internal/peercache/schema"
)

var keyValuePtr = reflect.TypeFor[*KeyValue]()

// session is the state shared by a reader and the sub-readers it spawns for
// nested values.
type session struct {
	codec *Codec
	refs  map[string]*schema.Binding
	depth int
}

// Reader consumes one token stream.
type Reader struct {
	data []byte
	pos  int
	sess *session
}

// Remaining reports the unread byte count.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// PeekToken returns the next token without consuming it. End of input reads
// as Eof. Bytes above Value are corruption.
func (r *Reader) PeekToken() (Token, error) {
	if r.pos >= len(r.data) {
		return Eof, nil
	}
	t := Token(r.data[r.pos])
	if !t.Valid() {
		return t, codecErr(KindUnknownToken, "token", r.pos, ErrUnknownToken, "0x%02x", byte(t))
	}
	return t, nil
}

// Read decodes the next value. expected may be nil. At Eof it returns io.EOF.
func (r *Reader) Read(expected reflect.Type) (any, error) {
	tok, err := r.PeekToken()
	if err != nil {
		return nil, err
	}
	if tok == Eof {
		return nil, io.EOF
	}
	v, err := r.readValue(expected, reflect.Value{})
	if err != nil {
		return nil, err
	}
	return iface(v), nil
}

// ReadInto decodes the next object onto target, a non-nil pointer to a
// registered type.
func (r *Reader) ReadInto(target any) error {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return codecErr(KindUnsupported, "target", r.pos, ErrUnsupported, "target must be a non-nil pointer, got %T", target)
	}
	tok, err := r.PeekToken()
	if err != nil {
		return err
	}
	switch tok {
	case Eof:
		return io.EOF
	case SchemaBegin, SchemaRef:
		_, err := r.readObject(rv.Type(), rv)
		return err
	default:
		return codecErr(KindTypeMismatch, "target", r.pos, ErrTypeMismatch, "expected object, found %s", tok)
	}
}

func (r *Reader) readValue(expected reflect.Type, existing reflect.Value) (reflect.Value, error) {
	tok, err := r.PeekToken()
	if err != nil {
		return reflect.Value{}, err
	}
	var v reflect.Value
	switch tok {
	case Eof:
		// An empty sub-stream or a stream cut short reads as absent.
	case Null:
		r.pos++
	case Value:
		if v, err = r.readLeaf(); err != nil {
			return reflect.Value{}, err
		}
	case SchemaBegin, SchemaRef:
		if v, err = r.readObject(expected, reflect.Value{}); err != nil {
			return reflect.Value{}, err
		}
	case ArrayBegin:
		if v, err = r.readArray(expected, existing); err != nil {
			return reflect.Value{}, err
		}
	default:
		return reflect.Value{}, codecErr(KindCorrupt, "token", r.pos, ErrCorrupt, "unexpected %s", tok)
	}
	if expected == nil {
		return v, nil
	}
	out, err := conform(v, expected)
	if err != nil {
		if ce, ok := AsCodecError(err); ok {
			ce.At = r.pos
		}
		return reflect.Value{}, err
	}
	return out, nil
}

func (r *Reader) readLeaf() (reflect.Value, error) {
	r.pos++
	if err := need(r.data, r.pos, 1, "leaf_tag"); err != nil {
		return reflect.Value{}, err
	}
	tag := LeafTag(r.data[r.pos])
	c, ok := r.sess.codec.leaves.ForTag(tag)
	if !ok {
		return reflect.Value{}, codecErr(KindUnknownLeaf, "leaf_tag", r.pos, ErrUnknownLeaf, "tag %d", uint8(tag))
	}
	r.pos++
	v, n, err := c.Decode(r.data[r.pos:])
	if err != nil {
		if ce, ok := AsCodecError(err); ok {
			ce.At += r.pos
		}
		return reflect.Value{}, err
	}
	r.pos += n
	return reflect.ValueOf(v), nil
}

func (r *Reader) readHeader() (*schema.Binding, error) {
	tok := Token(r.data[r.pos])
	r.pos++
	if tok == SchemaRef {
		n, size, err := name(r.data, r.pos, "schema_ref")
		if err != nil {
			return nil, err
		}
		b, ok := r.sess.refs[n]
		if !ok {
			return nil, codecErr(KindCorrupt, "schema_ref", r.pos, ErrCorrupt, "reference to undefined schema %q", n)
		}
		r.pos += size
		return b, nil
	}

	if t, err := r.PeekToken(); err != nil {
		return nil, err
	} else if t != SchemaName {
		return nil, codecErr(KindCorrupt, "schema_name", r.pos, ErrCorrupt, "expected SchemaName, found %s", t)
	}
	r.pos++
	wireName, size, err := name(r.data, r.pos, "schema_name")
	if err != nil {
		return nil, err
	}
	r.pos += size

	var entries []schema.WireEntry
	for {
		if r.pos >= len(r.data) {
			return nil, need(r.data, r.pos, TokenSize, "schema_end")
		}
		t, err := r.PeekToken()
		if err != nil {
			return nil, err
		}
		switch t {
		case SchemaEntry:
			r.pos++
			idx, err := u16le(r.data, r.pos, "entry_index")
			if err != nil {
				return nil, err
			}
			r.pos += IndexSize
			fieldName, size, err := name(r.data, r.pos, "entry_name")
			if err != nil {
				return nil, err
			}
			r.pos += size
			entries = append(entries, schema.WireEntry{Index: idx, Name: fieldName})
		case SchemaEnd:
			r.pos++
			b := r.sess.bind(wireName, entries)
			r.sess.refs[wireName] = b
			return b, nil
		default:
			return nil, codecErr(KindCorrupt, "schema_entry", r.pos, ErrCorrupt, "unexpected %s in schema", t)
		}
	}
}

// bind reuses the codec-wide binding for name when the wire entries match.
func (s *session) bind(wireName string, entries []schema.WireEntry) *schema.Binding {
	bindings := s.codec.bindings
	if cached, ok := bindings.Get(wireName); ok && slices.Equal(cached.Entries, entries) {
		return cached
	}
	t, _ := s.codec.reg.LookupName(wireName)
	b := schema.Bind(wireName, entries, t)
	bindings.Put(b)
	return b
}

// resolve picks the local type an object is built as. The wire type wins
// when known locally; otherwise fields are bound by name to the expected
// (or target) type.
func (r *Reader) resolve(b *schema.Binding, expected reflect.Type, into reflect.Value) (*schema.Binding, error) {
	reg := r.sess.codec.reg
	if into.IsValid() {
		t, ok := reg.Lookup(into.Type())
		if !ok {
			return nil, codecErr(KindUnsupported, "target", r.pos, ErrUnsupported, "%s is not registered", into.Type())
		}
		if b.Type == t {
			return b, nil
		}
		return b.Rebind(t), nil
	}
	if b.Type != nil {
		return b, nil
	}
	if expected != nil {
		if t, ok := reg.Lookup(expected); ok {
			return b.Rebind(t), nil
		}
	}
	return nil, codecErr(KindUnknownType, "schema_name", r.pos, ErrUnknownType, "%q", b.Name)
}

func (r *Reader) enter() error {
	if r.sess.depth >= MaxDepth {
		return codecErr(KindCorrupt, "depth", r.pos, ErrCorrupt, "nesting deeper than %d", MaxDepth)
	}
	r.sess.depth++
	return nil
}

func (r *Reader) leave() { r.sess.depth-- }

func (r *Reader) readObject(expected reflect.Type, into reflect.Value) (reflect.Value, error) {
	if err := r.enter(); err != nil {
		return reflect.Value{}, err
	}
	defer r.leave()

	b, err := r.readHeader()
	if err != nil {
		return reflect.Value{}, err
	}
	if b, err = r.resolve(b, expected, into); err != nil {
		return reflect.Value{}, err
	}

	obj := into
	if !obj.IsValid() {
		obj = reflect.ValueOf(b.Type.New())
	}
	target := obj.Interface()

	if t, err := r.PeekToken(); err != nil {
		return reflect.Value{}, err
	} else if t != ObjectBegin {
		return reflect.Value{}, codecErr(KindCorrupt, "object_begin", r.pos, ErrCorrupt, "expected ObjectBegin, found %s", t)
	}
	r.pos++

	for {
		t, err := r.PeekToken()
		if err != nil {
			return reflect.Value{}, err
		}
		switch t {
		case ObjectEntry:
			r.pos++
			idx, err := u16le(r.data, r.pos, "entry_index")
			if err != nil {
				return reflect.Value{}, err
			}
			r.pos += IndexSize
			sub, size, err := span(r.data, r.pos, "entry_len")
			if err != nil {
				return reflect.Value{}, err
			}
			r.pos += size

			f := b.Field(idx)
			if f == nil {
				continue
			}
			var existing reflect.Value
			if f.Type().Implements(collectionType) {
				if cur, err := f.Get(target); err == nil && cur != nil {
					if cv := reflect.ValueOf(cur); cv.Kind() == reflect.Pointer && !cv.IsNil() {
						existing = cv
					}
				}
			}
			sr := &Reader{data: sub, sess: r.sess}
			v, err := sr.readValue(f.Type(), existing)
			if err != nil {
				if ce, ok := AsCodecError(err); ok && (ce.Field == "value" || ce.Field == "") {
					ce.Field = f.Name()
				}
				return reflect.Value{}, err
			}
			if err := f.Set(target, iface(v)); err != nil {
				return reflect.Value{}, err
			}
		case ObjectEnd:
			r.pos++
			return obj, nil
		case Eof:
			return obj, nil
		default:
			return reflect.Value{}, codecErr(KindCorrupt, "object_entry", r.pos, ErrCorrupt, "unexpected %s in object", t)
		}
	}
}

func (r *Reader) readArray(expected reflect.Type, existing reflect.Value) (reflect.Value, error) {
	if err := r.enter(); err != nil {
		return reflect.Value{}, err
	}
	defer r.leave()
	r.pos++

	n := -1
	if t, err := r.PeekToken(); err != nil {
		return reflect.Value{}, err
	} else if t == ArrayLength {
		r.pos++
		v, err := u32le(r.data, r.pos, "array_length")
		if err != nil {
			return reflect.Value{}, err
		}
		r.pos += LenSize
		n = int(v)
	}
	// Every entry takes at least a token and a length.
	capHint := 0
	if n > 0 {
		capHint = min(n, r.Remaining()/(TokenSize+LenSize))
	}

	s := newSink(expected, existing, capHint)
	for {
		t, err := r.PeekToken()
		if err != nil {
			return reflect.Value{}, err
		}
		switch t {
		case ArrayEntry:
			r.pos++
			sub, size, err := span(r.data, r.pos, "entry_len")
			if err != nil {
				return reflect.Value{}, err
			}
			r.pos += size
			sr := &Reader{data: sub, sess: r.sess}
			v, err := sr.readValue(s.itemType, reflect.Value{})
			if err != nil {
				return reflect.Value{}, err
			}
			if err := s.add(v); err != nil {
				return reflect.Value{}, err
			}
		case ArrayEnd:
			r.pos++
			return s.result(), nil
		case Eof:
			return s.result(), nil
		default:
			return reflect.Value{}, codecErr(KindCorrupt, "array_entry", r.pos, ErrCorrupt, "unexpected %s in array", t)
		}
	}
}

// sink collects array items into the container the caller expects.
type sink struct {
	itemType reflect.Type
	coll     Collection
	out      reflect.Value
	i        int
}

func newSink(expected reflect.Type, existing reflect.Value, capHint int) *sink {
	if existing.IsValid() {
		if c, ok := existing.Interface().(Collection); ok {
			return &sink{itemType: c.ItemType(), coll: c, out: existing}
		}
	}
	if expected != nil {
		switch {
		case expected.Kind() == reflect.Pointer && expected.Implements(collectionType):
			p := reflect.New(expected.Elem())
			c := p.Interface().(Collection)
			return &sink{itemType: c.ItemType(), coll: c, out: p}
		case expected.Kind() == reflect.Slice:
			return &sink{itemType: expected.Elem(), out: reflect.MakeSlice(expected, 0, capHint)}
		case expected.Kind() == reflect.Array:
			return &sink{itemType: expected.Elem(), out: reflect.New(expected).Elem()}
		case expected.Kind() == reflect.Map:
			return &sink{itemType: keyValuePtr, out: reflect.MakeMapWithSize(expected, capHint)}
		}
	}
	return &sink{out: reflect.ValueOf(make([]any, 0, capHint))}
}

func (s *sink) add(v reflect.Value) error {
	if s.coll != nil {
		item := iface(v)
		if nc, ok := s.coll.(NamedCollection); ok {
			if named, ok := item.(schema.Named); ok {
				return nc.Upsert(named)
			}
		}
		return s.coll.Append(item)
	}
	switch s.out.Kind() {
	case reflect.Map:
		kv, ok := iface(v).(*KeyValue)
		if !ok || kv == nil {
			return codecErr(KindTypeMismatch, "dictionary_entry", 0, ErrTypeMismatch, "expected KeyValue")
		}
		return putEntry(s.out, kv)
	case reflect.Array:
		if s.i < s.out.Len() {
			s.out.Index(s.i).Set(v)
		}
		s.i++
		return nil
	default:
		if !v.IsValid() {
			v = reflect.Zero(s.out.Type().Elem())
		}
		s.out = reflect.Append(s.out, v)
		return nil
	}
}

func (s *sink) result() reflect.Value { return s.out }

func iface(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
