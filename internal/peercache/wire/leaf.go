package wire

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// LeafTag follows the Value token and selects the leaf encoding.
type LeafTag uint8

const (
	LeafBool LeafTag = iota + 1
	LeafInt8
	LeafInt16
	LeafInt32
	LeafInt64
	LeafUint8
	LeafUint16
	LeafUint32
	LeafUint64
	LeafFloat32
	LeafFloat64
	LeafString
	LeafBytes
	LeafTime
	LeafDuration
	LeafUUID
	LeafDecimal
	LeafULID
)

// LeafCustomBase is the first tag available to callers registering their own leaves.
const LeafCustomBase LeafTag = 0x80

// LeafCodec encodes one primitive type without going through a schema.
type LeafCodec interface {
	Tag() LeafTag
	Type() reflect.Type
	Append(dst []byte, v reflect.Value) ([]byte, error)
	// Decode returns the value and the number of bytes it occupied.
	Decode(data []byte) (any, int, error)
}

type leaf[T any] struct {
	tag LeafTag
	typ reflect.Type
	enc func(dst []byte, v T) ([]byte, error)
	dec func(data []byte) (T, int, error)
}

// NewLeaf builds a LeafCodec for T from an encode and a decode function.
func NewLeaf[T any](tag LeafTag, enc func(dst []byte, v T) ([]byte, error), dec func(data []byte) (T, int, error)) LeafCodec {
	return &leaf[T]{tag: tag, typ: reflect.TypeFor[T](), enc: enc, dec: dec}
}

func (l *leaf[T]) Tag() LeafTag       { return l.tag }
func (l *leaf[T]) Type() reflect.Type { return l.typ }

func (l *leaf[T]) Append(dst []byte, v reflect.Value) ([]byte, error) {
	if v.Type() != l.typ {
		if !v.Type().ConvertibleTo(l.typ) {
			return dst, codecErr(KindTypeMismatch, "leaf", 0, ErrTypeMismatch, "%s is not %s", v.Type(), l.typ)
		}
		v = v.Convert(l.typ)
	}
	return l.enc(dst, v.Interface().(T))
}

func (l *leaf[T]) Decode(data []byte) (any, int, error) {
	v, n, err := l.dec(data)
	if err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

// Leaves is the per-codec leaf registry, consulted before the object path.
type Leaves struct {
	mu     sync.RWMutex
	byType map[reflect.Type]LeafCodec
	byTag  map[LeafTag]LeafCodec
	byKind map[reflect.Kind]LeafCodec
}

// NewLeaves returns a registry holding the built-in leaves.
func NewLeaves() *Leaves {
	l := &Leaves{
		byType: make(map[reflect.Type]LeafCodec),
		byTag:  make(map[LeafTag]LeafCodec),
		byKind: make(map[reflect.Kind]LeafCodec),
	}
	for _, c := range builtinLeaves() {
		l.byType[c.Type()] = c
		l.byTag[c.Tag()] = c
	}
	for kind, typ := range map[reflect.Kind]reflect.Type{
		reflect.Bool:    reflect.TypeFor[bool](),
		reflect.Int:     reflect.TypeFor[int64](),
		reflect.Int8:    reflect.TypeFor[int8](),
		reflect.Int16:   reflect.TypeFor[int16](),
		reflect.Int32:   reflect.TypeFor[int32](),
		reflect.Int64:   reflect.TypeFor[int64](),
		reflect.Uint:    reflect.TypeFor[uint64](),
		reflect.Uint8:   reflect.TypeFor[uint8](),
		reflect.Uint16:  reflect.TypeFor[uint16](),
		reflect.Uint32:  reflect.TypeFor[uint32](),
		reflect.Uint64:  reflect.TypeFor[uint64](),
		reflect.Float32: reflect.TypeFor[float32](),
		reflect.Float64: reflect.TypeFor[float64](),
		reflect.String:  reflect.TypeFor[string](),
	} {
		l.byKind[kind] = l.byType[typ]
	}
	return l
}

// Register adds a custom leaf. Tags and types must be unused.
func (l *Leaves) Register(c LeafCodec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byTag[c.Tag()]; ok {
		return codecErr(KindUnsupported, "leaf_tag", 0, ErrUnsupported, "tag %d already registered", c.Tag())
	}
	if _, ok := l.byType[c.Type()]; ok {
		return codecErr(KindUnsupported, "leaf_type", 0, ErrUnsupported, "%s already registered", c.Type())
	}
	l.byType[c.Type()] = c
	l.byTag[c.Tag()] = c
	return nil
}

// ForType finds the leaf for t. Named types over a basic kind fall back to
// the leaf of that kind.
func (l *Leaves) ForType(t reflect.Type) (LeafCodec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.byType[t]; ok {
		return c, true
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return l.byTag[LeafBytes], true
	}
	c, ok := l.byKind[t.Kind()]
	return c, ok
}

func (l *Leaves) ForTag(tag LeafTag) (LeafCodec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.byTag[tag]
	return c, ok
}

// zeroTime marks time.Time{}, whose UnixNano is out of range. It is the
// bit pattern of math.MinInt64.
const zeroTime uint64 = 1 << 63

func builtinLeaves() []LeafCodec {
	return []LeafCodec{
		NewLeaf(LeafBool, func(dst []byte, v bool) ([]byte, error) {
			if v {
				return append(dst, 1), nil
			}
			return append(dst, 0), nil
		}, func(data []byte) (bool, int, error) {
			if err := need(data, 0, 1, "bool"); err != nil {
				return false, 0, err
			}
			return data[0] != 0, 1, nil
		}),
		NewLeaf(LeafInt8, func(dst []byte, v int8) ([]byte, error) {
			return append(dst, byte(v)), nil
		}, func(data []byte) (int8, int, error) {
			if err := need(data, 0, 1, "int8"); err != nil {
				return 0, 0, err
			}
			return int8(data[0]), 1, nil
		}),
		NewLeaf(LeafInt16, func(dst []byte, v int16) ([]byte, error) {
			return appendU16(dst, uint16(v)), nil
		}, func(data []byte) (int16, int, error) {
			v, err := u16le(data, 0, "int16")
			return int16(v), 2, err
		}),
		NewLeaf(LeafInt32, func(dst []byte, v int32) ([]byte, error) {
			return appendU32(dst, uint32(v)), nil
		}, func(data []byte) (int32, int, error) {
			v, err := u32le(data, 0, "int32")
			return int32(v), 4, err
		}),
		NewLeaf(LeafInt64, func(dst []byte, v int64) ([]byte, error) {
			return appendU64(dst, uint64(v)), nil
		}, func(data []byte) (int64, int, error) {
			v, err := u64le(data, 0, "int64")
			return int64(v), 8, err
		}),
		NewLeaf(LeafUint8, func(dst []byte, v uint8) ([]byte, error) {
			return append(dst, v), nil
		}, func(data []byte) (uint8, int, error) {
			if err := need(data, 0, 1, "uint8"); err != nil {
				return 0, 0, err
			}
			return data[0], 1, nil
		}),
		NewLeaf(LeafUint16, func(dst []byte, v uint16) ([]byte, error) {
			return appendU16(dst, v), nil
		}, func(data []byte) (uint16, int, error) {
			v, err := u16le(data, 0, "uint16")
			return v, 2, err
		}),
		NewLeaf(LeafUint32, func(dst []byte, v uint32) ([]byte, error) {
			return appendU32(dst, v), nil
		}, func(data []byte) (uint32, int, error) {
			v, err := u32le(data, 0, "uint32")
			return v, 4, err
		}),
		NewLeaf(LeafUint64, func(dst []byte, v uint64) ([]byte, error) {
			return appendU64(dst, v), nil
		}, func(data []byte) (uint64, int, error) {
			v, err := u64le(data, 0, "uint64")
			return v, 8, err
		}),
		NewLeaf(LeafFloat32, func(dst []byte, v float32) ([]byte, error) {
			return appendU32(dst, math.Float32bits(v)), nil
		}, func(data []byte) (float32, int, error) {
			v, err := u32le(data, 0, "float32")
			return math.Float32frombits(v), 4, err
		}),
		NewLeaf(LeafFloat64, func(dst []byte, v float64) ([]byte, error) {
			return appendU64(dst, math.Float64bits(v)), nil
		}, func(data []byte) (float64, int, error) {
			v, err := u64le(data, 0, "float64")
			return math.Float64frombits(v), 8, err
		}),
		NewLeaf(LeafString, func(dst []byte, v string) ([]byte, error) {
			dst = appendU32(dst, uint32(len(v))) //nolint:gosec
			return append(dst, v...), nil
		}, func(data []byte) (string, int, error) {
			raw, n, err := span(data, 0, "string")
			return string(raw), n, err
		}),
		NewLeaf(LeafBytes, func(dst []byte, v []byte) ([]byte, error) {
			dst = appendU32(dst, uint32(len(v))) //nolint:gosec
			return append(dst, v...), nil
		}, func(data []byte) ([]byte, int, error) {
			raw, n, err := span(data, 0, "bytes")
			if err != nil {
				return nil, 0, err
			}
			out := make([]byte, len(raw))
			copy(out, raw)
			return out, n, nil
		}),
		NewLeaf(LeafTime, func(dst []byte, v time.Time) ([]byte, error) {
			if v.IsZero() {
				dst = appendU64(dst, zeroTime)
				return appendU32(dst, 0), nil
			}
			_, offset := v.Zone()
			dst = appendU64(dst, uint64(v.UnixNano()))        //nolint:gosec
			return appendU32(dst, uint32(int32(offset))), nil //nolint:gosec
		}, func(data []byte) (time.Time, int, error) {
			nanos, err := u64le(data, 0, "time_nanos")
			if err != nil {
				return time.Time{}, 0, err
			}
			offset, err := u32le(data, 8, "time_offset")
			if err != nil {
				return time.Time{}, 0, err
			}
			if nanos == zeroTime {
				return time.Time{}, 12, nil
			}
			t := time.Unix(0, int64(nanos)) //nolint:gosec
			if off := int32(offset); off == 0 {
				t = t.UTC()
			} else {
				t = t.In(time.FixedZone("", int(off)))
			}
			return t, 12, nil
		}),
		NewLeaf(LeafDuration, func(dst []byte, v time.Duration) ([]byte, error) {
			return appendU64(dst, uint64(v)), nil //nolint:gosec
		}, func(data []byte) (time.Duration, int, error) {
			v, err := u64le(data, 0, "duration")
			return time.Duration(v), 8, err //nolint:gosec
		}),
		NewLeaf(LeafUUID, func(dst []byte, v uuid.UUID) ([]byte, error) {
			return append(dst, v[:]...), nil
		}, func(data []byte) (uuid.UUID, int, error) {
			var id uuid.UUID
			if err := need(data, 0, len(id), "uuid"); err != nil {
				return id, 0, err
			}
			copy(id[:], data)
			return id, len(id), nil
		}),
		NewLeaf(LeafDecimal, func(dst []byte, v apd.Decimal) ([]byte, error) {
			s := v.String()
			dst = appendU32(dst, uint32(len(s))) //nolint:gosec
			return append(dst, s...), nil
		}, func(data []byte) (apd.Decimal, int, error) {
			raw, n, err := span(data, 0, "decimal")
			if err != nil {
				return apd.Decimal{}, 0, err
			}
			d, _, err := apd.NewFromString(string(raw))
			if err != nil {
				return apd.Decimal{}, 0, codecErr(KindCorrupt, "decimal", LenSize, ErrCorrupt, "%v", err)
			}
			return *d, n, nil
		}),
		NewLeaf(LeafULID, func(dst []byte, v ulid.ULID) ([]byte, error) {
			return append(dst, v[:]...), nil
		}, func(data []byte) (ulid.ULID, int, error) {
			var id ulid.ULID
			if err := need(data, 0, len(id), "ulid"); err != nil {
				return id, 0, err
			}
			copy(id[:], data)
			return id, len(id), nil
		}),
	}
}

func (t LeafTag) String() string {
	switch t {
	case LeafBool:
		return "bool"
	case LeafInt8:
		return "int8"
	case LeafInt16:
		return "int16"
	case LeafInt32:
		return "int32"
	case LeafInt64:
		return "int64"
	case LeafUint8:
		return "uint8"
	case LeafUint16:
		return "uint16"
	case LeafUint32:
		return "uint32"
	case LeafUint64:
		return "uint64"
	case LeafFloat32:
		return "float32"
	case LeafFloat64:
		return "float64"
	case LeafString:
		return "string"
	case LeafBytes:
		return "bytes"
	case LeafTime:
		return "time"
	case LeafDuration:
		return "duration"
	case LeafUUID:
		return "uuid"
	case LeafDecimal:
		return "decimal"
	case LeafULID:
		return "ulid"
	default:
		return fmt.Sprintf("leaf(%d)", uint8(t))
	}
}
