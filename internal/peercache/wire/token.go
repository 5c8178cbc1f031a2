package wire

import "fmt"

// Token is a single-byte structural marker. Values are append-only; a new
// token always takes the next unused value.
type Token byte

const (
	Eof Token = iota
	Null
	SchemaBegin
	SchemaName
	SchemaEntry
	SchemaEnd
	ObjectBegin
	ObjectEntry
	ObjectEnd
	ArrayBegin
	ArrayLength
	ArrayEntry
	ArrayEnd
	SchemaRef
	Value
)

const (
	// TokenSize is the width of a token on the wire.
	TokenSize = 1
	// IndexSize is the width of a field index.
	IndexSize = 2
	// NameLenSize prefixes every schema and field name.
	NameLenSize = 2
	// LenSize prefixes every nested sub-stream and variable-length leaf.
	LenSize = 4
	// MaxNameLen is the longest name a u16 prefix can carry.
	MaxNameLen = 1<<16 - 1
	// MaxDepth bounds object and array nesting while reading and writing.
	MaxDepth = 64
)

// Valid reports whether t is a known token.
func (t Token) Valid() bool {
	return t <= Value
}

func (t Token) String() string {
	switch t {
	case Eof:
		return "Eof"
	case Null:
		return "Null"
	case SchemaBegin:
		return "SchemaBegin"
	case SchemaName:
		return "SchemaName"
	case SchemaEntry:
		return "SchemaEntry"
	case SchemaEnd:
		return "SchemaEnd"
	case ObjectBegin:
		return "ObjectBegin"
	case ObjectEntry:
		return "ObjectEntry"
	case ObjectEnd:
		return "ObjectEnd"
	case ArrayBegin:
		return "ArrayBegin"
	case ArrayLength:
		return "ArrayLength"
	case ArrayEntry:
		return "ArrayEntry"
	case ArrayEnd:
		return "ArrayEnd"
	case SchemaRef:
		return "SchemaRef"
	case Value:
		return "Value"
	default:
		return fmt.Sprintf("Token(0x%02x)", byte(t))
	}
}
