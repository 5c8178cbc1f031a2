package wire

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes one line per token of data to out. It needs no registered
// types; leaf values are printed when the leaf tag is known.
func (c *Codec) Dump(data []byte, out io.Writer) error {
	d := &dumper{codec: c, out: out}
	return d.walk(data, 0, 0)
}

type dumper struct {
	codec *Codec
	out   io.Writer
}

func (d *dumper) line(depth, at int, format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, "%06d %s%s\n", at, strings.Repeat("  ", depth), fmt.Sprintf(format, args...))
}

func (d *dumper) walk(data []byte, base, depth int) error {
	if depth > MaxDepth {
		return codecErr(KindCorrupt, "depth", base, ErrCorrupt, "nesting deeper than %d", MaxDepth)
	}
	pos := 0
	for pos < len(data) {
		at := base + pos
		t := Token(data[pos])
		if !t.Valid() {
			return codecErr(KindUnknownToken, "token", at, ErrUnknownToken, "0x%02x", byte(t))
		}
		pos++
		switch t {
		case Eof, Null, SchemaBegin, SchemaEnd, ObjectBegin, ObjectEnd, ArrayBegin, ArrayEnd:
			d.line(depth, at, "%s", t)
			if t == Eof {
				return nil
			}
		case SchemaName, SchemaRef:
			n, size, err := name(data, pos, "schema_name")
			if err != nil {
				return err
			}
			pos += size
			d.line(depth, at, "%s %q", t, n)
		case SchemaEntry:
			idx, err := u16le(data, pos, "entry_index")
			if err != nil {
				return err
			}
			pos += IndexSize
			n, size, err := name(data, pos, "entry_name")
			if err != nil {
				return err
			}
			pos += size
			d.line(depth+1, at, "%s %d %q", t, idx, n)
		case ArrayLength:
			n, err := u32le(data, pos, "array_length")
			if err != nil {
				return err
			}
			pos += LenSize
			d.line(depth, at, "%s %d", t, n)
		case ObjectEntry:
			idx, err := u16le(data, pos, "entry_index")
			if err != nil {
				return err
			}
			pos += IndexSize
			sub, size, err := span(data, pos, "entry_len")
			if err != nil {
				return err
			}
			d.line(depth+1, at, "%s %d len=%d", t, idx, len(sub))
			if err := d.walk(sub, base+pos+LenSize, depth+2); err != nil {
				return err
			}
			pos += size
		case ArrayEntry:
			sub, size, err := span(data, pos, "entry_len")
			if err != nil {
				return err
			}
			d.line(depth+1, at, "%s len=%d", t, len(sub))
			if err := d.walk(sub, base+pos+LenSize, depth+2); err != nil {
				return err
			}
			pos += size
		case Value:
			if err := need(data, pos, 1, "leaf_tag"); err != nil {
				return err
			}
			tag := LeafTag(data[pos])
			pos++
			c, ok := d.codec.leaves.ForTag(tag)
			if !ok {
				return codecErr(KindUnknownLeaf, "leaf_tag", base+pos-1, ErrUnknownLeaf, "tag %d", uint8(tag))
			}
			v, n, err := c.Decode(data[pos:])
			if err != nil {
				return err
			}
			pos += n
			d.line(depth, at, "%s %s %v", t, tag, v)
		}
	}
	return nil
}
