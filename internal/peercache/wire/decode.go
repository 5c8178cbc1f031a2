package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// Helpers shared by the reader, leaf codecs and the dumper.

func need(data []byte, at, want int, field string) error {
	if at < 0 {
		at = 0
	}
	have := len(data) - at
	if have >= want {
		return nil
	}
	return &CodecError{
		Kind:  KindTruncated,
		Field: field,
		At:    at,
		Want:  want,
		Have:  have,
		Err:   ErrTruncated,
	}
}

func u16le(data []byte, at int, field string) (uint16, error) {
	if err := need(data, at, 2, field); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data[at : at+2]), nil
}

func u32le(data []byte, at int, field string) (uint32, error) {
	if err := need(data, at, 4, field); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data[at : at+4]), nil
}

func u64le(data []byte, at int, field string) (uint64, error) {
	if err := need(data, at, 8, field); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[at : at+8]), nil
}

// name reads a u16 length-prefixed UTF-8 string and returns it with the
// number of bytes consumed.
func name(data []byte, at int, field string) (string, int, error) {
	n, err := u16le(data, at, field)
	if err != nil {
		return "", 0, err
	}
	start := at + NameLenSize
	if err := need(data, start, int(n), field); err != nil {
		return "", 0, err
	}
	raw := data[start : start+int(n)]
	if !utf8.Valid(raw) {
		return "", 0, &CodecError{
			Kind:  KindCorrupt,
			Field: field,
			At:    start,
			Err:   ErrCorrupt,
		}
	}
	return string(raw), NameLenSize + int(n), nil
}

// span reads a u32 length prefix and returns the slice it covers.
func span(data []byte, at int, field string) ([]byte, int, error) {
	n, err := u32le(data, at, field)
	if err != nil {
		return nil, 0, err
	}
	start := at + LenSize
	if err := need(data, start, int(n), field); err != nil {
		return nil, 0, err
	}
	return data[start : start+int(n)], LenSize + int(n), nil
}

func appendU16(dst []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendU64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

func appendName(dst []byte, s, field string) ([]byte, error) {
	if len(s) > MaxNameLen {
		return dst, &CodecError{
			Kind:  KindTooLarge,
			Field: field,
			Want:  MaxNameLen,
			Have:  len(s),
			Err:   ErrTooLarge,
		}
	}
	dst = appendU16(dst, uint16(len(s))) //nolint:gosec
	return append(dst, s...), nil
}
