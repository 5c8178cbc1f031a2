package frame

import (
	"encoding/binary"
	"io"
)

// Reader reads consecutive frames from a byte stream.
type Reader struct {
	r      io.Reader
	offset int64
}

// NewReader creates a Reader that reads frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads the next frame. A stream that ends cleanly between frames
// returns io.EOF.
func (fr *Reader) Next() (Framed, error) {
	start := fr.offset

	hdr := make([]byte, HeaderSize)
	n, err := io.ReadFull(fr.r, hdr)
	if err != nil {
		fr.offset += int64(n)
		if err == io.EOF && n == 0 {
			return Framed{}, io.EOF
		}
		return Framed{}, &ParseError{
			Kind:   KindTruncated,
			Offset: start,
			Want:   HeaderSize,
			Have:   n,
			Err:    io.ErrUnexpectedEOF,
		}
	}

	frameLen := binary.LittleEndian.Uint32(hdr)
	if err = ValidateLength(frameLen); err != nil {
		if pe, ok := AsParseError(err); ok {
			pe.Offset = start
			return Framed{}, pe
		}
		return Framed{}, err
	}

	body := make([]byte, frameLen+CRCSize)
	n, err = io.ReadFull(fr.r, body)
	if err != nil {
		fr.offset += int64(HeaderSize + n)
		return Framed{}, &ParseError{
			Kind:        KindTruncated,
			Offset:      start,
			DeclaredLen: frameLen,
			Want:        int(frameLen) + CRCSize,
			Have:        n,
			Err:         io.ErrUnexpectedEOF,
		}
	}
	fr.offset += int64(HeaderSize + len(body))

	return parseBody(start, frameLen, body)
}

// Offset returns the current offset in the underlying reader.
func (fr *Reader) Offset() int64 {
	return fr.offset
}
