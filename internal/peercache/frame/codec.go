package frame

import (
	"encoding/binary"
	"io"
)

// ValidateLength checks if the given frame length is within valid bounds.
func ValidateLength(length uint32) error {
	if length < KindSize {
		return &ParseError{
			Kind:        KindInvalidLength,
			DeclaredLen: length,
			Err:         ErrInvalidLength,
		}
	}

	if length > MaxFrameSize {
		return &ParseError{
			Kind:        KindTooLarge,
			DeclaredLen: length,
			Want:        MaxFrameSize,
			Have:        int(length),
			Err:         ErrTooLarge,
		}
	}
	return nil
}

func validKind(k Kind) bool {
	return k > KindUnknown && k <= MaxKind
}

// EncodeFrame encodes a frame with the given kind and payload.
// Format: [len (4)][kind (1)][payload][crc32c (4)]
func EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	if !validKind(kind) {
		return nil, &ParseError{
			Kind:    KindInvalidKind,
			RawKind: byte(kind),
			Err:     ErrInvalidKind,
		}
	}
	frameLen := uint32(len(payload)) + KindSize //nolint:gosec
	if err := ValidateLength(frameLen); err != nil {
		return nil, err
	}

	data := make([]byte, HeaderSize+frameLen+CRCSize)
	binary.LittleEndian.PutUint32(data[:HeaderSize], frameLen)
	data[HeaderSize] = byte(kind)
	copy(data[HeaderSize+KindSize:], payload)

	crc := ComputeChecksum(data[HeaderSize : HeaderSize+frameLen])
	binary.LittleEndian.PutUint32(data[HeaderSize+frameLen:], crc)

	return data, nil
}

// WriteFrame encodes a frame and writes it to w in a single call.
func WriteFrame(w io.Writer, kind Kind, payload []byte) (int, error) {
	data, err := EncodeFrame(kind, payload)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

// DecodeFrame decodes exactly one frame from data, as delivered by a datagram.
func DecodeFrame(data []byte) (Framed, error) {
	if len(data) < HeaderSize+CRCSize {
		return Framed{}, &ParseError{
			Kind: KindTruncated,
			Want: HeaderSize + CRCSize,
			Have: len(data),
			Err:  io.ErrUnexpectedEOF,
		}
	}

	frameLen := binary.LittleEndian.Uint32(data[:HeaderSize])
	if err := ValidateLength(frameLen); err != nil {
		return Framed{}, err
	}

	wantTotal := HeaderSize + int(frameLen) + CRCSize
	if len(data) < wantTotal {
		return Framed{}, &ParseError{
			Kind:        KindTruncated,
			DeclaredLen: frameLen,
			Want:        wantTotal,
			Have:        len(data),
			Err:         io.ErrUnexpectedEOF,
		}
	}
	if len(data) != wantTotal {
		return Framed{}, &ParseError{
			Kind:        KindCorrupt,
			DeclaredLen: frameLen,
			Want:        wantTotal,
			Have:        len(data),
			Err:         ErrInvalidLength,
		}
	}

	return parseBody(0, frameLen, data[HeaderSize:])
}

// parseBody validates [kind][payload][crc] read after the length prefix.
func parseBody(offset int64, frameLen uint32, body []byte) (Framed, error) {
	rawKind := body[0]
	kind := Kind(rawKind)
	if !validKind(kind) {
		return Framed{}, &ParseError{
			Kind:        KindInvalidKind,
			Offset:      offset,
			DeclaredLen: frameLen,
			RawKind:     rawKind,
			Err:         ErrInvalidKind,
		}
	}

	f := Framed{
		Offset: offset,
		Size:   int64(HeaderSize + frameLen + CRCSize),
		Frame: Frame{
			Len:     frameLen,
			Kind:    kind,
			Payload: body[KindSize:frameLen],
			CRC:     binary.LittleEndian.Uint32(body[frameLen : frameLen+CRCSize]),
		},
	}

	if !VerifyChecksum(&f.Frame) {
		return Framed{}, &ParseError{
			Kind:        KindChecksumMismatch,
			Offset:      offset,
			DeclaredLen: frameLen,
			RawKind:     rawKind,
			Err:         ErrChecksumMismatch,
		}
	}
	return f, nil
}
