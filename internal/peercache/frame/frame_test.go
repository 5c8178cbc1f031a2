package frame_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/frame"
)

// helper to construct a valid encoded frame without going through EncodeFrame
func encodeFrame(kind frame.Kind, payload []byte) []byte {
	frameLen := uint32(len(payload)) + 1 //nolint:gosec

	data := make([]byte, frameLen)
	data[0] = byte(kind)
	copy(data[1:], payload)
	crc := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, frameLen)
	buf.Write(data)
	_ = binary.Write(buf, binary.LittleEndian, crc)
	return buf.Bytes()
}

// TestEncodeMatchesLayout checks EncodeFrame against a hand-built frame
func TestEncodeMatchesLayout(t *testing.T) {
	got, err := frame.EncodeFrame(3, []byte("payload"))
	tst.RequireNoError(t, err)
	tst.RequireDeepEqual(t, got, encodeFrame(3, []byte("payload")))
	tst.AssertEqual(t, int64(len(got)), frame.EncodedSize(len("payload")), "encoded size")
}

func TestDecodeFrameRoundtrip(t *testing.T) {
	testCases := []struct {
		name    string
		kind    frame.Kind
		payload []byte
	}{
		{"Empty", 1, nil},
		{"Small", 2, []byte("hello")},
		{"MaxKind", frame.MaxKind, bytes.Repeat([]byte{0xab}, 1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := frame.EncodeFrame(tc.kind, tc.payload)
			tst.RequireNoError(t, err)
			f, err := frame.DecodeFrame(data)
			tst.RequireNoError(t, err)
			tst.AssertEqual(t, f.Frame.Kind, tc.kind, "kind")
			tst.AssertTrue(t, bytes.Equal(f.Frame.Payload, tc.payload), "payload mismatch")
			tst.AssertEqual(t, f.Size, int64(len(data)), "size")
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	valid := encodeFrame(2, []byte("abc"))

	badCRC := append([]byte{}, valid...)
	badCRC[len(badCRC)-1] ^= 0xff

	badKind := encodeFrame(0, []byte("abc"))
	trailing := append(append([]byte{}, valid...), 0x00)

	zeroLen := make([]byte, 8)

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"Short", valid[:3], frame.ErrTruncated},
		{"CutPayload", valid[:len(valid)-2], frame.ErrTruncated},
		{"Checksum", badCRC, frame.ErrChecksumMismatch},
		{"InvalidKind", badKind, frame.ErrInvalidKind},
		{"Trailing", trailing, frame.ErrCorrupt},
		{"ZeroLength", zeroLen, frame.ErrInvalidLength},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := frame.DecodeFrame(tc.data)
			tst.AssertNotNil(t, err, "expected error")
			tst.AssertTrue(t, errors.Is(err, tc.want), "unexpected error: "+err.Error())
		})
	}
}

func TestEncodeRejectsInvalidKind(t *testing.T) {
	_, err := frame.EncodeFrame(frame.KindUnknown, []byte("x"))
	tst.AssertTrue(t, errors.Is(err, frame.ErrInvalidKind), "expected ErrInvalidKind")
	_, err = frame.EncodeFrame(frame.MaxKind+1, []byte("x"))
	tst.AssertTrue(t, errors.Is(err, frame.ErrInvalidKind), "expected ErrInvalidKind")
}

// TestReaderContinuesAfterBadFrame drops a corrupt frame and reads the next one
func TestReaderContinuesAfterBadFrame(t *testing.T) {
	first := encodeFrame(1, []byte("one"))
	bad := encodeFrame(2, []byte("two"))
	bad[len(bad)-1] ^= 0xff
	third := encodeFrame(3, []byte("three"))

	var stream bytes.Buffer
	stream.Write(first)
	stream.Write(bad)
	stream.Write(third)

	r := frame.NewReader(&stream)
	f, err := r.Next()
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, string(f.Frame.Payload), "one", "first payload")

	_, err = r.Next()
	tst.AssertTrue(t, frame.IsCorruption(err), "expected corruption")
	pe, ok := frame.AsParseError(err)
	tst.AssertTrue(t, ok, "expected ParseError")
	tst.AssertEqual(t, pe.Offset, int64(len(first)), "offset of bad frame")

	f, err = r.Next()
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, string(f.Frame.Payload), "three", "third payload")

	_, err = r.Next()
	tst.AssertTrue(t, frame.IsCleanEOF(err), "expected clean EOF")
	tst.AssertEqual(t, r.Offset(), int64(len(first)+len(bad)+len(third)), "final offset")
}

func TestReaderTruncatedTail(t *testing.T) {
	data := encodeFrame(1, []byte("payload"))
	r := frame.NewReader(bytes.NewReader(data[:len(data)-3]))
	_, err := r.Next()
	tst.AssertTrue(t, frame.IsTruncation(err), "expected truncation")
	tst.AssertTrue(t, errors.Is(err, io.ErrUnexpectedEOF), "expected io.ErrUnexpectedEOF cause")
}
