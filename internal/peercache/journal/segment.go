package journal

import (
	"bufio"
	"io"
	"os"

	"github.com/julianstephens/peercache/internal/peercache/frame"
)

const segmentBufferSize = 64 << 10 // 64KiB

// segmentAppender appends frames to one segment file through a buffer.
type segmentAppender struct {
	file   *os.File
	offset int64
	w      *bufio.Writer
	closed bool
}

func newSegmentAppender(file *os.File) (*segmentAppender, error) {
	if file == nil {
		return nil, ErrNilSegmentFile
	}
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return &segmentAppender{
		file:   file,
		offset: info.Size(),
		w:      bufio.NewWriterSize(file, segmentBufferSize),
	}, nil
}

// Append writes one frame and returns the offset it starts at.
func (a *segmentAppender) Append(kind frame.Kind, payload []byte) (int64, error) {
	if a.closed {
		return 0, ErrClosedAppender
	}
	start := a.offset
	n, err := frame.WriteFrame(a.w, kind, payload)
	a.offset += int64(n)
	if err != nil {
		return start, err
	}
	return start, nil
}

func (a *segmentAppender) CurrentOffset() int64 { return a.offset }

func (a *segmentAppender) Flush() error {
	if a.closed {
		return ErrClosedAppender
	}
	return a.w.Flush()
}

func (a *segmentAppender) FSync() error {
	if err := a.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

func (a *segmentAppender) Close() error {
	if a.closed {
		return nil
	}
	flushErr := a.w.Flush()
	a.closed = true
	closeErr := a.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
