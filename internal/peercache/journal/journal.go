package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/julianstephens/go-utils/helpers"

	"github.com/julianstephens/peercache/internal/logger"
	"github.com/julianstephens/peercache/internal/peercache/errorutil"
	"github.com/julianstephens/peercache/internal/peercache/frame"
)

const (
	// FirstSegmentID is the id of the segment a new journal starts with.
	FirstSegmentID uint64 = 1

	entryKind frame.Kind = 1
	seqSize              = 8
)

type Options struct {
	// 0 means "never rotate" (single segment)
	SegmentMaxBytes int64
	// SyncOnAppend fsyncs after every append instead of only flushing.
	SyncOnAppend bool
	// Floor is the lowest LastSeq the journal may report after Open. It is
	// the sequence recorded elsewhere (the manifest) so numbering survives
	// compaction of every entry.
	Floor uint64
}

type segmentInfo struct {
	id       uint64
	firstSeq uint64 // 0 while the segment is empty
	lastSeq  uint64
}

// Journal is a segmented append-only log of sequence-numbered entries. The
// node journals every outbound Notify payload so peers that reconnect can be
// replayed what they missed.
type Journal struct {
	mu sync.Mutex

	dir  string
	opts Options
	lg   logger.Logger

	// segments is always kept sorted by id; the last one is active
	segments []segmentInfo
	active   *segmentAppender
	lastSeq  uint64
	tail     TailStatus

	closed bool
}

// Open opens or creates the journal in dir, scans existing segments to find
// the last sequence, and cuts off a torn tail left by a crash.
func Open(dir string, opts Options, lg logger.Logger) (*Journal, error) {
	j := &Journal{
		dir:  dir,
		opts: opts,
		lg:   logger.With(logger.OrNop(lg), "component", "journal"),
	}

	if err := helpers.Ensure(dir, true); err != nil {
		return nil, wrapJournalErr("ensure_dir", ErrInvalidDir, dir, 0, err)
	}
	ids, err := listSegments(dir)
	if err != nil {
		return nil, wrapJournalErr("list_segments", ErrSegmentList, dir, 0, err)
	}
	slices.Sort(ids)
	if err := validateSegments(ids); err != nil {
		return nil, wrapJournalErr("validate_segments", ErrSegmentOrder, dir, 0, err)
	}

	for i, id := range ids {
		last := i == len(ids)-1
		info, scan, err := j.scanSegment(id)
		if err != nil {
			return nil, err
		}
		if scan.status != TailStatusValid {
			if !last {
				return nil, &JournalError{
					Err:         ErrCorrupt,
					Dir:         dir,
					Coordinates: &errorutil.Coordinates{SegId: errorutil.Ptr(id), Offset: errorutil.Ptr(scan.validEnd)},
					Op:          "scan_segment",
					Cause:       scan.err,
				}
			}
			j.lg.Warn("cutting journal tail", "seg", id, "at", scan.validEnd, "reason", scan.status.String())
			if err := os.Truncate(j.segmentPath(id), scan.validEnd); err != nil {
				return nil, wrapJournalErr("truncate_tail", ErrSegmentOpen, dir, id, err)
			}
			j.tail = scan.status
		}
		if info.firstSeq != 0 {
			if info.firstSeq <= j.lastSeq {
				return nil, &JournalError{
					Err:         ErrSeqRegression,
					Dir:         dir,
					Coordinates: &errorutil.Coordinates{SegId: errorutil.Ptr(id), Seq: errorutil.Ptr(info.firstSeq)},
					Op:          "scan_segment",
				}
			}
			j.lastSeq = info.lastSeq
		}
		j.segments = append(j.segments, info)
	}

	if j.lastSeq < opts.Floor {
		j.lastSeq = opts.Floor
	}

	var file *os.File
	if len(j.segments) == 0 {
		file, err = j.createSegment(FirstSegmentID)
		if err != nil {
			return nil, wrapJournalErr("create_segment", ErrSegmentCreate, dir, FirstSegmentID, err)
		}
		j.segments = append(j.segments, segmentInfo{id: FirstSegmentID})
	} else {
		id := j.segments[len(j.segments)-1].id
		file, err = os.OpenFile(j.segmentPath(id), os.O_RDWR|os.O_APPEND, 0o600) //nolint:gosec
		if err != nil {
			return nil, wrapJournalErr("open_segment", ErrSegmentOpen, dir, id, err)
		}
	}
	j.active, err = newSegmentAppender(file)
	if err != nil {
		_ = file.Close()
		return nil, wrapJournalErr("open_segment", ErrSegmentOpen, dir, j.activeID(), err)
	}

	j.lg.Info("journal opened", "dir", dir, "segments", len(j.segments), "last_seq", j.lastSeq)
	return j, nil
}

// Append journals payload under the next sequence number.
func (j *Journal) Append(payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, wrapJournalErr("append", ErrClosed, j.dir, 0, nil)
	}
	size := seqSize + len(payload)
	if frame.EncodedSize(size) > frame.MaxFrameSize {
		return 0, wrapJournalErr("append", ErrPayloadTooLarge, j.dir, j.activeID(), fmt.Errorf("%d bytes", len(payload)))
	}
	if err := j.maybeRotateLocked(size); err != nil {
		return 0, wrapJournalErr("rotate_segment", ErrSegmentRotate, j.dir, j.activeID(), err)
	}

	seq := j.lastSeq + 1
	entry := make([]byte, size)
	binary.LittleEndian.PutUint64(entry, seq)
	copy(entry[seqSize:], payload)

	if _, err := j.active.Append(entryKind, entry); err != nil {
		return 0, wrapJournalErr("append_entry", ErrAppendFailed, j.dir, j.activeID(), err)
	}
	var err error
	if j.opts.SyncOnAppend {
		err = j.active.FSync()
	} else {
		err = j.active.Flush()
	}
	if err != nil {
		return 0, wrapJournalErr("flush_segment", ErrSegmentFlush, j.dir, j.activeID(), err)
	}

	j.lastSeq = seq
	cur := &j.segments[len(j.segments)-1]
	if cur.firstSeq == 0 {
		cur.firstSeq = seq
	}
	cur.lastSeq = seq
	return seq, nil
}

// LastSeq is the sequence of the newest entry, or 0 for an empty journal.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// TailStatus reports what Open found at the end of the newest segment.
func (j *Journal) TailStatus() TailStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

func (j *Journal) SegmentIDs() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]uint64, len(j.segments))
	for i, s := range j.segments {
		ids[i] = s.id
	}
	return ids
}

// Sync flushes then fsyncs the active segment.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return wrapJournalErr("fsync", ErrClosed, j.dir, 0, nil)
	}
	if err := j.active.FSync(); err != nil {
		return wrapJournalErr("fsync_segment", ErrSegmentSync, j.dir, j.activeID(), err)
	}
	return nil
}

// Compact removes sealed segments whose entries are all at or below upTo.
// The active segment is never removed.
func (j *Journal) Compact(upTo uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, wrapJournalErr("compact", ErrClosed, j.dir, 0, nil)
	}
	removed := 0
	for len(j.segments) > 1 {
		s := j.segments[0]
		if s.lastSeq > upTo {
			break
		}
		if err := os.Remove(j.segmentPath(s.id)); err != nil {
			return removed, wrapJournalErr("remove_segment", ErrSegmentRemove, j.dir, s.id, err)
		}
		j.segments = j.segments[1:]
		removed++
	}
	if removed > 0 {
		j.lg.Debug("journal compacted", "up_to", upTo, "segments_removed", removed)
	}
	return removed, nil
}

// Close flushes and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.active.Close(); err != nil {
		return wrapJournalErr("close_segment", ErrSegmentClose, j.dir, j.activeID(), err)
	}
	return nil
}

func (j *Journal) activeID() uint64 {
	if len(j.segments) == 0 {
		return 0
	}
	return j.segments[len(j.segments)-1].id
}

// maybeRotateLocked seals the active segment when the next entry would not fit.
func (j *Journal) maybeRotateLocked(entryLen int) error {
	if j.opts.SegmentMaxBytes <= 0 {
		return nil
	}
	if j.active.CurrentOffset() == 0 || j.active.CurrentOffset()+frame.EncodedSize(entryLen) <= j.opts.SegmentMaxBytes {
		return nil
	}
	if err := j.active.Close(); err != nil {
		return err
	}
	next := j.activeID() + 1
	file, err := j.createSegment(next)
	if err != nil {
		return err
	}
	active, err := newSegmentAppender(file)
	if err != nil {
		_ = file.Close()
		return err
	}
	j.segments = append(j.segments, segmentInfo{id: next})
	j.active = active
	j.lg.Debug("journal segment rotated", "seg", next)
	return nil
}

func (j *Journal) segmentPath(id uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("segment-%020d.jnl", id))
}

func (j *Journal) createSegment(id uint64) (*os.File, error) {
	return os.OpenFile(j.segmentPath(id), os.O_CREATE|os.O_RDWR|os.O_EXCL|os.O_APPEND, 0o600) //nolint:gosec
}

func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, fi := range files {
		if fi.IsDir() {
			continue
		}
		var id uint64
		n, err := fmt.Sscanf(fi.Name(), "segment-%020d.jnl", &id)
		if err != nil || n != 1 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type segmentScan struct {
	status   TailStatus
	validEnd int64
	err      error
}

// scanSegment reads every entry of a segment to find its sequence range and
// where the last valid entry ends.
func (j *Journal) scanSegment(id uint64) (segmentInfo, segmentScan, error) {
	info := segmentInfo{id: id}
	f, err := os.Open(j.segmentPath(id)) //nolint:gosec
	if err != nil {
		return info, segmentScan{}, wrapJournalErr("open_segment", ErrSegmentOpen, j.dir, id, err)
	}
	defer f.Close() //nolint:errcheck

	scan := segmentScan{status: TailStatusValid}
	err = readEntries(f, func(seq uint64, _ []byte, end int64) error {
		if info.firstSeq == 0 {
			info.firstSeq = seq
		} else if seq <= info.lastSeq {
			return fmt.Errorf("seq %d after %d", seq, info.lastSeq)
		}
		info.lastSeq = seq
		scan.validEnd = end
		return nil
	})
	if err != nil {
		scan.err = err
		scan.status = classify(err)
	}
	return info, scan, nil
}

// readEntries calls fn for each entry of r with the offset just past it.
func readEntries(r io.Reader, fn func(seq uint64, payload []byte, end int64) error) error {
	fr := frame.NewReader(r)
	for {
		f, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if f.Frame.Kind != entryKind || len(f.Frame.Payload) < seqSize {
			return &frame.ParseError{
				Kind:    frame.KindCorrupt,
				Offset:  f.Offset,
				RawKind: byte(f.Frame.Kind),
				Err:     ErrCorrupt,
			}
		}
		seq := binary.LittleEndian.Uint64(f.Frame.Payload)
		if err := fn(seq, f.Frame.Payload[seqSize:], f.Offset+f.Size); err != nil {
			return err
		}
	}
}
