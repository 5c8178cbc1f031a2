package journal

import (
	"errors"
	"io"
	"os"

	"github.com/julianstephens/go-utils/validator"

	"github.com/julianstephens/peercache/internal/peercache/errorutil"
	"github.com/julianstephens/peercache/internal/peercache/frame"
)

type TailStatus int

const (
	// TailStatusValid indicates the newest segment ended on an entry boundary.
	TailStatusValid TailStatus = iota
	// TailStatusCorrupt indicates an undecodable entry was found and cut off.
	TailStatusCorrupt
	// TailStatusTruncated indicates a partially written entry was cut off.
	TailStatusTruncated
)

func (ts TailStatus) String() string {
	switch ts {
	case TailStatusValid:
		return "valid"
	case TailStatusCorrupt:
		return "corrupt"
	case TailStatusTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

func classify(err error) TailStatus {
	if errors.Is(err, frame.ErrTruncated) {
		return TailStatusTruncated
	}
	return TailStatusCorrupt
}

// Replay calls fn for every entry with a sequence above after, in order.
// Entries appended while Replay runs are not visited.
func (j *Journal) Replay(after uint64, fn func(seq uint64, payload []byte) error) error {
	type view struct {
		id    uint64
		limit int64 // -1 for a sealed segment
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return wrapJournalErr("replay", ErrClosed, j.dir, 0, nil)
	}
	if err := j.active.Flush(); err != nil {
		j.mu.Unlock()
		return wrapJournalErr("flush_segment", ErrSegmentFlush, j.dir, j.activeID(), err)
	}
	var views []view
	for i, s := range j.segments {
		if s.firstSeq == 0 || s.lastSeq <= after {
			continue
		}
		v := view{id: s.id, limit: -1}
		if i == len(j.segments)-1 {
			v.limit = j.active.CurrentOffset()
		}
		views = append(views, v)
	}
	j.mu.Unlock()

	for _, v := range views {
		if err := j.replaySegment(v.id, v.limit, after, fn); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replaySegment(id uint64, limit int64, after uint64, fn func(uint64, []byte) error) error {
	f, err := os.Open(j.segmentPath(id)) //nolint:gosec
	if err != nil {
		return wrapJournalErr("replay_open", ErrSegmentOpen, j.dir, id, err)
	}
	defer f.Close() //nolint:errcheck

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	var cbErr error
	err = readEntries(r, func(seq uint64, payload []byte, _ int64) error {
		if seq <= after {
			return nil
		}
		if err := fn(seq, payload); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	if err != nil {
		var offset int64
		if pe, ok := frame.AsParseError(err); ok {
			offset = pe.Offset
		}
		return &JournalError{
			Err:         ErrCorrupt,
			Dir:         j.dir,
			Coordinates: &errorutil.Coordinates{SegId: errorutil.Ptr(id), Offset: errorutil.Ptr(offset)},
			Op:          "replay",
			Cause:       err,
		}
	}
	return nil
}

// validateSegments checks that the given segment IDs are non-zero and
// consecutive. Compaction only removes from the front, so gaps mean loss.
func validateSegments(ids []uint64) error {
	v := validator.Numbers[uint64]()

	if len(ids) == 0 {
		return nil
	}
	if err := v.ValidateNonZero(ids[0]); err != nil {
		return err
	}
	for i := 1; i < len(ids); i++ {
		if err := v.ValidateNonZero(ids[i]); err != nil {
			return err
		}
		if err := v.ValidateConsecutive(ids[i-1], ids[i]); err != nil {
			return err
		}
	}
	return nil
}
