package journal_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	tst "github.com/julianstephens/go-utils/tests"

	"github.com/julianstephens/peercache/internal/peercache/journal"
)

type entry struct {
	seq     uint64
	payload string
}

func collect(t *testing.T, j *journal.Journal, after uint64) []entry {
	t.Helper()
	var out []entry
	tst.RequireNoError(t, j.Replay(after, func(seq uint64, payload []byte) error {
		out = append(out, entry{seq: seq, payload: string(payload)})
		return nil
	}))
	return out
}

func TestAppendAssignsConsecutiveSequences(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck

	for i := 1; i <= 3; i++ {
		seq, err := j.Append([]byte(fmt.Sprintf("p%d", i)))
		tst.RequireNoError(t, err)
		tst.AssertEqual(t, seq, uint64(i))
	}
	tst.AssertEqual(t, j.LastSeq(), uint64(3))
	tst.RequireDeepEqual(t, collect(t, j, 1), []entry{{2, "p2"}, {3, "p3"}})
}

func TestReopenRecoversLastSeq(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{}, nil)
	tst.RequireNoError(t, err)
	_, err = j.Append([]byte("a"))
	tst.RequireNoError(t, err)
	_, err = j.Append([]byte("b"))
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, j.Close())

	j, err = journal.Open(dir, journal.Options{}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck
	tst.AssertEqual(t, j.LastSeq(), uint64(2))

	seq, err := j.Append([]byte("c"))
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, seq, uint64(3))
	tst.AssertEqual(t, len(collect(t, j, 0)), 3)
}

func TestRotationAndCompaction(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{SegmentMaxBytes: 64}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck

	payload := make([]byte, 40)
	for i := 0; i < 4; i++ {
		_, err := j.Append(payload)
		tst.RequireNoError(t, err)
	}
	tst.AssertEqual(t, len(j.SegmentIDs()), 4, "one entry per segment")

	removed, err := j.Compact(2)
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, removed, 2)
	tst.RequireDeepEqual(t, j.SegmentIDs(), []uint64{3, 4})

	got := collect(t, j, 0)
	tst.AssertEqual(t, len(got), 2)
	tst.AssertEqual(t, got[0].seq, uint64(3))
}

func TestTornTailIsCut(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{}, nil)
	tst.RequireNoError(t, err)
	_, err = j.Append([]byte("whole"))
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, j.Close())

	seg := filepath.Join(dir, fmt.Sprintf("segment-%020d.jnl", journal.FirstSegmentID))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0o600)
	tst.RequireNoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0x01, 0x02})
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, f.Close())

	j, err = journal.Open(dir, journal.Options{}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck
	tst.AssertEqual(t, j.TailStatus(), journal.TailStatusTruncated)
	tst.AssertEqual(t, j.LastSeq(), uint64(1))

	seq, err := j.Append([]byte("next"))
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, seq, uint64(2))
	tst.RequireDeepEqual(t, collect(t, j, 0), []entry{{1, "whole"}, {2, "next"}})
}

func TestFloorKeepsNumberingAfterFullCompaction(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{Floor: 41}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck

	seq, err := j.Append([]byte("x"))
	tst.RequireNoError(t, err)
	tst.AssertEqual(t, seq, uint64(42))
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{}, nil)
	tst.RequireNoError(t, err)
	defer j.Close() //nolint:errcheck
	for i := 0; i < 3; i++ {
		_, err := j.Append([]byte{byte(i)})
		tst.RequireNoError(t, err)
	}

	stop := errors.New("stop")
	calls := 0
	err = j.Replay(0, func(uint64, []byte) error {
		calls++
		return stop
	})
	tst.AssertTrue(t, errors.Is(err, stop), "callback error surfaces")
	tst.AssertEqual(t, calls, 1)
}

func TestClosedJournalRefusesAppend(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{}, nil)
	tst.RequireNoError(t, err)
	tst.RequireNoError(t, j.Close())

	_, err = j.Append([]byte("late"))
	tst.AssertTrue(t, errors.Is(err, journal.ErrClosed), "append after close")
}
